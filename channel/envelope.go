package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kshitij-hash/QueryFi/signers/evm"
)

// Relay method tags. Responses reuse the request's tag, so the tag doubles
// as the correlation key for the pending-request table.
const (
	methodAuthRequest      = "auth_request"
	methodAuthChallenge    = "auth_challenge"
	methodAuthVerify       = "auth_verify"
	methodCreateAppSession = "create_app_session"
	methodSubmitAppState   = "submit_app_state"
	methodCloseAppSession  = "close_app_session"
	methodPing             = "ping"
	methodPong             = "pong"
	methodError            = "error"
)

// envelope is one relay frame: a method tag, method-specific params, and a
// signature over the rest of the frame.
type envelope struct {
	RequestID uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp int64           `json:"ts"`
	Signature string          `json:"sig,omitempty"`
}

// signingPayload is the byte sequence the signature covers: the envelope
// with the signature field cleared, serialized deterministically.
func (e envelope) signingPayload() ([]byte, error) {
	e.Signature = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for signing: %w", err)
	}
	return payload, nil
}

// newSignedEnvelope builds and signs one outbound frame.
func newSignedEnvelope(ctx context.Context, signer evm.Signer, requestID uint64, method string, params any) (envelope, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = encoded
	}

	env := envelope{
		RequestID: requestID,
		Method:    method,
		Params:    raw,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := env.signingPayload()
	if err != nil {
		return envelope{}, err
	}
	signature, err := signer.SignMessage(ctx, payload)
	if err != nil {
		return envelope{}, fmt.Errorf("sign %s: %w", method, err)
	}
	env.Signature = evm.EncodeSignature(signature)
	return env, nil
}

// VerifyEnvelope checks the frame signature against the expected signer
// address. The relay side (and the test fake) uses it to authenticate
// frames.
func VerifyEnvelope(data []byte, address string) (bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Signature == "" {
		return false, nil
	}

	signature, err := evm.DecodeSignature(env.Signature)
	if err != nil {
		return false, err
	}
	payload, err := env.signingPayload()
	if err != nil {
		return false, err
	}
	return evm.VerifySignature(address, payload, signature), nil
}

// Allowance caps what the delegated session key may spend.
type Allowance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Allocation is one participant's share of session value at a version.
type Allocation struct {
	Participant string          `json:"participant"`
	AssetSymbol string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// AppDefinition declares the two-party payment session: participant list,
// signing weights, and the quorum required to advance state.
type AppDefinition struct {
	Application  string   `json:"application"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Nonce        uint64   `json:"nonce"`
}

type authRequestParams struct {
	Address    string      `json:"address"`
	SessionKey string      `json:"session_key"`
	AppName    string      `json:"application"`
	Allowances []Allowance `json:"allowances"`
	ExpiresAt  int64       `json:"expires_at"`
	Scope      string      `json:"scope"`
}

type authChallengeParams struct {
	ChallengeMessage string `json:"challenge_message"`
}

type authVerifyParams struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type authVerifyResult struct {
	Success bool   `json:"success"`
	Address string `json:"address,omitempty"`
}

type createAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

type createAppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
}

type submitAppStateParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
	SessionData  string       `json:"session_data,omitempty"`
}

type submitAppStateResult struct {
	Version uint64 `json:"version"`
}

type closeAppSessionParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

// errorParams is the relay's error frame. Method, when present, names the
// request the error refers to; without it the error is connection-scoped.
type errorParams struct {
	Method  string `json:"method,omitempty"`
	Message string `json:"message"`
}

// sessionData is the opaque payload attached to each balance update, tying
// the update to the query it pays for.
type sessionData struct {
	QueryID   string `json:"queryId"`
	Timestamp int64  `json:"timestamp"`
}

// microToDecimal renders a micro-unit amount in asset units (6 decimals).
func microToDecimal(microUnits uint64) decimal.Decimal {
	return decimal.New(int64(microUnits), -6)
}
