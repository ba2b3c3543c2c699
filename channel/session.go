package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// Payer/payee signing weights: the session is payer-driven, only the
// payer's signature advances state.
const (
	payerWeight   int64 = 100
	payeeWeight   int64 = 0
	sessionQuorum int64 = 100
)

// CreatePaymentSession opens a two-party application session with the
// payee, funded entirely on the payer side. The relay assigns the session
// id and the starting version (0 when omitted).
func (c *Client) CreatePaymentSession(ctx context.Context, payeeAddress string, initialDepositMicroUnits uint64) (string, error) {
	c.mu.Lock()
	if c.session == nil || !c.session.Authenticated {
		c.mu.Unlock()
		return "", queryfi.ErrNotAuthenticated
	}
	userAddress := c.session.UserAddress
	signer := c.sessionSigner
	c.mu.Unlock()

	params := createAppSessionParams{
		Definition: AppDefinition{
			Application:  c.appName,
			Participants: []string{userAddress, payeeAddress},
			Weights:      []int64{payerWeight, payeeWeight},
			Quorum:       sessionQuorum,
			Nonce:        uint64(time.Now().UnixNano()),
		},
		Allocations: []Allocation{
			{Participant: userAddress, AssetSymbol: c.asset, Amount: microToDecimal(initialDepositMicroUnits)},
			{Participant: payeeAddress, AssetSymbol: c.asset, Amount: microToDecimal(0)},
		},
	}

	raw, err := c.call(ctx, signer, methodCreateAppSession, methodCreateAppSession, params)
	if err != nil {
		return "", fmt.Errorf("create app session: %w", err)
	}

	var result createAppSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("%w: create app session: %v", queryfi.ErrMalformedResponse, err)
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.AppSessionID = result.AppSessionID
		c.session.AgentAddress = payeeAddress
		c.session.StateVersion = result.Version
		c.session.UserBalance = initialDepositMicroUnits
		c.session.AgentBalance = 0
		c.state = StateSessionActive
	}
	c.mu.Unlock()

	c.logger.Info("payment session created",
		"app_session_id", result.AppSessionID, "deposit", initialDepositMicroUnits)
	return result.AppSessionID, nil
}

// SendMicropayment moves amountMicroUnits from the payer allocation to the
// payee allocation and submits the signed state update. The acknowledged
// version (or a local increment when the relay omits one) becomes the new
// state version and is the proof of payment in the returned result.
// Balances are untouched on any failure.
func (c *Client) SendMicropayment(ctx context.Context, amountMicroUnits uint64, queryID string) (queryfi.PaymentResult, error) {
	c.mu.Lock()
	if c.session == nil || c.session.AppSessionID == "" {
		c.mu.Unlock()
		return queryfi.PaymentResult{}, queryfi.ErrNoActiveSession
	}
	if amountMicroUnits > c.session.UserBalance {
		err := fmt.Errorf("%w: payment %d exceeds balance %d",
			queryfi.ErrInsufficientBalance, amountMicroUnits, c.session.UserBalance)
		c.mu.Unlock()
		return queryfi.PaymentResult{}, err
	}
	appSessionID := c.session.AppSessionID
	userAddress := c.session.UserAddress
	agentAddress := c.session.AgentAddress
	currentVersion := c.session.StateVersion
	newUserBalance := c.session.UserBalance - amountMicroUnits
	newAgentBalance := c.session.AgentBalance + amountMicroUnits
	signer := c.sessionSigner
	c.mu.Unlock()

	payload, err := json.Marshal(sessionData{QueryID: queryID, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return queryfi.PaymentResult{}, fmt.Errorf("marshal session data: %w", err)
	}

	params := submitAppStateParams{
		AppSessionID: appSessionID,
		Allocations: []Allocation{
			{Participant: userAddress, AssetSymbol: c.asset, Amount: microToDecimal(newUserBalance)},
			{Participant: agentAddress, AssetSymbol: c.asset, Amount: microToDecimal(newAgentBalance)},
		},
		SessionData: string(payload),
	}

	raw, err := c.call(ctx, signer, methodSubmitAppState, methodSubmitAppState, params)
	if err != nil {
		return queryfi.PaymentResult{}, fmt.Errorf("submit app state: %w", err)
	}

	var result submitAppStateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return queryfi.PaymentResult{}, fmt.Errorf("%w: submit app state: %v", queryfi.ErrMalformedResponse, err)
	}

	version := result.Version
	if version == 0 {
		version = currentVersion + 1
	}

	c.mu.Lock()
	if c.session != nil && c.session.AppSessionID == appSessionID {
		c.session.UserBalance = newUserBalance
		c.session.AgentBalance = newAgentBalance
		c.session.StateVersion = version
	}
	c.mu.Unlock()

	select {
	case c.events <- Event{Type: EventBalanceUpdated, UserBalance: newUserBalance, AgentBalance: newAgentBalance}:
	default:
	}

	return queryfi.PaymentResult{
		QueryID:      queryID,
		MicroUnits:   amountMicroUnits,
		AppSessionID: appSessionID,
		Version:      version,
	}, nil
}

// CloseSession submits the final allocations and clears the local session
// id. Best-effort: a relay failure is logged, not propagated, because the
// on-chain settlement path does not depend on the relay-side close.
func (c *Client) CloseSession(ctx context.Context) {
	c.mu.Lock()
	if c.session == nil || c.session.AppSessionID == "" {
		c.mu.Unlock()
		return
	}
	appSessionID := c.session.AppSessionID
	userAddress := c.session.UserAddress
	agentAddress := c.session.AgentAddress
	userBalance := c.session.UserBalance
	agentBalance := c.session.AgentBalance
	signer := c.sessionSigner
	c.mu.Unlock()

	params := closeAppSessionParams{
		AppSessionID: appSessionID,
		Allocations: []Allocation{
			{Participant: userAddress, AssetSymbol: c.asset, Amount: microToDecimal(userBalance)},
			{Participant: agentAddress, AssetSymbol: c.asset, Amount: microToDecimal(agentBalance)},
		},
	}

	if _, err := c.call(ctx, signer, methodCloseAppSession, methodCloseAppSession, params); err != nil {
		c.logger.Warn("close app session failed", "app_session_id", appSessionID, "error", err)
	}

	c.mu.Lock()
	if c.session != nil && c.session.AppSessionID == appSessionID {
		c.session.AppSessionID = ""
		c.session.AgentAddress = ""
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	c.logger.Info("payment session closed",
		"app_session_id", appSessionID, "final_payer", userBalance, "final_payee", agentBalance)
}
