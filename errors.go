package queryfi

import (
	"context"
	"errors"
	"fmt"
)

// Transport errors: fatal to the current session, recoverable by reconnect.
var (
	// ErrConnectionTimeout means the relay did not become ready in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrDisconnected rejects every request still pending when the
	// connection is torn down, so no caller blocks forever.
	ErrDisconnected = errors.New("disconnected")
)

// Protocol errors: fatal to the current operation, not necessarily the
// session.
var (
	// ErrAuthRejected means the relay refused the challenge signature.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrMalformedResponse means a relay frame failed schema validation.
	ErrMalformedResponse = errors.New("malformed relay response")
)

// Application errors: expected, returned to the caller, never retried
// automatically.
var (
	// ErrInsufficientBalance rejects a payment larger than the payer's
	// current session balance; balances are left unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoActiveSession rejects payment operations before a payment
	// session has been created or after it was closed.
	ErrNoActiveSession = errors.New("no active payment session")
	// ErrNotAuthenticated rejects session operations before the auth
	// handshake has completed.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSettlementInProgress is returned to a settlement attempt that
	// loses the single-flight race; it does not queue.
	ErrSettlementInProgress = errors.New("settlement already in progress")
	// ErrNothingToSettle is returned when the accumulator holds no value.
	ErrNothingToSettle = errors.New("nothing to settle")
	// ErrProofReplayed rejects a payment proof whose version is not
	// strictly greater than the last accepted one for its session.
	ErrProofReplayed = errors.New("payment proof replayed or stale")
)

// ProtocolError is an error frame reported by the relay, carrying the
// method tag it relates to (empty when the relay did not address a specific
// request).
type ProtocolError struct {
	Method  string `json:"method,omitempty"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("relay error: %s", e.Message)
	}
	return fmt.Sprintf("relay error (%s): %s", e.Method, e.Message)
}

// nonRetryable wraps errors that must not be retried, such as on-chain
// reverts where retrying an invalid call only wastes gas.
type nonRetryable struct {
	err error
}

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks err as permanently failed for retry loops.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsRetryable reports whether a failed network or chain call may be
// attempted again. Context cancellation and marked errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *nonRetryable
	if errors.As(err, &nr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
