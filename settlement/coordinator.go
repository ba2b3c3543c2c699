package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
	"github.com/kshitij-hash/QueryFi/ledger"
)

const (
	// DefaultRetryAttempts bounds the per-target retry loop.
	DefaultRetryAttempts = 3
	// DefaultRetryBaseDelay is doubled on every attempt.
	DefaultRetryBaseDelay = 2 * time.Second
	// DefaultBatchCacheTTL is how long a completed batch stays
	// idempotent against duplicate triggers.
	DefaultBatchCacheTTL = 5 * time.Minute
	// settleAttemptTimeout bounds a single chain submission once it is
	// detached from the caller's context.
	settleAttemptTimeout = 2 * time.Minute
)

// Status is the settlement-service view consumed by the HTTP surface.
type Status struct {
	Accumulated     uint64                     `json:"accumulated"`
	Threshold       uint64                     `json:"threshold"`
	PendingPayments []queryfi.PaymentRecord    `json:"pendingPayments"`
	ReadyToSettle   bool                       `json:"readyToSettle"`
	History         []queryfi.SettlementRecord `json:"history"`
}

// Coordinator drives on-chain settlement of the accumulated ledger value:
// single-flight per ledger, bounded exponential backoff per chain target,
// reset only after the primary target succeeds.
type Coordinator struct {
	ledger    *ledger.Ledger
	primary   Target
	secondary []Target

	retryAttempts  int
	retryBaseDelay time.Duration

	settling atomic.Bool
	cache    *batchCache
	logger   *slog.Logger

	historyMu    sync.Mutex
	history      []queryfi.SettlementRecord
	lastOutcomes []queryfi.ChainOutcome
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSecondaryTargets adds best-effort chains settled alongside the
// primary.
func WithSecondaryTargets(targets ...Target) Option {
	return func(c *Coordinator) {
		c.secondary = append(c.secondary, targets...)
	}
}

// WithRetryPolicy overrides the attempt count and base delay.
func WithRetryPolicy(attempts int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator builds a coordinator over one ledger and one required
// primary target.
func NewCoordinator(l *ledger.Ledger, primary Target, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:         l,
		primary:        primary,
		retryAttempts:  DefaultRetryAttempts,
		retryBaseDelay: DefaultRetryBaseDelay,
		cache:          newBatchCache(DefaultBatchCacheTTL),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAndAutoSettle settles if the threshold policy says so. Failures are
// logged, not returned: auto-settlement is best-effort and the accumulator
// is untouched on failure, so the value is retried on the next qualifying
// payment.
func (c *Coordinator) CheckAndAutoSettle(ctx context.Context) {
	due, err := c.ledger.ShouldSettle(ctx)
	if err != nil {
		c.logger.Error("auto-settle threshold check failed", "error", err)
		return
	}
	if !due {
		return
	}

	if _, err := c.TriggerOnChainSettlement(ctx); err != nil {
		c.logger.Warn("auto-settlement failed, value retained for retry", "error", err)
	}
}

// TriggerOnChainSettlement runs one settlement cycle. It returns
// ErrSettlementInProgress when another cycle holds the single-flight lock
// and ErrNothingToSettle when the accumulator is empty. A duplicate
// trigger for an already-settled batch returns the cached record.
func (c *Coordinator) TriggerOnChainSettlement(ctx context.Context) (queryfi.SettlementRecord, error) {
	if !c.settling.CompareAndSwap(false, true) {
		return queryfi.SettlementRecord{}, queryfi.ErrSettlementInProgress
	}
	defer c.settling.Store(false)

	snap, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return queryfi.SettlementRecord{}, fmt.Errorf("read accumulator: %w", err)
	}
	if snap.MicroUnits == 0 {
		return queryfi.SettlementRecord{}, queryfi.ErrNothingToSettle
	}

	batchID := queryfi.NewBatchID(snap.LastQueryID())
	switch status, cached := c.cache.checkAndMark(batchID); status {
	case batchCached:
		return *cached, nil
	case batchInFlight:
		// Unreachable while the single-flight lock is held, but kept:
		// the cache is the guard that survives if settlement ever runs
		// from more than one coordinator.
		return queryfi.SettlementRecord{}, queryfi.ErrSettlementInProgress
	}

	record, err := c.settleBatch(ctx, snap, batchID)
	if err != nil {
		c.cache.fail(batchID)
		return queryfi.SettlementRecord{}, err
	}

	c.cache.complete(batchID, &record)
	return record, nil
}

// settleBatch commits one batch: primary target with retry, ledger reset,
// then best-effort secondaries.
func (c *Coordinator) settleBatch(ctx context.Context, snap queryfi.AccumulatorSnapshot, batchID queryfi.BatchID) (queryfi.SettlementRecord, error) {
	txRef, err := c.settleWithRetry(ctx, c.primary, snap.MicroUnits, batchID)
	if err != nil {
		return queryfi.SettlementRecord{}, fmt.Errorf("primary chain %s: %w", c.primary.Chain(), err)
	}

	outcomes := []queryfi.ChainOutcome{{
		Chain:          c.primary.Chain(),
		Required:       true,
		TransactionRef: txRef,
	}}
	c.logger.Info("primary settlement confirmed",
		"chain", c.primary.Chain(), "tx", txRef, "amount", snap.MicroUnits)

	// Only now is the accumulator cleared, and only of the payments the
	// primary chain just settled; payments recorded since the snapshot
	// survive into the next cycle. The funds are already on-chain, so the
	// reset runs even if the caller has gone away.
	if _, err := c.ledger.ResetAfterSettlement(context.WithoutCancel(ctx), snap); err != nil {
		return queryfi.SettlementRecord{}, fmt.Errorf("reset after settlement: %w", err)
	}

	for _, target := range c.secondary {
		secondaryRef, err := c.settleWithRetry(ctx, target, snap.MicroUnits, batchID)
		if err != nil {
			c.logger.Warn("best-effort chain settlement failed",
				"chain", target.Chain(), "error", err)
		}
		outcomes = append(outcomes, queryfi.ChainOutcome{
			Chain:          target.Chain(),
			TransactionRef: secondaryRef,
			Err:            err,
		})
	}

	var chains []queryfi.ChainID
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			chains = append(chains, outcome.Chain)
		}
	}

	record := queryfi.SettlementRecord{
		TransactionRef: txRef,
		MicroUnits:     snap.MicroUnits,
		QueryIDs:       snap.QueryIDs(),
		Timestamp:      time.Now(),
		Chains:         chains,
	}

	c.historyMu.Lock()
	c.history = append(c.history, record)
	c.lastOutcomes = outcomes
	c.historyMu.Unlock()

	return record, nil
}

// LastOutcomes returns the per-target results of the most recent completed
// settlement, distinguishing the required primary from best-effort chains.
func (c *Coordinator) LastOutcomes() []queryfi.ChainOutcome {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	outcomes := make([]queryfi.ChainOutcome, len(c.lastOutcomes))
	copy(outcomes, c.lastOutcomes)
	return outcomes
}

// settleWithRetry attempts the target up to the configured attempt count
// with exponential backoff, surfacing the last error. Non-retryable
// failures (contract rule violations) stop the loop immediately.
// Cancelling ctx stops further retries but never aborts an in-flight
// submission: a transaction already handed to the chain must run to its
// own conclusion, so each attempt gets a detached, time-bounded context.
func (c *Coordinator) settleWithRetry(ctx context.Context, target Target, microUnits uint64, batchID queryfi.BatchID) (string, error) {
	var lastErr error
	delay := c.retryBaseDelay

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleAttemptTimeout)
		txRef, err := target.Settle(attemptCtx, microUnits, batchID)
		cancel()
		if err == nil {
			return txRef, nil
		}
		lastErr = err

		if !queryfi.IsRetryable(err) {
			return "", err
		}
		if attempt == c.retryAttempts {
			break
		}

		c.logger.Debug("settlement attempt failed, backing off",
			"chain", target.Chain(), "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("settlement cancelled: %w", ctx.Err())
		}
		delay *= 2
	}
	return "", fmt.Errorf("all %d attempts failed: %w", c.retryAttempts, lastErr)
}

// History returns the completed settlements in order.
func (c *Coordinator) History() []queryfi.SettlementRecord {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	history := make([]queryfi.SettlementRecord, len(c.history))
	copy(history, c.history)
	return history
}

// Status reports the accumulator and settlement history for the HTTP
// surface.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	snap, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read accumulator: %w", err)
	}
	return Status{
		Accumulated:     snap.MicroUnits,
		Threshold:       c.ledger.Threshold(),
		PendingPayments: snap.Payments,
		ReadyToSettle:   snap.MicroUnits >= c.ledger.Threshold(),
		History:         c.History(),
	}, nil
}
