package ledger

import (
	"context"
	"fmt"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// DefaultThreshold is the accumulated value (in micro-units) at which
// settlement becomes due: one dollar at 6 decimals.
const DefaultThreshold uint64 = 1_000_000

// Ledger is the payment accumulator. It layers the threshold policy over an
// injected Store; all mutation goes through the store's atomic primitives.
type Ledger struct {
	store     Store
	threshold uint64
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithThreshold overrides the settlement threshold.
func WithThreshold(microUnits uint64) Option {
	return func(l *Ledger) {
		l.threshold = microUnits
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over the given store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordPayment durably appends one paid query and returns the new
// accumulated total. Safe to call concurrently with ResetAfterSettlement.
func (l *Ledger) RecordPayment(ctx context.Context, queryID string, microUnits uint64) (uint64, error) {
	if queryID == "" {
		return 0, fmt.Errorf("record payment: empty query id")
	}
	if microUnits == 0 {
		return 0, fmt.Errorf("record payment: zero amount for query %s", queryID)
	}

	total, err := l.store.Append(ctx, queryfi.PaymentRecord{
		QueryID:    queryID,
		MicroUnits: microUnits,
		Timestamp:  l.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("record payment %s: %w", queryID, err)
	}
	return total, nil
}

// ShouldSettle reports whether the accumulated value has reached the
// threshold.
func (l *Ledger) ShouldSettle(ctx context.Context) (bool, error) {
	snap, err := l.store.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("read accumulator: %w", err)
	}
	return snap.MicroUnits >= l.threshold, nil
}

// ResetAfterSettlement atomically clears exactly the payments of the given
// batch, the snapshot that was submitted on-chain. Payments recorded after
// the batch was captured stay accumulated for the next cycle.
func (l *Ledger) ResetAfterSettlement(ctx context.Context, batch queryfi.AccumulatorSnapshot) (queryfi.AccumulatorSnapshot, error) {
	snap, err := l.store.Reset(ctx, l.now(), batch)
	if err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("reset accumulator: %w", err)
	}
	return snap, nil
}

// Snapshot returns the current accumulator contents without clearing them.
func (l *Ledger) Snapshot(ctx context.Context) (queryfi.AccumulatorSnapshot, error) {
	return l.store.Snapshot(ctx)
}

// LastSettlement returns the time of the most recent reset.
func (l *Ledger) LastSettlement(ctx context.Context) (time.Time, error) {
	return l.store.LastSettlement(ctx)
}

// Threshold returns the configured settlement threshold.
func (l *Ledger) Threshold() uint64 {
	return l.threshold
}
