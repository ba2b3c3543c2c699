// Package ledger tracks earned-but-unsettled value: every paid query is
// appended to an accumulator which is atomically captured and cleared when
// the settlement coordinator commits it on-chain.
package ledger

import (
	"context"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// Store is the durable backing of the accumulator. Implementations must
// make each call a single atomic read-modify-write so that Append and Reset
// interleave without losing or double-counting a payment.
type Store interface {
	// Append records one payment and returns the new accumulated total.
	Append(ctx context.Context, record queryfi.PaymentRecord) (uint64, error)

	// Snapshot returns the current accumulator contents without
	// modifying them.
	Snapshot(ctx context.Context) (queryfi.AccumulatorSnapshot, error)

	// Reset atomically clears exactly the payments in batch, decrements
	// the accumulated total by their sum, and stamps the settlement time.
	// A payment appended after the batch was captured survives into the
	// next cycle; it is never dropped.
	Reset(ctx context.Context, settledAt time.Time, batch queryfi.AccumulatorSnapshot) (queryfi.AccumulatorSnapshot, error)

	// LastSettlement returns the time of the most recent reset, zero if
	// none.
	LastSettlement(ctx context.Context) (time.Time, error)

	// Close releases the backing resources.
	Close() error
}
