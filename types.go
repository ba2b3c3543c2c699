package queryfi

import (
	"time"
)

// ChainID identifies a settlement chain target.
type ChainID string

const (
	// ChainBase is the primary settlement target.
	ChainBase ChainID = "base"
	// ChainArc is settled best-effort alongside the primary.
	ChainArc ChainID = "arc"
)

// BatchID is the fixed-size on-chain identifier for a settlement batch.
// It is derived from the most recent query id of the batch: the id's bytes
// are copied into the array, truncated or zero-padded to fit, so the same
// batch always produces the same identifier.
type BatchID [32]byte

// NewBatchID derives a BatchID from a query id.
func NewBatchID(queryID string) BatchID {
	var id BatchID
	copy(id[:], queryID)
	return id
}

// PaymentRecord is one paid query inside the accumulator. Records are
// append-only and only removed in bulk by a settlement reset.
type PaymentRecord struct {
	QueryID    string    `json:"queryId"`
	MicroUnits uint64    `json:"amountMicroUnits"`
	Timestamp  time.Time `json:"timestamp"`
}

// PaymentResult is the acknowledgment of a single micropayment. Version is
// the relay-stamped state version: the non-repudiable proof of payment that
// downstream billing verifies against the replay guard.
type PaymentResult struct {
	QueryID      string `json:"queryId"`
	MicroUnits   uint64 `json:"amountMicroUnits"`
	AppSessionID string `json:"appSessionId"`
	Version      uint64 `json:"version"`
}

// Proof extracts the replay-guard payment proof from the result.
func (r PaymentResult) Proof() PaymentProof {
	return PaymentProof{
		AppSessionID: r.AppSessionID,
		Version:      r.Version,
		QueryID:      r.QueryID,
	}
}

// PaymentProof is presented by a client to the billed API to prove that a
// specific state-channel version paid for a query.
type PaymentProof struct {
	AppSessionID string `json:"appSessionId"`
	Version      uint64 `json:"version"`
	QueryID      string `json:"queryId,omitempty"`
}

// ChainOutcome is the per-target result of one settlement run. Required
// targets gate the ledger reset; best-effort targets never do.
type ChainOutcome struct {
	Chain          ChainID `json:"chain"`
	Required       bool    `json:"required"`
	TransactionRef string  `json:"transactionRef,omitempty"`
	Err            error   `json:"-"`
}

// SettlementRecord is one completed on-chain settlement, appended to the
// audit history. Chains lists exactly the targets that succeeded.
type SettlementRecord struct {
	TransactionRef string    `json:"transactionRef"`
	MicroUnits     uint64    `json:"amount"`
	QueryIDs       []string  `json:"queryIds"`
	Timestamp      time.Time `json:"timestamp"`
	Chains         []ChainID `json:"chains"`
}

// AccumulatorSnapshot is the state captured and cleared by a settlement
// reset. The invariant MicroUnits == sum of Payments amounts holds at every
// observable point.
type AccumulatorSnapshot struct {
	MicroUnits uint64          `json:"accumulatedMicroUnits"`
	Payments   []PaymentRecord `json:"payments"`
}

// LastQueryID returns the query id of the most recent payment in the
// snapshot, or "" for an empty snapshot.
func (s AccumulatorSnapshot) LastQueryID() string {
	if len(s.Payments) == 0 {
		return ""
	}
	return s.Payments[len(s.Payments)-1].QueryID
}

// QueryIDs returns the query ids of every payment in the snapshot, in
// recorded order.
func (s AccumulatorSnapshot) QueryIDs() []string {
	ids := make([]string, len(s.Payments))
	for i, p := range s.Payments {
		ids[i] = p.QueryID
	}
	return ids
}
