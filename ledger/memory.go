package ledger

import (
	"context"
	"sync"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// MemoryStore is an in-process Store. Suitable for single-instance servers
// and tests; use SQLiteStore when payments must survive a restart.
type MemoryStore struct {
	mu             sync.Mutex
	accumulated    uint64
	payments       []queryfi.PaymentRecord
	lastSettlement time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append records one payment under the store lock.
func (s *MemoryStore) Append(_ context.Context, record queryfi.PaymentRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments = append(s.payments, record)
	s.accumulated += record.MicroUnits
	return s.accumulated, nil
}

// Snapshot copies the current accumulator contents.
func (s *MemoryStore) Snapshot(_ context.Context) (queryfi.AccumulatorSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// Reset removes the batch payments and subtracts their value in one
// critical section. Payments recorded after the batch was captured stay in
// the accumulator.
func (s *MemoryStore) Reset(_ context.Context, settledAt time.Time, batch queryfi.AccumulatorSnapshot) (queryfi.AccumulatorSnapshot, error) {
	settled := make(map[string]bool, len(batch.Payments))
	for _, p := range batch.Payments {
		settled[p.QueryID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []queryfi.PaymentRecord
	var removedSum uint64
	kept := s.payments[:0]
	for _, p := range s.payments {
		if settled[p.QueryID] {
			removed = append(removed, p)
			removedSum += p.MicroUnits
			continue
		}
		kept = append(kept, p)
	}
	s.payments = kept
	s.accumulated -= removedSum
	s.lastSettlement = settledAt

	return queryfi.AccumulatorSnapshot{MicroUnits: removedSum, Payments: removed}, nil
}

// LastSettlement returns the time of the most recent reset.
func (s *MemoryStore) LastSettlement(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSettlement, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshotLocked() queryfi.AccumulatorSnapshot {
	payments := make([]queryfi.PaymentRecord, len(s.payments))
	copy(payments, s.payments)
	return queryfi.AccumulatorSnapshot{
		MicroUnits: s.accumulated,
		Payments:   payments,
	}
}
