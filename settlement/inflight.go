package settlement

import (
	"sync"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// batchCache provides idempotency for settlement batches: a completed
// batch's record is cached under its batch id for a TTL, and an in-flight
// batch is marked so a duplicate external trigger (e.g. a retried flush
// request) neither double-settles nor queues.
type batchCache struct {
	mu       sync.Mutex
	results  map[queryfi.BatchID]*queryfi.SettlementRecord
	expiry   map[queryfi.BatchID]time.Time
	inFlight map[queryfi.BatchID]struct{}
	ttl      time.Duration
}

// batchStatus is the result of checking the cache.
type batchStatus int

const (
	// batchNotFound: no cached record, no in-flight run; the caller now
	// owns the batch.
	batchNotFound batchStatus = iota
	// batchCached: a completed record exists for this batch.
	batchCached
	// batchInFlight: another run is settling this batch right now.
	batchInFlight
)

func newBatchCache(ttl time.Duration) *batchCache {
	return &batchCache{
		results:  make(map[queryfi.BatchID]*queryfi.SettlementRecord),
		expiry:   make(map[queryfi.BatchID]time.Time),
		inFlight: make(map[queryfi.BatchID]struct{}),
		ttl:      ttl,
	}
}

// checkAndMark atomically checks the cache and, when the batch is unknown,
// marks it in-flight and hands ownership to the caller.
func (c *batchCache) checkAndMark(id queryfi.BatchID) (batchStatus, *queryfi.SettlementRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[id]; exists {
		if time.Now().Before(expiry) {
			if record, ok := c.results[id]; ok {
				return batchCached, record
			}
		}
		delete(c.results, id)
		delete(c.expiry, id)
	}

	if _, exists := c.inFlight[id]; exists {
		return batchInFlight, nil
	}

	c.inFlight[id] = struct{}{}
	return batchNotFound, nil
}

// complete caches the record and clears the in-flight marker.
func (c *batchCache) complete(id queryfi.BatchID, record *queryfi.SettlementRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[id] = record
	c.expiry[id] = time.Now().Add(c.ttl)
	delete(c.inFlight, id)

	c.cleanupExpiredLocked()
}

// fail clears the in-flight marker without caching, so the batch can be
// retried.
func (c *batchCache) fail(id queryfi.BatchID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

// cleanupExpiredLocked removes expired entries. Must be called with the
// lock held.
func (c *batchCache) cleanupExpiredLocked() {
	now := time.Now()
	for id, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, id)
			delete(c.expiry, id)
		}
	}
}
