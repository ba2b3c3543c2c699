package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLedger_AccumulatedEqualsSumOfPayments(t *testing.T) {
	l := New(NewMemoryStore(), WithThreshold(1_000_000))
	ctx := context.Background()

	amounts := []uint64{10_000, 25_000, 1, 964_999}
	var sum uint64
	for i, amount := range amounts {
		total, err := l.RecordPayment(ctx, fmt.Sprintf("q-%d", i), amount)
		if err != nil {
			t.Fatalf("RecordPayment: %v", err)
		}
		sum += amount
		if total != sum {
			t.Errorf("after payment %d: accumulated %d, want %d", i, total, sum)
		}
	}

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var recomputed uint64
	for _, p := range snap.Payments {
		recomputed += p.MicroUnits
	}
	if snap.MicroUnits != recomputed {
		t.Errorf("snapshot total %d != sum of payments %d", snap.MicroUnits, recomputed)
	}
}

func TestLedger_RejectsInvalidPayments(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "", 100); err == nil {
		t.Error("expected error for empty query id")
	}
	if _, err := l.RecordPayment(ctx, "q", 0); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestLedger_ShouldSettle(t *testing.T) {
	l := New(NewMemoryStore(), WithThreshold(100))
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "q1", 99); err != nil {
		t.Fatal(err)
	}
	due, err := l.ShouldSettle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("one unit below threshold should not settle")
	}

	if _, err := l.RecordPayment(ctx, "q2", 1); err != nil {
		t.Fatal(err)
	}
	due, err = l.ShouldSettle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("exactly at threshold should settle")
	}
}

func TestLedger_ResetReturnsSnapshotAndClears(t *testing.T) {
	l := New(NewMemoryStore(), WithThreshold(50))
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "a", 30); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordPayment(ctx, "b", 40); err != nil {
		t.Fatal(err)
	}

	batch, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := l.ResetAfterSettlement(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if snap.MicroUnits != 70 {
		t.Errorf("snapshot total %d, want 70", snap.MicroUnits)
	}
	if got := snap.LastQueryID(); got != "b" {
		t.Errorf("last query id %q, want %q", got, "b")
	}

	after, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.MicroUnits != 0 || len(after.Payments) != 0 {
		t.Errorf("accumulator not cleared: %+v", after)
	}

	last, err := l.LastSettlement(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.IsZero() {
		t.Error("last settlement time not stamped")
	}
}

// A reset clears only the captured batch: a payment recorded after the
// batch was captured must survive with its full value.
func TestLedger_ResetLeavesLaterPaymentsAccumulated(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "early-1", 600_000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordPayment(ctx, "early-2", 400_000); err != nil {
		t.Fatal(err)
	}

	batch, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordPayment(ctx, "late", 100_000); err != nil {
		t.Fatal(err)
	}

	cleared, err := l.ResetAfterSettlement(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.MicroUnits != 1_000_000 || len(cleared.Payments) != 2 {
		t.Errorf("cleared %d across %d payments, want 1000000 across 2", cleared.MicroUnits, len(cleared.Payments))
	}

	after, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.MicroUnits != 100_000 {
		t.Errorf("remaining %d, want the late payment's 100000", after.MicroUnits)
	}
	if len(after.Payments) != 1 || after.Payments[0].QueryID != "late" {
		t.Errorf("remaining payments %+v, want only the late one", after.Payments)
	}
}

// Interleaved RecordPayment/Reset must neither lose nor double-count a
// payment: everything recorded ends up in exactly one reset snapshot (or in
// the final accumulator).
func TestLedger_ConcurrentRecordAndReset(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	const writers = 8
	const perWriter = 200

	var settledTotal uint64
	stop := make(chan struct{})
	settlerDone := make(chan struct{})

	go func() {
		defer close(settlerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			batch, err := l.Snapshot(ctx)
			if err != nil {
				t.Errorf("snapshot: %v", err)
				return
			}
			cleared, err := l.ResetAfterSettlement(ctx, batch)
			if err != nil {
				t.Errorf("reset: %v", err)
				return
			}
			var sum uint64
			for _, p := range cleared.Payments {
				sum += p.MicroUnits
			}
			if sum != cleared.MicroUnits {
				t.Errorf("torn snapshot: total %d, payments sum %d", cleared.MicroUnits, sum)
			}
			if cleared.MicroUnits != batch.MicroUnits {
				t.Errorf("cleared %d, captured batch %d", cleared.MicroUnits, batch.MicroUnits)
			}
			settledTotal += cleared.MicroUnits
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.RecordPayment(ctx, fmt.Sprintf("w%d-q%d", w, i), 1); err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(stop)
	<-settlerDone

	final, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	total := settledTotal + final.MicroUnits
	if want := uint64(writers * perWriter); total != want {
		t.Errorf("settled %d + remaining %d = %d, want %d", settledTotal, final.MicroUnits, total, want)
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	dbPath := t.TempDir() + "/ledger.db"
	store, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer store.Close()

	l := New(store, WithThreshold(500))
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "sq-1", 200); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordPayment(ctx, "sq-2", 300); err != nil {
		t.Fatal(err)
	}

	due, err := l.ShouldSettle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("expected threshold reached")
	}

	batch, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := l.ResetAfterSettlement(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if snap.MicroUnits != 500 || len(snap.Payments) != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Payments[0].QueryID != "sq-1" || snap.Payments[1].QueryID != "sq-2" {
		t.Errorf("payment order not preserved: %+v", snap.Payments)
	}

	after, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.MicroUnits != 0 || len(after.Payments) != 0 {
		t.Errorf("accumulator not cleared: %+v", after)
	}

	last, err := l.LastSettlement(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.IsZero() {
		t.Error("last settlement not persisted")
	}
}

func TestSQLiteStore_ResetLeavesLaterPayments(t *testing.T) {
	store, err := NewSQLite(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	l := New(store)
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "sq-early", 900_000); err != nil {
		t.Fatal(err)
	}
	batch, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordPayment(ctx, "sq-late", 50_000); err != nil {
		t.Fatal(err)
	}

	cleared, err := l.ResetAfterSettlement(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.MicroUnits != 900_000 || len(cleared.Payments) != 1 {
		t.Errorf("cleared %+v, want only sq-early's 900000", cleared)
	}

	after, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.MicroUnits != 50_000 || len(after.Payments) != 1 || after.Payments[0].QueryID != "sq-late" {
		t.Errorf("remaining %+v, want only sq-late's 50000", after)
	}
}

func TestSQLiteStore_WALJournalMode(t *testing.T) {
	store, err := NewSQLite(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	var mode string
	if err := store.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode %q, want wal", mode)
	}
}

func TestSQLiteStore_DuplicateQueryIDRejected(t *testing.T) {
	store, err := NewSQLite(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	l := New(store)
	ctx := context.Background()

	if _, err := l.RecordPayment(ctx, "dup", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordPayment(ctx, "dup", 10); err == nil {
		t.Error("expected unique-constraint failure for duplicate query id")
	}
}
