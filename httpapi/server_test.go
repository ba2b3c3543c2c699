package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
	"github.com/kshitij-hash/QueryFi/ledger"
	"github.com/kshitij-hash/QueryFi/settlement"
)

type stubTarget struct {
	err error
}

func (t *stubTarget) Chain() queryfi.ChainID { return queryfi.ChainBase }

func (t *stubTarget) Settle(context.Context, uint64, queryfi.BatchID) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return "base-tx-1", nil
}

func newTestServer(t *testing.T, target settlement.Target) (*Server, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	coord := settlement.NewCoordinator(l, target,
		settlement.WithRetryPolicy(1, time.Millisecond))
	return NewServer(coord), l
}

func TestStatusEndpoint(t *testing.T) {
	server, l := newTestServer(t, &stubTarget{})
	if _, err := l.RecordPayment(context.Background(), "query-1", 300_000); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settlement-status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var status settlement.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Accumulated != 300_000 {
		t.Errorf("accumulated = %d, want 300000", status.Accumulated)
	}
	if status.ReadyToSettle {
		t.Error("ready to settle below threshold")
	}
	if len(status.PendingPayments) != 1 {
		t.Errorf("pending payments = %d, want 1", len(status.PendingPayments))
	}
}

func TestTriggerFlushes(t *testing.T) {
	server, l := newTestServer(t, &stubTarget{})
	if _, err := l.RecordPayment(context.Background(), "query-1", 300_000); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/settlement-trigger", strings.NewReader(`{"action":"flush"}`))
	req.Header.Set("Content-Type", "application/json")
	server.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Settlement queryfi.SettlementRecord `json:"settlement"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Settlement.MicroUnits != 300_000 {
		t.Errorf("settled = %d, want 300000", resp.Settlement.MicroUnits)
	}
	if resp.Settlement.TransactionRef != "base-tx-1" {
		t.Errorf("tx ref = %q", resp.Settlement.TransactionRef)
	}

	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.MicroUnits != 0 {
		t.Errorf("accumulator = %d after flush, want 0", snap.MicroUnits)
	}
}

func TestTriggerNothingToSettleIs400(t *testing.T) {
	server, _ := newTestServer(t, &stubTarget{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/settlement-trigger", nil)
	server.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body)
	}
}

func TestTriggerUnknownActionIs400(t *testing.T) {
	server, l := newTestServer(t, &stubTarget{})
	if _, err := l.RecordPayment(context.Background(), "query-1", 100); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/settlement-trigger", strings.NewReader(`{"action":"detonate"}`))
	req.Header.Set("Content-Type", "application/json")
	server.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body)
	}
}

func TestTriggerChainFailureIs502(t *testing.T) {
	server, l := newTestServer(t, &stubTarget{err: errors.New("rpc down")})
	if _, err := l.RecordPayment(context.Background(), "query-1", 100); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/settlement-trigger", nil)
	server.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body)
	}
}
