package contract

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	queryfi "github.com/kshitij-hash/QueryFi"
)

var (
	agent    = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	payer    = common.HexToAddress("0x00000000000000000000000000000000000000B2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000C3")
)

func newTestContract(t *testing.T, opts ...Option) (*Contract, *MemoryBank) {
	t.Helper()
	bank := NewMemoryBank()
	bank.Mint(payer, 10_000_000)
	c := New(agent, bank, opts...)
	if err := c.AuthorizePayer(agent, payer); err != nil {
		t.Fatalf("authorize payer: %v", err)
	}
	return c, bank
}

func TestAuthorizePayer_Rules(t *testing.T) {
	c, _ := newTestContract(t)

	if err := c.AuthorizePayer(payer, stranger); !errors.Is(err, ErrNotAgent) {
		t.Errorf("non-agent authorize: got %v, want ErrNotAgent", err)
	}
	if err := c.AuthorizePayer(agent, common.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("zero address: got %v, want ErrZeroAddress", err)
	}
	if err := c.AuthorizePayer(agent, payer); !errors.Is(err, ErrAlreadyAuthorized) {
		t.Errorf("re-authorize: got %v, want ErrAlreadyAuthorized", err)
	}
	if err := c.RevokePayer(agent, stranger); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("revoke non-authorized: got %v, want ErrNotAuthorized", err)
	}
	if err := c.RevokePayer(agent, agent); !errors.Is(err, ErrCannotRevokeAgent) {
		t.Errorf("revoke agent: got %v, want ErrCannotRevokeAgent", err)
	}

	if err := c.RevokePayer(agent, payer); err != nil {
		t.Fatalf("revoke payer: %v", err)
	}
	if c.IsAuthorizedPayer(payer) {
		t.Error("payer still authorized after revoke")
	}
	if !c.IsAuthorizedPayer(agent) {
		t.Error("agent must stay authorized")
	}
}

func TestDeposit_UnauthorizedAlwaysRevertsUnchanged(t *testing.T) {
	c, _ := newTestContract(t)

	err := c.DepositMicropayment(stranger, 500_000, queryfi.NewBatchID("q1"))
	if !errors.Is(err, ErrPayerNotAuthorized) {
		t.Fatalf("got %v, want ErrPayerNotAuthorized", err)
	}
	if c.AccumulatedBalance() != 0 {
		t.Errorf("accumulated changed on unauthorized deposit: %d", c.AccumulatedBalance())
	}
	if len(c.Events()) != 1 { // authorize event from setup only
		t.Errorf("unexpected events emitted: %v", c.Events())
	}
}

func TestDeposit_BelowMinimumRejected(t *testing.T) {
	c, _ := newTestContract(t, WithMinimumDeposit(1_000))

	err := c.DepositMicropayment(payer, 999, queryfi.NewBatchID("q1"))
	if !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("got %v, want ErrAmountTooSmall", err)
	}
	if c.AccumulatedBalance() != 0 {
		t.Error("accumulated changed on rejected deposit")
	}
}

func TestDeposit_OneBelowThresholdDoesNotSettle(t *testing.T) {
	c, _ := newTestContract(t, WithThreshold(1_000_000))

	if err := c.DepositMicropayment(payer, 999_999, queryfi.NewBatchID("q1")); err != nil {
		t.Fatal(err)
	}
	if c.AccumulatedBalance() != 999_999 {
		t.Errorf("accumulated %d, want 999999", c.AccumulatedBalance())
	}
	if c.SettlementCount() != 0 {
		t.Error("settlement fired below threshold")
	}
}

func TestDeposit_ExactThresholdAutoSettles(t *testing.T) {
	c, bank := newTestContract(t, WithThreshold(1_000_000))

	if err := c.DepositMicropayment(payer, 1_000_000, queryfi.NewBatchID("q1")); err != nil {
		t.Fatal(err)
	}

	if c.AccumulatedBalance() != 0 {
		t.Errorf("accumulated %d after auto-settle, want 0", c.AccumulatedBalance())
	}
	if got := bank.BalanceOf(agent); got != 1_000_000 {
		t.Errorf("agent wallet %d, want 1000000", got)
	}
	if c.SettlementCount() != 1 {
		t.Errorf("settlement count %d, want 1", c.SettlementCount())
	}
	if c.TotalSettled() != 1_000_000 {
		t.Errorf("total settled %d, want 1000000", c.TotalSettled())
	}

	events := c.Events()
	last := events[len(events)-1]
	executed, ok := last.(SettlementExecuted)
	if !ok {
		t.Fatalf("last event %T, want SettlementExecuted", last)
	}
	if executed.MicroUnits != 1_000_000 || executed.SettlementCount != 1 {
		t.Errorf("unexpected executed event: %+v", executed)
	}
}

func TestDeposit_CumulativeCrossingSettlesFullBalance(t *testing.T) {
	c, bank := newTestContract(t, WithThreshold(1_000_000))

	if err := c.DepositMicropayment(payer, 500_000, queryfi.NewBatchID("q1")); err != nil {
		t.Fatal(err)
	}
	if err := c.DepositMicropayment(payer, 600_000, queryfi.NewBatchID("q2")); err != nil {
		t.Fatal(err)
	}

	if got := bank.BalanceOf(agent); got != 1_100_000 {
		t.Errorf("agent wallet %d, want 1100000", got)
	}
	if c.AccumulatedBalance() != 0 {
		t.Errorf("accumulated %d, want 0", c.AccumulatedBalance())
	}
}

func TestSetThreshold_Rules(t *testing.T) {
	c, bank := newTestContract(t, WithThreshold(1_000_000))

	if err := c.SetSettlementThreshold(payer, 500_000); !errors.Is(err, ErrNotAgent) {
		t.Errorf("non-agent: got %v, want ErrNotAgent", err)
	}
	if err := c.SetSettlementThreshold(agent, ThresholdFloor-1); !errors.Is(err, ErrThresholdTooLow) {
		t.Errorf("below floor: got %v, want ErrThresholdTooLow", err)
	}

	// Lowering the threshold below the current balance settles in the
	// same call.
	if err := c.DepositMicropayment(payer, 800_000, queryfi.NewBatchID("q1")); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSettlementThreshold(agent, 700_000); err != nil {
		t.Fatal(err)
	}
	if c.AccumulatedBalance() != 0 {
		t.Errorf("accumulated %d after threshold lowering, want 0", c.AccumulatedBalance())
	}
	if got := bank.BalanceOf(agent); got != 800_000 {
		t.Errorf("agent wallet %d, want 800000", got)
	}
	if c.SettlementThreshold() != 700_000 {
		t.Errorf("threshold %d, want 700000", c.SettlementThreshold())
	}
}

func TestSettleNow(t *testing.T) {
	c, bank := newTestContract(t, WithThreshold(1_000_000))

	if err := c.SettleNow(payer); !errors.Is(err, ErrNotAgent) {
		t.Errorf("non-agent: got %v, want ErrNotAgent", err)
	}

	// No-op when empty.
	if err := c.SettleNow(agent); err != nil {
		t.Fatalf("empty settle: %v", err)
	}
	if c.SettlementCount() != 0 {
		t.Error("empty settle incremented count")
	}

	if err := c.DepositMicropayment(payer, 250_000, queryfi.NewBatchID("q1")); err != nil {
		t.Fatal(err)
	}
	if err := c.SettleNow(agent); err != nil {
		t.Fatal(err)
	}
	if got := bank.BalanceOf(agent); got != 250_000 {
		t.Errorf("agent wallet %d, want 250000", got)
	}
	if c.AccumulatedBalance() != 0 {
		t.Error("accumulated not zeroed by manual settle")
	}
}

func TestSettle_TransferFailureRevertsZeroing(t *testing.T) {
	c, bank := newTestContract(t, WithThreshold(1_000_000))

	if err := c.DepositMicropayment(payer, 400_000, queryfi.NewBatchID("q1")); err != nil {
		t.Fatal(err)
	}

	bank.OnPay = func(common.Address, uint64) error {
		return fmt.Errorf("rpc unreachable")
	}
	err := c.SettleNow(agent)
	if err == nil {
		t.Fatal("expected settle failure")
	}

	// The whole transition reverts: balance, counters, events.
	if c.AccumulatedBalance() != 400_000 {
		t.Errorf("accumulated %d after failed settle, want 400000", c.AccumulatedBalance())
	}
	if c.SettlementCount() != 0 {
		t.Errorf("settlement count %d after failed settle, want 0", c.SettlementCount())
	}
	if c.TotalSettled() != 0 {
		t.Errorf("total settled %d after failed settle, want 0", c.TotalSettled())
	}

	// Recovers once the transfer works again.
	bank.OnPay = nil
	if err := c.SettleNow(agent); err != nil {
		t.Fatal(err)
	}
	if bank.BalanceOf(agent) != 400_000 {
		t.Error("settle did not recover after transient failure")
	}
}

func TestDeposit_ReentrancyRejected(t *testing.T) {
	c, bank := newTestContract(t, WithThreshold(1_000_000))

	var nestedErr error
	bank.OnPull = func(common.Address, uint64) error {
		// Adversarial payer re-enters during the external pull.
		nestedErr = c.DepositMicropayment(payer, 200_000, queryfi.NewBatchID("nested"))
		return nil
	}

	if err := c.DepositMicropayment(payer, 200_000, queryfi.NewBatchID("outer")); err != nil {
		t.Fatalf("outer deposit: %v", err)
	}
	if !errors.Is(nestedErr, ErrReentrantCall) {
		t.Errorf("nested call: got %v, want ErrReentrantCall", nestedErr)
	}
	if c.AccumulatedBalance() != 200_000 {
		t.Errorf("accumulated %d, want 200000 (single deposit)", c.AccumulatedBalance())
	}
}

func TestDeposit_PullFailureRevertsAccumulation(t *testing.T) {
	c, bank := newTestContract(t)

	bank.OnPull = func(common.Address, uint64) error {
		return fmt.Errorf("transfer rejected")
	}
	if err := c.DepositMicropayment(payer, 5_000, queryfi.NewBatchID("q")); err == nil {
		t.Fatal("expected deposit failure")
	}
	if c.AccumulatedBalance() != 0 {
		t.Errorf("accumulated %d after failed pull, want 0", c.AccumulatedBalance())
	}
}

func TestRecordSettlement_PaysFromReserve(t *testing.T) {
	c, bank := newTestContract(t)
	bank.FundReserve(1_000_000)

	if err := c.RecordSettlement(payer, 100, queryfi.NewBatchID("q")); !errors.Is(err, ErrNotAgent) {
		t.Errorf("non-agent: got %v, want ErrNotAgent", err)
	}

	if err := c.RecordSettlement(agent, 300_000, queryfi.NewBatchID("batch-1")); err != nil {
		t.Fatal(err)
	}
	if got := bank.BalanceOf(agent); got != 300_000 {
		t.Errorf("agent wallet %d, want 300000", got)
	}
	if c.SettlementCount() != 1 || c.TotalSettled() != 300_000 {
		t.Errorf("counters: count %d total %d", c.SettlementCount(), c.TotalSettled())
	}
	if c.AccumulatedBalance() != 0 {
		t.Error("RecordSettlement must not touch the accumulated balance")
	}
}

// When the reserve is short, counters still update and the transfer is
// skipped: earnings are recorded as owed even though not yet paid. This is
// existing behavior, kept deliberately.
func TestRecordSettlement_ReserveShortStillCounts(t *testing.T) {
	c, bank := newTestContract(t)
	bank.FundReserve(100)

	if err := c.RecordSettlement(agent, 500_000, queryfi.NewBatchID("batch-2")); err != nil {
		t.Fatal(err)
	}
	if got := bank.BalanceOf(agent); got != 0 {
		t.Errorf("agent wallet %d, want 0 (transfer skipped)", got)
	}
	if c.SettlementCount() != 1 || c.TotalSettled() != 500_000 {
		t.Errorf("counters must update anyway: count %d total %d", c.SettlementCount(), c.TotalSettled())
	}

	events := c.Events()
	recorded, ok := events[len(events)-1].(SettlementRecorded)
	if !ok {
		t.Fatalf("last event %T, want SettlementRecorded", events[len(events)-1])
	}
	if recorded.Paid {
		t.Error("event must mark the settlement as unpaid")
	}
}

func TestDeposit_EmitsReceivedEventWithQueryID(t *testing.T) {
	c, _ := newTestContract(t)

	id := queryfi.NewBatchID("query-xyz")
	if err := c.DepositMicropayment(payer, 1_000, id); err != nil {
		t.Fatal(err)
	}

	events := c.Events()
	received, ok := events[len(events)-1].(MicropaymentReceived)
	if !ok {
		t.Fatalf("last event %T, want MicropaymentReceived", events[len(events)-1])
	}
	if received.Payer != payer || received.MicroUnits != 1_000 || received.QueryID != id {
		t.Errorf("unexpected received event: %+v", received)
	}
}
