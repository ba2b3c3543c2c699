// Package contract implements the settlement contract's accumulate and
// auto-settle state machine: an authorized-payer list, an accumulated
// balance that only moves to the agent wallet atomically, and a threshold
// policy that triggers settlement. Each public mutating call behaves like
// one on-chain transaction: it either applies completely or leaves no
// trace, and a reentrancy guard rejects nested calls.
package contract

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	queryfi "github.com/kshitij-hash/QueryFi"
)

const (
	// DefaultThreshold is the accumulated balance at which auto-settlement
	// fires: one dollar at 6 decimals.
	DefaultThreshold uint64 = 1_000_000

	// ThresholdFloor is the hard lower bound for SetSettlementThreshold.
	ThresholdFloor uint64 = 10_000

	// MinimumDeposit rejects dust deposits.
	MinimumDeposit uint64 = 100
)

// Contract call errors, surfaced as failed transactions.
var (
	ErrNotAgent           = errors.New("caller is not the agent")
	ErrZeroAddress        = errors.New("zero address")
	ErrAlreadyAuthorized  = errors.New("payer already authorized")
	ErrNotAuthorized      = errors.New("payer not authorized")
	ErrCannotRevokeAgent  = errors.New("cannot revoke the agent")
	ErrPayerNotAuthorized = errors.New("payer not authorized to deposit")
	ErrAmountTooSmall     = errors.New("amount below minimum deposit")
	ErrThresholdTooLow    = errors.New("threshold below floor")
	ErrReentrantCall      = errors.New("reentrant call")
)

// Bank is the value-movement surface the contract interacts with: pulling
// deposits in, paying the agent out, and paying from the contract's
// pre-funded reserve. Calls into the Bank are the contract's external
// interactions and may adversarially re-enter it.
type Bank interface {
	// Pull moves amount from the payer into the contract's holdings.
	Pull(payer common.Address, amount uint64) error

	// Pay moves amount from the contract's holdings to the recipient.
	Pay(to common.Address, amount uint64) error

	// ReserveBalance returns the contract's pre-funded reserve, distinct
	// from the deposit-driven holdings.
	ReserveBalance() uint64

	// PayFromReserve moves amount from the reserve to the recipient.
	PayFromReserve(to common.Address, amount uint64) error

	// BalanceOf reads an address's wallet balance.
	BalanceOf(addr common.Address) uint64
}

// Contract holds the settlement state machine. txMu is held for the whole
// of every transaction, external interactions included; TryLock doubles as
// the reentrancy guard, so a nested call from a Bank callback (same
// goroutine or not) is rejected rather than deadlocked.
type Contract struct {
	txMu sync.Mutex

	agent      common.Address
	bank       Bank
	authorized map[common.Address]bool

	accumulated     uint64
	threshold       uint64
	minimumDeposit  uint64
	settlementCount uint64
	totalSettled    uint64

	events []Event
}

// Option configures a Contract at construction.
type Option func(*Contract)

// WithThreshold sets the initial settlement threshold.
func WithThreshold(threshold uint64) Option {
	return func(c *Contract) {
		c.threshold = threshold
	}
}

// WithMinimumDeposit sets the dust floor for deposits.
func WithMinimumDeposit(minimum uint64) Option {
	return func(c *Contract) {
		c.minimumDeposit = minimum
	}
}

// New constructs the contract. The agent is authorized as a payer at
// construction and can never be revoked.
func New(agent common.Address, bank Bank, opts ...Option) *Contract {
	c := &Contract{
		agent:          agent,
		bank:           bank,
		authorized:     map[common.Address]bool{agent: true},
		threshold:      DefaultThreshold,
		minimumDeposit: MinimumDeposit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// snapshot captures all mutable state so a failed transaction can revert.
type snapshot struct {
	authorized      map[common.Address]bool
	accumulated     uint64
	threshold       uint64
	settlementCount uint64
	totalSettled    uint64
	eventsLen       int
}

func (c *Contract) takeSnapshot() snapshot {
	authorized := make(map[common.Address]bool, len(c.authorized))
	for addr, ok := range c.authorized {
		authorized[addr] = ok
	}
	return snapshot{
		authorized:      authorized,
		accumulated:     c.accumulated,
		threshold:       c.threshold,
		settlementCount: c.settlementCount,
		totalSettled:    c.totalSettled,
		eventsLen:       len(c.events),
	}
}

func (c *Contract) restore(s snapshot) {
	c.authorized = s.authorized
	c.accumulated = s.accumulated
	c.threshold = s.threshold
	c.settlementCount = s.settlementCount
	c.totalSettled = s.totalSettled
	c.events = c.events[:s.eventsLen]
}

// transact runs fn as one transaction: the reentrancy guard is held across
// it (nested calls from Bank callbacks fail with ErrReentrantCall), and any
// error reverts every state effect.
func (c *Contract) transact(fn func() error) error {
	if !c.txMu.TryLock() {
		return ErrReentrantCall
	}
	defer c.txMu.Unlock()

	saved := c.takeSnapshot()
	if err := fn(); err != nil {
		c.restore(saved)
		return err
	}
	return nil
}

// AuthorizePayer adds an address to the authorized payer set. Agent only.
func (c *Contract) AuthorizePayer(caller, payer common.Address) error {
	return c.transact(func() error {
		if caller != c.agent {
			return ErrNotAgent
		}
		if payer == (common.Address{}) {
			return ErrZeroAddress
		}
		if c.authorized[payer] {
			return ErrAlreadyAuthorized
		}
		c.authorized[payer] = true
		c.emit(PayerAuthorized{Payer: payer})
		return nil
	})
}

// RevokePayer removes an address from the authorized payer set. Agent
// only; the agent itself cannot be revoked, so normal operation can never
// lock out every payer.
func (c *Contract) RevokePayer(caller, payer common.Address) error {
	return c.transact(func() error {
		if caller != c.agent {
			return ErrNotAgent
		}
		if payer == (common.Address{}) {
			return ErrZeroAddress
		}
		if payer == c.agent {
			return ErrCannotRevokeAgent
		}
		if !c.authorized[payer] {
			return ErrNotAuthorized
		}
		delete(c.authorized, payer)
		c.emit(PayerRevoked{Payer: payer})
		return nil
	})
}

// IsAuthorizedPayer reports whether addr may deposit.
func (c *Contract) IsAuthorizedPayer(addr common.Address) bool {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.authorized[addr]
}

// DepositMicropayment accepts a micropayment from an authorized payer.
// State is updated before the external pull (checks-effects-interactions);
// after the pull completes the threshold is checked and settlement runs in
// the same transaction if crossed.
func (c *Contract) DepositMicropayment(caller common.Address, amount uint64, queryID queryfi.BatchID) error {
	return c.transact(func() error {
		if !c.authorized[caller] {
			return ErrPayerNotAuthorized
		}
		if amount < c.minimumDeposit {
			return fmt.Errorf("%w: %d < %d", ErrAmountTooSmall, amount, c.minimumDeposit)
		}

		c.accumulated += amount
		c.emit(MicropaymentReceived{Payer: caller, MicroUnits: amount, QueryID: queryID})

		if err := c.bank.Pull(caller, amount); err != nil {
			return fmt.Errorf("pull deposit: %w", err)
		}

		if c.accumulated >= c.threshold {
			return c.settle()
		}
		return nil
	})
}

// SettleNow manually flushes the accumulated balance to the agent wallet.
// Agent only; a no-op when nothing has accumulated.
func (c *Contract) SettleNow(caller common.Address) error {
	return c.transact(func() error {
		if caller != c.agent {
			return ErrNotAgent
		}
		if c.accumulated == 0 {
			return nil
		}
		return c.settle()
	})
}

// RecordSettlement records off-chain-earned value on-chain and attempts to
// pay the agent from the contract's pre-funded reserve, without touching
// the deposit-driven accumulated balance. If the reserve is short the
// lifetime counters still update and the transfer is skipped: the earnings
// stay recorded as owed but unpaid.
func (c *Contract) RecordSettlement(caller common.Address, amount uint64, queryID queryfi.BatchID) error {
	return c.transact(func() error {
		if caller != c.agent {
			return ErrNotAgent
		}

		c.settlementCount++
		c.totalSettled += amount

		paid := false
		if c.bank.ReserveBalance() >= amount {
			if err := c.bank.PayFromReserve(c.agent, amount); err != nil {
				return fmt.Errorf("pay from reserve: %w", err)
			}
			paid = true
		}

		c.emit(SettlementRecorded{MicroUnits: amount, QueryID: queryID, Paid: paid})
		return nil
	})
}

// SetSettlementThreshold updates the threshold policy. Agent only; the new
// threshold must not be below the hard floor. If the current accumulated
// balance already meets the new threshold, settlement executes in the same
// call.
func (c *Contract) SetSettlementThreshold(caller common.Address, newThreshold uint64) error {
	return c.transact(func() error {
		if caller != c.agent {
			return ErrNotAgent
		}
		if newThreshold < ThresholdFloor {
			return fmt.Errorf("%w: %d < %d", ErrThresholdTooLow, newThreshold, ThresholdFloor)
		}

		c.threshold = newThreshold
		c.emit(ThresholdUpdated{Threshold: newThreshold})

		if c.accumulated >= c.threshold {
			return c.settle()
		}
		return nil
	})
}

// settle executes the settle-and-zero sequence: capture the amount, zero
// the balance, bump the lifetime counters, transfer to the agent wallet,
// and emit the executed event. Runs inside a transaction, so a failed
// transfer reverts the zeroing and the counters with it.
func (c *Contract) settle() error {
	amount := c.accumulated
	c.accumulated = 0
	c.settlementCount++
	c.totalSettled += amount

	if err := c.bank.Pay(c.agent, amount); err != nil {
		return fmt.Errorf("settlement transfer: %w", err)
	}

	c.emit(SettlementExecuted{MicroUnits: amount, SettlementCount: c.settlementCount})
	return nil
}

// AccumulatedBalance returns the deposit-driven balance awaiting settlement.
func (c *Contract) AccumulatedBalance() uint64 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.accumulated
}

// SettlementThreshold returns the current threshold policy.
func (c *Contract) SettlementThreshold() uint64 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.threshold
}

// SettlementCount returns the number of settlements executed or recorded.
func (c *Contract) SettlementCount() uint64 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.settlementCount
}

// TotalSettled returns the lifetime settled value.
func (c *Contract) TotalSettled() uint64 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.totalSettled
}

// AgentBalance reads the agent's wallet balance from the bank.
func (c *Contract) AgentBalance() uint64 {
	return c.bank.BalanceOf(c.agent)
}

// Agent returns the owner address.
func (c *Contract) Agent() common.Address {
	return c.agent
}

func (c *Contract) emit(event Event) {
	c.events = append(c.events, event)
}

// Events returns the emitted audit events in order.
func (c *Contract) Events() []Event {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return events
}
