package contract

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryBank is an in-process Bank backed by a balance map. It backs local
// deployments and tests; hooks let a test simulate transfer failures and
// adversarial reentrancy.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
	held     uint64 // value pulled in by deposits, awaiting settlement
	reserve  uint64

	// OnPull, if set, runs inside Pull before any value moves. Tests use
	// it to re-enter the contract or force a failure.
	OnPull func(payer common.Address, amount uint64) error

	// OnPay, if set, runs inside Pay before any value moves.
	OnPay func(to common.Address, amount uint64) error
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[common.Address]uint64)}
}

// Mint credits an address, for test setup.
func (b *MemoryBank) Mint(addr common.Address, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] += amount
}

// FundReserve credits the contract's pre-funded reserve.
func (b *MemoryBank) FundReserve(amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserve += amount
}

// Pull moves amount from the payer into the bank's held funds.
func (b *MemoryBank) Pull(payer common.Address, amount uint64) error {
	if b.OnPull != nil {
		if err := b.OnPull(payer, amount); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[payer] < amount {
		return fmt.Errorf("insufficient funds: %s has %d, needs %d", payer.Hex(), b.balances[payer], amount)
	}
	b.balances[payer] -= amount
	b.held += amount
	return nil
}

// Pay moves amount from the held funds to the recipient.
func (b *MemoryBank) Pay(to common.Address, amount uint64) error {
	if b.OnPay != nil {
		if err := b.OnPay(to, amount); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held < amount {
		return fmt.Errorf("held funds %d below payout %d", b.held, amount)
	}
	b.held -= amount
	b.balances[to] += amount
	return nil
}

// ReserveBalance returns the pre-funded reserve.
func (b *MemoryBank) ReserveBalance() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserve
}

// PayFromReserve moves amount from the reserve to the recipient.
func (b *MemoryBank) PayFromReserve(to common.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserve < amount {
		return fmt.Errorf("reserve %d below payout %d", b.reserve, amount)
	}
	b.reserve -= amount
	b.balances[to] += amount
	return nil
}

// BalanceOf reads an address's balance.
func (b *MemoryBank) BalanceOf(addr common.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[addr]
}

// Held returns the value pulled in and not yet settled, for tests.
func (b *MemoryBank) Held() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}
