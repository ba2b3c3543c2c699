// Package settlement decides when accumulated off-chain value is committed
// on-chain and drives the idempotent, retried, single-flight settlement
// call against each configured chain target.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	queryfi "github.com/kshitij-hash/QueryFi"
	"github.com/kshitij-hash/QueryFi/contract"
)

// Target is one settlement chain. The primary target gates the ledger
// reset; best-effort targets are attempted but never block it.
type Target interface {
	// Chain identifies the target.
	Chain() queryfi.ChainID

	// Settle commits the batch on-chain and returns a transaction
	// reference.
	Settle(ctx context.Context, microUnits uint64, batchID queryfi.BatchID) (string, error)
}

// TxSubmitter signs and broadcasts a prepared transaction. It is the
// boundary to the custodial-wallet provider, which is specified only by
// this interface.
type TxSubmitter interface {
	SubmitTransaction(ctx context.Context, chain queryfi.ChainID, to common.Address, calldata []byte) (txRef string, err error)
}

// settlementABI is the slice of the settlement contract's call surface the
// coordinator uses.
const settlementABIJSON = `[
	{"type":"function","name":"recordSettlement","inputs":[
		{"name":"amount","type":"uint256"},
		{"name":"queryId","type":"bytes32"}
	],"outputs":[]}
]`

// EVMTarget settles against a deployed settlement contract through a
// TxSubmitter. Both configured chains (base, arc) use this shape.
type EVMTarget struct {
	chain     queryfi.ChainID
	address   common.Address
	submitter TxSubmitter
	abi       abi.ABI
}

// NewEVMTarget builds a target for one chain's deployed contract.
func NewEVMTarget(chain queryfi.ChainID, address common.Address, submitter TxSubmitter) (*EVMTarget, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse settlement ABI: %w", err)
	}
	return &EVMTarget{
		chain:     chain,
		address:   address,
		submitter: submitter,
		abi:       parsed,
	}, nil
}

// Chain identifies the target.
func (t *EVMTarget) Chain() queryfi.ChainID { return t.chain }

// Settle packs recordSettlement(amount, batchID) and submits it.
func (t *EVMTarget) Settle(ctx context.Context, microUnits uint64, batchID queryfi.BatchID) (string, error) {
	calldata, err := t.abi.Pack("recordSettlement", new(big.Int).SetUint64(microUnits), [32]byte(batchID))
	if err != nil {
		return "", queryfi.NonRetryable(fmt.Errorf("pack recordSettlement: %w", err))
	}

	txRef, err := t.submitter.SubmitTransaction(ctx, t.chain, t.address, calldata)
	if err != nil {
		return "", fmt.Errorf("submit settlement on %s: %w", t.chain, err)
	}
	return txRef, nil
}

// LocalTarget settles directly against an in-process contract state
// machine, used for local deployments and end-to-end tests.
type LocalTarget struct {
	chain    queryfi.ChainID
	agent    common.Address
	contract *contract.Contract
}

// NewLocalTarget wraps an in-process contract as a settlement target.
func NewLocalTarget(chain queryfi.ChainID, agent common.Address, c *contract.Contract) *LocalTarget {
	return &LocalTarget{chain: chain, agent: agent, contract: c}
}

// Chain identifies the target.
func (t *LocalTarget) Chain() queryfi.ChainID { return t.chain }

// Settle records the batch on the in-process contract. Contract rule
// violations are permanent; retrying them would only waste gas.
func (t *LocalTarget) Settle(_ context.Context, microUnits uint64, batchID queryfi.BatchID) (string, error) {
	if err := t.contract.RecordSettlement(t.agent, microUnits, batchID); err != nil {
		return "", queryfi.NonRetryable(fmt.Errorf("record settlement on %s: %w", t.chain, err))
	}
	return fmt.Sprintf("local:%s:%d", t.chain, t.contract.SettlementCount()), nil
}
