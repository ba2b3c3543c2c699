package contract

import (
	"github.com/ethereum/go-ethereum/common"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// Event is an audit record emitted by a successful contract transaction.
type Event interface {
	eventName() string
}

// PayerAuthorized is emitted when the agent authorizes a payer.
type PayerAuthorized struct {
	Payer common.Address
}

// PayerRevoked is emitted when the agent revokes a payer.
type PayerRevoked struct {
	Payer common.Address
}

// MicropaymentReceived is emitted for every accepted deposit.
type MicropaymentReceived struct {
	Payer      common.Address
	MicroUnits uint64
	QueryID    queryfi.BatchID
}

// SettlementExecuted is emitted when the accumulated balance is flushed to
// the agent wallet, carrying the running settlement count.
type SettlementExecuted struct {
	MicroUnits      uint64
	SettlementCount uint64
}

// SettlementRecorded is emitted by RecordSettlement; Paid is false when the
// reserve was short and the transfer was skipped.
type SettlementRecorded struct {
	MicroUnits uint64
	QueryID    queryfi.BatchID
	Paid       bool
}

// ThresholdUpdated is emitted when the settlement threshold changes.
type ThresholdUpdated struct {
	Threshold uint64
}

func (PayerAuthorized) eventName() string      { return "PayerAuthorized" }
func (PayerRevoked) eventName() string         { return "PayerRevoked" }
func (MicropaymentReceived) eventName() string { return "MicropaymentReceived" }
func (SettlementExecuted) eventName() string   { return "SettlementExecuted" }
func (SettlementRecorded) eventName() string   { return "SettlementRecorded" }
func (ThresholdUpdated) eventName() string     { return "ThresholdUpdated" }
