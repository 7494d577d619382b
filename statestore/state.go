// Package statestore persists the pollinator's aggregate runtime state
// (periodic contract tracking and pending pay-after transactions) to a
// single JSON document.
package statestore

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PeriodicState tracks one monitored periodic contract's last-known nectar
// reading and its cached growth rate.
type PeriodicState struct {
	LastCheckedSec      uint64       `json:"last_checked_sec"`
	LastUpdatedSec      uint64       `json:"last_updated_sec"`
	LastEstimatedGas    uint64       `json:"last_estimated_gas"`
	LastAvailableNectar *uint256.Int `json:"last_available_nectar"`
	NectarGrowthPerSec  *uint256.Int `json:"nectar_growth_per_sec"`
}

func newPeriodicState() *PeriodicState {
	return &PeriodicState{
		LastAvailableNectar: new(uint256.Int),
		NectarGrowthPerSec:  new(uint256.Int),
	}
}

// PatStatus is the closed set of outcomes a pending pay-after transaction
// can be in: exactly one of PatWaiting, PatError or PatSuccess. The
// unexported marker method seals the set, so no other type can be a status.
// A nil Status can still exist in memory; MarshalJSON rejects it and
// UnmarshalJSON never produces it.
type PatStatus interface {
	isPatStatus()
}

// PatWaiting holds a transaction still queued to run: the full signed
// envelope and the absolute time it next becomes eligible.
type PatWaiting struct {
	Bin       []byte `json:"bin"`
	TimeToRun uint64 `json:"time_to_run"`
}

func (PatWaiting) isPatStatus() {}

// PatError is the terminal flattened error chain of a failed transaction.
type PatError []string

func (PatError) isPatStatus() {}

// PatSuccess is the hash of the dispatched on-chain transaction.
type PatSuccess common.Hash

func (PatSuccess) isPatStatus() {}

// PendingPat is one tracked pay-after transaction, keyed by its data hash.
type PendingPat struct {
	Signer     common.Address
	DataHash   common.Hash
	CreateTime uint64
	InsertTime uint64
	Status     PatStatus
}

// pendingPatJSON is the wire form of PendingPat. The status document keys
// the variant by name, so exactly one of the three fields is present.
type pendingPatJSON struct {
	Signer     common.Address `json:"signer"`
	DataHash   common.Hash    `json:"data_hash"`
	CreateTime uint64         `json:"create_time"`
	InsertTime uint64         `json:"insert_time"`
	Status     patStatusJSON  `json:"status"`
}

type patStatusJSON struct {
	Waiting *PatWaiting  `json:"Waiting,omitempty"`
	Error   []string     `json:"Error,omitempty"`
	Success *common.Hash `json:"Success,omitempty"`
}

// MarshalJSON renders the status as a single-variant tagged document.
func (p *PendingPat) MarshalJSON() ([]byte, error) {
	out := pendingPatJSON{
		Signer:     p.Signer,
		DataHash:   p.DataHash,
		CreateTime: p.CreateTime,
		InsertTime: p.InsertTime,
	}
	switch st := p.Status.(type) {
	case PatWaiting:
		out.Status.Waiting = &st
	case PatError:
		out.Status.Error = st
	case PatSuccess:
		h := common.Hash(st)
		out.Status.Success = &h
	default:
		return nil, fmt.Errorf("statestore: pat %s has no status", p.DataHash)
	}
	return json.Marshal(out)
}

// UnmarshalJSON rejects records whose status carries zero or more than one
// variant, so a hand-edited or corrupted state file fails loudly at load
// time instead of decoding into an ambiguous record.
func (p *PendingPat) UnmarshalJSON(raw []byte) error {
	var in pendingPatJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	variants := 0
	if in.Status.Waiting != nil {
		p.Status = *in.Status.Waiting
		variants++
	}
	if in.Status.Error != nil {
		p.Status = PatError(in.Status.Error)
		variants++
	}
	if in.Status.Success != nil {
		p.Status = PatSuccess(*in.Status.Success)
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("statestore: pat %s has %d status variants, want exactly 1", in.DataHash, variants)
	}

	p.Signer = in.Signer
	p.DataHash = in.DataHash
	p.CreateTime = in.CreateTime
	p.InsertTime = in.InsertTime
	return nil
}

// AggregateState is the full persisted state of the pollinator.
type AggregateState struct {
	PeriodicContracts map[common.Address]*PeriodicState `json:"periodic_contracts"`
	PayAfter          map[common.Hash]*PendingPat       `json:"payafter"`
}

// NewAggregateState returns an empty state ready for first use.
func NewAggregateState() *AggregateState {
	return &AggregateState{
		PeriodicContracts: make(map[common.Address]*PeriodicState),
		PayAfter:          make(map[common.Hash]*PendingPat),
	}
}

// EnsurePeriodic inserts a zero-initialized PeriodicState for addr if one is
// not already present, returning the (possibly pre-existing) entry.
func (s *AggregateState) EnsurePeriodic(addr common.Address) *PeriodicState {
	if existing, ok := s.PeriodicContracts[addr]; ok {
		return existing
	}
	st := newPeriodicState()
	s.PeriodicContracts[addr] = st
	return st
}

// encode renders AggregateState with indentation, matching the
// "human-readable structured document" contract.
func (s *AggregateState) encode() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func decode(raw []byte) (*AggregateState, error) {
	state := NewAggregateState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("statestore: decoding state: %w", err)
	}
	if state.PeriodicContracts == nil {
		state.PeriodicContracts = make(map[common.Address]*PeriodicState)
	}
	if state.PayAfter == nil {
		state.PayAfter = make(map[common.Hash]*PendingPat)
	}
	return state, nil
}
