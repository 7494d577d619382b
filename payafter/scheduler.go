package payafter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"

	"github.com/xgr-network/pollinated/statestore"
)

// timeSkew compensates for clock drift between the pollinator and the
// chain it observes; every "now" used for admission/expiry decisions is
// pulled back by this amount.
const timeSkew = 2

var (
	ErrExpired          = errors.New("payafter: transaction has expired")
	ErrAlreadyRun       = errors.New("payafter: transaction already run or killed")
	ErrNeverProfitable  = errors.New("payafter: transaction never pays the minimum fee")
	ErrSimulationFailed = errors.New("payafter: transaction failed simulation")
)

// Chain is the subset of on-chain calls the scheduler needs.
type Chain interface {
	ExecutionBlacklist(ctx context.Context, key [32]byte) (*uint256.Int, error)
	EstimatePatDispatchGas(ctx context.Context, bin []byte, from common.Address) (uint64, error)
	SimulatePatDispatchGas(ctx context.Context, bin []byte, atTime uint64) (uint64, error)
	DispatchPat(ctx context.Context, bin []byte, priorityFee *uint256.Int, timeout time.Duration) (common.Hash, error)
	BalanceAt(ctx context.Context, addr common.Address) (*uint64, error)
}

// GasPrice supplies the current priority fee.
type GasPrice interface {
	Get(ctx context.Context) (uint64, error)
}

// State is the locked view of shared aggregate state the scheduler mutates.
type State interface {
	Lock()
	Unlock()
	TxLock()
	TxUnlock()
	PendingPats() map[common.Hash]*statestore.PendingPat
	Persist() error
}

// DiscoverOutcome is the result of running Discover on a parsed PAT.
type DiscoverOutcome struct {
	TxHash    *common.Hash
	WaitUntil *uint64
}

// Scheduler holds the persistent set of pending PATs and drives their
// admission and scheduled dispatch.
type Scheduler struct {
	chainID       uint32
	myAddr        common.Address
	chain         Chain
	gasPrice      GasPrice
	state         State
	minimumProfit *uint256.Int
	wakeup        chan struct{}
	log           hclog.Logger
	now           func() uint64
}

// New constructs a Scheduler with an 8-slot lossy wake-up channel.
func New(chainID uint32, myAddr common.Address, chain Chain, gasPrice GasPrice, state State, minimumProfit *uint256.Int, log hclog.Logger) *Scheduler {
	return &Scheduler{
		chainID:       chainID,
		myAddr:        myAddr,
		chain:         chain,
		gasPrice:      gasPrice,
		state:         state,
		minimumProfit: minimumProfit,
		wakeup:        make(chan struct{}, 8),
		log:           log,
		now:           func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// Wake signals the scheduling loop without blocking; if the channel is
// already full the signal is dropped, which is fine since its only purpose
// is edge-triggered notification that something may now be due.
func (s *Scheduler) Wake() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func executionBlacklistKey(dataHash common.Hash, signer common.Address) [32]byte {
	var padded [32]byte
	copy(padded[12:], signer.Bytes())
	return [32]byte(crypto.Keccak256Hash(append(dataHash.Bytes(), padded[:]...)))
}

// Discover runs the admission path for a freshly decoded PAT: it rejects
// expired or already-run PATs, estimates its gas cost (on-chain if already
// in its paying window, simulated otherwise), computes the time it first
// clears the profitability threshold, records it in state, and dispatches
// immediately if that time has already passed.
func (s *Scheduler) Discover(ctx context.Context, pat *Pat) (*DiscoverOutcome, error) {
	now := s.now() - timeSkew

	if pat.WhenExpires() <= now {
		return nil, ErrExpired
	}

	key := executionBlacklistKey(pat.DataHash, pat.Signer)
	dead, err := s.chain.ExecutionBlacklist(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking execution blacklist: %w", err)
	}
	if !dead.IsZero() {
		return nil, ErrAlreadyRun
	}

	var gas uint64
	if pat.WhenValid() < now {
		gas, err = s.chain.EstimatePatDispatchGas(ctx, pat.Bin, s.myAddr)
	} else {
		gas, err = s.chain.SimulatePatDispatchGas(ctx, pat.Bin, pat.WhenValid())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}

	gasPrice, err := s.gasPrice.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching gas price: %w", err)
	}
	minPayout := new(uint256.Int).Add(
		new(uint256.Int).Mul(uint256.NewInt(gas), uint256.NewInt(gasPrice)),
		s.minimumProfit,
	)

	timeToRun, ok := pat.WhenIsFeeAtLeast(minPayout)
	if !ok {
		return nil, ErrNeverProfitable
	}

	s.accept(pat, timeToRun)
	s.Wake()

	if timeToRun <= now {
		txHash, err := s.dispatch(ctx, pat, uint256.NewInt(gasPrice))
		if err != nil {
			s.recordError(pat.DataHash, err)
			return nil, err
		}
		s.recordSuccess(pat.DataHash, txHash)
		return &DiscoverOutcome{TxHash: &txHash}, nil
	}
	return &DiscoverOutcome{WaitUntil: &timeToRun}, nil
}

func (s *Scheduler) accept(pat *Pat, timeToRun uint64) {
	s.state.Lock()
	s.state.PendingPats()[pat.DataHash] = &statestore.PendingPat{
		Signer:     pat.Signer,
		DataHash:   pat.DataHash,
		CreateTime: pat.CreateTime,
		InsertTime: s.now(),
		Status:     statestore.PatWaiting{Bin: pat.Bin, TimeToRun: timeToRun},
	}
	s.state.Unlock()
	if err := s.state.Persist(); err != nil {
		s.log.Error("persisting state failed", "error", err)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, pat *Pat, priorityFee *uint256.Int) (common.Hash, error) {
	s.state.TxLock()
	defer s.state.TxUnlock()

	s.log.Info("dispatching pay-after", "data_hash", pat.DataHash)
	bal, balErr := s.chain.BalanceAt(ctx, s.myAddr)

	txHash, err := s.chain.DispatchPat(ctx, pat.Bin, priorityFee, 60*time.Second)
	if err != nil {
		return common.Hash{}, fmt.Errorf("dispatching pay-after %s: %w", pat.DataHash, err)
	}
	s.log.Info("pay-after dispatched", "data_hash", pat.DataHash, "tx", txHash)

	bal2, bal2Err := s.chain.BalanceAt(ctx, s.myAddr)
	if balErr == nil && bal2Err == nil && bal != nil && bal2 != nil {
		if *bal2 > *bal {
			s.log.Info("dispatch profit", "data_hash", pat.DataHash, "wei", *bal2-*bal)
		} else {
			s.log.Info("dispatch loss", "data_hash", pat.DataHash, "wei", *bal-*bal2)
		}
	}
	return txHash, nil
}

// getReadyPat scans the pending set for a due item and returns the first one
// found with its own time-to-run. When nothing is due it returns nil and the
// smallest future time-to-run in the set (^uint64(0) if nothing is waiting),
// which sizes the scheduling loop's wait.
func (s *Scheduler) getReadyPat() (*statestore.PendingPat, uint64) {
	now := s.now() - timeSkew
	s.state.Lock()
	defer s.state.Unlock()

	shortest := ^uint64(0)
	for _, p := range s.state.PendingPats() {
		w, ok := p.Status.(statestore.PatWaiting)
		if !ok {
			continue
		}
		if w.TimeToRun <= now {
			return p, w.TimeToRun
		}
		if w.TimeToRun < shortest {
			shortest = w.TimeToRun
		}
	}
	return nil, shortest
}

// Run loops forever: find a due PAT and (re)discover it, or sleep until the
// next known deadline or a wake-up signal, whichever comes first.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pending, waitUntil := s.getReadyPat()
		now := s.now() - timeSkew
		if pending == nil {
			var wait time.Duration
			if waitUntil != ^uint64(0) && waitUntil > now {
				wait = time.Duration(waitUntil-now) * time.Second
			} else {
				wait = time.Second
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wakeup:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		s.redispatch(ctx, pending)
	}
}

func (s *Scheduler) redispatch(ctx context.Context, pending *statestore.PendingPat) {
	w, ok := pending.Status.(statestore.PatWaiting)
	if !ok {
		// getReadyPat only hands back Waiting entries.
		return
	}
	pat, err := Decode(s.chainID, w.Bin)
	if err != nil {
		s.log.Error("stored pay-after failed to re-decode", "data_hash", pending.DataHash, "error", err)
		s.recordError(pending.DataHash, err)
		return
	}

	s.log.Info("re-discovering pay-after", "data_hash", pat.DataHash)
	outcome, err := s.Discover(ctx, pat)
	switch {
	case err != nil:
		s.log.Error("pay-after discovery failed", "data_hash", pat.DataHash, "error", err)
		s.recordError(pat.DataHash, err)
	case outcome.TxHash != nil:
		s.recordSuccess(pat.DataHash, *outcome.TxHash)
	default:
		// Discover already re-armed the Waiting entry with the new
		// time-to-run; nothing further to record here.
	}
}

func (s *Scheduler) recordError(dataHash common.Hash, cause error) {
	s.state.Lock()
	p, ok := s.state.PendingPats()[dataHash]
	if ok {
		p.Status = statestore.PatError(errorChain(cause))
		p.InsertTime = s.now()
	}
	s.state.Unlock()
	if !ok {
		return
	}
	if err := s.state.Persist(); err != nil {
		s.log.Error("persisting state failed", "error", err)
	}
}

func (s *Scheduler) recordSuccess(dataHash, txHash common.Hash) {
	s.state.Lock()
	p, ok := s.state.PendingPats()[dataHash]
	if ok {
		p.Status = statestore.PatSuccess(txHash)
		p.InsertTime = s.now()
	}
	s.state.Unlock()
	if !ok {
		return
	}
	if err := s.state.Persist(); err != nil {
		s.log.Error("persisting state failed", "error", err)
	}
}

// errorChain flattens a %w-wrapped error into the ordered list of
// contextual messages surfaced through the API and persisted state.
func errorChain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}
