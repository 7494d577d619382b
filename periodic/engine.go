// Package periodic implements the incremental re-check loop over
// configured periodic contracts, amortizing expensive RPC reads via cached
// nectar-growth-rate extrapolation.
package periodic

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"

	"github.com/xgr-network/pollinated/statestore"
)

// Chain is the subset of on-chain calls the engine needs.
type Chain interface {
	NectarAvailable(ctx context.Context, addr common.Address) (*uint256.Int, error)
	EstimatePeriodicDispatchGas(ctx context.Context, addr common.Address) (uint64, error)
	DispatchPeriodic(ctx context.Context, addr common.Address, nectar *uint256.Int, timeout time.Duration) (common.Hash, error)
	BalanceAt(ctx context.Context, addr common.Address) (*uint64, error)
}

// GasPrice supplies the current priority fee.
type GasPrice interface {
	Get(ctx context.Context) (uint64, error)
}

// State is the locked view of shared aggregate state the engine mutates.
// Lock/Unlock bracket a read-modify-write over the periodic map; TxLock
// brackets the on-chain dispatch itself (the transaction mutex).
type State interface {
	Lock()
	Unlock()
	TxLock()
	TxUnlock()
	Periodics() map[common.Address]*statestore.PeriodicState
	Persist() error
	RecheckSeconds() uint64
}

// Engine runs the forever re-check loop described by checkPeriodics.
type Engine struct {
	chain         Chain
	gasPrice      GasPrice
	state         State
	minimumProfit *uint256.Int
	myAddr        common.Address
	log           hclog.Logger
	now           func() uint64
}

// New constructs an Engine. now defaults to wall-clock seconds.
func New(chain Chain, gasPrice GasPrice, state State, minimumProfit *uint256.Int, myAddr common.Address, log hclog.Logger) *Engine {
	return &Engine{
		chain:         chain,
		gasPrice:      gasPrice,
		state:         state,
		minimumProfit: minimumProfit,
		myAddr:        myAddr,
		log:           log,
		now:           func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// Run loops forever, calling checkPeriodics and backing off 5 s when no
// address was due, or 60 s when the iteration hit a transient error.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed, err := e.checkPeriodics(ctx)
		if err != nil {
			e.log.Error("periodic check failed", "error", err)
			sleep(ctx, 60*time.Second)
			continue
		}
		if progressed {
			continue
		}
		sleep(ctx, 5*time.Second)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// checkPeriodics runs a single iteration: pick one due address, resolve its
// current nectar value (extrapolating when possible), and dispatch if
// profitable. It returns true whenever progress was made (the caller should
// loop again immediately instead of sleeping).
func (e *Engine) checkPeriodics(ctx context.Context) (bool, error) {
	now := e.now()

	e.state.Lock()
	var addr common.Address
	var info statestore.PeriodicState
	found := false
	for a, st := range e.state.Periodics() {
		if st.LastCheckedSec+e.state.RecheckSeconds() < now {
			addr, info, found = a, *st, true
			break
		}
	}
	e.state.Unlock()

	if !found {
		return false, nil
	}
	info.LastCheckedSec = now

	nectar, err := e.resolveNectar(ctx, addr, &info, now)
	if err != nil {
		return false, fmt.Errorf("resolving nectar for %s: %w", addr, err)
	}

	advantageous, err := e.isAdvantageous(ctx, nectar, &info)
	if err != nil {
		return false, fmt.Errorf("checking profitability for %s: %w", addr, err)
	}
	if !advantageous {
		e.writeBack(addr, &info)
		return true, nil
	}

	if !nectar.Eq(info.LastAvailableNectar) {
		gas, err := e.chain.EstimatePeriodicDispatchGas(ctx, addr)
		if err != nil {
			return false, fmt.Errorf("re-estimating gas for %s: %w", addr, err)
		}
		fresh, err := e.chain.NectarAvailable(ctx, addr)
		if err != nil {
			return false, fmt.Errorf("re-reading nectar for %s: %w", addr, err)
		}
		info.LastEstimatedGas = gas
		info.LastAvailableNectar = fresh
		info.LastUpdatedSec = now
		info.NectarGrowthPerSec = new(uint256.Int)

		advantageous, err = e.isAdvantageous(ctx, fresh, &info)
		if err != nil {
			return false, fmt.Errorf("re-checking profitability for %s: %w", addr, err)
		}
		if !advantageous {
			e.writeBack(addr, &info)
			return true, nil
		}
	}

	e.state.TxLock()
	defer e.state.TxUnlock()

	e.log.Info("dispatching periodic", "address", addr)
	bal, err := e.chain.BalanceAt(ctx, e.myAddr)
	if err != nil {
		return false, fmt.Errorf("reading balance: %w", err)
	}

	txHash, err := e.chain.DispatchPeriodic(ctx, addr, info.LastAvailableNectar, 60*time.Second)
	if err != nil {
		return false, fmt.Errorf("dispatching periodic for %s: %w", addr, err)
	}
	e.log.Info("periodic dispatched", "address", addr, "tx", txHash)

	bal2, err := e.chain.BalanceAt(ctx, e.myAddr)
	if err == nil && bal != nil && bal2 != nil {
		if *bal2 > *bal {
			e.log.Info("dispatch profit", "address", addr, "wei", *bal2-*bal)
		} else {
			e.log.Info("dispatch loss", "address", addr, "wei", *bal-*bal2)
		}
	}

	e.writeBack(addr, &info)
	return true, nil
}

// resolveNectar implements the three-way branch from §4.5: extrapolate when
// a growth rate is cached, derive-without-advancing when it is not, or do a
// full first-time read.
func (e *Engine) resolveNectar(ctx context.Context, addr common.Address, info *statestore.PeriodicState, now uint64) (*uint256.Int, error) {
	haveReading := info.LastEstimatedGas != 0 && !info.LastAvailableNectar.IsZero()
	if !haveReading {
		nectar, err := e.chain.NectarAvailable(ctx, addr)
		if err != nil {
			return nil, err
		}
		gas, err := e.chain.EstimatePeriodicDispatchGas(ctx, addr)
		if err != nil {
			return nil, err
		}
		info.LastAvailableNectar = nectar
		info.LastEstimatedGas = gas
		info.LastUpdatedSec = now
		info.NectarGrowthPerSec = new(uint256.Int)
		return nectar, nil
	}

	if !info.NectarGrowthPerSec.IsZero() {
		elapsed := now - info.LastUpdatedSec
		growth := new(uint256.Int).Mul(info.NectarGrowthPerSec, uint256.NewInt(elapsed))
		return new(uint256.Int).Add(info.LastAvailableNectar, growth), nil
	}

	// Derive a growth rate from a fresh read. This does not count as an
	// update: LastUpdatedSec is deliberately left unchanged so the next
	// iteration's elapsed-time base stays anchored to the last true update.
	nectar, err := e.chain.NectarAvailable(ctx, addr)
	if err != nil {
		return nil, err
	}
	elapsed := now - info.LastUpdatedSec
	if elapsed > 0 {
		info.NectarGrowthPerSec = new(uint256.Int).Div(nectar, uint256.NewInt(elapsed))
	}
	return nectar, nil
}

func (e *Engine) isAdvantageous(ctx context.Context, nectar *uint256.Int, info *statestore.PeriodicState) (bool, error) {
	gasPrice, err := e.gasPrice.Get(ctx)
	if err != nil {
		return false, err
	}
	fee := new(uint256.Int).Mul(uint256.NewInt(info.LastEstimatedGas), uint256.NewInt(gasPrice))
	required := new(uint256.Int).Add(fee, e.minimumProfit)
	return nectar.Gt(required), nil
}

func (e *Engine) writeBack(addr common.Address, info *statestore.PeriodicState) {
	e.state.Lock()
	*e.state.Periodics()[addr] = *info
	e.state.Unlock()
	if err := e.state.Persist(); err != nil {
		e.log.Error("persisting state failed", "error", err)
	}
}
