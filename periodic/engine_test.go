package periodic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/xgr-network/pollinated/statestore"
)

type fakeChain struct {
	mu                   sync.Mutex
	nectarAvailableCalls int
	nectar               *uint256.Int
	gas                  uint64
	dispatchedNectar     *uint256.Int
	balance              uint64
}

func (f *fakeChain) NectarAvailable(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nectarAvailableCalls++
	return new(uint256.Int).Set(f.nectar), nil
}

func (f *fakeChain) EstimatePeriodicDispatchGas(ctx context.Context, addr common.Address) (uint64, error) {
	return f.gas, nil
}

func (f *fakeChain) DispatchPeriodic(ctx context.Context, addr common.Address, nectar *uint256.Int, timeout time.Duration) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchedNectar = nectar
	return common.Hash{0x1}, nil
}

func (f *fakeChain) BalanceAt(ctx context.Context, addr common.Address) (*uint64, error) {
	b := f.balance
	return &b, nil
}

type fakeGasPrice struct{ price uint64 }

func (g *fakeGasPrice) Get(ctx context.Context) (uint64, error) { return g.price, nil }

type fakeState struct {
	mu        sync.Mutex
	periodics map[common.Address]*statestore.PeriodicState
	recheck   uint64
	persisted int
}

func (s *fakeState) Lock()                                                   { s.mu.Lock() }
func (s *fakeState) Unlock()                                                 { s.mu.Unlock() }
func (s *fakeState) TxLock()                                                 {}
func (s *fakeState) TxUnlock()                                               {}
func (s *fakeState) Periodics() map[common.Address]*statestore.PeriodicState { return s.periodics }
func (s *fakeState) Persist() error                                          { s.persisted++; return nil }
func (s *fakeState) RecheckSeconds() uint64                                  { return s.recheck }

// TestResolveNectarExtrapolatesWithoutRPC: with a cached growth rate,
// resolveNectar must compute the extrapolated value without calling
// nectarAvailable.
func TestResolveNectarExtrapolatesWithoutRPC(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	const baseTime = uint64(1_700_000_000)

	chain := &fakeChain{nectar: uint256.NewInt(0), gas: 21000}
	e := New(chain, &fakeGasPrice{price: 1}, &fakeState{recheck: 10}, uint256.NewInt(0), common.Address{}, hclog.NewNullLogger())

	info := &statestore.PeriodicState{
		LastUpdatedSec:      baseTime,
		LastEstimatedGas:    21000,
		LastAvailableNectar: mustInt("1000000000000000000"),
		NectarGrowthPerSec:  mustInt("1000000000000000"),
	}

	nectar, err := e.resolveNectar(context.Background(), addr, info, baseTime+100)
	require.NoError(t, err)
	require.Equal(t, 0, chain.nectarAvailableCalls, "must not call nectarAvailable when growth rate is cached")
	require.True(t, nectar.Eq(mustInt("1100000000000000000")), "1e18 + 1e17")
}

// TestResolveNectarDerivesGrowthWithoutAdvancingUpdatedSec covers the
// "derive, don't advance" branch: a fresh read establishes a growth rate but
// LastUpdatedSec is deliberately left unchanged so the next iteration's
// elapsed-time base stays anchored to the last true update.
func TestResolveNectarDerivesGrowthWithoutAdvancingUpdatedSec(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	const baseTime = uint64(1_700_000_000)

	chain := &fakeChain{nectar: mustInt("500000000000000000"), gas: 21000}
	e := New(chain, &fakeGasPrice{price: 1}, &fakeState{recheck: 10}, uint256.NewInt(0), common.Address{}, hclog.NewNullLogger())

	info := &statestore.PeriodicState{
		LastUpdatedSec:      baseTime,
		LastEstimatedGas:    21000,
		LastAvailableNectar: mustInt("100000000000000000"),
		NectarGrowthPerSec:  new(uint256.Int),
	}

	nectar, err := e.resolveNectar(context.Background(), addr, info, baseTime+50)
	require.NoError(t, err)
	require.Equal(t, 1, chain.nectarAvailableCalls)
	require.True(t, nectar.Eq(mustInt("500000000000000000")))
	require.Equal(t, baseTime, info.LastUpdatedSec, "LastUpdatedSec must not advance on a derive-only read")
	require.False(t, info.NectarGrowthPerSec.IsZero())
}

// TestCheckPeriodicsDispatchesWhenProfitable drives a full iteration: the
// extrapolated value clears the threshold, so the engine refreshes its gas
// estimate and nectar reading and dispatches with the fresh value.
func TestCheckPeriodicsDispatchesWhenProfitable(t *testing.T) {
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	const baseTime = uint64(1_700_000_000)

	chain := &fakeChain{nectar: mustInt("2000000000000000000"), gas: 21000}
	state := &fakeState{
		recheck: 10,
		periodics: map[common.Address]*statestore.PeriodicState{
			addr: {
				LastCheckedSec:      0,
				LastUpdatedSec:      baseTime,
				LastEstimatedGas:    21000,
				LastAvailableNectar: mustInt("1000000000000000000"),
				NectarGrowthPerSec:  mustInt("1000000000000000"),
			},
		},
	}
	e := New(chain, &fakeGasPrice{price: 1}, state, uint256.NewInt(0), common.Address{}, hclog.NewNullLogger())
	e.now = func() uint64 { return baseTime + 100 }

	progressed, err := e.checkPeriodics(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	require.NotNil(t, chain.dispatchedNectar)
	require.True(t, chain.dispatchedNectar.Eq(mustInt("2000000000000000000")), "dispatch must carry the refreshed nectar reading")

	written := state.periodics[addr]
	require.Equal(t, baseTime+100, written.LastCheckedSec)
	require.Equal(t, baseTime+100, written.LastUpdatedSec)
	require.True(t, written.NectarGrowthPerSec.IsZero(), "refresh resets the growth rate")
	require.GreaterOrEqual(t, state.persisted, 1)
}

// TestCheckPeriodicsPersistsWhenNotProfitable: below-threshold iterations
// still count as progress and write back the bumped LastCheckedSec.
func TestCheckPeriodicsPersistsWhenNotProfitable(t *testing.T) {
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")
	const baseTime = uint64(1_700_000_000)

	chain := &fakeChain{nectar: uint256.NewInt(5), gas: 21000}
	state := &fakeState{
		recheck: 10,
		periodics: map[common.Address]*statestore.PeriodicState{
			addr: {
				LastCheckedSec:      0,
				LastUpdatedSec:      baseTime,
				LastEstimatedGas:    21000,
				LastAvailableNectar: uint256.NewInt(3),
				NectarGrowthPerSec:  uint256.NewInt(1),
			},
		},
	}
	e := New(chain, &fakeGasPrice{price: 1}, state, uint256.NewInt(0), common.Address{}, hclog.NewNullLogger())
	e.now = func() uint64 { return baseTime + 100 }

	progressed, err := e.checkPeriodics(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	require.Nil(t, chain.dispatchedNectar)
	require.Equal(t, baseTime+100, state.periodics[addr].LastCheckedSec)
	require.GreaterOrEqual(t, state.persisted, 1)
}

func mustInt(dec string) *uint256.Int {
	v, err := uint256.FromDecimal(dec)
	if err != nil {
		panic(err)
	}
	return v
}
