package payafter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/xgr-network/pollinated/feecurve"
	"github.com/xgr-network/pollinated/statestore"
)

type fakeChain struct {
	mu          sync.Mutex
	blacklisted bool
	gas         uint64
	dispatched  []common.Hash
}

func (f *fakeChain) ExecutionBlacklist(ctx context.Context, key [32]byte) (*uint256.Int, error) {
	if f.blacklisted {
		return uint256.NewInt(1), nil
	}
	return new(uint256.Int), nil
}

func (f *fakeChain) EstimatePatDispatchGas(ctx context.Context, bin []byte, from common.Address) (uint64, error) {
	return f.gas, nil
}

func (f *fakeChain) SimulatePatDispatchGas(ctx context.Context, bin []byte, atTime uint64) (uint64, error) {
	return f.gas, nil
}

func (f *fakeChain) DispatchPat(ctx context.Context, bin []byte, priorityFee *uint256.Int, timeout time.Duration) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := common.Hash{0xAB}
	f.dispatched = append(f.dispatched, h)
	return h, nil
}

func (f *fakeChain) BalanceAt(ctx context.Context, addr common.Address) (*uint64, error) {
	b := uint64(0)
	return &b, nil
}

func (f *fakeChain) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fakeGasPrice struct{ price uint64 }

func (g *fakeGasPrice) Get(ctx context.Context) (uint64, error) { return g.price, nil }

type fakeState struct {
	mu      sync.Mutex
	pending map[common.Hash]*statestore.PendingPat
}

func newFakeState() *fakeState {
	return &fakeState{pending: make(map[common.Hash]*statestore.PendingPat)}
}

func (s *fakeState) Lock()                                               { s.mu.Lock() }
func (s *fakeState) Unlock()                                             { s.mu.Unlock() }
func (s *fakeState) TxLock()                                             {}
func (s *fakeState) TxUnlock()                                           {}
func (s *fakeState) PendingPats() map[common.Hash]*statestore.PendingPat { return s.pending }
func (s *fakeState) Persist() error                                      { return nil }

// simplePat builds a Pat with a two-point curve [(feeAt1000, 1000),
// (feeAt2000, 2000)] followed by a kill entry at expiresAt.
func simplePat(t *testing.T, feeAt1000, feeAt2000, expiresAt uint64) *Pat {
	t.Helper()
	return &Pat{
		Bin:      []byte{0x01, 0x02},
		DataHash: common.HexToHash("0x01"),
		Signer:   common.HexToAddress("0x02"),
		Fees: feecurve.Curve{
			{Amount: uint256.NewInt(feeAt1000), Time: 1000},
			{Amount: uint256.NewInt(feeAt2000), Time: 2000},
			{Amount: new(uint256.Int).Set(feecurve.MaxUint256), Time: expiresAt},
		},
	}
}

func TestDiscoverDispatchesImmediatelyWhenAlreadyDue(t *testing.T) {
	chain := &fakeChain{gas: 10}
	state := newFakeState()
	sched := New(31337, common.Address{}, chain, &fakeGasPrice{price: 1}, state, uint256.NewInt(0), hclog.NewNullLogger())
	sched.now = func() uint64 { return 1500 }

	pat := simplePat(t, 5, 200, 5000)
	outcome, err := sched.Discover(context.Background(), pat)
	require.NoError(t, err)
	require.NotNil(t, outcome.TxHash)
	require.Len(t, chain.dispatched, 1)

	stored := state.pending[pat.DataHash]
	require.NotNil(t, stored)
	require.IsType(t, statestore.PatSuccess{}, stored.Status)
}

func TestDiscoverRejectsExpired(t *testing.T) {
	chain := &fakeChain{gas: 10}
	state := newFakeState()
	sched := New(31337, common.Address{}, chain, &fakeGasPrice{price: 1}, state, uint256.NewInt(0), hclog.NewNullLogger())
	sched.now = func() uint64 { return 10_000 }

	pat := simplePat(t, 5, 200, 5000)
	_, err := sched.Discover(context.Background(), pat)
	require.ErrorIs(t, err, ErrExpired)
}

func TestDiscoverRejectsAlreadyRun(t *testing.T) {
	chain := &fakeChain{gas: 10, blacklisted: true}
	state := newFakeState()
	sched := New(31337, common.Address{}, chain, &fakeGasPrice{price: 1}, state, uint256.NewInt(0), hclog.NewNullLogger())
	sched.now = func() uint64 { return 500 }

	pat := simplePat(t, 5, 200, 5000)
	_, err := sched.Discover(context.Background(), pat)
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestDiscoverReturnsWaitUntilWhenNotYetDue(t *testing.T) {
	chain := &fakeChain{gas: 10}
	state := newFakeState()
	sched := New(31337, common.Address{}, chain, &fakeGasPrice{price: 1}, state, uint256.NewInt(0), hclog.NewNullLogger())
	sched.now = func() uint64 { return 500 }

	// minPayout = gas(10) * gasPrice(1) + profit(0) = 10; the first point
	// on the curve (fee=5 @ t=1000) doesn't clear it, the second (fee=200
	// @ t=2000) does, so WhenIsFeeAtLeast interpolates into the future.
	pat := simplePat(t, 5, 200, 5000)
	outcome, err := sched.Discover(context.Background(), pat)
	require.NoError(t, err)
	require.Nil(t, outcome.TxHash)
	require.NotNil(t, outcome.WaitUntil)
	require.Greater(t, *outcome.WaitUntil, uint64(500))

	stored := state.pending[pat.DataHash]
	require.IsType(t, statestore.PatWaiting{}, stored.Status)
}

// TestRunWakesForNewlyDuePat arms the loop with a PAT an hour out, then
// injects one that is already due and fires the wake-up channel: the loop
// must dispatch the second within about a second instead of sleeping out
// the hour.
func TestRunWakesForNewlyDuePat(t *testing.T) {
	bin := decodeRawEnvelope(t)
	pat, err := Decode(31337, bin)
	require.NoError(t, err)

	chain := &fakeChain{gas: 0}
	state := newFakeState()
	sched := New(31337, common.Address{}, chain, &fakeGasPrice{price: 0}, state, uint256.NewInt(0), hclog.NewNullLogger())
	now := pat.WhenValid() + 10
	sched.now = func() uint64 { return now }

	farHash := common.HexToHash("0x02")
	state.pending[farHash] = &statestore.PendingPat{
		DataHash: farHash,
		Status:   statestore.PatWaiting{Bin: bin, TimeToRun: now + 3600},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	// Give the loop time to park on its hour-long timer, then inject the
	// due PAT and ring the wake-up channel.
	time.Sleep(50 * time.Millisecond)
	state.Lock()
	state.pending[pat.DataHash] = &statestore.PendingPat{
		DataHash: pat.DataHash,
		Signer:   pat.Signer,
		Status:   statestore.PatWaiting{Bin: bin, TimeToRun: now - 5},
	}
	state.Unlock()
	sched.Wake()

	require.Eventually(t, func() bool { return chain.dispatchCount() > 0 },
		2*time.Second, 10*time.Millisecond, "wake-up must trigger dispatch without waiting out the far deadline")

	cancel()
	<-done

	state.Lock()
	defer state.Unlock()
	require.IsType(t, statestore.PatSuccess{}, state.pending[pat.DataHash].Status)
}

func TestWakeIsNonBlockingWhenFull(t *testing.T) {
	sched := New(31337, common.Address{}, &fakeChain{}, &fakeGasPrice{}, newFakeState(), uint256.NewInt(0), hclog.NewNullLogger())
	for i := 0; i < 16; i++ {
		sched.Wake()
	}
}
