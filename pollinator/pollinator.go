// Package pollinator assembles the fee decoder, reward-curve engine,
// periodic re-check loop, pay-after scheduler, gas-price cache and ingest
// HTTP surface into one running daemon. It owns the single aggregate-state
// handle and the on-chain client binding every other package's narrower
// Chain/State/GasPrice interfaces are adapted against.
package pollinator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xgr-network/pollinated/contracts"
	"github.com/xgr-network/pollinated/gasprice"
	"github.com/xgr-network/pollinated/ingestapi"
	"github.com/xgr-network/pollinated/internal/config"
	"github.com/xgr-network/pollinated/internal/fixedpoint"
	"github.com/xgr-network/pollinated/metrics"
	"github.com/xgr-network/pollinated/payafter"
	"github.com/xgr-network/pollinated/periodic"
	"github.com/xgr-network/pollinated/statestore"
)

// sharedState is the single handle behind which the aggregate state, the
// state mutex and the transaction mutex all live. PeriodicEngine,
// PatScheduler and IngestApi each hold a reference to the same instance;
// none of them touch the maps directly across an RPC call or persistence
// write.
type sharedState struct {
	mu             sync.Mutex
	txMu           sync.Mutex
	store          *statestore.Store
	state          *statestore.AggregateState
	recheckSeconds uint64
	metrics        *metrics.Registry
	ready          atomic.Bool
}

func (s *sharedState) Lock()     { s.mu.Lock() }
func (s *sharedState) Unlock()   { s.mu.Unlock() }
func (s *sharedState) TxLock()   { s.txMu.Lock() }
func (s *sharedState) TxUnlock() { s.txMu.Unlock() }

func (s *sharedState) Periodics() map[common.Address]*statestore.PeriodicState {
	return s.state.PeriodicContracts
}

func (s *sharedState) PendingPats() map[common.Hash]*statestore.PendingPat {
	return s.state.PayAfter
}

func (s *sharedState) RecheckSeconds() uint64 { return s.recheckSeconds }

// Persist snapshots the current state under the state mutex and writes it
// to disk. Callers always invoke Persist after their own mutating lock has
// already been released, so this acquisition never nests.
func (s *sharedState) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics != nil {
		waiting := 0
		for _, p := range s.state.PayAfter {
			if _, ok := p.Status.(statestore.PatWaiting); ok {
				waiting++
			}
		}
		s.metrics.PendingPayAfters.Set(float64(waiting))
	}
	return s.store.Save(s.state)
}

// PatsBySigner answers the per-address status query, most recent first.
func (s *sharedState) PatsBySigner(signer common.Address) []*statestore.PendingPat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*statestore.PendingPat, 0)
	for _, p := range s.state.PayAfter {
		if p.Signer == signer {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertTime > out[j].InsertTime })
	return out
}

// Ready reports whether startup wiring (wallet derivation, RPC dial, state
// load) has completed.
func (s *sharedState) Ready() bool { return s.ready.Load() }

// chainBinding adapts contracts.Client, bound to the pollinator's signing
// key and chain ID, to the narrower Chain interfaces periodic.Engine and
// payafter.Scheduler each declare for themselves.
type chainBinding struct {
	client  *contracts.Client
	key     *ecdsa.PrivateKey
	chainID *big.Int
	metrics *metrics.Registry
}

// countRPC tallies failed RPC calls by name; err passes through unchanged.
func (c *chainBinding) countRPC(call string, err error) error {
	if err != nil {
		c.metrics.RPCErrors.WithLabelValues(call).Inc()
	}
	return err
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *chainBinding) NectarAvailable(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	nectar, err := c.client.NectarAvailable(ctx, addr)
	return nectar, c.countRPC("nectarAvailable", err)
}

func (c *chainBinding) EstimatePeriodicDispatchGas(ctx context.Context, addr common.Address) (uint64, error) {
	gas, err := c.client.EstimatePeriodicDispatchGas(ctx, addr)
	return gas, c.countRPC("estimatePeriodicDispatch", err)
}

func (c *chainBinding) DispatchPeriodic(ctx context.Context, addr common.Address, nectar *uint256.Int, timeout time.Duration) (common.Hash, error) {
	txHash, err := c.client.DispatchPeriodic(ctx, c.key, c.chainID, addr, nectar, timeout)
	c.metrics.PeriodicDispatches.WithLabelValues(outcomeLabel(err)).Inc()
	return txHash, err
}

func (c *chainBinding) BalanceAt(ctx context.Context, addr common.Address) (*uint64, error) {
	bal, err := c.client.BalanceAt(ctx, addr)
	if err != nil {
		return nil, c.countRPC("balanceAt", err)
	}
	v := saturateUint64(bal)
	return &v, nil
}

func (c *chainBinding) ExecutionBlacklist(ctx context.Context, key [32]byte) (*uint256.Int, error) {
	dead, err := c.client.ExecutionBlacklist(ctx, key)
	return dead, c.countRPC("executionBlacklist", err)
}

func (c *chainBinding) EstimatePatDispatchGas(ctx context.Context, bin []byte, from common.Address) (uint64, error) {
	gas, err := c.client.EstimatePatDispatchGas(ctx, bin, from)
	return gas, c.countRPC("estimatePatDispatch", err)
}

func (c *chainBinding) SimulatePatDispatchGas(ctx context.Context, bin []byte, atTime uint64) (uint64, error) {
	gas, err := c.client.SimulatePatDispatchGas(ctx, bin, atTime)
	return gas, c.countRPC("simulatePatDispatch", err)
}

func (c *chainBinding) DispatchPat(ctx context.Context, bin []byte, priorityFee *uint256.Int, timeout time.Duration) (common.Hash, error) {
	txHash, err := c.client.DispatchPat(ctx, c.key, c.chainID, bin, priorityFee.ToBig(), timeout)
	c.metrics.PayAfterDispatches.WithLabelValues(outcomeLabel(err)).Inc()
	return txHash, err
}

func saturateUint64(b *big.Int) uint64 {
	if !b.IsUint64() {
		return math.MaxUint64
	}
	return b.Uint64()
}

// gasPriceAdapter narrows gasprice.Cache's *big.Int reading to the uint64
// the periodic and payafter packages compare against estimated gas.
type gasPriceAdapter struct{ cache *gasprice.Cache }

func (g *gasPriceAdapter) Get(ctx context.Context) (uint64, error) {
	price, err := g.cache.Get(ctx)
	if err != nil {
		return 0, err
	}
	return saturateUint64(price), nil
}

// decoderAdapter binds the configured chain ID to payafter.Decode so it
// satisfies ingestapi.Decoder.
type decoderAdapter struct{ chainID uint32 }

func (d decoderAdapter) Decode(bin []byte) (*payafter.Pat, error) {
	return payafter.Decode(d.chainID, bin)
}

// Daemon is the fully wired pollinator: the periodic engine, the pay-after
// scheduler and the ingest HTTP server, all sharing one aggregate-state
// handle and one on-chain client.
type Daemon struct {
	log       hclog.Logger
	state     *sharedState
	engine    *periodic.Engine
	scheduler *payafter.Scheduler
	http      *http.Server
}

// New dials the configured RPC endpoint, opens (or creates) the state
// file, and wires every component together. key and myAddr come from a
// wallet already derived by the caller.
func New(cfg *config.Config, key *ecdsa.PrivateKey, myAddr common.Address, log hclog.Logger) (*Daemon, error) {
	ctx := context.Background()

	client, err := contracts.Dial(ctx, cfg.RPCServer)
	if err != nil {
		return nil, fmt.Errorf("pollinator: dialing rpc: %w", err)
	}

	store, aggregate, err := statestore.Open(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("pollinator: opening state file: %w", err)
	}
	for _, addr := range cfg.PeriodicContracts {
		aggregate.EnsurePeriodic(addr)
	}
	if err := store.Save(aggregate); err != nil {
		return nil, fmt.Errorf("pollinator: writing initial state: %w", err)
	}

	minimumProfit, err := fixedpoint.ParseTokenAmount(cfg.MinimumProfit)
	if err != nil {
		return nil, fmt.Errorf("pollinator: parsing minimum_profit: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	state := &sharedState{store: store, state: aggregate, recheckSeconds: cfg.PeriodicRecheckSeconds, metrics: m}

	chainID := new(big.Int).SetUint64(uint64(cfg.ChainID))
	chain := &chainBinding{client: client, key: key, chainID: chainID, metrics: m}
	gasAdapter := &gasPriceAdapter{cache: gasprice.New(client)}

	engine := periodic.New(chain, gasAdapter, state, minimumProfit, myAddr, log.Named("periodic"))
	scheduler := payafter.New(cfg.ChainID, myAddr, chain, gasAdapter, state, minimumProfit, log.Named("payafter"))

	ingest := ingestapi.New(
		decoderAdapter{chainID: cfg.ChainID},
		scheduler,
		state,
		state,
		func(mux *http.ServeMux) { mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})) },
		log.Named("ingestapi"),
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.BindPort),
		Handler: ingest,
	}

	state.ready.Store(true)

	return &Daemon{
		log:       log,
		state:     state,
		engine:    engine,
		scheduler: scheduler,
		http:      httpServer,
	}, nil
}

// Run starts the periodic engine, the pay-after scheduler and the ingest
// HTTP server, and blocks until ctx is cancelled or the HTTP server fails.
// On return the aggregate state has been flushed to disk once more.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.engine.Run(runCtx) }()
	go func() { defer wg.Done(); d.scheduler.Run(runCtx) }()

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("ingest api listening", "addr", d.http.Addr)
		if err := d.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-runCtx.Done():
	case serveErr = <-errCh:
		d.log.Error("ingest api failed", "error", serveErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.http.Shutdown(shutdownCtx); err != nil {
		d.log.Error("ingest api shutdown failed", "error", err)
	}

	wg.Wait()

	if err := d.state.Persist(); err != nil {
		d.log.Error("final state persist failed", "error", err)
	}
	return serveErr
}

// Close releases the state file's advisory lock.
func (d *Daemon) Close() error {
	return d.state.store.Close()
}
