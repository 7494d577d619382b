package contracts

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// Client binds the Periodic, PeriodicDispatcher and PayAfterDispatcher
// interfaces over a single JSON-RPC endpoint.
type Client struct {
	eth *ethclient.Client

	periodicABI           abi.ABI
	periodicDispatcherABI abi.ABI
	payAfterDispatcherABI abi.ABI
}

// Dial connects to an RPC endpoint and parses the ABI fragments once.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("contracts: dialing %s: %w", rpcURL, err)
	}

	periodicABI, err := abi.JSON(strings.NewReader(PeriodicABI))
	if err != nil {
		return nil, fmt.Errorf("contracts: parsing periodic ABI: %w", err)
	}
	periodicDispatcherABI, err := abi.JSON(strings.NewReader(PeriodicDispatcherABI))
	if err != nil {
		return nil, fmt.Errorf("contracts: parsing periodic dispatcher ABI: %w", err)
	}
	payAfterDispatcherABI, err := abi.JSON(strings.NewReader(PayAfterDispatcherABI))
	if err != nil {
		return nil, fmt.Errorf("contracts: parsing pay-after dispatcher ABI: %w", err)
	}

	return &Client{
		eth:                   eth,
		periodicABI:           periodicABI,
		periodicDispatcherABI: periodicDispatcherABI,
		payAfterDispatcherABI: payAfterDispatcherABI,
	}, nil
}

// BalanceAt returns the wei balance of addr at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// SuggestPriorityFee queries eth_maxPriorityFeePerGas.
func (c *Client) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// NectarAvailable calls IPeriodic.nectarAvailable() on addr.
func (c *Client) NectarAvailable(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	data, err := c.periodicABI.Pack("nectarAvailable")
	if err != nil {
		return nil, fmt.Errorf("contracts: packing nectarAvailable: %w", err)
	}
	out, err := c.call(ctx, addr, data)
	if err != nil {
		return nil, fmt.Errorf("contracts: nectarAvailable(%s): %w", addr, err)
	}
	results, err := c.periodicABI.Unpack("nectarAvailable", out)
	if err != nil {
		return nil, fmt.Errorf("contracts: unpacking nectarAvailable: %w", err)
	}
	return bigToUint256(results[0].(*big.Int)), nil
}

// EstimatePeriodicDispatchGas estimates the gas cost of dispatching a
// periodic harvest for addr. The nectar argument is zero here: the
// dispatcher's gas accounting does not depend on the actual value.
func (c *Client) EstimatePeriodicDispatchGas(ctx context.Context, addr common.Address) (uint64, error) {
	data, err := c.periodicDispatcherABI.Pack("dispatch", addr, big.NewInt(0))
	if err != nil {
		return 0, fmt.Errorf("contracts: packing dispatch: %w", err)
	}
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{To: &PeriodicDispatcherAddr, Data: data})
}

// DispatchPeriodic sends the periodic-harvest transaction, paying nectar to
// key's address, and waits up to timeout for a receipt.
func (c *Client) DispatchPeriodic(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, addr common.Address, nectar *uint256.Int, timeout time.Duration) (common.Hash, error) {
	data, err := c.periodicDispatcherABI.Pack("dispatch", addr, nectar.ToBig())
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: packing dispatch: %w", err)
	}
	return c.sendAndWait(ctx, key, chainID, PeriodicDispatcherAddr, data, timeout)
}

// ExecutionBlacklist calls IPayAfterDispatcher.executionBlacklist(key).
func (c *Client) ExecutionBlacklist(ctx context.Context, key [32]byte) (*uint256.Int, error) {
	data, err := c.payAfterDispatcherABI.Pack("executionBlacklist", key)
	if err != nil {
		return nil, fmt.Errorf("contracts: packing executionBlacklist: %w", err)
	}
	out, err := c.call(ctx, PayAfterDispatcherAddr, data)
	if err != nil {
		return nil, fmt.Errorf("contracts: executionBlacklist: %w", err)
	}
	results, err := c.payAfterDispatcherABI.Unpack("executionBlacklist", out)
	if err != nil {
		return nil, fmt.Errorf("contracts: unpacking executionBlacklist: %w", err)
	}
	return bigToUint256(results[0].(*big.Int)), nil
}

// EstimatePatDispatchGas estimates gas for an on-chain dispatch (the empty
// time argument), simulated from the pollinator's own address.
func (c *Client) EstimatePatDispatchGas(ctx context.Context, bin []byte, from common.Address) (uint64, error) {
	return c.estimatePatDispatchGas(ctx, bin, []byte{}, from)
}

// SimulatePatDispatchGas estimates gas as if dispatched at atTime, with the
// call's from address zeroed (since the real signer is unknown pre-window).
func (c *Client) SimulatePatDispatchGas(ctx context.Context, bin []byte, atTime uint64) (uint64, error) {
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], atTime)
	return c.estimatePatDispatchGas(ctx, bin, timeBytes[:], common.Address{})
}

func (c *Client) estimatePatDispatchGas(ctx context.Context, bin, timeArg []byte, from common.Address) (uint64, error) {
	data, err := c.payAfterDispatcherABI.Pack("dispatch", bin, timeArg)
	if err != nil {
		return 0, fmt.Errorf("contracts: packing dispatch: %w", err)
	}
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &PayAfterDispatcherAddr, Data: data})
}

// DispatchPat sends a pay-after dispatch transaction with an empty time
// argument (a live, non-simulated dispatch), bumping the priority fee to
// priorityFee.
func (c *Client) DispatchPat(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, bin []byte, priorityFee *big.Int, timeout time.Duration) (common.Hash, error) {
	data, err := c.payAfterDispatcherABI.Pack("dispatch", bin, []byte{})
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: packing dispatch: %w", err)
	}
	return c.sendAndWaitWithTip(ctx, key, chainID, PayAfterDispatcherAddr, data, priorityFee, timeout)
}

func (c *Client) sendAndWait(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, to common.Address, data []byte, timeout time.Duration) (common.Hash, error) {
	tip, err := c.SuggestPriorityFee(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: suggest priority fee: %w", err)
	}
	return c.sendAndWaitWithTip(ctx, key, chainID, to, data, tip, timeout)
}

func (c *Client) sendAndWaitWithTip(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, to common.Address, data []byte, tip *big.Int, timeout time.Duration) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: pending nonce: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(baseFee, tip)
	feeCap.Mul(feeCap, big.NewInt(2))

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})

	signer := types.NewLondonSigner(chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contracts: signing tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("contracts: sending tx: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := waitForReceipt(waitCtx, c.eth, signedTx.Hash())
	if err != nil {
		return signedTx.Hash(), err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return signedTx.Hash(), fmt.Errorf("contracts: tx %s reverted", signedTx.Hash())
	}
	return signedTx.Hash(), nil
}

func waitForReceipt(ctx context.Context, eth *ethclient.Client, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("contracts: waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func bigToUint256(b *big.Int) *uint256.Int {
	out, _ := uint256.FromBig(b)
	return out
}
