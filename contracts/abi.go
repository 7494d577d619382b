// Package contracts holds the ABI fragments and addresses for the on-chain
// interfaces the pollinator consumes, and a thin client binding them over
// JSON-RPC.
package contracts

import "github.com/ethereum/go-ethereum/common"

// Function ABIs (central, single source of truth).
const PeriodicABI = `
[{"type":"function","name":"nectarAvailable",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}],
  "stateMutability":"view"}]`

const PeriodicDispatcherABI = `
[{"type":"function","name":"dispatch",
  "inputs":[
    {"name":"target","type":"address"},
    {"name":"nectar","type":"uint256"}],
  "outputs":[],
  "stateMutability":"nonpayable"}]`

const PayAfterDispatcherABI = `
[{"type":"function","name":"dispatch",
  "inputs":[
    {"name":"envelope","type":"bytes"},
    {"name":"time","type":"bytes"}],
  "outputs":[],
  "stateMutability":"nonpayable"},
 {"type":"function","name":"executionBlacklist",
  "inputs":[{"name":"key","type":"bytes32"}],
  "outputs":[{"name":"","type":"uint256"}],
  "stateMutability":"view"}]`

// Deployed dispatcher addresses.
var (
	PeriodicDispatcherAddr = common.HexToAddress("0x8B8b47d1637835eA002074FeBF0CDA85540F7432")
	PayAfterDispatcherAddr = common.HexToAddress("0xdCA2C12fD72710C5048cDE3Fe1223C4Da1865099")
)
