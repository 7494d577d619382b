// Package genconf implements the "genconf" subcommand: it prints a fully
// populated pollinator configuration document, seeded with a freshly
// generated mnemonic, to standard output.
package genconf

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xgr-network/pollinated/internal/config"
	"github.com/xgr-network/pollinated/wallet"
)

// GetCommand returns the "genconf" cobra command.
func GetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genconf",
		Short: "Print a populated configuration document with a freshly generated mnemonic",
		RunE:  runGenconf,
	}
}

func runGenconf(cmd *cobra.Command, _ []string) error {
	mnemonic, err := wallet.NewMnemonic()
	if err != nil {
		return fmt.Errorf("genconf: %w", err)
	}

	cfg := config.Config{
		PeriodicContracts:      []common.Address{},
		MinimumProfit:          "0.01",
		StateFile:              config.DefaultStateFile,
		RPCServer:              "http://127.0.0.1:8545",
		ChainID:                31337,
		BindPort:               config.DefaultBindPort,
		PeriodicRecheckSeconds: config.DefaultPeriodicRecheckSeconds,
		Seed:                   mnemonic,
		LogLevel:               "info",
	}

	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("genconf: encoding config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(raw)
	return err
}
