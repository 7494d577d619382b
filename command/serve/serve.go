// Package serve implements the "serve" subcommand: it loads a pollinator
// configuration document, derives the signing wallet from its seed
// mnemonic and an interactively-collected passphrase, and runs the daemon
// until it is interrupted.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/xgr-network/pollinated/internal/config"
	"github.com/xgr-network/pollinated/pollinator"
	"github.com/xgr-network/pollinated/wallet"
)

// GetCommand returns the "serve <config_path>" cobra command.
func GetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <config_path>",
		Short: "Run the pollinator daemon against the given configuration file",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "pollinated",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	passphrase, err := wallet.PromptPassphrase(cmd.OutOrStdout(), int(os.Stdin.Fd()))
	if err != nil {
		return err
	}

	w, err := wallet.Derive(cfg.Seed, passphrase)
	if err != nil {
		return fmt.Errorf("serve: deriving wallet: %w", err)
	}
	myAddr := common.BytesToAddress(w.Address[:])
	log.Info("wallet derived", "address", myAddr)

	daemon, err := pollinator.New(cfg, w.PrivateKey, myAddr, log)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer func() {
		if cerr := daemon.Close(); cerr != nil {
			log.Error("closing state store failed", "error", cerr)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return daemon.Run(ctx)
}
