package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xgr-network/pollinated/command/genconf"
	"github.com/xgr-network/pollinated/command/serve"
)

type RootCommand struct {
	baseCmd *cobra.Command
}

func NewRootCommand() *RootCommand {
	rootCommand := &RootCommand{
		baseCmd: &cobra.Command{
			Use:   "pollinated",
			Short: "pollinated dispatches periodic-contract harvests and pay-after transactions once their reward clears gas cost plus margin",
		},
	}

	rootCommand.registerSubCommands()

	return rootCommand
}

func (rc *RootCommand) registerSubCommands() {
	rc.baseCmd.AddCommand(
		// genconf
		genconf.GetCommand(),
		// serve <config_path>
		serve.GetCommand(),
	)
}

func (rc *RootCommand) Execute() {
	if err := rc.baseCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
