// -- cmd/exec.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alwayslone/open-phone-agent/internal/adb"
	"github.com/alwayslone/open-phone-agent/internal/agent"
	"github.com/alwayslone/open-phone-agent/internal/observability"
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <action>",
		Short: "Parse and execute a single action expression against the device",
		Long: `Parses one action expression exactly as a model reply would be parsed
and executes it on the connected device. Examples:

  phone-agent exec 'do(action="Tap", element=[500,500])'
  phone-agent exec 'do(action="Swipe Up")'
  phone-agent exec 'do(action="Type", text="hello")'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := loadedCfg

			result := agent.Parse(args[0])
			action := result.Action
			if action.Type == agent.ActionError {
				return fmt.Errorf("cannot parse action: %s", action.Message)
			}

			channel := adb.NewExecShell(logger, cfg.ADB)
			device := adb.NewDevice(logger, channel)
			runner := agent.NewRunner(logger, cfg.Agent, device, nil, nil)

			fmt.Printf("executing: %s\n", action.Describe())
			if !runner.ExecuteAction(ctx, action) {
				return fmt.Errorf("action failed: %s", action.Describe())
			}
			fmt.Println("ok")
			return nil
		},
	}
}
