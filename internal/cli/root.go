// Package cli implements the conveyor-hub command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd assembles the conveyor-hub command. A bare invocation starts
// the hub, so `conveyor-hub config.json` works without a subcommand.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "conveyor-hub",
		Short:         "Conveyor hub — CI job orchestrator and billing reconciler",
		Long:          "Conveyor hub queues and dispatches build jobs to workers, streams their logs, and keeps subscriptions in sync with the payment provider.",
		Args:          cobra.MaximumNArgs(1),
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(newRunCmd(), newInitCmd(), newVersionCmd())

	return root
}
