package cli

import (
	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/internal/wizard"
	"github.com/conveyor-ci/conveyor/pkg/cli"
)

func newInitCmd() *cobra.Command {
	var (
		output      string
		useDefaults bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a hub config file",
		Long:  "Walks through an interactive setup and writes a config file. With --defaults the prompts are skipped and values come from env vars and generated secrets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New(cli.DefaultPrompter())
			if useDefaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the config (default ./conveyor-hub.json)")
	cmd.Flags().BoolVar(&useDefaults, "defaults", false, "skip prompts; use env vars and generated secrets")
	return cmd
}
