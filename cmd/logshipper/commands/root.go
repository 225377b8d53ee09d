package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/logshipper/pkg/version"
)

// NewRootCommand builds the logshipper command tree.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "logshipper",
		Short: "Incremental log shipper",
		Long: `logshipper forwards log objects from an object store to a log ingestion
endpoint, resuming from a checkpoint and suppressing entries it shipped before.

Commands:
  run         One shipping pass
  checkpoint  Inspect the checkpoint document
  dedup       Maintain the fingerprint index`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default ./logshipper.yaml or /etc/logshipper/logshipper.yaml)")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newRunCommand(g))
	root.AddCommand(newCheckpointCommand(g))
	root.AddCommand(newDedupCommand(g))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "logshipper %s\n", version.String())
		},
	}
}
