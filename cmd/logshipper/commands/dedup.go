package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/logshipper/internal/observability"
)

// ErrInvalidRetention is returned for a non-positive retention window.
var ErrInvalidRetention = errors.New("retention must be positive")

func newDedupCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Maintain the fingerprint index",
	}

	var olderThan time.Duration

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete fingerprints first seen before the retention window",
		Long: `Prune deletes fingerprints whose first-seen time is older than
--older-than (default: dedup.retention). Entries of pruned fingerprints are
shipped again if their objects are re-observed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, g, observability.ModeCLI, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			retention := a.cfg.Dedup.Retention
			if cmd.Flags().Changed("older-than") {
				retention = olderThan
			}

			if retention <= 0 {
				return fmt.Errorf("%w: %s", ErrInvalidRetention, retention)
			}

			idx, err := a.openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			cutoff := time.Now().Add(-retention)

			removed, err := idx.Prune(ctx, cutoff)
			if err != nil {
				return err
			}

			remaining, err := idx.Count(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pruned %s fingerprints from %s first seen before %s, %s remain\n",
				humanize.Comma(removed), idx.Table(), cutoff.UTC().Format(time.RFC3339), humanize.Comma(remaining))

			return nil
		},
	}

	prune.Flags().DurationVar(&olderThan, "older-than", 0, "retention window, e.g. 720h")

	cmd.AddCommand(prune)

	return cmd
}
