package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/logshipper/internal/observability"
	"github.com/Sumatoshi-tech/logshipper/internal/scanner"
	"github.com/Sumatoshi-tech/logshipper/internal/shipper"
)

const diagnosticsShutdownTimeout = 5 * time.Second

func newRunCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ship new log entries once and commit the checkpoint",
		Long: `Run performs one incremental pass: it loads the checkpoint, lists the
objects modified since, forwards the entries not shipped before and commits
the watermarks of the objects that were fully accepted.

The command exits non-zero when the pass aborts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runShipper(ctx, g, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runShipper(ctx context.Context, g *globalFlags, out, logOut io.Writer) error {
	a, err := openApp(ctx, g, observability.ModeRun, logOut)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	idx, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	client, release, err := a.newClient()
	if err != nil {
		return err
	}
	defer release()

	metrics, err := observability.NewShipperMetrics(a.telemetry.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	if addr := a.cfg.Observability.DiagnosticsAddr; addr != "" {
		diag, diagErr := observability.NewDiagnosticsServer(ctx, addr, a.telemetry.MetricsHandler, a.logger,
			observability.ReadyCheck{Name: "dedup", Check: idx.Ping})
		if diagErr != nil {
			return diagErr
		}

		defer shutdownDiagnostics(ctx, diag, a.logger)
	}

	source := scanner.New(a.store.Container(a.cfg.Source.Container), scanner.Options{
		MaxObjectSize: a.cfg.ObjectSizeLimit(),
		Logger:        a.logger,
	})

	orch, err := shipper.New(shipper.Deps{
		Checkpoints: a.checkpoints(),
		Source:      source,
		Index:       idx,
		Client:      client,
		Logger:      a.logger,
		Tracer:      a.telemetry.Tracer,
		Metrics:     metrics,
	}, shipper.Options{
		SourceRoot:      a.cfg.Source.Root,
		PartitionLayout: a.cfg.Source.PartitionLayout,
		Lookback:        a.cfg.Source.LookbackPartitions,
		BatchSize:       a.cfg.Ingest.BatchSize,
		MaxBatchBytes:   a.cfg.BatchBytes(),
		CommitTimeout:   a.cfg.Shipper.CommitTimeout,
	})
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "run starting",
		"container", a.cfg.Source.Container,
		"root", a.cfg.Source.Root,
		"sink", a.cfg.Ingest.Sink,
		"max_batch", humanize.IBytes(uint64(a.cfg.BatchBytes())),
	)

	report, runErr := orch.Run(ctx)

	printReport(out, report, g.noColor)

	if runErr != nil {
		return fmt.Errorf("run aborted: %w", runErr)
	}

	return nil
}

// printReport writes the run summary. The status line is green for a
// completed pass and red for an aborted one.
func printReport(w io.Writer, r shipper.Report, noColor bool) {
	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)
	warn := color.New(color.FgYellow)

	if noColor {
		ok.DisableColor()
		bad.DisableColor()
		warn.DisableColor()
	}

	if r.State == shipper.StateAborted {
		bad.Fprintf(w, "run aborted: %v\n", r.Cause)
	} else {
		ok.Fprintf(w, "run completed in %s\n", r.Duration.Round(time.Millisecond))
	}

	fmt.Fprintf(w, "  objects: %d seen, %d shipped, %d already shipped\n",
		r.ObjectsSeen, r.ObjectsShipped, r.ObjectsFiltered)

	if r.ObjectsSkipped > 0 {
		warn.Fprintf(w, "  skipped: %d (retried next run)\n", r.ObjectsSkipped)
	}

	fmt.Fprintf(w, "  entries: %s sent, %s duplicate\n",
		humanize.Comma(int64(r.EntriesSent)), humanize.Comma(int64(r.EntriesDuplicate)))

	if r.Committed {
		fmt.Fprintf(w, "  checkpoint: committed (%d sources)\n", len(r.Checkpoint))
	} else {
		fmt.Fprintln(w, "  checkpoint: unchanged")
	}
}

type contextCloser interface {
	Close(ctx context.Context) error
}

// shutdownDiagnostics stops the diagnostics server. It outlives ctx so a
// canceled run still drains in-flight scrapes.
func shutdownDiagnostics(ctx context.Context, diag contextCloser, logger *slog.Logger) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticsShutdownTimeout)
	defer cancel()

	err := diag.Close(closeCtx)
	if err != nil {
		logger.WarnContext(ctx, "close diagnostics server", "error", err)
	}
}
