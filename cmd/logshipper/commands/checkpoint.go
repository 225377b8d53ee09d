package commands

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/logshipper/internal/checkpoint"
	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/observability"
)

// Output formats of checkpoint show.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown output format")

func newCheckpointCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect the checkpoint document",
	}

	var format string

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the committed watermark of every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, g, observability.ModeCLI, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store := a.checkpoints()

			cp, err := store.Load(ctx)
			if err != nil {
				return err
			}

			return renderCheckpoint(cmd.OutOrStdout(), cp, format, store.Blob())
		},
	}

	show.Flags().StringVarP(&format, "format", "f", FormatTable, "output format: table, json or yaml")

	cmd.AddCommand(show)

	return cmd
}

// renderCheckpoint writes cp in format. title is used by the table format only.
func renderCheckpoint(w io.Writer, cp model.Checkpoint, format, title string) error {
	switch format {
	case FormatTable:
		tbl := table.NewWriter()
		tbl.SetOutputMirror(w)
		tbl.SetStyle(table.StyleLight)
		tbl.Style().Format.Footer = text.FormatDefault
		tbl.SetTitle(title)
		tbl.AppendHeader(table.Row{"Source", "Watermark"})

		for _, id := range slices.Sorted(maps.Keys(cp)) {
			tbl.AppendRow(table.Row{id, cp[id].UTC().Format(time.RFC3339Nano)})
		}

		tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d sources", len(cp)), ""})
		tbl.Render()

		return nil
	case FormatJSON:
		data, err := checkpoint.Encode(cp)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(w, string(data))

		return err
	case FormatYAML:
		doc := make(map[string]string, len(cp))
		for id, ts := range cp {
			doc[id] = ts.UTC().Format(time.RFC3339Nano)
		}

		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		err := enc.Encode(doc)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
