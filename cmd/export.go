package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/export"
	"github.com/JakeFAU/realtime-econ-crawler/internal/server"
)

type exportFlags struct {
	since      string
	format     string
	outputFile string
	bulkLimit  int
	limit      int
}

// newExportCmd creates the 'export-catalog' subcommand.
func newExportCmd(root *rootOptions) *cobra.Command {
	flags := &exportFlags{}
	cmd := &cobra.Command{
		Use:   "export-catalog",
		Short: "Writes discovered series as SQL inserts or JSON lines",
		Long: `Exports the series catalog to the configured blob store, or to
--output-file. --since accepts an RFC3339 timestamp or a duration such as 72h
counted back from now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd.Context(), cmd.OutOrStdout(), root, flags)
		},
	}
	cmd.Flags().StringVar(&flags.since, "since", "", "RFC3339 time or duration ago (default: everything)")
	cmd.Flags().StringVar(&flags.format, "format", "", "sql or jsonl (default export.format)")
	cmd.Flags().StringVar(&flags.outputFile, "output-file", "", "write to this local path instead of the blob store")
	cmd.Flags().IntVar(&flags.bulkLimit, "bulk-insert-limit", 0, "rows per INSERT statement (default export.bulk_insert_limit)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum rows to export (0 means all)")
	return cmd
}

func runExport(ctx context.Context, out io.Writer, root *rootOptions, flags *exportFlags) error {
	now := time.Now().UTC()
	since, err := parseSince(flags.since, now)
	if err != nil {
		return err
	}
	formatName := flags.format
	if formatName == "" {
		formatName = root.cfg.Export.Format
	}
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}
	bulk := flags.bulkLimit
	if bulk <= 0 {
		bulk = root.cfg.Export.BulkInsertLimit
	}

	cfg := root.cfg
	opts := export.Options{Since: since, Format: format, BulkInsertLimit: bulk, Limit: flags.limit}
	if flags.outputFile != "" {
		abs, err := filepath.Abs(flags.outputFile)
		if err != nil {
			return fmt.Errorf("resolve output file: %w", err)
		}
		cfg.Storage.Backend = "local"
		cfg.Storage.LocalDir = filepath.Dir(abs)
		opts.Path = filepath.Base(abs)
	}

	app, err := root.app(ctx, cfg, server.Options{Workers: 1})
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	res, err := app.Exporter().Export(ctx, opts)
	if err != nil {
		return fmt.Errorf("export catalog: %w", err)
	}
	root.logger.Info("catalog exported",
		zap.String("uri", res.URI),
		zap.Int("rows", res.Rows),
		zap.String("sha256", res.Digest),
	)
	_, err = fmt.Fprintf(out, "exported %d series (%d bytes, sha256 %s) to %s\n", res.Rows, res.Bytes, res.Digest, res.URI)
	return err
}

// parseSince accepts an RFC3339 timestamp, a date, or a duration before now.
// Empty means the zero time.
func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q, want RFC3339 time or duration", raw)
	}
	return now.Add(-d), nil
}
