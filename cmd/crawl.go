package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/config"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-econ-crawler/internal/scheduler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/server"
)

const defaultDryRunCount = 20

type crawlFlags struct {
	seriesCount int
	dryRun      bool
	skipData    bool
	workers     int
}

func (f *crawlFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.seriesCount, "series-count", 0, "maximum series to discover and fetch per source (0 means all)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "list discovered series without persisting anything")
	cmd.Flags().BoolVar(&f.skipData, "skip-data-download", false, "discover series but do not fetch observations")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "worker count (defaults to worker.concurrency)")
}

func (f *crawlFlags) serverOptions() server.Options {
	return server.Options{Workers: f.workers, MaxSeries: f.seriesCount, SkipFetch: f.skipData}
}

// newCrawlSourceCmd creates the 'crawl-source' subcommand.
func newCrawlSourceCmd(root *rootOptions) *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl-source NAME",
		Short: "Discovers and fetches one source, then exits",
		Long: `Enqueues a discovery job for NAME and runs a local worker pool until the
queue holds no more claimable work. With --dry-run the source's catalog is
listed directly and nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.dryRun {
				return runDryRun(cmd.Context(), cmd.OutOrStdout(), root, args[0], flags.seriesCount)
			}
			return runCrawl(cmd.Context(), cmd.OutOrStdout(), root, flags, func(ctx context.Context, s *scheduler.Scheduler) error {
				ids, err := s.Trigger(ctx, scheduler.TriggerRequest{Source: args[0]})
				if err != nil {
					return fmt.Errorf("trigger %s: %w", args[0], err)
				}
				root.logger.Info("discovery enqueued", zap.String("source", args[0]), zap.Strings("item_ids", ids))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// newCrawlAllCmd creates the 'crawl-all' subcommand.
func newCrawlAllCmd(root *rootOptions) *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl-all",
		Short: "Discovers and fetches every enabled source, then exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.dryRun {
				var errs []error
				for _, src := range root.cfg.SourceList() {
					if !src.Enabled {
						continue
					}
					if err := runDryRun(cmd.Context(), cmd.OutOrStdout(), root, src.Name, flags.seriesCount); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			}
			var triggerErr error
			err := runCrawl(cmd.Context(), cmd.OutOrStdout(), root, flags, func(ctx context.Context, s *scheduler.Scheduler) error {
				out, err := s.TriggerAll(ctx, 0)
				for name, ids := range out {
					root.logger.Info("discovery enqueued", zap.String("source", name), zap.Strings("item_ids", ids))
				}
				if len(out) == 0 {
					return err
				}
				// Sources that failed validation are reported after the others ran.
				triggerErr = err
				return nil
			})
			return errors.Join(err, triggerErr)
		},
	}
	flags.register(cmd)
	return cmd
}

func runCrawl(
	ctx context.Context,
	out io.Writer,
	root *rootOptions,
	flags *crawlFlags,
	enqueue func(context.Context, *scheduler.Scheduler) error,
) error {
	app, err := root.app(ctx, root.cfg, flags.serverOptions())
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	if err := enqueue(ctx, app.Scheduler()); err != nil {
		return err
	}
	if err := app.Dispatcher().RunUntilIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run workers: %w", err)
	}
	stats, err := app.Reporter().QueueStatistics(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	renderQueueStats(out, stats)
	return nil
}

// runDryRun walks the adapter's catalog without a queue or database.
func runDryRun(ctx context.Context, out io.Writer, root *rootOptions, name string, count int) error {
	if count <= 0 {
		count = defaultDryRunCount
	}
	cfg := root.cfg
	cfg.Queue.Backend = config.QueueMemory
	cfg.RateLimit.Backend = config.RateLimitMemory
	cfg.Progress.Enabled = false
	cfg.Storage.Backend = "memory"
	cfg.PubSub.TopicName = ""

	app, err := root.app(ctx, cfg, server.Options{Workers: 1})
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	if err := app.Sources().Validate(name); err != nil {
		return err
	}
	src, adapter, err := app.Sources().Lookup(name)
	if err != nil {
		return err
	}
	gate := ratelimit.NewGate(app.Limiter(), src.Name)
	ctx = ratelimit.WithGate(ctx, gate)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s catalog (dry run)", src.Name))
	t.AppendHeader(table.Row{"Series ID", "Title", "Frequency", "Units"})
	n := 0
	for series, err := range adapter.Discover(ctx, src) {
		if err != nil {
			return fmt.Errorf("discover %s: %w", src.Name, err)
		}
		t.AppendRow(table.Row{series.ExternalID, truncate(series.Title, 60), series.Frequency, series.Units})
		n++
		if n >= count {
			break
		}
	}
	t.AppendFooter(table.Row{"", "", "Total", n})
	t.Render()
	return nil
}

func renderQueueStats(out io.Writer, stats crawler.QueueStatistics) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Queue")
	t.AppendHeader(table.Row{"Total", "Pending", "Processing", "Completed", "Failed", "Retrying", "Cancelled"})
	t.AppendRow(table.Row{
		stats.TotalItems, stats.PendingItems, stats.ProcessingItems, stats.CompletedItems,
		stats.FailedItems, stats.RetryingItems, stats.CancelledItems,
	})
	t.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
