package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/database"
	"github.com/JakeFAU/realtime-econ-crawler/internal/scheduler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/server"
)

const recentFailures = 10

// newTriggerCmd creates the 'trigger' subcommand.
func newTriggerCmd(root *rootOptions) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "trigger SOURCE [SERIES...]",
		Short: "Enqueues a discovery job, or fetch jobs for the given series",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.app(ctx, root.cfg, server.Options{Workers: 1})
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			ids, err := app.Scheduler().Trigger(ctx, scheduler.TriggerRequest{
				Source:    args[0],
				SeriesIDs: args[1:],
				Priority:  priority,
			})
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority 1-10 (defaults to the source priority)")
	return cmd
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows crawler status, queue statistics, and recent failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := root.app(ctx, root.cfg, server.Options{Workers: 1})
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			st, err := app.Reporter().CrawlerStatus(ctx)
			if err != nil {
				return err
			}
			stats, err := app.Reporter().QueueStatistics(ctx)
			if err != nil {
				return err
			}
			failed, err := app.Queue().List(ctx, crawler.ListFilter{Status: crawler.StatusFailed, Limit: recentFailures})
			if err != nil {
				return fmt.Errorf("list failed items: %w", err)
			}
			out := cmd.OutOrStdout()
			renderCrawlerStatus(out, st, stats)
			renderQueueStats(out, stats)
			renderFailures(out, failed)
			return nil
		},
	}
}

func renderCrawlerStatus(out io.Writer, st crawler.CrawlerStatus, stats crawler.QueueStatistics) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Crawler")
	t.AppendRows([]table.Row{
		{"Running", st.IsRunning},
		{"Active workers", st.ActiveWorkers},
		{"Last crawl", formatTime(st.LastCrawl)},
		{"Next scheduled crawl", formatTime(st.NextScheduledCrawl)},
		{"Oldest pending", formatTime(stats.OldestPending)},
		{"Avg processing", stats.AverageProcessingTime.Round(time.Millisecond).String()},
	})
	t.Render()
}

func renderFailures(out io.Writer, items []crawler.QueueItem) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Recently failed")
	t.AppendHeader(table.Row{"ID", "Source", "Series", "Retries", "Updated", "Error"})
	for _, item := range items {
		msg := ""
		if item.ErrorMessage != nil {
			msg = truncate(*item.ErrorMessage, 80)
		}
		t.AppendRow(table.Row{
			item.ID, item.Source, item.SeriesID,
			fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
			item.UpdatedAt.Format(time.RFC3339), msg,
		})
	}
	if len(items) == 0 {
		t.AppendRow(table.Row{"none", "", "", "", "", ""})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// newCancelCmd creates the 'cancel' subcommand.
func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancels a pending, retrying, or processing queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.app(ctx, root.cfg, server.Options{Workers: 1})
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			if err := app.Queue().Cancel(ctx, args[0]); err != nil {
				return fmt.Errorf("cancel %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", args[0])
			return err
		},
	}
}

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down [STEPS]]",
		Short:     "Applies or rolls back the embedded schema migrations",
		Args:      cobra.RangeArgs(0, 2),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.DB.DSN == "" {
				return fmt.Errorf("%w: --database-url or db.dsn is required", crawler.ErrConfiguration)
			}
			direction := "up"
			if len(args) > 0 {
				direction = args[0]
			}
			steps := 1
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid step count %q", args[1])
				}
				steps = n
			}

			mg, err := database.NewMigrator(root.cfg.DB.DSN, root.logger.Named("migrate"))
			if err != nil {
				return err
			}
			defer func() { _ = mg.Close() }()

			switch direction {
			case "up":
				err = mg.Up()
			case "down":
				err = mg.Down(steps)
			default:
				return fmt.Errorf("unknown migrate direction %q, want up or down", direction)
			}
			if err != nil {
				return err
			}
			version, dirty, err := mg.Version()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return err
		},
	}
}
