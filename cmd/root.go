// Package cmd defines the operator CLI for the econ crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/config"
	"github.com/JakeFAU/realtime-econ-crawler/internal/logging"
	"github.com/JakeFAU/realtime-econ-crawler/internal/server"
)

// buildApp is the application factory. It is a variable so tests can swap in
// fake adapters or an in-memory backend.
var buildApp = server.Build

type rootOptions struct {
	cfgFile     string
	envFile     string
	databaseURL string
	apiKeys     []string

	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "econ-crawler",
		Short: "Crawls FRED, BLS, and World Bank series into Postgres.",
		Long: `econ-crawler discovers economic time series from public statistics APIs,
queues them in Postgres, and fetches their observations with rate-limited
workers. Each subcommand loads the same configuration as the service.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML, or JSON)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration when present")
	pf.StringVar(&opts.databaseURL, "database-url", "", "Postgres DSN; overrides db.dsn")
	pf.StringArrayVar(&opts.apiKeys, "api-key", nil, "source credential as SOURCE=KEY (repeatable)")

	cmd.AddCommand(
		newCrawlSourceCmd(opts),
		newCrawlAllCmd(opts),
		newExportCmd(opts),
		newTriggerCmd(opts),
		newStatusCmd(opts),
		newMigrateCmd(opts),
		newCancelCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return err
	}
	if o.databaseURL != "" {
		cfg.DB.DSN = o.databaseURL
	}
	keys, err := parseAPIKeys(o.apiKeys)
	if err != nil {
		return err
	}
	cfg.ApplyAPIKeys(keys)
	o.cfg = cfg

	o.logger, err = logging.Build(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "econ-crawler",
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	return nil
}

// app builds the runtime for one command and returns it with its closer.
func (o *rootOptions) app(ctx context.Context, cfg config.Config, opts server.Options) (*server.App, error) {
	app, err := buildApp(ctx, cfg, opts, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}

func parseAPIKeys(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, key, ok := strings.Cut(pair, "=")
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid --api-key %q, want SOURCE=KEY", pair)
		}
		out[name] = key
	}
	return out, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
