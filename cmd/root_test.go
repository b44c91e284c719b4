package cmd

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/config"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/server"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

type stubAdapter struct{ n int }

func (a stubAdapter) Discover(context.Context, crawler.Source) iter.Seq2[crawler.DiscoveredSeries, error] {
	return func(yield func(crawler.DiscoveredSeries, error) bool) {
		for i := range a.n {
			s := crawler.DiscoveredSeries{Source: source.WorldBank, ExternalID: fmt.Sprintf("IND.%d", i), Title: "Indicator"}
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (stubAdapter) Fetch(context.Context, crawler.Source, string, *time.Time) ([]crawler.Observation, error) {
	v := 2.5
	return []crawler.Observation{{Date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Value: &v}}, nil
}

// useStubApp swaps the app factory for one that replaces the World Bank
// adapter. Tests using it must not run in parallel.
func useStubApp(t *testing.T, n int) {
	t.Helper()
	orig := buildApp
	buildApp = func(ctx context.Context, cfg config.Config, opts server.Options, logger *zap.Logger) (*server.App, error) {
		opts.Registerer = prometheus.NewRegistry()
		app, err := server.Build(ctx, cfg, opts, logger)
		if err != nil {
			return nil, err
		}
		app.Sources().Register(source.WorldBank, stubAdapter{n: n})
		return app, nil
	}
	t.Cleanup(func() { buildApp = orig })
}

func memoryConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
queue:
  backend: memory
storage:
  backend: memory
logging:
  development: false
  level: error
worker:
  poll_interval: 10ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", memoryConfigFile(t), "--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseAPIKeys(t *testing.T) {
	t.Parallel()

	keys, err := parseAPIKeys([]string{"fred=abc", " BLS = def "})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"fred": "abc", "BLS": "def"}, keys)

	for _, bad := range []string{"fred", "=abc", "fred="} {
		_, err := parseAPIKeys([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestParseSince(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseSince("", now)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = parseSince("2026-04-01T00:00:00Z", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2026-04-01", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("48h", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(-48*time.Hour), got)

	_, err = parseSince("last week", now)
	require.Error(t, err)
}

func TestCrawlSourceDryRunListsCatalog(t *testing.T) {
	useStubApp(t, 50)

	out, err := run(t, "crawl-source", "world_bank", "--dry-run", "--series-count", "3")
	require.NoError(t, err)
	require.Contains(t, out, "WORLD_BANK catalog (dry run)")
	require.Contains(t, out, "IND.2")
	require.NotContains(t, out, "IND.3")
}

func TestCrawlSourceRunsUntilIdle(t *testing.T) {
	useStubApp(t, 4)

	out, err := run(t, "crawl-source", "WORLD_BANK", "--workers", "2")
	require.NoError(t, err)
	// One discovery plus four fetches.
	require.Regexp(t, `│\s+5\s+│\s+0\s+│\s+0\s+│\s+5\s+│`, out)
}

func TestCrawlSourceSkipDataDownload(t *testing.T) {
	useStubApp(t, 4)

	out, err := run(t, "crawl-source", "WORLD_BANK", "--skip-data-download")
	require.NoError(t, err)
	require.Regexp(t, `│\s+1\s+│\s+0\s+│\s+0\s+│\s+1\s+│`, out)
}

func TestCrawlSourceRejectsMissingCredential(t *testing.T) {
	useStubApp(t, 1)
	t.Setenv("FRED_API_KEY", "")

	_, err := run(t, "crawl-source", "FRED")
	require.ErrorIs(t, err, crawler.ErrMissingCredential)

	_, err = run(t, "crawl-source", "CENSUS", "--dry-run")
	require.ErrorIs(t, err, crawler.ErrUnknownSource)
}

func TestTriggerPrintsItemIDs(t *testing.T) {
	useStubApp(t, 0)

	out, err := run(t, "trigger", "WORLD_BANK", "NY.GDP.MKTP.CD", "SP.POP.TOTL", "--priority", "9")
	require.NoError(t, err)
	require.Len(t, strings.Fields(out), 2)

	_, err = run(t, "trigger", "WORLD_BANK", "--priority", "42")
	require.ErrorIs(t, err, crawler.ErrInvalidItem)
}

func TestExportCatalogToFile(t *testing.T) {
	useStubApp(t, 0)

	path := filepath.Join(t.TempDir(), "catalog.jsonl")
	out, err := run(t, "export-catalog", "--format", "jsonl", "--output-file", path, "--since", "24h")
	require.NoError(t, err)
	require.Contains(t, out, "exported 0 series")
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run(t, "export-catalog", "--format", "xml")
	require.Error(t, err)
}

func TestStatusRendersTables(t *testing.T) {
	useStubApp(t, 0)

	out, err := run(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Crawler")
	require.Contains(t, out, "Recently failed")
}

func TestMigrateRequiresDSN(t *testing.T) {
	_, err := run(t, "migrate", "up")
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestAPIKeyFlagOverridesConfig(t *testing.T) {
	useStubApp(t, 0)
	t.Setenv("FRED_API_KEY", "")

	opts := &rootOptions{cfgFile: memoryConfigFile(t), apiKeys: []string{"fred=flag"}, databaseURL: "postgres://db/econ"}
	require.NoError(t, opts.load())
	require.Equal(t, "flag", opts.cfg.Sources[source.FRED].APIKey)
	require.Equal(t, "postgres://db/econ", opts.cfg.DB.DSN)
}
