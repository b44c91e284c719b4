// Package export renders the discovered-series catalog as a SQL or JSON Lines
// artifact and stores it through a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/hash/sha256"
)

// Format selects the artifact encoding.
type Format string

// Supported formats.
const (
	FormatSQL   Format = "sql"
	FormatJSONL Format = "jsonl"
)

const defaultBulkInsertLimit = 1000

// ParseFormat validates user input.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FormatSQL:
		return FormatSQL, nil
	case FormatJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", crawler.ErrConfiguration, raw)
	}
}

func (f Format) contentType() string {
	if f == FormatJSONL {
		return "application/x-ndjson"
	}
	return "application/sql"
}

// Options control one export.
type Options struct {
	// Since keeps series whose updated_at is at or after it.
	Since  time.Time
	Format Format
	// BulkInsertLimit is the number of rows per INSERT statement.
	BulkInsertLimit int
	// Path is the object name; a timestamped name is generated when empty.
	Path string
	// Limit caps the number of rows; zero exports everything.
	Limit int
}

// Result describes the written artifact.
type Result struct {
	URI    string `json:"uri"`
	Rows   int    `json:"rows"`
	Bytes  int64  `json:"bytes"`
	Digest string `json:"sha256"`
	Format Format `json:"format"`
}

// Catalog lists discovered series.
type Catalog interface {
	ListDiscoveredSince(ctx context.Context, since time.Time, limit int) ([]crawler.DiscoveredSeries, error)
}

// Exporter writes catalog artifacts.
type Exporter struct {
	catalog Catalog
	blobs   crawler.BlobStore
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs an Exporter.
func New(catalog Catalog, blobs crawler.BlobStore, clock crawler.Clock, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{catalog: catalog, blobs: blobs, clock: clock, logger: logger}
}

// Export renders the catalog and uploads it.
func (e *Exporter) Export(ctx context.Context, opts Options) (Result, error) {
	if opts.Format == "" {
		opts.Format = FormatSQL
	}
	if opts.BulkInsertLimit <= 0 {
		opts.BulkInsertLimit = defaultBulkInsertLimit
	}
	if opts.Path == "" {
		opts.Path = fmt.Sprintf("catalog/catalog-%s.%s", e.clock.Now().UTC().Format("20060102T150405Z"), opts.Format)
	}

	rows, err := e.catalog.ListDiscoveredSince(ctx, opts.Since, opts.Limit)
	if err != nil {
		return Result{}, fmt.Errorf("list discovered series: %w", err)
	}

	var buf bytes.Buffer
	digest := sha256.NewWriter()
	w := io.MultiWriter(&buf, digest)
	switch opts.Format {
	case FormatSQL:
		err = WriteSQL(w, rows, opts.BulkInsertLimit)
	case FormatJSONL:
		err = WriteJSONL(w, rows)
	default:
		err = fmt.Errorf("%w: unknown export format %q", crawler.ErrConfiguration, opts.Format)
	}
	if err != nil {
		return Result{}, err
	}

	uri, err := e.blobs.PutObject(ctx, opts.Path, opts.Format.contentType(), &buf)
	if err != nil {
		return Result{}, fmt.Errorf("store export: %w", err)
	}
	res := Result{URI: uri, Rows: len(rows), Bytes: digest.Size(), Digest: digest.Sum(), Format: opts.Format}
	e.logger.Info("catalog exported",
		zap.String("uri", res.URI),
		zap.Int("rows", res.Rows),
		zap.String("sha256", res.Digest),
		zap.Time("since", opts.Since),
	)
	return res, nil
}

// WriteJSONL writes one JSON object per series.
func WriteJSONL(w io.Writer, rows []crawler.DiscoveredSeries) error {
	enc := json.NewEncoder(w)
	for _, ds := range rows {
		if err := enc.Encode(ds); err != nil {
			return fmt.Errorf("encode %s/%s: %w", ds.Source, ds.ExternalID, err)
		}
	}
	return nil
}

// WriteSQL writes idempotent INSERT statements of at most batch rows each.
func WriteSQL(w io.Writer, rows []crawler.DiscoveredSeries, batch int) error {
	if batch <= 0 {
		batch = defaultBulkInsertLimit
	}
	var sb strings.Builder
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		sb.Reset()
		sb.WriteString("INSERT INTO series (source, external_id, title, frequency, units, description, updated_at) VALUES\n")
		for i, ds := range rows[start:end] {
			if i > 0 {
				sb.WriteString(",\n")
			}
			fmt.Fprintf(&sb, "  (%s, %s, %s, %s, %s, %s, %s)",
				quote(ds.Source), quote(ds.ExternalID), quote(ds.Title),
				quote(ds.Frequency), quote(ds.Units), quote(ds.Description),
				quote(ds.UpdatedAt.UTC().Format(time.RFC3339)),
			)
		}
		sb.WriteString("\nON CONFLICT (source, external_id) DO NOTHING;\n")
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return fmt.Errorf("write sql batch: %w", err)
		}
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
