// Package storage selects the blob store that export artifacts are written to.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage/gcs"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage/local"
	"github.com/JakeFAU/realtime-econ-crawler/internal/storage/memory"
)

// Supported backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config chooses and configures a backend.
type Config struct {
	Backend  string
	LocalDir string
	Bucket   string
	Prefix   string
}

// Provider is an open blob store plus its release function.
type Provider struct {
	crawler.BlobStore
	close func() error
}

// Close releases backend resources.
func (p *Provider) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (*Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		s, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		return &Provider{BlobStore: s}, nil
	case BackendGCS:
		s, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs storage: %w", err)
		}
		return &Provider{BlobStore: s, close: s.Close}, nil
	case BackendMemory:
		return &Provider{BlobStore: memory.NewBlobStore()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", crawler.ErrConfiguration, cfg.Backend)
	}
}
