// Package source holds the adapter contract and the registry that maps a
// source name to its configuration and adapter.
package source

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

// Canonical source names.
const (
	FRED      = "FRED"
	BLS       = "BLS"
	WorldBank = "WORLD_BANK"
)

// Adapter fetches catalog metadata and observations from one upstream API.
type Adapter interface {
	// Discover yields every series the source publishes. The sequence is
	// lazy and restarts from the first page on each call; breaking out of
	// the range stops further requests.
	Discover(ctx context.Context, src crawler.Source) iter.Seq2[crawler.DiscoveredSeries, error]
	// Fetch returns observations ordered by date. since, when set, is the
	// latest stored observation date and narrows the request.
	Fetch(ctx context.Context, src crawler.Source, seriesID string, since *time.Time) ([]crawler.Observation, error)
}

// Defaults returns the built-in source configurations.
func Defaults() []crawler.Source {
	return []crawler.Source{
		{
			Name:              FRED,
			BaseURL:           "https://api.stlouisfed.org",
			RequestsPerMinute: 120,
			RequiresKey:       true,
			Schedule:          "@every 6h",
			Priority:          crawler.PriorityNormal,
			Enabled:           true,
		},
		{
			Name:              BLS,
			BaseURL:           "https://api.bls.gov",
			RequestsPerMinute: 500,
			RequiresKey:       true,
			Schedule:          "@every 12h",
			Priority:          crawler.PriorityNormal,
			Enabled:           true,
		},
		{
			Name:              WorldBank,
			BaseURL:           "https://api.worldbank.org",
			RequestsPerMinute: 1000,
			Schedule:          "@daily",
			Priority:          crawler.PriorityLow,
			Enabled:           true,
		},
	}
}

// Normalize maps user input to the canonical, upper-case source name.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Registry is safe for concurrent use. Sources and adapters are registered
// at startup and read by workers and the scheduler afterwards.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]crawler.Source
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given source configurations.
func NewRegistry(sources ...crawler.Source) *Registry {
	r := &Registry{
		sources:  make(map[string]crawler.Source, len(sources)),
		adapters: make(map[string]Adapter, len(sources)),
	}
	for _, src := range sources {
		r.Configure(src)
	}
	return r
}

// Configure adds or replaces the configuration of one source.
func (r *Registry) Configure(src crawler.Source) {
	src.Name = Normalize(src.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Name] = src
}

// Register binds adapter to name.
func (r *Registry) Register(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[Normalize(name)] = adapter
}

// Lookup returns the configuration and adapter of an enabled source.
func (r *Registry) Lookup(name string) (crawler.Source, Adapter, error) {
	key := Normalize(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[key]
	adapter := r.adapters[key]
	if !ok || adapter == nil {
		return crawler.Source{}, nil, fmt.Errorf("%w: %q", crawler.ErrUnknownSource, name)
	}
	if !src.Enabled {
		return crawler.Source{}, nil, fmt.Errorf("%w: %q is disabled", crawler.ErrUnknownSource, name)
	}
	return src, adapter, nil
}

// Validate checks that name can be crawled: it is known, enabled, has an
// adapter, and carries its credential when one is required.
func (r *Registry) Validate(name string) error {
	src, _, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if src.RequiresKey && strings.TrimSpace(src.APIKey) == "" {
		return fmt.Errorf("%w: %s requires an API key", crawler.ErrMissingCredential, src.Name)
	}
	return nil
}

// Sources lists every configured source that has an adapter, sorted by name.
func (r *Registry) Sources() []crawler.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.Source, 0, len(r.sources))
	for name, src := range r.sources {
		if _, ok := r.adapters[name]; ok {
			out = append(out, src)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Source) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Enabled lists the sources that Lookup would accept.
func (r *Registry) Enabled() []crawler.Source {
	all := r.Sources()
	out := all[:0]
	for _, src := range all {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// RateLimits returns the per-minute budget of every configured source.
func (r *Registry) RateLimits() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.sources))
	for name, src := range r.sources {
		out[name] = src.RequestsPerMinute
	}
	return out
}
