// Package fred reads the Federal Reserve Economic Data API.
package fred

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/realtime-econ-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

const (
	defaultPageSize   = 1000
	defaultSearchText = "*"
	// FRED marks a missing observation with a single dot.
	missingValue = "."
	// last_updated looks like "2024-05-03 07:51:02-05".
	lastUpdatedLayout = "2006-01-02 15:04:05-07"
)

// Config tunes discovery.
type Config struct {
	SearchText string
	PageSize   int
	// MaxPages caps discovery pagination; zero means no cap.
	MaxPages int
}

// Adapter implements source.Adapter for FRED.
type Adapter struct {
	client *collyfetcher.Client
	cfg    Config
}

var _ source.Adapter = (*Adapter)(nil)

// New returns a FRED adapter.
func New(client *collyfetcher.Client, cfg Config) *Adapter {
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
		cfg.PageSize = defaultPageSize
	}
	if strings.TrimSpace(cfg.SearchText) == "" {
		cfg.SearchText = defaultSearchText
	}
	return &Adapter{client: client, cfg: cfg}
}

type searchResponse struct {
	Count  int          `json:"count"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
	Series []seriesInfo `json:"seriess"`
}

type seriesInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Frequency   string `json:"frequency"`
	Units       string `json:"units"`
	Notes       string `json:"notes"`
	LastUpdated string `json:"last_updated"`
}

func (s seriesInfo) discovered(name string) crawler.DiscoveredSeries {
	ds := crawler.DiscoveredSeries{
		Source:      name,
		ExternalID:  s.ID,
		Title:       s.Title,
		Frequency:   s.Frequency,
		Units:       s.Units,
		Description: strings.TrimSpace(s.Notes),
	}
	if ts, err := time.Parse(lastUpdatedLayout, s.LastUpdated); err == nil {
		ds.UpdatedAt = ts.UTC()
	}
	return ds
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Discover pages through fred/series/search ordered by popularity.
func (a *Adapter) Discover(ctx context.Context, src crawler.Source) iter.Seq2[crawler.DiscoveredSeries, error] {
	return func(yield func(crawler.DiscoveredSeries, error) bool) {
		key, err := source.RequireKey(src)
		if err != nil {
			yield(crawler.DiscoveredSeries{}, err)
			return
		}
		offset := 0
		for page := 1; ; page++ {
			endpoint, err := source.Endpoint(src.BaseURL, "/fred/series/search", url.Values{
				"search_text": {a.cfg.SearchText},
				"api_key":     {key},
				"file_type":   {"json"},
				"order_by":    {"popularity"},
				"sort_order":  {"desc"},
				"limit":       {strconv.Itoa(a.cfg.PageSize)},
				"offset":      {strconv.Itoa(offset)},
			})
			if err != nil {
				yield(crawler.DiscoveredSeries{}, err)
				return
			}
			var resp searchResponse
			if err := a.client.GetJSON(ctx, src.Name, endpoint, &resp); err != nil {
				yield(crawler.DiscoveredSeries{}, fmt.Errorf("fred search page %d: %w", page, err))
				return
			}
			for _, s := range resp.Series {
				if !yield(s.discovered(src.Name), nil) {
					return
				}
			}
			offset += len(resp.Series)
			if len(resp.Series) == 0 || offset >= resp.Count {
				return
			}
			if a.cfg.MaxPages > 0 && page >= a.cfg.MaxPages {
				return
			}
		}
	}
}

// Fetch reads fred/series/observations, starting at since when set.
func (a *Adapter) Fetch(
	ctx context.Context,
	src crawler.Source,
	seriesID string,
	since *time.Time,
) ([]crawler.Observation, error) {
	key, err := source.RequireKey(src)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"series_id":  {seriesID},
		"api_key":    {key},
		"file_type":  {"json"},
		"sort_order": {"asc"},
	}
	if since != nil {
		q.Set("observation_start", since.UTC().Format(time.DateOnly))
	}
	endpoint, err := source.Endpoint(src.BaseURL, "/fred/series/observations", q)
	if err != nil {
		return nil, err
	}
	var resp observationsResponse
	if err := a.client.GetJSON(ctx, src.Name, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fred observations %s: %w", seriesID, err)
	}
	out := make([]crawler.Observation, 0, len(resp.Observations))
	for _, raw := range resp.Observations {
		date, err := time.Parse(time.DateOnly, raw.Date)
		if err != nil {
			return nil, crawler.Permanent(fmt.Errorf("fred observation date %q: %w", raw.Date, err))
		}
		obs := crawler.Observation{Date: date}
		if v := strings.TrimSpace(raw.Value); v != missingValue && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, crawler.Permanent(fmt.Errorf("fred observation value %q: %w", raw.Value, err))
			}
			obs.Value = &f
		}
		out = append(out, obs)
	}
	source.SortObservations(out)
	return out, nil
}
