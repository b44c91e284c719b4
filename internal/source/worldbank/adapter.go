// Package worldbank reads the World Bank Indicators API v2.
package worldbank

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/realtime-econ-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

const (
	defaultPageSize = 100
	dataPageSize    = 1000
	defaultCountry  = "WLD"
)

// Config tunes the adapter.
type Config struct {
	// Country is the ISO3 code, or aggregate, observations are read for.
	Country  string
	PageSize int
	MaxPages int
	Clock    crawler.Clock
}

// Adapter implements source.Adapter for the World Bank.
type Adapter struct {
	client *collyfetcher.Client
	cfg    Config
}

var _ source.Adapter = (*Adapter)(nil)

// New returns a World Bank adapter.
func New(client *collyfetcher.Client, cfg Config) *Adapter {
	if strings.TrimSpace(cfg.Country) == "" {
		cfg.Country = defaultCountry
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Adapter{client: client, cfg: cfg}
}

type pageMeta struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

type apiMessage struct {
	Message []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"message"`
}

type indicator struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	SourceNote string `json:"sourceNote"`
	Source     struct {
		Value string `json:"value"`
	} `json:"source"`
}

type dataPoint struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// getPage fetches one page of the two-element [meta, rows] array the API
// returns. An error payload is a single-element array carrying a message.
func (a *Adapter) getPage(ctx context.Context, src crawler.Source, endpoint string, rows any) (pageMeta, error) {
	var raw []json.RawMessage
	if err := a.client.GetJSON(ctx, src.Name, endpoint, &raw); err != nil {
		return pageMeta{}, err
	}
	if len(raw) == 1 {
		var msg apiMessage
		if err := json.Unmarshal(raw[0], &msg); err == nil && len(msg.Message) > 0 {
			m := msg.Message[0]
			return pageMeta{}, crawler.Permanent(fmt.Errorf("world bank error %s: %s %s", m.ID, m.Key, m.Value))
		}
	}
	if len(raw) != 2 {
		return pageMeta{}, crawler.Permanent(fmt.Errorf("world bank response has %d elements, want 2", len(raw)))
	}
	var meta pageMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return pageMeta{}, crawler.Permanent(fmt.Errorf("decode world bank page metadata: %w", err))
	}
	if string(raw[1]) == "null" {
		return meta, nil
	}
	if err := json.Unmarshal(raw[1], rows); err != nil {
		return pageMeta{}, crawler.Permanent(fmt.Errorf("decode world bank rows: %w", err))
	}
	return meta, nil
}

// Discover pages through the indicator catalog.
func (a *Adapter) Discover(ctx context.Context, src crawler.Source) iter.Seq2[crawler.DiscoveredSeries, error] {
	return func(yield func(crawler.DiscoveredSeries, error) bool) {
		for page := 1; ; page++ {
			endpoint, err := source.Endpoint(src.BaseURL, "/v2/indicator", url.Values{
				"format":   {"json"},
				"per_page": {strconv.Itoa(a.cfg.PageSize)},
				"page":     {strconv.Itoa(page)},
			})
			if err != nil {
				yield(crawler.DiscoveredSeries{}, err)
				return
			}
			var rows []indicator
			meta, err := a.getPage(ctx, src, endpoint, &rows)
			if err != nil {
				yield(crawler.DiscoveredSeries{}, fmt.Errorf("world bank indicators page %d: %w", page, err))
				return
			}
			for _, ind := range rows {
				ds := crawler.DiscoveredSeries{
					Source:      src.Name,
					ExternalID:  ind.ID,
					Title:       ind.Name,
					Frequency:   "Annual",
					Units:       ind.Unit,
					Description: strings.TrimSpace(ind.SourceNote),
				}
				if !yield(ds, nil) {
					return
				}
			}
			if len(rows) == 0 || page >= meta.Pages {
				return
			}
			if a.cfg.MaxPages > 0 && page >= a.cfg.MaxPages {
				return
			}
		}
	}
}

// Fetch reads yearly values of one indicator for the configured country.
func (a *Adapter) Fetch(
	ctx context.Context,
	src crawler.Source,
	seriesID string,
	since *time.Time,
) ([]crawler.Observation, error) {
	path := fmt.Sprintf("/v2/country/%s/indicator/%s", url.PathEscape(a.cfg.Country), url.PathEscape(seriesID))
	var out []crawler.Observation
	for page := 1; ; page++ {
		q := url.Values{
			"format":   {"json"},
			"per_page": {strconv.Itoa(dataPageSize)},
			"page":     {strconv.Itoa(page)},
		}
		if since != nil {
			q.Set("date", fmt.Sprintf("%d:%d", since.UTC().Year(), a.cfg.Clock.Now().Year()))
		}
		endpoint, err := source.Endpoint(src.BaseURL, path, q)
		if err != nil {
			return nil, err
		}
		var rows []dataPoint
		meta, err := a.getPage(ctx, src, endpoint, &rows)
		if err != nil {
			return nil, fmt.Errorf("world bank indicator %s: %w", seriesID, err)
		}
		for _, dp := range rows {
			year, err := strconv.Atoi(dp.Date)
			if err != nil {
				return nil, crawler.Permanent(fmt.Errorf("world bank date %q: %w", dp.Date, err))
			}
			out = append(out, crawler.Observation{
				Date:  time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
				Value: dp.Value,
			})
		}
		if len(rows) == 0 || page >= meta.Pages {
			break
		}
	}
	source.SortObservations(out)
	return out, nil
}
