// Package bls reads the Bureau of Labor Statistics public API v2.
package bls

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/realtime-econ-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

const (
	statusSucceeded    = "REQUEST_SUCCEEDED"
	statusNotProcessed = "REQUEST_NOT_PROCESSED"

	// The v2 API accepts at most 20 years per registered request.
	maxYearSpan      = 20
	defaultYearsBack = 10
	// BLS publishes "-" for values not available.
	missingValue = "-"
)

// KnownSeries is the catalog discovery yields when Config.SeriesIDs is empty.
var KnownSeries = []string{
	"LAUCN040010000000005",
	"LAUCN040010000000003",
	"LAUCN040010000000004",
	"CUSR0000SA0",
	"CUSR0000SA0L1E",
	"CUSR0000SETB01",
	"CES0000000001",
	"CES0500000003",
	"CES0000000007",
	"WPU00000000",
	"WPUFD49507",
	"MXUS0000000000",
	"MXUS0000000001",
	"CIU2010000000000A",
	"CIU2020000000000A",
}

// Config tunes the adapter.
type Config struct {
	SeriesIDs []string
	// YearsBack bounds a fetch with no stored observations.
	YearsBack int
	Clock     crawler.Clock
}

// Adapter implements source.Adapter for BLS.
type Adapter struct {
	client *collyfetcher.Client
	cfg    Config
}

var _ source.Adapter = (*Adapter)(nil)

// New returns a BLS adapter.
func New(client *collyfetcher.Client, cfg Config) *Adapter {
	if len(cfg.SeriesIDs) == 0 {
		cfg.SeriesIDs = KnownSeries
	}
	if cfg.YearsBack <= 0 {
		cfg.YearsBack = defaultYearsBack
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Adapter{client: client, cfg: cfg}
}

type envelope struct {
	Status  string   `json:"status"`
	Message []string `json:"message"`
}

func (e envelope) err() error {
	switch e.Status {
	case statusSucceeded:
		return nil
	case statusNotProcessed:
		return crawler.Transient(fmt.Errorf("bls request not processed: %s", strings.Join(e.Message, "; ")))
	default:
		return crawler.Permanent(fmt.Errorf("bls request failed (%s): %s", e.Status, strings.Join(e.Message, "; ")))
	}
}

type surveysResponse struct {
	envelope
	Results struct {
		Survey []struct {
			Abbreviation string `json:"survey_abbreviation"`
			Name         string `json:"survey_name"`
		} `json:"survey"`
	} `json:"Results"`
}

type timeseriesRequest struct {
	SeriesID        []string `json:"seriesid"`
	StartYear       string   `json:"startyear"`
	EndYear         string   `json:"endyear"`
	RegistrationKey string   `json:"registrationkey"`
}

type timeseriesResponse struct {
	envelope
	Results struct {
		Series []struct {
			SeriesID string      `json:"seriesID"`
			Data     []dataPoint `json:"data"`
		} `json:"series"`
	} `json:"Results"`
}

type dataPoint struct {
	Year   string `json:"year"`
	Period string `json:"period"`
	Value  string `json:"value"`
}

// Discover reads the survey list once and yields the configured series,
// described by the survey each belongs to.
func (a *Adapter) Discover(ctx context.Context, src crawler.Source) iter.Seq2[crawler.DiscoveredSeries, error] {
	return func(yield func(crawler.DiscoveredSeries, error) bool) {
		endpoint, err := source.Endpoint(src.BaseURL, "/publicAPI/v2/surveys", nil)
		if err != nil {
			yield(crawler.DiscoveredSeries{}, err)
			return
		}
		var resp surveysResponse
		if err := a.client.GetJSON(ctx, src.Name, endpoint, &resp); err != nil {
			yield(crawler.DiscoveredSeries{}, fmt.Errorf("bls surveys: %w", err))
			return
		}
		if err := resp.err(); err != nil {
			yield(crawler.DiscoveredSeries{}, err)
			return
		}
		surveys := make(map[string]string, len(resp.Results.Survey))
		for _, s := range resp.Results.Survey {
			surveys[strings.ToUpper(s.Abbreviation)] = s.Name
		}
		for _, id := range a.cfg.SeriesIDs {
			ds := crawler.DiscoveredSeries{
				Source:      src.Name,
				ExternalID:  id,
				Title:       "BLS Series " + id,
				Frequency:   frequencyOf(id),
				Description: "Bureau of Labor Statistics series: " + id,
			}
			if name, ok := surveys[surveyOf(id)]; ok {
				ds.Title = name + ": " + id
				ds.Description += " (" + name + ")"
			}
			if !yield(ds, nil) {
				return
			}
		}
	}
}

// Fetch posts to timeseries/data in windows of at most 20 years.
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
	endpoint, err := source.Endpoint(src.BaseURL, "/publicAPI/v2/timeseries/data/", nil)
	if err != nil {
		return nil, err
	}
	endYear := a.cfg.Clock.Now().Year()
	startYear := endYear - a.cfg.YearsBack + 1
	if since != nil {
		startYear = since.UTC().Year()
	}

	var out []crawler.Observation
	for from := startYear; from <= endYear; from += maxYearSpan {
		to := min(from+maxYearSpan-1, endYear)
		var resp timeseriesResponse
		err := a.client.PostJSON(ctx, src.Name, endpoint, timeseriesRequest{
			SeriesID:        []string{seriesID},
			StartYear:       strconv.Itoa(from),
			EndYear:         strconv.Itoa(to),
			RegistrationKey: key,
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("bls timeseries %s %d-%d: %w", seriesID, from, to, err)
		}
		if err := resp.err(); err != nil {
			return nil, err
		}
		for _, series := range resp.Results.Series {
			if !strings.EqualFold(series.SeriesID, seriesID) {
				continue
			}
			for _, dp := range series.Data {
				obs, ok, err := dp.observation()
				if err != nil {
					return nil, err
				}
				if !ok || (since != nil && obs.Date.Before(since.UTC().Truncate(24*time.Hour))) {
					continue
				}
				out = append(out, obs)
			}
		}
	}
	source.SortObservations(out)
	return out, nil
}

var errPeriod = errors.New("unsupported period")

// observation converts a data point. Annual averages (M13) report ok=false.
func (dp dataPoint) observation() (crawler.Observation, bool, error) {
	year, err := strconv.Atoi(dp.Year)
	if err != nil {
		return crawler.Observation{}, false, crawler.Permanent(fmt.Errorf("bls year %q: %w", dp.Year, err))
	}
	month, ok, err := periodMonth(dp.Period)
	if err != nil || !ok {
		return crawler.Observation{}, ok, err
	}
	obs := crawler.Observation{Date: time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)}
	if v := strings.TrimSpace(dp.Value); v != missingValue && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return crawler.Observation{}, false, crawler.Permanent(fmt.Errorf("bls value %q: %w", dp.Value, err))
		}
		obs.Value = &f
	}
	return obs, true, nil
}

// periodMonth maps M01..M12, Q01..Q04, S01..S02 and A01 to the first month
// of the period.
func periodMonth(period string) (time.Month, bool, error) {
	if len(period) != 3 {
		return 0, false, crawler.Permanent(fmt.Errorf("%w: %q", errPeriod, period))
	}
	n, err := strconv.Atoi(period[1:])
	if err != nil {
		return 0, false, crawler.Permanent(fmt.Errorf("%w: %q", errPeriod, period))
	}
	switch period[0] {
	case 'M':
		if n == 13 {
			return 0, false, nil
		}
		if n >= 1 && n <= 12 {
			return time.Month(n), true, nil
		}
	case 'Q':
		if n >= 1 && n <= 4 {
			return time.Month(3*(n-1) + 1), true, nil
		}
		if n == 5 {
			return 0, false, nil
		}
	case 'S':
		if n == 1 || n == 2 {
			return time.Month(6*(n-1) + 1), true, nil
		}
		if n == 3 {
			return 0, false, nil
		}
	case 'A':
		if n == 1 {
			return time.January, true, nil
		}
	}
	return 0, false, crawler.Permanent(fmt.Errorf("%w: %q", errPeriod, period))
}

// surveyOf returns the two-letter survey prefix of a series id.
func surveyOf(seriesID string) string {
	if len(seriesID) < 2 {
		return strings.ToUpper(seriesID)
	}
	return strings.ToUpper(seriesID[:2])
}

func frequencyOf(seriesID string) string {
	switch surveyOf(seriesID) {
	case "CI":
		return "Quarterly"
	default:
		return "Monthly"
	}
}
