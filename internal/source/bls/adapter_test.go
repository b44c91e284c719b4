package bls

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-econ-crawler/internal/clock"
	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/realtime-econ-crawler/internal/fetcher/colly"
)

func testSource(baseURL string) crawler.Source {
	return crawler.Source{Name: "BLS", BaseURL: baseURL, RequiresKey: true, APIKey: "reg-key", Enabled: true}
}

func newAdapter(cfg Config) *Adapter {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewFake(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC))
	}
	return New(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), cfg)
}

func TestFetchPostsTimeseriesRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/publicAPI/v2/timeseries/data/", r.URL.Path)
		var req timeseriesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"CUSR0000SA0"}, req.SeriesID)
		assert.Equal(t, "2024", req.StartYear)
		assert.Equal(t, "2024", req.EndYear)
		assert.Equal(t, "reg-key", req.RegistrationKey)
		_, _ = io.WriteString(w, `{"status":"REQUEST_SUCCEEDED","message":[],"Results":{"series":[
			{"seriesID":"CUSR0000SA0","data":[
				{"year":"2024","period":"M13","value":"310.0"},
				{"year":"2024","period":"M03","value":"312.230"},
				{"year":"2024","period":"M02","value":"-"},
				{"year":"2024","period":"M01","value":"309.685"}
			]}
		]}}`)
	}))
	defer srv.Close()

	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	obs, err := newAdapter(Config{}).Fetch(context.Background(), testSource(srv.URL), "CUSR0000SA0", &since)
	require.NoError(t, err)
	require.Len(t, obs, 2, "January is before since and M13 is an annual average")
	require.Equal(t, since, obs[0].Date)
	require.Nil(t, obs[0].Value)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), obs[1].Date)
	require.InDelta(t, 312.23, *obs[1].Value, 1e-9)
}

func TestFetchSplitsLongRanges(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		ranges [][2]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req timeseriesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		ranges = append(ranges, [2]string{req.StartYear, req.EndYear})
		mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"REQUEST_SUCCEEDED","Results":{"series":[]}}`)
	}))
	defer srv.Close()

	since := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := newAdapter(Config{}).Fetch(context.Background(), testSource(srv.URL), "CES0000000001", &since)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"1990", "2009"}, {"2010", "2024"}}, ranges)
}

func TestFetchDefaultWindow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req timeseriesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2020", req.StartYear)
		_, _ = io.WriteString(w, `{"status":"REQUEST_SUCCEEDED","Results":{"series":[]}}`)
	}))
	defer srv.Close()

	_, err := newAdapter(Config{YearsBack: 5}).Fetch(context.Background(), testSource(srv.URL), "X", nil)
	require.NoError(t, err)
}

func TestFetchMapsRequestStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status string
		want   error
	}{
		{"REQUEST_NOT_PROCESSED", crawler.ErrTransient},
		{"REQUEST_FAILED", crawler.ErrPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"status":"`+tc.status+`","message":["threshold"]}`)
			}))
			defer srv.Close()

			_, err := newAdapter(Config{}).Fetch(context.Background(), testSource(srv.URL), "X", nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDiscoverDescribesSeriesBySurvey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publicAPI/v2/surveys", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"REQUEST_SUCCEEDED","Results":{"survey":[
			{"survey_abbreviation":"CU","survey_name":"CPI for All Urban Consumers"}
		]}}`)
	}))
	defer srv.Close()

	a := newAdapter(Config{SeriesIDs: []string{"CUSR0000SA0", "CIU2010000000000A"}})
	var got []crawler.DiscoveredSeries
	for ds, err := range a.Discover(context.Background(), testSource(srv.URL)) {
		require.NoError(t, err)
		got = append(got, ds)
	}
	require.Len(t, got, 2)
	require.Equal(t, "CPI for All Urban Consumers: CUSR0000SA0", got[0].Title)
	require.Equal(t, "Monthly", got[0].Frequency)
	require.Equal(t, "BLS Series CIU2010000000000A", got[1].Title)
	require.Equal(t, "Quarterly", got[1].Frequency)
}

func TestPeriodMonth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		period string
		month  time.Month
		ok     bool
		err    bool
	}{
		{"M01", time.January, true, false},
		{"M12", time.December, true, false},
		{"M13", 0, false, false},
		{"Q03", time.July, true, false},
		{"S02", time.July, true, false},
		{"A01", time.January, true, false},
		{"M14", 0, false, true},
		{"X01", 0, false, true},
		{"M1", 0, false, true},
	}
	for _, tc := range cases {
		month, ok, err := periodMonth(tc.period)
		if tc.err {
			require.ErrorIs(t, err, crawler.ErrPermanent, tc.period)
			continue
		}
		require.NoError(t, err, tc.period)
		require.Equal(t, tc.ok, ok, tc.period)
		require.Equal(t, tc.month, month, tc.period)
	}
}
