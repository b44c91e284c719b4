package fred

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/realtime-econ-crawler/internal/fetcher/colly"
)

func testSource(baseURL string) crawler.Source {
	return crawler.Source{Name: "FRED", BaseURL: baseURL, RequiresKey: true, APIKey: "secret", Enabled: true}
}

func TestFetchParsesObservations(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fred/series/observations", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "GDP", q.Get("series_id"))
		assert.Equal(t, "secret", q.Get("api_key"))
		assert.Equal(t, "json", q.Get("file_type"))
		assert.Equal(t, "2024-01-01", q.Get("observation_start"))
		_, _ = io.WriteString(w, `{"observations":[
			{"date":"2024-07-01","value":"29016.714"},
			{"date":"2024-01-01","value":"28269.174"},
			{"date":"2024-04-01","value":"."}
		]}`)
	}))
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), Config{})
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs, err := a.Fetch(context.Background(), testSource(srv.URL), "GDP", &since)
	require.NoError(t, err)
	require.Len(t, obs, 3)

	require.Equal(t, since, obs[0].Date)
	require.InDelta(t, 28269.174, *obs[0].Value, 1e-9)
	require.Nil(t, obs[1].Value, "dot means missing")
	require.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), obs[2].Date)
}

func TestFetchWithoutSinceOmitsStart(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("observation_start"))
		_, _ = io.WriteString(w, `{"observations":[]}`)
	}))
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{})
	obs, err := a.Fetch(context.Background(), testSource(srv.URL), "UNRATE", nil)
	require.NoError(t, err)
	require.Empty(t, obs)
}

func TestFetchRejectsBadValue(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"observations":[{"date":"2024-01-01","value":"n/a"}]}`)
	}))
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{})
	_, err := a.Fetch(context.Background(), testSource(srv.URL), "GDP", nil)
	require.ErrorIs(t, err, crawler.ErrPermanent)
}

func TestFetchMissingKeyIsPermanent(t *testing.T) {
	t.Parallel()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{})
	src := testSource("http://127.0.0.1:1")
	src.APIKey = ""
	_, err := a.Fetch(context.Background(), src, "GDP", nil)
	require.ErrorIs(t, err, crawler.ErrMissingCredential)
	require.ErrorIs(t, err, crawler.ErrPermanent)
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{})
	_, err := a.Fetch(context.Background(), testSource(srv.URL), "GDP", nil)
	require.ErrorIs(t, err, crawler.ErrTransient)
}

// searchServer serves total series in pages sized by the limit parameter.
func searchServer(t *testing.T, total int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/fred/series/search", r.URL.Path)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"count":%d,"offset":%d,"limit":%d,"seriess":[`, total, offset, limit)
		for i := offset; i < min(offset+limit, total); i++ {
			if i > offset {
				_, _ = io.WriteString(w, ",")
			}
			_, _ = fmt.Fprintf(w,
				`{"id":"S%d","title":"Series %d","frequency":"Monthly","units":"Percent","last_updated":"2024-05-03 07:51:02-05"}`,
				i, i)
		}
		_, _ = io.WriteString(w, "]}")
	}))
}

func TestDiscoverPaginates(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := searchServer(t, 5, &hits)
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{PageSize: 2})
	var ids []string
	for ds, err := range a.Discover(context.Background(), testSource(srv.URL)) {
		require.NoError(t, err)
		require.Equal(t, "FRED", ds.Source)
		require.Equal(t, "Monthly", ds.Frequency)
		require.Equal(t, time.Date(2024, 5, 3, 12, 51, 2, 0, time.UTC), ds.UpdatedAt)
		ids = append(ids, ds.ExternalID)
	}
	require.Equal(t, []string{"S0", "S1", "S2", "S3", "S4"}, ids)
	require.EqualValues(t, 3, hits.Load())
}

func TestDiscoverStopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := searchServer(t, 100, &hits)
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{PageSize: 2})
	seen := 0
	for _, err := range a.Discover(context.Background(), testSource(srv.URL)) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	require.Equal(t, 3, seen)
	require.EqualValues(t, 2, hits.Load())

	// A second range starts over from the first page.
	for ds, err := range a.Discover(context.Background(), testSource(srv.URL)) {
		require.NoError(t, err)
		require.Equal(t, "S0", ds.ExternalID)
		break
	}
}

func TestDiscoverHonorsMaxPages(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := searchServer(t, 100, &hits)
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{PageSize: 10, MaxPages: 2})
	count := 0
	for _, err := range a.Discover(context.Background(), testSource(srv.URL)) {
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 20, count)
	require.EqualValues(t, 2, hits.Load())
}

func TestDiscoverYieldsUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := New(collyfetcher.New(collyfetcher.Config{}), Config{})
	var errs []error
	for _, err := range a.Discover(context.Background(), testSource(srv.URL)) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], crawler.ErrPermanent)
}
