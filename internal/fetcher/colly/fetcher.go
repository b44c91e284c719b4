// Package collyfetcher is the HTTP client the source adapters call. It runs
// each request through a gocolly collector, waits on the job's rate-limit gate
// first, and classifies failures as transient or permanent.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/metrics"
	"github.com/JakeFAU/realtime-econ-crawler/internal/policy/ratelimit"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 64 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Request is one upstream API call.
type Request struct {
	// Source labels metrics and errors with the data source name.
	Source  string
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Response is a successful (2xx) upstream reply.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client issues rate-limited API requests through Colly.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.WithTransport(newHTTPTransport())
	return &Client{cfg: cfg, baseCollector: c}
}

// Do waits on the rate-limit gate in ctx, sends req, and returns the reply.
// Non-2xx replies and transport failures are returned as
// *crawler.TransientError or *crawler.PermanentError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if err := ratelimit.WaitFromContext(ctx); err != nil {
		return Response{}, err
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector(ctx, req, start, &result, &fetchErr)
	if err := c.runCollector(ctx, collector, req, &fetchErr); err != nil {
		metrics.ObserveUpstreamRequest(req.Source, result.StatusCode)
		return Response{}, classifyTransportError(req, err)
	}
	metrics.ObserveUpstreamRequest(req.Source, result.StatusCode)
	if err := classifyStatus(req, result); err != nil {
		return Response{}, err
	}
	return result, nil
}

// GetJSON issues a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, source, rawURL string, out any) error {
	resp, err := c.Do(ctx, Request{Source: source, URL: rawURL, Headers: http.Header{"Accept": {"application/json"}}})
	if err != nil {
		return err
	}
	return decode(source, rawURL, resp.Body, out)
}

// PostJSON encodes body as JSON, POSTs it, and decodes the reply into out.
func (c *Client) PostJSON(ctx context.Context, source, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return crawler.Permanent(fmt.Errorf("encode %s request: %w", source, err))
	}
	resp, err := c.Do(ctx, Request{
		Source: source,
		Method: http.MethodPost,
		URL:    rawURL,
		Headers: http.Header{
			"Accept":       {"application/json"},
			"Content-Type": {"application/json"},
		},
		Body: payload,
	})
	if err != nil {
		return err
	}
	return decode(source, rawURL, resp.Body, out)
}

func decode(source, rawURL string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return crawler.Permanent(fmt.Errorf("decode %s response from %s: %w", source, redact(rawURL), err))
	}
	return nil
}

func (c *Client) buildCollector(
	ctx context.Context,
	req Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.Context = ctx
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)
	c.configureCollectorHooks(collector, req, start, result, fetchErr)
	return collector
}

func (c *Client) configureCollectorHooks(
	hooks collectorHooks,
	req Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = Response{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, req Request, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		done <- collector.Request(req.Method, req.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		// The collector shares ctx, so the request aborts; wait for its
		// callbacks to finish writing result and fetchErr.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(h http.Header, r *colly.Request) {
	if h == nil || r.Headers == nil {
		return
	}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		r.Headers.Set(key, values[0])
		for _, v := range values[1:] {
			r.Headers.Add(key, v)
		}
	}
}

// classifyStatus maps non-2xx replies: 408, 429 and 5xx are transient, other
// 4xx are permanent.
func classifyStatus(req Request, resp Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("%s %s %s: HTTP %d", req.Source, req.Method, redact(req.URL), code)
	switch {
	case code == http.StatusTooManyRequests:
		return &crawler.TransientError{Err: err, StatusCode: code, RetryAfter: parseRetryAfter(resp.Headers.Get("Retry-After"), time.Now())}
	case code == http.StatusRequestTimeout, code >= 500:
		return &crawler.TransientError{Err: err, StatusCode: code}
	default:
		return &crawler.PermanentError{Err: err, StatusCode: code}
	}
}

func classifyTransportError(req Request, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &crawler.TransientError{Err: fmt.Errorf("%s %s: %w", req.Source, redact(req.URL), err)}
}

// redact blanks credential query parameters before a URL reaches logs or
// error messages.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	q := u.Query()
	changed := false
	for _, key := range []string{"api_key", "registrationkey", "key", "token"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
