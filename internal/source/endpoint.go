package source

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
)

// Endpoint joins base and path and attaches query.
func Endpoint(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", crawler.Permanent(fmt.Errorf("build endpoint: %w", err))
	}
	if u.Scheme == "" || u.Host == "" {
		return "", crawler.Permanent(fmt.Errorf("build endpoint: base url %q is not absolute", base))
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// RequireKey returns the API key of src or a permanent credential error.
func RequireKey(src crawler.Source) (string, error) {
	key := strings.TrimSpace(src.APIKey)
	if key == "" {
		return "", crawler.Permanent(fmt.Errorf("%w: %s requires an API key", crawler.ErrMissingCredential, src.Name))
	}
	return key, nil
}

// SortObservations orders obs by date, oldest first.
func SortObservations(obs []crawler.Observation) {
	slices.SortStableFunc(obs, func(a, b crawler.Observation) int { return a.Date.Compare(b.Date) })
}
