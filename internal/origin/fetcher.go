// Package origin issues the upstream CAR request to a storage provider and
// reports whether the platform edge served it from cache.
package origin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures the fetcher.
type Options struct {
	UserAgent string

	// HeaderTimeout bounds the wait for upstream response headers. Body
	// streaming is unbounded by design; only time-to-first-byte is capped.
	HeaderTimeout time.Duration

	// PerProviderRate limits request starts per provider host. Zero disables
	// limiting.
	PerProviderRate  rate.Limit
	PerProviderBurst int
}

// Result is an upstream response plus the edge cache verdict.
type Result struct {
	Response *http.Response

	// CacheMiss is derived from the edge's cache-status response header. A
	// missing header counts as a miss; billing must not undercount.
	CacheMiss bool

	// Start is when the upstream request was issued; the metering proxy uses
	// it for the time-to-first-byte sample.
	Start time.Time
}

// Fetcher performs origin retrievals.
type Fetcher struct {
	client *http.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher creates a Fetcher with the given options.
func NewFetcher(opts Options) *Fetcher {
	if opts.HeaderTimeout == 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "filbeam-gateway/1.0"
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: opts.HeaderTimeout,
				MaxIdleConnsPerHost:   16,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch issues one GET for `{serviceURL}/ipfs/{rootIdentifier}{subpath}?format=car`
// with edge-cache directives: cache 2xx for cacheTTL, never cache 404 or 5xx.
// A subpath of "/" is omitted because some providers 404 on trailing slashes.
func (f *Fetcher) Fetch(ctx context.Context, serviceURL, rootIdentifier, subpath string, cacheTTL time.Duration) (*Result, error) {
	target, err := buildURL(serviceURL, rootIdentifier, subpath)
	if err != nil {
		return nil, err
	}
	return f.do(ctx, target, "application/vnd.ipld.car", cacheTTL)
}

// FetchPiece issues one GET for `{serviceURL}/piece/{pieceCID}`, the
// piece-addressed variant. Piece bytes pass through undecoded, so no CAR
// format is requested.
func (f *Fetcher) FetchPiece(ctx context.Context, serviceURL, pieceCID string, cacheTTL time.Duration) (*Result, error) {
	base, err := url.Parse(serviceURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, eris.Errorf("origin: invalid service url %q", serviceURL)
	}
	target := strings.TrimSuffix(base.String(), "/") + "/piece/" + pieceCID
	return f.do(ctx, target, "application/octet-stream", cacheTTL)
}

func (f *Fetcher) do(ctx context.Context, target, accept string, cacheTTL time.Duration) (*Result, error) {
	if err := f.wait(ctx, target); err != nil {
		return nil, eris.Wrap(err, "origin: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "origin: build request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", accept)
	// Edge directive: cache successes for the configured TTL, never cache
	// not-found or provider failures.
	req.Header.Set("CDN-Cache-TTL-By-Status",
		fmt.Sprintf("200-299=%d, 404=0, 500-599=0", int(cacheTTL.Seconds())))

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "origin: GET %s", target)
	}

	return &Result{
		Response:  resp,
		CacheMiss: cacheMiss(resp.Header, target),
		Start:     start,
	}, nil
}

// buildURL assembles the provider retrieval URL.
func buildURL(serviceURL, rootIdentifier, subpath string) (string, error) {
	base, err := url.Parse(serviceURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", eris.Errorf("origin: invalid service url %q", serviceURL)
	}
	path := "/ipfs/" + rootIdentifier
	if subpath != "" && subpath != "/" {
		if !strings.HasPrefix(subpath, "/") {
			subpath = "/" + subpath
		}
		path += subpath
	}
	return strings.TrimSuffix(base.String(), "/") + path + "?format=car", nil
}

// cacheMiss interprets the edge cache status header. Both the RFC 9211
// Cache-Status form and the legacy CF-Cache-Status form are understood.
func cacheMiss(h http.Header, target string) bool {
	status := h.Get("Cache-Status")
	if status == "" {
		status = h.Get("CF-Cache-Status")
	}
	if status == "" {
		zap.L().Warn("origin: no cache status header, treating as miss",
			zap.String("url", target),
		)
		return true
	}
	return !strings.Contains(strings.ToLower(status), "hit")
}

func (f *Fetcher) wait(ctx context.Context, target string) error {
	if f.opts.PerProviderRate <= 0 {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil
	}

	f.mu.Lock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		burst := f.opts.PerProviderBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(f.opts.PerProviderRate, burst)
		f.limiters[u.Host] = lim
	}
	f.mu.Unlock()

	return lim.Wait(ctx)
}
