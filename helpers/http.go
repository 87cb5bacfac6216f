package helpers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	mathrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"sjsage522/listingworker/logger"
	"sjsage522/listingworker/pkg/errors"
	"sjsage522/listingworker/services/cache"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"
)

// Browser identities rotated across attempts
var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	}

	referers = []string{
		"https://www.google.co.jp/",
		"https://search.yahoo.co.jp/",
		"https://www.bing.com/",
	}

	maxBodyBytes int64 = 16 << 20
)

// FetcherConfig bounds retries, timeouts and pacing of the fetch layer
type FetcherConfig struct {
	MaxAttempts    int
	Backoff        time.Duration
	ConnectTimeout time.Duration
	Timeout        time.Duration
	BlockTime      time.Duration
	RPS            float64
	Burst          int
}

// Fetcher issues GET requests with retry, identity rotation and per-host pacing
type Fetcher struct {
	client   *http.Client
	cfg      FetcherConfig
	cacheSvc cache.CacheService

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rnd      *mathrand.Rand
}

// NewFetcher creates a fetcher; cacheSvc may be nil to disable the shared block key
func NewFetcher(cfg FetcherConfig, cacheSvc cache.CacheService) *Fetcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		cfg:      cfg,
		cacheSvc: cacheSvc,
		limiters: make(map[string]*rate.Limiter),
		rnd:      mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Fetch returns the UTF-8 body of rawURL.
// Non-200 responses are retried with linear backoff, except 404 and 410
// which fail immediately with a not_found error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewTransientFetch(rawURL, "invalid url", err)
	}
	host := u.Hostname()
	offset := f.randomIndex(len(userAgents))

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		ua := userAgents[(offset+attempt-1)%len(userAgents)]

		body, err := f.fetchOnce(ctx, u, ua)
		if err == nil {
			return body, nil
		}
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		logger.ForFetch().Debug().
			Str("url", rawURL).
			Int("attempt", attempt).
			Err(err).
			Msg("Fetch attempt failed")

		if attempt < f.cfg.MaxAttempts {
			if err := Sleep(ctx, f.cfg.Backoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, errors.NewTransientFetch(host, fmt.Sprintf("giving up on %s after %d attempts", rawURL, f.cfg.MaxAttempts), lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, u *url.URL, userAgent string) ([]byte, error) {
	host := u.Hostname()

	// A host blocked by any worker sharing the cache stays blocked until the key expires
	if f.cacheSvc != nil {
		if _, err := f.cacheSvc.Get(blockKey(host)); err == nil {
			return nil, errors.NewRateLimit(host, f.cfg.BlockTime)
		}
	}

	if err := f.limiter(host).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.NewTransientFetch(host, "failed to create request", err)
	}
	f.setHeaders(req, userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.NewTransientFetch(host, "failed to fetch URL", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errors.NewNotFound(u.String(), resp.StatusCode)
	case slices.Contains([]int{http.StatusTooManyRequests, 430}, resp.StatusCode):
		block := f.blockDuration(resp.Header.Get("Retry-After"))
		f.markBlocked(host, block)
		return nil, errors.NewRateLimit(host, block)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.NewTransientFetch(host, fmt.Sprintf("unexpected status code: %d", resp.StatusCode), nil)
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.NewTransientFetch(host, "failed to read response body", err)
	}

	return toUTF8(bodyBytes, resp.Header.Get("Content-Type"))
}

func (f *Fetcher) setHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Referer", referers[f.randomIndex(len(referers))])
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[host]
	if !ok {
		limit := rate.Inf
		if f.cfg.RPS > 0 {
			limit = rate.Limit(f.cfg.RPS)
		}
		burst := f.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		f.limiters[host] = l
	}
	return l
}

func (f *Fetcher) randomIndex(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rnd.Intn(n)
}

// blockDuration honours Retry-After seconds but never exceeds BlockTime
func (f *Fetcher) blockDuration(retryAfter string) time.Duration {
	block := f.cfg.BlockTime
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		if d := time.Duration(secs) * time.Second; block <= 0 || d < block {
			block = d
		}
	}
	return block
}

func (f *Fetcher) markBlocked(host string, block time.Duration) {
	if f.cacheSvc == nil || block <= 0 {
		return
	}
	if err := f.cacheSvc.Set(blockKey(host), []byte(strconv.Itoa(int(block.Seconds()))), block); err != nil {
		logger.LogError("fetch", errors.NewCache(host, "failed to set block key", err), "rate limit block for %s", host)
	}
}

func blockKey(host string) string {
	return "ratelimit:" + host
}

// toUTF8 converts a body using the Content-Type header and meta tags
func toUTF8(body []byte, contentType string) ([]byte, error) {
	encoding, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || name == "UTF-8" {
		return body, nil
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, encoding.NewDecoder().Reader(bytes.NewReader(body))); err != nil {
		return nil, fmt.Errorf("failed to read converted UTF-8 body: %w", err)
	}
	return buf.Bytes(), nil
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
