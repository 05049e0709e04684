package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	colly "github.com/gocolly/colly/v2"
	"github.com/sony/gobreaker"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html/charset"

	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/models"
)

var (
	// Global HTTP transport with compression enabled; brotli is handled
	// manually in the response hook.
	httpTransport = &http.Transport{
		DisableCompression: false,
	}

	// ErrRobotsDisallowed means robots.txt forbids the path. A policy
	// skip, not a fetch failure.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

	// ErrDomainSuspended means the domain's circuit breaker is open
	// after repeated consecutive failures.
	ErrDomainSuspended = errors.New("domain suspended by circuit breaker")
)

// RateLimitedError is returned for HTTP 429. The fetcher never retries
// these itself; the caller decides when to come back.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// HTTPError is a terminal client-side HTTP failure (4xx other than 429).
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Fetcher retrieves single pages with retries, robots.txt checks and a
// per-domain circuit breaker. Robots rules and breaker state are cached
// for the fetcher's lifetime, which is one ingestion run.
type Fetcher struct {
	base     *colly.Collector
	opts     models.CrawlOptions
	client   *http.Client
	robotsMu sync.Mutex
	robots   map[string]*robotstxt.RobotsData
	breakers sync.Map
}

func NewFetcher(opts models.CrawlOptions) *Fetcher {
	// Fresh collector per fetcher; the frontier owns dedup, so URL
	// revisits are allowed and robots handling is explicit.
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(opts.UserAgent),
	)
	c.WithTransport(httpTransport)
	c.SetRequestTimeout(opts.FetchTimeout)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
	})

	return &Fetcher{
		base:   c,
		opts:   opts,
		client: &http.Client{Timeout: opts.FetchTimeout},
		robots: make(map[string]*robotstxt.RobotsData),
	}
}

// Fetch retrieves one URL. Transient failures (timeouts, network
// errors, 5xx) are retried with exponential backoff; 429 and other 4xx
// are not. Each terminal transient failure counts against the domain's
// circuit breaker.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*models.FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	if allowed := f.robotsAllowed(parsed); !allowed {
		return nil, ErrRobotsDisallowed
	}

	br := f.breakerFor(parsed.Hostname())
	out, err := br.Execute(func() (interface{}, error) {
		res, ferr := f.fetchWithRetry(ctx, rawURL)
		if ferr != nil && isTransient(ferr) {
			// Only transient exhaustion trips the breaker; 4xx is a
			// page problem, not a domain problem.
			return nil, ferr
		}
		return fetchOutcome{res: res, err: ferr}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrDomainSuspended, parsed.Hostname())
		}
		return nil, err
	}

	oc := out.(fetchOutcome)
	return oc.res, oc.err
}

type fetchOutcome struct {
	res *models.FetchResult
	err error
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string) (*models.FetchResult, error) {
	var result *models.FetchResult

	operation := func() error {
		res, err := f.fetchOnce(rawURL)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.opts.RetryBaseDelay
	policy.RandomizationFactor = 0.2

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.opts.FetchRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Fetcher) fetchOnce(rawURL string) (*models.FetchResult, error) {
	c := f.base.Clone()

	var (
		result   *models.FetchResult
		fetchErr error
	)

	c.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		body := r.Body

		// Go's transport decompresses gzip; brotli is manual
		if strings.Contains(r.Headers.Get("Content-Encoding"), "br") {
			brReader := brotli.NewReader(bytes.NewReader(body))
			if decompressed, err := io.ReadAll(brReader); err == nil {
				body = decompressed
			}
		}

		// Decode charset to UTF-8; on detection failure keep the body
		// as-is, it may already be UTF-8
		if len(body) > 0 {
			if utf8Reader, err := charset.NewReader(bytes.NewReader(body), contentType); err == nil {
				if decoded, readErr := io.ReadAll(utf8Reader); readErr == nil && len(decoded) > 0 {
					body = decoded
				}
			}
		}

		result = &models.FetchResult{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			Headers:     http.Header(*r.Headers),
			Body:        body,
			FetchedAt:   time.Now(),
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		switch {
		case r != nil && r.StatusCode == http.StatusTooManyRequests:
			fetchErr = &RateLimitedError{RetryAfter: parseRetryAfter(r.Headers.Get("Retry-After"))}
		case r != nil && r.StatusCode >= 400 && r.StatusCode < 500:
			fetchErr = &HTTPError{StatusCode: r.StatusCode}
		case r != nil && r.StatusCode >= 500:
			fetchErr = fmt.Errorf("server error %d: %w", r.StatusCode, err)
		default:
			fetchErr = err
		}
	})

	if err := c.Visit(rawURL); err != nil {
		if fetchErr == nil {
			fetchErr = err
		}
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if result == nil {
		return nil, fmt.Errorf("no response for %s", rawURL)
	}
	return result, nil
}

// robotsAllowed checks the cached robots.txt policy for the URL's
// host. An unreachable or missing robots.txt allows everything.
func (f *Fetcher) robotsAllowed(u *url.URL) bool {
	host := strings.ToLower(u.Host)

	f.robotsMu.Lock()
	data, cached := f.robots[host]
	f.robotsMu.Unlock()

	if !cached {
		data = f.fetchRobots(u)
		f.robotsMu.Lock()
		f.robots[host] = data
		f.robotsMu.Unlock()
	}

	if data == nil {
		return true
	}
	group := data.FindGroup(f.opts.UserAgent)
	path := u.Path
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

func (f *Fetcher) fetchRobots(u *url.URL) *robotstxt.RobotsData {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	resp, err := f.client.Get(robotsURL)
	if err != nil {
		logger.Debug("robots.txt unreachable", "url", robotsURL, "error", err.Error())
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data
}

func (f *Fetcher) breakerFor(host string) *gobreaker.CircuitBreaker {
	if br, ok := f.breakers.Load(host); ok {
		return br.(*gobreaker.CircuitBreaker)
	}

	threshold := uint32(f.opts.BreakerThreshold)
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fetch:" + host,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	actual, _ := f.breakers.LoadOrStore(host, br)
	return actual.(*gobreaker.CircuitBreaker)
}

func isTransient(err error) bool {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
// A missing or unparseable header falls back to 30s.
func parseRetryAfter(value string) time.Duration {
	const fallback = 30 * time.Second
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}
