// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/metrics"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/policy/pacing"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 64 << 20
)

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout applies to requests that do not carry their own.
	Timeout     time.Duration
	MaxBodySize int
	Retry       crawler.RetryPolicy
	Limiter     Waiter
	Logger      *zap.Logger
	// Transport overrides the pooled HTTP transport.
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector. All requests share one
// cookie jar and connection pool.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	retry         crawler.RetryPolicy
	baseCollector *colly.Collector
	pause         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher whose requests read and write cookies through jar.
func New(cfg Config, jar http.CookieJar) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}

	c := colly.NewCollector(colly.Async(false))
	// Clones share the backend, so everything touching it is configured once here.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	if jar != nil {
		c.SetCookieJar(jar)
	}

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		retry:         retry,
		baseCollector: c,
		pause:         pacing.Pause,
	}
}

// Fetch executes an HTTP GET, retrying transient failures per the retry policy.
// Non-2xx responses below 500 are returned without error for the caller to judge.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	for retries := 0; ; retries++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		if f.cfg.Limiter != nil {
			if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
			}
		}

		result, err := f.fetchOnce(ctx, request)
		result.Attempts = retries + 1
		if err == nil {
			return result, nil
		}
		if !f.retry.ShouldRetry(err, retries) {
			return result, err
		}

		delay := f.retry.Backoff(retries)
		f.logger.Warn("Retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", retries+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(request.URL)
		if perr := f.pause(ctx, delay); perr != nil {
			return result, fmt.Errorf("fetch %s: %w", request.URL, perr)
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	collector := f.buildCollector(reqCtx, request, start, &result, &fetchErr)
	err := f.runCollector(reqCtx, collector, request.URL, &fetchErr)
	metrics.ObserveFetch(request.URL, time.Since(start))
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if result.StatusCode >= http.StatusInternalServerError {
		return result, &crawler.StatusError{URL: request.URL, Code: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
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

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
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
