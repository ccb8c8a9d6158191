// Package sse queries the exchange's paginated bulletin feed.
package sse

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

// Default endpoints and headers of the public disclosure site.
const (
	DefaultQueryURL      = "https://query.sse.com.cn/security/stock/queryCompanyBulletinNew.do"
	DefaultStaticBaseURL = "https://static.sse.com.cn"
	DefaultReferer       = "https://www.sse.com.cn/"
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultAccept        = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	DefaultLanguage      = "zh-CN,zh;q=0.9"

	pageSize  = 10
	cacheSize = 1
)

// BrowserHeaders returns the header set sent with every request to the exchange.
func BrowserHeaders(userAgent, referer string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if referer == "" {
		referer = DefaultReferer
	}
	return http.Header{
		"User-Agent":      {userAgent},
		"Referer":         {referer},
		"Accept":          {DefaultAccept},
		"Accept-Language": {DefaultLanguage},
		"Connection":      {"keep-alive"},
	}
}

// Config controls the discovery client.
type Config struct {
	QueryURL      string
	StaticBaseURL string
	Referer       string
	UserAgent     string
	Timeout       time.Duration
}

// Client fetches and parses discovery pages.
type Client struct {
	fetcher crawler.Fetcher
	cfg     Config
	base    *url.URL
	logger  *zap.Logger

	now func() time.Time
	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Client.
type Option func(*Client)

// WithClock sets the time source used for the cache-busting timestamp.
func WithClock(clock crawler.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.now = clock.Now
		}
	}
}

// WithRand seeds the callback-name generator.
func WithRand(seed uint64) Option {
	return func(c *Client) {
		c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // callback names only
	}
}

// New builds a Client that issues requests through fetcher.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger, opts ...Option) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("sse client: fetcher is required")
	}
	if cfg.QueryURL == "" {
		cfg.QueryURL = DefaultQueryURL
	}
	if cfg.StaticBaseURL == "" {
		cfg.StaticBaseURL = DefaultStaticBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if _, err := url.Parse(cfg.QueryURL); err != nil {
		return nil, fmt.Errorf("parse query url: %w", err)
	}
	base, err := url.Parse(cfg.StaticBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse static base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		fetcher: fetcher,
		cfg:     cfg,
		base:    base,
		logger:  logger,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)), //nolint:gosec // callback names only
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPage requests one page of the feed and parses it.
func (c *Client) FetchPage(ctx context.Context, query crawler.PageQuery) (crawler.PageResult, error) {
	const op = "fetch discovery page"
	target := c.pageURL(query)
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     target,
		Headers: BrowserHeaders(c.cfg.UserAgent, c.cfg.Referer),
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return crawler.PageResult{}, fmt.Errorf("%s %d: %w", op, query.PageNumber, err)
		}
		return crawler.PageResult{}, crawler.NewError(crawler.KindInvalidResponse, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return crawler.PageResult{}, crawler.Errorf(crawler.KindInvalidResponse, op, "page %d: status %d", query.PageNumber, resp.StatusCode)
	}

	result, err := c.Parse(resp.Body)
	if err != nil {
		return crawler.PageResult{}, err
	}
	result.PageNumber = query.PageNumber
	c.logger.Debug("Fetched discovery page",
		zap.String("security_code", query.SecurityCode),
		zap.Int("page", query.PageNumber),
		zap.Int("total_pages", result.TotalPages),
		zap.Int("records", len(result.Records)),
	)
	return result, nil
}

func (c *Client) pageURL(query crawler.PageQuery) string {
	page := strconv.Itoa(query.PageNumber)
	params := url.Values{}
	params.Set("jsonCallBack", c.callbackName())
	params.Set("isPagination", "true")
	params.Set("pageHelp.pageSize", strconv.Itoa(pageSize))
	params.Set("pageHelp.cacheSize", strconv.Itoa(cacheSize))
	params.Set("pageHelp.pageNo", page)
	params.Set("pageHelp.beginPage", page)
	params.Set("pageHelp.endPage", page)
	params.Set("START_DATE", query.StartDate)
	params.Set("END_DATE", query.EndDate)
	params.Set("SECURITY_CODE", query.SecurityCode)
	params.Set("TITLE", "")
	params.Set("BULLETIN_TYPE", "")
	params.Set("_", strconv.FormatInt(c.now().UnixMilli(), 10))

	sep := "?"
	if strings.Contains(c.cfg.QueryURL, "?") {
		sep = "&"
	}
	return c.cfg.QueryURL + sep + params.Encode()
}

func (c *Client) callbackName() string {
	c.mu.Lock()
	n := 10000000 + c.rng.IntN(90000000)
	c.mu.Unlock()
	return "jsonpCallback" + strconv.Itoa(n)
}
