// Package document downloads bulletin attachments, clearing the document server's
// verification challenge when it answers with one.
package document

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/challenge"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/metrics"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/sse"
)

// State names a step of a single document fetch.
type State string

// Fetch states. Validated and Failed are terminal.
const (
	StateInitial          State = "initial"
	StateChallengeSolving State = "challenge_solving"
	StateRetried          State = "retried"
	StateValidated        State = "validated"
	StateFailed           State = "failed"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultContentType = "application/pdf"
)

// Config controls document requests.
type Config struct {
	UserAgent   string
	Referer     string
	Timeout     time.Duration
	ContentType string
}

// Fetcher implements crawler.DocumentFetcher.
type Fetcher struct {
	http     crawler.Fetcher
	detector *challenge.Detector
	solver   *challenge.Solver
	cfg      Config
	logger   *zap.Logger
}

// New builds a Fetcher. Nil detector or solver select the defaults.
func New(cfg Config, httpFetcher crawler.Fetcher, detector *challenge.Detector, solver *challenge.Solver, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	cfg.ContentType = strings.ToLower(cfg.ContentType)
	if detector == nil {
		detector = challenge.NewDetector("")
	}
	if solver == nil {
		solver = challenge.NewSolver("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		http:     httpFetcher,
		detector: detector,
		solver:   solver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Fetch retrieves documentURL. A challenge response is solved through sess and the request
// is re-issued exactly once.
func (f *Fetcher) Fetch(ctx context.Context, documentURL string, sess crawler.Session) ([]byte, error) {
	state := StateInitial
	resp, err := f.get(ctx, documentURL)
	if err != nil {
		return nil, f.fail(state, documentURL, err)
	}

	if f.detector.IsChallenge(resp.Body) {
		state = StateChallengeSolving
		f.logger.Info("Challenge detected", zap.String("url", documentURL))
		body := string(resp.Body)
		cookie, err := sess.Solve(func() (crawler.VerificationCookie, error) {
			return f.solver.Solve(body)
		})
		if err != nil {
			metrics.ObserveChallenge("unsolved")
			return nil, f.fail(state, documentURL, crawler.NewError(crawler.KindChallengeUnsolved, "solve challenge", err))
		}
		if err := sess.Install(documentURL, cookie); err != nil {
			metrics.ObserveChallenge("unsolved")
			return nil, f.fail(state, documentURL, crawler.NewError(crawler.KindChallengeUnsolved, "install cookie", err))
		}
		metrics.ObserveChallenge("solved")

		state = StateRetried
		resp, err = f.get(ctx, documentURL)
		if err != nil {
			return nil, f.fail(state, documentURL, err)
		}
	}

	if err := f.validate(resp); err != nil {
		return nil, f.fail(state, documentURL, err)
	}
	f.logger.Debug("Document fetched",
		zap.String("url", documentURL),
		zap.String("state", string(StateValidated)),
		zap.Int("bytes", len(resp.Body)),
		zap.Int("attempts", resp.Attempts),
	)
	return resp.Body, nil
}

func (f *Fetcher) get(ctx context.Context, documentURL string) (crawler.FetchResponse, error) {
	resp, err := f.http.Fetch(ctx, crawler.FetchRequest{
		URL:     documentURL,
		Headers: sse.BrowserHeaders(f.cfg.UserAgent, f.cfg.Referer),
		Timeout: f.cfg.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch document: %w", err)
		}
		return crawler.FetchResponse{}, crawler.NewError(crawler.KindInvalidResponse, "fetch document", err)
	}
	return resp, nil
}

func (f *Fetcher) validate(resp crawler.FetchResponse) error {
	if resp.StatusCode != http.StatusOK {
		return crawler.Errorf(crawler.KindInvalidResponse, "validate document", "status %d", resp.StatusCode)
	}
	contentType := resp.Headers.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), f.cfg.ContentType) {
		return crawler.Errorf(crawler.KindInvalidResponse, "validate document", "content type %q", contentType)
	}
	return nil
}

func (f *Fetcher) fail(state State, documentURL string, err error) error {
	f.logger.Debug("Document fetch failed",
		zap.String("url", documentURL),
		zap.String("state", string(state)),
		zap.String("kind", string(crawler.KindOf(err))),
		zap.Error(err),
	)
	return err
}
