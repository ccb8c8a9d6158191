package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/metrics"
)

const (
	mirrorContentType = "application/pdf"
	tracerName        = "github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

// EngineConfig tunes a crawl run.
type EngineConfig struct {
	// DownloadWorkers bounds concurrent document downloads within a page. Values below 2
	// keep downloads sequential.
	DownloadWorkers int
	// RunTimeout abandons remaining pages once exceeded. Zero disables the deadline.
	RunTimeout time.Duration
}

// Deps are the collaborators of an Engine. Source, Documents, Store and Session are
// required; the rest are optional.
type Deps struct {
	Source    MetadataSource
	Documents DocumentFetcher
	Store     DocumentStore
	Session   Session

	DocPacer  Pacer
	PagePacer Pacer

	Recorder  OutcomeRecorder
	Mirror    BlobStore
	Publisher Publisher

	Clock  Clock
	IDs    IDGenerator
	Logger *zap.Logger
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.Tracer
}

// OutcomeEvent is published once per attempted record.
type OutcomeEvent struct {
	RunID        string  `json:"run_id"`
	SecurityCode string  `json:"security_code"`
	Outcome      Outcome `json:"outcome"`
}

// Engine drives one crawl: discovery, pagination, download and bookkeeping.
type Engine struct {
	cfg  EngineConfig
	deps Deps

	mu      sync.Mutex
	report  Report
	fetched atomic.Bool
}

// NewEngine validates deps and fills in defaults.
func NewEngine(cfg EngineConfig, deps Deps) (*Engine, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("engine: metadata source is required")
	case deps.Documents == nil:
		return nil, errors.New("engine: document fetcher is required")
	case deps.Store == nil:
		return nil, errors.New("engine: document store is required")
	case deps.Session == nil:
		return nil, errors.New("engine: session is required")
	}
	if deps.DocPacer == nil {
		deps.DocPacer = noPause{}
	}
	if deps.PagePacer == nil {
		deps.PagePacer = noPause{}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.DownloadWorkers < 1 {
		cfg.DownloadWorkers = 1
	}
	return &Engine{cfg: cfg, deps: deps}, nil
}

// Run crawls code over r. The returned report is always populated, including when the
// run aborts; the error is non-nil only when the run could not start or discovery failed.
func (e *Engine) Run(ctx context.Context, code string, r Range) (Report, error) {
	logger := e.deps.Logger
	e.fetched.Store(false)

	validated, err := ValidateSecurityCode(code)
	if err != nil {
		rep := Report{SecurityCode: code, Range: r, StartedAt: e.deps.Clock.Now(), Aborted: true, AbortReason: err.Error()}
		rep.FinishedAt = rep.StartedAt
		e.setReport(rep)
		metrics.ObserveRun("aborted")
		return rep, err
	}
	code = validated

	runID := ""
	if e.deps.IDs != nil {
		if id, idErr := e.deps.IDs.NewID(); idErr == nil {
			runID = id
		} else {
			logger.Warn("Failed to generate run id", zap.Error(idErr))
		}
	}
	e.setReport(Report{
		RunID:        runID,
		SecurityCode: code,
		Range:        r,
		StartedAt:    e.deps.Clock.Now(),
	})
	logger = logger.With(zap.String("run_id", runID), zap.String("security_code", code))
	logger.Info("Crawl started", zap.String("range_kind", string(r.Kind)))

	ctx, span := e.deps.Tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("security_code", code),
		attribute.String("range_kind", string(r.Kind)),
	))
	defer span.End()

	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	first, err := e.deps.Source.FetchPage(ctx, r.Query(code, 1))
	if err != nil {
		metrics.ObservePage("failed")
		logger.Error("Failed to discover total pages",
			zap.Int("page", 1),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		e.abort(fmt.Sprintf("discovery failed: %v", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return e.finish(logger), fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	metrics.ObservePage("ok")
	total := first.TotalPages
	e.update(func(rep *Report) { rep.TotalPages = total })
	logger.Info("Discovered total pages", zap.Int("total_pages", total))

	start, end := r.Bounds(total)
	for page := start; page <= end; page++ {
		if ctx.Err() != nil {
			e.abort(abortReason(ctx))
			break
		}
		if page > start {
			if err := e.deps.PagePacer.Wait(ctx); err != nil {
				e.abort(abortReason(ctx))
				break
			}
		}

		result, ok := e.page(ctx, logger, code, r, page, first)
		if !ok {
			if ctx.Err() != nil {
				e.abort(abortReason(ctx))
				break
			}
			continue
		}
		if result.TotalPages != total {
			logger.Warn("Total pages changed mid-run, keeping the first value",
				zap.Int("page", page),
				zap.Int("total_pages", total),
				zap.Int("reported_total_pages", result.TotalPages),
			)
		}
		logger.Info("Processing page", zap.Int("page", page), zap.Int("total_pages", total), zap.Int("records", len(result.Records)))

		e.processRecords(ctx, logger, code, result.Records)
		e.update(func(rep *Report) { rep.PagesProcessed = append(rep.PagesProcessed, page) })
		if ctx.Err() != nil {
			e.abort(abortReason(ctx))
			break
		}
	}
	rep := e.finish(logger)
	span.SetAttributes(
		attribute.Int("total_pages", rep.TotalPages),
		attribute.Int("pages_processed", len(rep.PagesProcessed)),
		attribute.Int("outcomes", len(rep.Outcomes)),
	)
	if rep.ExitCode() != ExitOK {
		span.SetStatus(codes.Error, "run finished with failures")
	}
	return rep, nil
}

// Snapshot returns a copy of the current (possibly in-progress) report.
func (e *Engine) Snapshot() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	rep := e.report
	rep.PagesProcessed = append([]int(nil), e.report.PagesProcessed...)
	rep.PageFailures = append([]PageFailure(nil), e.report.PageFailures...)
	rep.Outcomes = append([]Outcome(nil), e.report.Outcomes...)
	return rep
}

func (e *Engine) page(ctx context.Context, logger *zap.Logger, code string, r Range, page int, first PageResult) (PageResult, bool) {
	if page == 1 {
		return first, true
	}
	result, err := e.deps.Source.FetchPage(ctx, r.Query(code, page))
	if err != nil {
		if ctx.Err() != nil {
			return PageResult{}, false
		}
		metrics.ObservePage("failed")
		kind := KindOf(err)
		logger.Error("Failed to fetch page, skipping",
			zap.Int("page", page),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		e.update(func(rep *Report) {
			rep.PageFailures = append(rep.PageFailures, PageFailure{Page: page, Kind: kind, Reason: err.Error()})
		})
		return PageResult{}, false
	}
	metrics.ObservePage("ok")
	return result, true
}

func (e *Engine) processRecords(ctx context.Context, logger *zap.Logger, code string, records []Record) {
	if e.cfg.DownloadWorkers <= 1 {
		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			e.processRecord(ctx, logger, code, rec)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.DownloadWorkers)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			e.processRecord(ctx, logger, code, rec)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) processRecord(ctx context.Context, logger *zap.Logger, code string, rec Record) {
	ctx, span := e.deps.Tracer.Start(ctx, "crawl.document", trace.WithAttributes(
		attribute.String("url", rec.DocumentURL),
		attribute.String("date", rec.Date),
	))
	defer span.End()

	if existing, ok := e.deps.Store.Exists(code, rec); ok {
		out := Skipped(rec, existing)
		out.FinishedAt = e.deps.Clock.Now()
		e.complete(ctx, logger, code, out)
		return
	}

	// Pace every network fetch except the first of the run.
	if e.fetched.Swap(true) {
		if err := e.deps.DocPacer.Wait(ctx); err != nil {
			return
		}
	}

	data, err := e.deps.Documents.Fetch(ctx, rec.DocumentURL, e.deps.Session)
	if err != nil {
		if ctx.Err() != nil && KindOf(err) == KindUnknown {
			return
		}
		out := Failed(rec, err)
		out.FinishedAt = e.deps.Clock.Now()
		e.complete(ctx, logger, code, out)
		return
	}

	out := e.deps.Store.Save(ctx, code, rec, data)
	if out.Status == StatusSucceeded && e.deps.Mirror != nil {
		name := path.Join(code, filepath.Base(out.Path))
		uri, mErr := e.deps.Mirror.PutObject(ctx, name, mirrorContentType, bytes.NewReader(data))
		if mErr != nil {
			logger.Warn("Failed to mirror document", zap.String("path", out.Path), zap.Error(mErr))
		} else {
			out.MirrorURI = uri
		}
	}
	e.complete(ctx, logger, code, out)
}

func (e *Engine) complete(ctx context.Context, logger *zap.Logger, code string, out Outcome) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("status", string(out.Status)), attribute.Int64("size_bytes", out.SizeBytes))
	if out.Status == StatusFailed {
		span.SetStatus(codes.Error, string(out.Kind))
	}

	fields := []zap.Field{
		zap.String("url", out.Record.DocumentURL),
		zap.String("title", out.Record.Title),
		zap.String("date", out.Record.Date),
	}
	switch out.Status {
	case StatusSucceeded:
		logger.Info("Downloaded document",
			append(fields, zap.String("path", out.Path), zap.String("size", fmt.Sprintf("%.1f KB", float64(out.SizeBytes)/1024)))...)
	case StatusSkipped:
		logger.Info("Document already exists, skipped", append(fields, zap.String("path", out.Path))...)
	case StatusFailed:
		logger.Error("Document failed",
			append(fields, zap.String("kind", string(out.Kind)), zap.String("reason", out.Reason))...)
	}
	metrics.ObserveDocument(string(out.Status), string(out.Kind), out.SizeBytes)

	var runID string
	e.update(func(rep *Report) {
		rep.Outcomes = append(rep.Outcomes, out)
		runID = rep.RunID
	})

	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.RecordOutcome(ctx, runID, code, out); err != nil {
			logger.Warn("Failed to record outcome", zap.String("url", out.Record.DocumentURL), zap.Error(err))
		}
	}
	if e.deps.Publisher != nil {
		event := OutcomeEvent{RunID: runID, SecurityCode: code, Outcome: out}
		if _, err := e.deps.Publisher.Publish(ctx, event); err != nil {
			logger.Warn("Failed to publish outcome", zap.String("url", out.Record.DocumentURL), zap.Error(err))
		}
	}
}

func (e *Engine) finish(logger *zap.Logger) Report {
	e.update(func(rep *Report) { rep.FinishedAt = e.deps.Clock.Now() })
	rep := e.Snapshot()

	counts := rep.Counts()
	state := "ok"
	switch rep.ExitCode() {
	case ExitAborted:
		state = "aborted"
	case ExitWithFailures:
		state = "failures"
	}
	metrics.ObserveRun(state)
	logger.Info("Crawl finished",
		zap.Int("total_pages", rep.TotalPages),
		zap.Int("pages_processed", len(rep.PagesProcessed)),
		zap.Int("page_failures", len(rep.PageFailures)),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
		zap.Bool("aborted", rep.Aborted),
		zap.Strings("bulletin_types", rep.BulletinTypes()),
	)
	return rep
}

func (e *Engine) abort(reason string) {
	e.update(func(rep *Report) {
		if !rep.Aborted {
			rep.Aborted = true
			rep.AbortReason = reason
		}
	})
}

func (e *Engine) setReport(rep Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.report = rep
}

func (e *Engine) update(fn func(*Report)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.report)
}

func abortReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "run deadline exceeded"
	}
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	return "pacing interrupted"
}

type noPause struct{}

func (noPause) Wait(ctx context.Context) error { return ctx.Err() }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
