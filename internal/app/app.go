// Package app builds the long-lived services of a crawl run from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/api"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/challenge"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/clock/system"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/config"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/document"
	collyfetcher "github.com/JakeFAU/sse-bulletin-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/id/uuid"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/policy/pacing"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/sse-bulletin-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/session"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/sse"
	gcsstorage "github.com/JakeFAU/sse-bulletin-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sse-bulletin-crawler/internal/storage/local"
	pgstore "github.com/JakeFAU/sse-bulletin-crawler/internal/storage/postgres"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/telemetry"
)

const (
	tracerName      = "github.com/JakeFAU/sse-bulletin-crawler"
	shutdownTimeout = 5 * time.Second
)

// App holds the services shared by one crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	engine *crawler.Engine
	store  *localstorage.DownloadStore
	ledger *pgstore.OutcomeStore
	status *api.Server

	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher

	tracerProvider *sdktrace.TracerProvider
	traceFile      *os.File
}

// Option adjusts how New builds the App.
type Option func(*options)

type options struct {
	clock crawler.Clock
}

// WithClock replaces the exchange clock, mainly for tests.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New wires the crawl pipeline. Optional services (ledger, mirror, publisher, status
// server) are built only when configured. On error, anything already built is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.Exchange()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	sess, err := session.New()
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	backoffBase, backoffMax := cfg.Backoff()
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.SSE.UserAgent,
		Timeout:     cfg.MetadataTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
		Retry:       crawler.NewRetryPolicy(cfg.HTTP.MaxRetries, backoffBase, backoffMax),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.RequestsPerSecond,
			DefaultBurst: cfg.HTTP.Burst,
		}),
		Logger: logger.Named("http"),
	}, sess.Jar())

	source, err := sse.New(sse.Config{
		QueryURL:      cfg.SSE.QueryURL,
		StaticBaseURL: cfg.SSE.StaticBaseURL,
		Referer:       cfg.SSE.Referer,
		UserAgent:     cfg.SSE.UserAgent,
		Timeout:       cfg.MetadataTimeout(),
	}, httpFetcher, logger.Named("sse"), sse.WithClock(a.clock))
	if err != nil {
		return fmt.Errorf("init metadata client: %w", err)
	}

	documents := document.New(document.Config{
		UserAgent: cfg.SSE.UserAgent,
		Referer:   cfg.SSE.Referer,
		Timeout:   cfg.DocumentTimeout(),
	}, httpFetcher,
		challenge.NewDetector(cfg.SSE.ChallengeMarker),
		challenge.NewSolver(cfg.SSE.CookieDomain),
		logger.Named("document"),
	)

	a.store, err = localstorage.New(localstorage.Config{
		BaseDir:  cfg.Storage.BaseDir,
		Subdir:   cfg.Storage.Subdir,
		MinBytes: cfg.Storage.MinBytes,
	}, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("init download store: %w", err)
	}

	deps := crawler.Deps{
		Source:    source,
		Documents: documents,
		Store:     a.store,
		Session:   sess,
		DocPacer:  pacing.NewRandomDelay(cfg.DocDelay()),
		PagePacer: pacing.NewRandomDelay(cfg.PageDelay()),
		Clock:     a.clock,
		IDs:       uuid.New(),
		Logger:    logger.Named("engine"),
	}

	if cfg.Tracing.Enabled {
		if err := a.initTracing(ctx); err != nil {
			return err
		}
		deps.Tracer = a.tracerProvider.Tracer(tracerName)
		logger.Info("Tracing enabled", zap.String("file", cfg.Tracing.File))
	}

	if cfg.DB.DSN != "" {
		if a.ledger, err = OpenLedger(ctx, cfg); err != nil {
			return err
		}
		deps.Recorder = a.ledger
		logger.Info("Outcome ledger enabled", zap.String("table", cfg.DB.Table))
	}

	if cfg.Storage.GCSBucket != "" {
		if a.gcsClient, err = storage.NewClient(ctx); err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		mirror, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs mirror: %w", err)
		}
		deps.Mirror = mirror
		logger.Info("GCS mirror enabled", zap.String("bucket", cfg.Storage.GCSBucket))
	}

	if cfg.PubSub.ProjectID != "" {
		if a.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID); err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		a.publisher = gcppublisher.New(a.pubsubClient.Topic(cfg.PubSub.TopicName))
		deps.Publisher = a.publisher
		logger.Info("Pub/Sub notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	a.engine, err = crawler.NewEngine(crawler.EngineConfig{
		DownloadWorkers: cfg.Crawler.DownloadWorkers,
		RunTimeout:      cfg.Crawler.RunTimeout,
	}, deps)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	if cfg.Status.Addr != "" {
		var failures api.FailureSource
		if a.ledger != nil {
			failures = a.ledger
		}
		a.status = api.NewServer(a.engine, failures, logger.Named("status"))
	}
	return nil
}

func (a *App) initTracing(ctx context.Context) error {
	var out io.Writer
	if path := a.cfg.Tracing.File; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.traceFile = f
		out = f
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Output:      out,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracerProvider = tp
	return nil
}

// OpenLedger connects to the outcome ledger and makes sure its table exists.
func OpenLedger(ctx context.Context, cfg config.Config) (*pgstore.OutcomeStore, error) {
	ledger, err := pgstore.NewOutcomeStore(ctx, pgstore.OutcomeStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init outcome ledger: %w", err)
	}
	if err := ledger.EnsureSchema(ctx); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("init outcome ledger: %w", err)
	}
	return ledger, nil
}

// Clock is the clock the run computes date ranges with.
func (a *App) Clock() crawler.Clock {
	return a.clock
}

// Store exposes the download store, e.g. for reporting where files landed.
func (a *App) Store() *localstorage.DownloadStore {
	return a.store
}

// Run crawls code over r, serving status while the run is in progress when configured.
func (a *App) Run(ctx context.Context, code string, r crawler.Range) (crawler.Report, error) {
	if a.status == nil {
		return a.engine.Run(ctx, code, r)
	}

	statusCtx, stopStatus := context.WithCancel(ctx)
	statusDone := make(chan error, 1)
	go func() { statusDone <- a.status.Serve(statusCtx, a.cfg.Status.Addr) }()

	report, err := a.engine.Run(ctx, code, r)

	stopStatus()
	if serr := <-statusDone; serr != nil {
		a.logger.Warn("Status server failed", zap.Error(serr))
	}
	return report, err
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	var errs []error
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.tracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
		cancel()
	}
	if a.traceFile != nil {
		if err := a.traceFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trace file: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error closing application services", zap.Error(err))
	}
}
