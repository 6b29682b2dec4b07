// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JakeFAU/slide-ingest/internal/clock/system"
	"github.com/JakeFAU/slide-ingest/internal/config"
	"github.com/JakeFAU/slide-ingest/internal/id/uuid"
	"github.com/JakeFAU/slide-ingest/internal/ingest"
	"github.com/JakeFAU/slide-ingest/internal/listing"
	"github.com/JakeFAU/slide-ingest/internal/logging"
	"github.com/JakeFAU/slide-ingest/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/slide-ingest/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/slide-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/slide-ingest/internal/sink"
	"github.com/JakeFAU/slide-ingest/internal/sink/girder"
	sinkmemory "github.com/JakeFAU/slide-ingest/internal/sink/memory"
	"github.com/JakeFAU/slide-ingest/internal/telemetry"
	"github.com/JakeFAU/slide-ingest/internal/watermark"
	"github.com/JakeFAU/slide-ingest/internal/watermark/file"
	"github.com/JakeFAU/slide-ingest/internal/watermark/gcs"
	wmmemory "github.com/JakeFAU/slide-ingest/internal/watermark/memory"
	"github.com/JakeFAU/slide-ingest/internal/watermark/postgres"
	"github.com/JakeFAU/slide-ingest/internal/watermark/sqlite"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed by the command that built it.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	store  watermark.Store
	sink   sink.RecordSink
	parent sink.Parent
	syncer *ingest.Syncer
	tracer *sdktrace.TracerProvider
	events *pubmemory.Publisher

	closers []func() error
}

// Option customizes NewApp. Tests use it to swap in a prebuilt logger or sink.
type Option func(*options)

type options struct {
	logger *zap.Logger
	sink   sink.RecordSink
}

// WithLogger overrides the logger built from config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink overrides the record sink. The configured parent is used as is.
func WithSink(s sink.RecordSink) Option {
	return func(o *options) { o.sink = s }
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Store exposes the configured watermark store.
func (a *App) Store() watermark.Store {
	return a.store
}

// Sink exposes the record sink slides are delivered to.
func (a *App) Sink() sink.RecordSink {
	return a.sink
}

// Parent is the resolved destination under which containers are created.
func (a *App) Parent() sink.Parent {
	return a.parent
}

// Syncer returns the shared sync orchestrator.
func (a *App) Syncer() *ingest.Syncer {
	return a.syncer
}

// DryRunEvents returns the ingest events a dry run recorded instead of
// publishing. It is nil outside dry runs.
func (a *App) DryRunEvents() []pubmemory.PublishedMessage {
	if a.events == nil {
		return nil
	}
	return a.events.Messages()
}

// SyncOnce runs one sync of the configured root into the configured destination.
func (a *App) SyncOnce(ctx context.Context) (ingest.Result, error) {
	return a.syncer.Sync(ctx, a.cfg.Ingest.RootURL, a.sink, a.parent)
}

// NewApp creates and initializes an App from cfg. It fails fast if any
// backend cannot be reached.
func NewApp(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: o.logger}
	if a.logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.logger = l
	}
	l := a.logger
	l.Info("Initializing application services...")

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// 1. Tracing
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry, telemetry.NewLogExporter(l))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.tracer = tp
	}

	// 2. Watermark store
	store, err := a.newStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize watermark store: %w", err)
	}
	a.store = store

	// 3. Record sink
	switch {
	case o.sink != nil:
		a.sink = o.sink
		a.parent = sink.Parent{ID: cfg.Ingest.ParentID, Type: cfg.Ingest.ParentType}
	case cfg.Ingest.DryRun:
		l.Info("Dry run: slides are delivered to an in-memory sink and discarded.")
		a.sink = sinkmemory.New()
		a.parent = sink.Parent{ID: cfg.Ingest.ParentID, Type: cfg.Ingest.ParentType}
	default:
		client := girder.New(cfg.Girder, l)
		if err := client.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("failed to authenticate with girder: %w", err)
		}
		parent, err := client.ResolveParent(ctx, sink.Parent{ID: cfg.Ingest.ParentID, Type: cfg.Ingest.ParentType})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve destination: %w", err)
		}
		l.Info("Delivering to Girder",
			zap.String("base_url", cfg.Girder.BaseURL()),
			zap.String("parent_type", parent.Type),
			zap.String("parent_id", parent.ID),
		)
		a.sink = client
		a.parent = parent
	}

	// 4. Event publisher
	var publisher ingest.Publisher
	switch {
	case cfg.Ingest.DryRun:
		a.events = pubmemory.New()
		publisher = a.events
	case cfg.PubSub.TopicName != "":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
		}
		p := pubsubpublisher.New(client, cfg.PubSub.TopicName)
		a.closers = append(a.closers, func() error {
			p.Close()
			return client.Close()
		})
		publisher = p
		l.Info("Publishing ingest events", zap.String("topic", cfg.PubSub.TopicName))
	}

	// 5. Crawler and orchestrator
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.RPS, DefaultBurst: cfg.RateLimit.Burst})
	crawler := listing.New(listing.Config{
		UserAgent:    cfg.Listing.UserAgent,
		Query:        cfg.Listing.Query,
		Extension:    cfg.Listing.Extension,
		Timeout:      cfg.Listing.Timeout,
		MaxBodyBytes: cfg.Listing.MaxBodyBytes,
	}, limiter, l)
	a.syncer = ingest.New(crawler, a.store, publisher, system.New(), uuid.New(), ingest.Config{
		Prefix:        cfg.Barcode.Prefix,
		SkipMalformed: cfg.Ingest.SkipMalformed,
		Topic:         cfg.PubSub.TopicName,
	}, l)

	l.Info("Application services initialized successfully.")
	ok = true
	return a, nil
}

func (a *App) newStore(ctx context.Context) (watermark.Store, error) {
	cfg := a.cfg.Watermark
	l := a.logger
	switch cfg.Backend {
	case config.BackendFile:
		l.Info("Using file watermark store", zap.String("path", cfg.File.Path))
		return file.New(cfg.File)
	case config.BackendPostgres:
		l.Info("Connecting to PostgreSQL watermark store...")
		s, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		l.Info("Using SQLite watermark store", zap.String("path", cfg.SQLite.Path))
		s, err := sqlite.New(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendGCS:
		var clientOpts []option.ClientOption
		if cfg.GCS.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(cfg.GCS.Endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, cfg.GCS.Config)
		if err != nil {
			return nil, err
		}
		l.Info("Using GCS watermark store", zap.String("uri", s.URI()))
		return s, nil
	case config.BackendMemory:
		l.Warn("Using in-memory watermark store. Marks are lost on exit.")
		return wmmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown watermark backend: %s", cfg.Backend)
	}
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.logger.Warn("Error shutting down tracer provider", zap.Error(err))
		}
		a.tracer = nil
	}
	// Sync errors on stderr/stdout are expected on some platforms and are not actionable.
	_ = a.logger.Sync()
}
