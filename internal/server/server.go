// Package server runs the long-lived ingest service: the control API plus a
// periodic sync of the configured root.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/api"
	"github.com/JakeFAU/slide-ingest/internal/config"
	"github.com/JakeFAU/slide-ingest/internal/ingest"
	"github.com/JakeFAU/slide-ingest/internal/sink"
)

// App is the slice of the application container the server runs on.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Syncer() *ingest.Syncer
	Sink() sink.RecordSink
	Parent() sink.Parent
}

// Server owns the HTTP listener and the sync schedule.
type Server struct {
	app    App
	api    *api.Server
	logger *zap.Logger
	addr   string
}

// New builds a Server around an initialized App.
func New(a App) *Server {
	cfg := a.Config()
	logger := a.Logger().Named("server")
	return &Server{
		app: a,
		api: api.NewServer(a.Syncer(), api.Target{
			Root:   cfg.Ingest.RootURL,
			Sink:   a.Sink(),
			Parent: a.Parent(),
		}, cfg, logger.Named("api")),
		logger: logger,
		addr:   fmt.Sprintf(":%d", cfg.Server.Port),
	}
}

// Handler exposes the control API router.
func (s *Server) Handler() http.Handler {
	return s.api.Handler()
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives. Runs in
// flight are allowed to finish before it returns.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("http server started", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		s.schedule(ctx)
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	s.api.Wait()
	s.logger.Info("shutdown complete")
	return nil
}

// schedule syncs the configured root now and then once per interval.
func (s *Server) schedule(ctx context.Context) {
	cfg := s.app.Config()
	if cfg.Ingest.RootURL == "" || cfg.Ingest.Interval <= 0 {
		s.logger.Info("periodic sync disabled; runs are triggered over HTTP only")
		return
	}
	s.logger.Info("periodic sync enabled",
		zap.String("root", cfg.Ingest.RootURL),
		zap.Duration("interval", cfg.Ingest.Interval),
	)

	ticker := time.NewTicker(cfg.Ingest.Interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, cfg.Ingest.RootURL)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) tick(ctx context.Context, root string) {
	_, err := s.api.RunNow(ctx, root)
	switch {
	case err == nil:
	case errors.Is(err, api.ErrBusy):
		s.logger.Info("skipping scheduled sync; a run is already in flight")
	default:
		// The syncer already logged the abort; the next tick retries from the same mark.
		s.logger.Debug("scheduled sync aborted", zap.Error(err))
	}
}
