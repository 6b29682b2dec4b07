// Package api exposes the HTTP control surface for the ingest service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/config"
	"github.com/JakeFAU/slide-ingest/internal/ingest"
	"github.com/JakeFAU/slide-ingest/internal/metrics"
	"github.com/JakeFAU/slide-ingest/internal/sink"
	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

// ErrBusy is returned when a run is requested while another is in flight.
var ErrBusy = errors.New("sync already running")

// Syncer is the slice of ingest.Syncer the server drives.
type Syncer interface {
	Sync(ctx context.Context, root string, dst sink.RecordSink, parent sink.Parent) (ingest.Result, error)
	Watermarks(ctx context.Context) (watermark.Marks, error)
}

// Target is where triggered runs read from and deliver to.
type Target struct {
	Root   string
	Sink   sink.RecordSink
	Parent sink.Parent
}

// Server wires HTTP handlers to the syncer.
type Server struct {
	router chi.Router
	syncer Syncer
	target Target
	cfg    config.Config
	logger *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *ingest.Result
}

// NewServer constructs a Server with middleware and routes.
func NewServer(syncer Syncer, target Target, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		syncer: syncer,
		target: target,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Server.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.Server.APIKey))
		}
		r.Post("/sync", s.triggerSync)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(30 * time.Second))
			r.Get("/watermarks", s.getWatermarks)
			r.Get("/runs/last", s.getLastRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RunNow runs one sync of root synchronously. It returns ErrBusy instead of
// queueing behind a run already in flight.
func (s *Server) RunNow(ctx context.Context, root string) (ingest.Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return ingest.Result{}, ErrBusy
	}
	defer s.running.Store(false)
	return s.run(ctx, root)
}

// Wait blocks until background runs started over HTTP have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// LastRun returns the result of the most recent finished run.
func (s *Server) LastRun() (ingest.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ingest.Result{}, false
	}
	return *s.last, true
}

func (s *Server) run(ctx context.Context, root string) (ingest.Result, error) {
	res, err := s.syncer.Sync(ctx, root, s.target.Sink, s.target.Parent)
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	return res, err
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.syncer.Watermarks(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "watermark store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type syncRequest struct {
	RootURL string `json:"root_url"`
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	root := req.RootURL
	if root == "" {
		root = s.target.Root
	}
	if err := validateRoot(root); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Without an API key, callers may only move within the configured host.
	if req.RootURL != "" && s.cfg.Server.APIKey == "" && !sameOrigin(root, s.target.Root) {
		writeError(w, http.StatusForbidden, "root_url must stay on the configured host unless an API key is set")
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, ErrBusy.Error())
		return
	}

	if r.URL.Query().Get("async") == "true" {
		// The run outlives the request.
		ctx := context.WithoutCancel(r.Context())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.running.Store(false)
			if _, err := s.run(ctx, root); err != nil {
				s.logger.Warn("triggered sync aborted", zap.String("root", root), zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "root_url": root})
		return
	}

	defer s.running.Store(false)
	res, err := s.run(r.Context(), root)
	if err != nil {
		writeJSON(w, statusForSyncError(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getWatermarks(w http.ResponseWriter, r *http.Request) {
	marks, err := s.syncer.Watermarks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watermarks": marks})
}

func (s *Server) getLastRun(w http.ResponseWriter, _ *http.Request) {
	res, ok := s.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func validateRoot(root string) error {
	if root == "" {
		return errors.New("root_url required")
	}
	u, err := url.Parse(root)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("root_url must be an absolute http(s) URL")
	}
	return nil
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

func statusForSyncError(err error) int {
	var syncErr *ingest.SyncError
	if errors.As(err, &syncErr) && syncErr.Stage == ingest.StageCrawl {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
