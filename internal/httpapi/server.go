// Package httpapi exposes the inbound management API named in §6:
// POST /events, POST /deliveries/{id}/cancel, GET /deliveries,
// GET /deliveries/{id} — plus the supplemented replay, pause/resume and
// kill-switch admin endpoints (SPEC_FULL.md §3).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/hookrelay/deliverant/internal/ingest"
	"github.com/hookrelay/deliverant/internal/killswitch"
	"github.com/hookrelay/deliverant/internal/replay"
	"github.com/hookrelay/deliverant/internal/store"
	"github.com/hookrelay/deliverant/pkg/logger"
)

// Server bundles the dependencies every handler needs.
type Server struct {
	store      store.Store
	ingester    *ingest.Ingester
	replayer   *replay.Replayer
	killSwitch killswitch.Source
	log        logger.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// Config tunes the underlying http.Server, mirroring the teacher's
// HTTPConfig field set and defaults.
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultConfig matches the teacher's conservative HTTP server defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:              addr,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// New builds a Server wired to its dependencies and registers routes.
func New(s store.Store, ing *ingest.Ingester, repl *replay.Replayer, ks killswitch.Source, log logger.Logger, cfg Config) *Server {
	srv := &Server{
		store:      s,
		ingester:   ing,
		replayer:   repl,
		killSwitch: ks,
		log:        log,
		mux:        http.NewServeMux(),
	}
	srv.registerRoutes()

	handler := chain(srv.mux, RecoveryMiddleware(log), LoggingMiddleware(log))
	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	return srv
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /events", s.handleCreateEvent)
	s.mux.HandleFunc("POST /deliveries/{id}/cancel", s.handleCancelDelivery)
	s.mux.HandleFunc("GET /deliveries", s.handleListDeliveries)
	s.mux.HandleFunc("GET /deliveries/{id}", s.handleGetDelivery)
	s.mux.HandleFunc("POST /replays", s.handleReplay)
	s.mux.HandleFunc("POST /endpoints/{id}/pause", s.handlePauseEndpoint)
	s.mux.HandleFunc("POST /endpoints/{id}/resume", s.handleResumeEndpoint)
	s.mux.HandleFunc("GET /admin/kill-switch", s.handleGetKillSwitch)
	s.mux.HandleFunc("POST /admin/kill-switch", s.handleSetKillSwitch)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
