// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package api exposes the watcher's operational HTTP surface: health and
// readiness probes, per-source cursor inspection, the open canonical lobby
// snapshot, and Prometheus metrics. It is unauthenticated and intended for
// operators, not end users.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/merger"
)

// Config configures the admin HTTP server.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// SourceStatus is one source's cursor view.
type SourceStatus struct {
	Name string `json:"name"`
	// ResumePointer is the position a consumer should persist.
	ResumePointer feed.Cursor `json:"resumePointer"`
}

// Server serves the admin surface. It implements suture.Service.
type Server struct {
	cfg    Config
	merger *merger.Merger
	ready  atomic.Bool
	router chi.Router
}

// New builds the server around a running merger.
func New(cfg Config, m *merger.Merger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, merger: m}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Timeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sources", s.handleSources)
		r.Get("/lobbies", s.handleLobbies)
	})
	s.router = r
	return s
}

// SetReady flips the readiness probe once the pipeline is running.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	logging.Info().Str("addr", srv.Addr).Msg("admin server listening")

	select {
	case err := <-errc:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	names := s.merger.SourceNames()
	out := make([]SourceStatus, 0, len(names))
	for _, name := range names {
		ptr, err := s.merger.ResumePointer(name)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, SourceStatus{Name: name, ResumePointer: ptr})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleLobbies(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.merger.OpenLobbies())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil &&
		!errors.Is(err, http.ErrHandlerTimeout) {
		logging.Debug().Err(err).Msg("write response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
