// Package server assembles the HTTP surface: health probes, the live
// websocket endpoint, and the REST fallback routes, wrapped in the shared
// middleware chain.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/bus"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/config"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/handlers"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/lifecycle"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/live/sessions"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/mw"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/orchestrator"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/synth"
)

// Dependencies carries the shared backends handed to every handler.
type Dependencies struct {
	Script       script.Script
	Generator    gen.Generator
	Synth        synth.Synthesizer
	Checkpointer orchestrator.Checkpointer
	Events       *bus.Publisher
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps  Dependencies
	store *handlers.SessionStore
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.LiveSessions == nil {
		deps.LiveSessions = sessions.NewTracker()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		store:  handlers.NewSessionStore(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Script:       s.deps.Script,
		Generator:    s.deps.Generator,
		Synth:        s.deps.Synth,
		Checkpointer: s.deps.Checkpointer,
		Events:       s.deps.Events,
		Lifecycle:    s.deps.Lifecycle,
		LiveSessions: s.deps.LiveSessions,
	})

	rest := handlers.SessionsHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Script:       s.deps.Script,
		Generator:    s.deps.Generator,
		Synth:        s.deps.Synth,
		Checkpointer: s.deps.Checkpointer,
		Events:       s.deps.Events,
		Lifecycle:    s.deps.Lifecycle,
		Store:        s.store,
	}
	s.mux.HandleFunc("POST /v1/sessions", rest.Create)
	s.mux.HandleFunc("POST /v1/sessions/{id}/next", rest.Next)
	s.mux.HandleFunc("POST /v1/sessions/{id}/synthesize", rest.Synthesize)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", rest.Delete)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// SetDraining makes the live and REST session endpoints refuse new work.
func (s *Server) SetDraining() {
	s.deps.Lifecycle.SetDraining(true)
}

// WaitLiveSessions blocks until every live session has ended or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.deps.LiveSessions.Wait(ctx)
}

// CancelLiveSessions force-cancels whatever is still running.
func (s *Server) CancelLiveSessions() {
	s.deps.LiveSessions.CancelAll()
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
