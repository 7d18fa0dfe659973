package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-bridge/pkg/bridge/config"
	"github.com/vango-go/vai-bridge/pkg/bridge/handlers"
	"github.com/vango-go/vai-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/session"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/bridge/mw"
	"github.com/vango-go/vai-bridge/pkg/bridge/redact"
)

// Deps are the collaborators resolved at startup.
type Deps struct {
	Verifier handlers.RequestVerifier
	Tokens   session.TokenSource

	// Dial overrides the upstream dialer. Nil uses the default.
	Dial session.DialFunc
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}
	s.routes()
	s.lifecycle.MarkReady()
	return s
}

// SessionConfig is the per-bridge configuration derived from cfg.
func SessionConfig(cfg config.Config) session.Config {
	format := cfg.Profile().Upstream
	return session.Config{
		Upstream: session.UpstreamConfig{
			BaseURL:                 cfg.CESBaseURL,
			InputFormat:             format,
			OutputFormat:            format,
			MaxMessageBytes:         cfg.MaxMessageBytes,
			WriteTimeout:            cfg.WSWriteTimeout,
			HandshakeTimeout:        cfg.CESHandshakeTimeout,
			SendVariablesSeparately: cfg.CESVariablesSeparate,
		},
		Pacer:              cfg.PacerConfig(),
		WriteTimeout:       cfg.WSWriteTimeout,
		InboundMaxAudioBPS: cfg.InboundMaxAudioBPS,
		DebugFrames:        cfg.DebugWebSockets,
	}
}

func (s *Server) routes() {
	s.mux.Handle("/health", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Sessions: s.sessions})
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/", handlers.AudioHookHandler{
		Verifier:        s.deps.Verifier,
		Lifecycle:       s.lifecycle,
		Sessions:        s.sessions,
		Logger:          s.logger,
		Redactor:        redact.Redactor{Unredacted: s.cfg.LogUnredactedData},
		Tokens:          s.deps.Tokens,
		Dial:            s.deps.Dial,
		Session:         SessionConfig(s.cfg),
		MaxMessageBytes: s.cfg.MaxMessageBytes,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Sessions() *sessions.Tracker { return s.sessions }

// SetDraining stops the server from accepting calls and fails readiness.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) IsDraining() bool {
	return s.lifecycle.IsDraining()
}

// DrainSessions asks every running call to end with a completed disconnect.
func (s *Server) DrainSessions() int {
	n := s.sessions.DisconnectAll(protocol.DisconnectCompleted, "Server shutting down")
	if n > 0 {
		s.logger.Info("draining calls", "log_type", "shutdown", "active_sessions", n)
	}
	return n
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelSessions() int {
	n := s.sessions.CancelAll()
	if n > 0 {
		s.logger.Warn("force closing calls after grace period", "log_type", "shutdown", "active_sessions", n)
	}
	return n
}
