package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/session"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/bridge/mw"
	"github.com/vango-go/vai-bridge/pkg/bridge/redact"
)

// DefaultMaxMessageBytes is the client read limit when none is configured.
const DefaultMaxMessageBytes = 4 << 20

type RequestVerifier interface {
	Verify(r *http.Request) bool
}

// AudioHookHandler authenticates and upgrades AudioHook connections and runs
// one bridge per connection until it ends.
type AudioHookHandler struct {
	Verifier  RequestVerifier
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Logger    *slog.Logger
	Redactor  redact.Redactor
	Tokens    session.TokenSource
	Dial      session.DialFunc

	Session         session.Config
	MaxMessageBytes int64
}

func (h AudioHookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.Lifecycle.IsDraining() {
		logger.Warn("rejecting connection while draining", "log_type", "draining", "request_id", reqID)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	if h.Verifier == nil || !h.Verifier.Verify(r) {
		logger.Info("request came in", "log_type", "auth", "path", r.URL.Path, "request_id", reqID)
		logger.Warn("websocket connection rejected: invalid api key or signature", "log_type", "auth_error", "request_id", reqID)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	logger.Info("websocket connection authenticated", "log_type", "auth", "request_id", reqID)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "log_type", "upgrade_error", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	limit := h.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	conn.SetReadLimit(limit)

	adapterID := uuid.NewString()
	logger.Info("new connection",
		"log_type", "connection_start",
		"remote_address", r.RemoteAddr,
		"audiohook_adapter_id", adapterID,
		"request_id", reqID,
		"audiohook_session_header", r.Header.Get("Audiohook-Session-Id"),
		"audiohook_organization_id", r.Header.Get("Audiohook-Organization-Id"),
		"audiohook_correlation_id", r.Header.Get("Audiohook-Correlation-Id"),
	)

	b, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Redactor:  h.Redactor,
		Tokens:    h.Tokens,
		Dial:      h.Dial,
		Config:    h.Session,
		AdapterID: adapterID,
	})
	if err != nil {
		logger.Error("cannot start bridge", "log_type", "bridge_error", "audiohook_adapter_id", adapterID, "error", err)
		return
	}

	// Cancel is how the tracker tears the call down at shutdown.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unregister := h.Sessions.Register(adapterID, sessions.Handle{
		Cancel:     cancel,
		Disconnect: b.Disconnect,
	})
	defer unregister()

	if err := b.Run(ctx); err != nil {
		logger.Info("connection ended with error", "log_type", "connection_end", "audiohook_adapter_id", adapterID, "error", err)
		return
	}
	logger.Info("connection ended", "log_type", "connection_end", "audiohook_adapter_id", adapterID)
}
