package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/bridge/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

// ReadyHandler reports whether this instance should receive new calls.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool  `json:"ok"`
		Draining          bool  `json:"draining"`
		ActiveSessions    int   `json:"active_sessions"`
		OldestSessionSecs int64 `json:"oldest_session_seconds"`
	}

	ok := h.Lifecycle.IsReady()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                ok,
		Draining:          h.Lifecycle.IsDraining(),
		ActiveSessions:    h.Sessions.Count(),
		OldestSessionSecs: int64(h.Sessions.Oldest().Seconds()),
	})
}
