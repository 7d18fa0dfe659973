package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-bridge/pkg/bridge/live/protocol"
)

type recordedWrite struct {
	messageType int
	data        []byte
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// fakeConn is an in-memory Conn. Tests feed reads through reads and close it
// to simulate a normal close from the peer.
type fakeConn struct {
	reads chan inboundFrame

	mu        sync.Mutex
	writes    []recordedWrite
	controls  []recordedWrite
	writeErr  error
	readLimit int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan inboundFrame, 64), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case fr, ok := <-f.reads:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		if fr.err != nil {
			return 0, nil, fr.err
		}
		return fr.messageType, fr.data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetReadLimit(limit int64) {
	f.mu.Lock()
	f.readLimit = limit
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeConn) sendText(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch m := v.(type) {
	case string:
		data = []byte(m)
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	f.reads <- inboundFrame{messageType: websocket.TextMessage, data: data}
}

func (f *fakeConn) textWrites() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, w := range f.writes {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal(w.data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) binaryBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w.messageType == websocket.BinaryMessage {
			n += len(w.data)
		}
	}
	return n
}

func (f *fakeConn) messagesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range f.textWrites() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeHooks struct {
	mu          sync.Mutex
	targets     []upstreamTarget
	audio       [][]byte
	digits      []string
	stopCalls   atomic.Int32
	connected   atomic.Bool
	startResult bool
}

func (h *fakeHooks) startUpstream(ctx context.Context, target upstreamTarget) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = append(h.targets, target)
	h.connected.Store(h.startResult)
	return h.startResult
}

func (h *fakeHooks) forwardAudio(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, frame)
}

func (h *fakeHooks) forwardDTMF(digit string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.digits = append(h.digits, digit)
}

func (h *fakeHooks) stopAudio() { h.stopCalls.Add(1) }

func (h *fakeHooks) upstreamConnected() bool { return h.connected.Load() }

func (h *fakeHooks) startedTargets() []upstreamTarget {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]upstreamTarget(nil), h.targets...)
}

type disconnectCall struct {
	reason string
	info   string
	vars   map[string]any
}

type fakeDownstream struct {
	mu          sync.Mutex
	disconnects []disconnectCall
	reports     []protocol.ErrorReport
	initiated   atomic.Bool
}

func (d *fakeDownstream) Disconnect(reason, info string, vars map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, disconnectCall{reason: reason, info: info, vars: vars})
	d.initiated.Store(true)
}

func (d *fakeDownstream) DisconnectInitiated() bool { return d.initiated.Load() }

func (d *fakeDownstream) SendErrorReport(report protocol.ErrorReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports = append(d.reports, report)
}

func (d *fakeDownstream) logAttrs(logType string, extra ...any) []any {
	return append([]any{"log_type", logType}, extra...)
}

func (d *fakeDownstream) disconnectCalls() []disconnectCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]disconnectCall(nil), d.disconnects...)
}

func (d *fakeDownstream) errorReports() []protocol.ErrorReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.ErrorReport(nil), d.reports...)
}

type fakeTokens struct {
	token   string
	project string
	err     error
}

func (f fakeTokens) Token(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f fakeTokens) ProjectID(context.Context) (string, error) { return f.project, nil }

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMessage(seq int64, conversationID string, vars map[string]any, media ...map[string]any) map[string]any {
	if media == nil {
		media = []map[string]any{{"type": "audio", "format": "PCMU", "channels": []string{"external"}, "rate": 8000}}
	}
	return map[string]any{
		"version": "2",
		"type":    "open",
		"seq":     seq,
		"id":      "ah-session-1",
		"parameters": map[string]any{
			"conversationId": conversationID,
			"inputVariables": vars,
			"media":          media,
		},
	}
}
