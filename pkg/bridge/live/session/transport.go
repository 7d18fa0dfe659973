package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/flow"
)

// ErrNotOpen is returned for writes on a transport that has closed.
var ErrNotOpen = errors.New("transport not open")

// Conn is the subset of *websocket.Conn both legs rely on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// DialFunc opens the upstream connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// NewDialer returns a DialFunc backed by a gorilla dialer.
func NewDialer(handshakeTimeout time.Duration) DialFunc {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
			}
			return nil, err
		}
		return conn, nil
	}
}

type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return "websocket handshake failed: " + http.StatusText(e.StatusCode) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// wsLeg wraps one side's connection with an open flag and a write lock.
// Reads happen on a single goroutine; writes may come from any.
type wsLeg struct {
	conn         Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	open      atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	closedErr error
}

func newLeg(conn Conn, writeTimeout time.Duration) *wsLeg {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	l := &wsLeg{conn: conn, writeTimeout: writeTimeout}
	l.open.Store(true)
	return l
}

func (l *wsLeg) IsOpen() bool {
	return l != nil && l.open.Load()
}

func (l *wsLeg) Read() (int, []byte, error) {
	mt, data, err := l.conn.ReadMessage()
	if err != nil {
		l.open.Store(false)
	}
	return mt, data, err
}

func (l *wsLeg) WriteText(data []byte) error {
	return l.write(websocket.TextMessage, data)
}

func (l *wsLeg) WriteBinary(data []byte) error {
	return l.write(websocket.BinaryMessage, data)
}

func (l *wsLeg) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if !l.open.Load() {
		return ErrNotOpen
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return l.writeFailed(err)
	}
	if err := l.conn.WriteMessage(messageType, data); err != nil {
		return l.writeFailed(err)
	}
	return nil
}

func (l *wsLeg) writeFailed(err error) error {
	if isClosedErr(err) {
		l.open.Store(false)
		return errors.Join(ErrNotOpen, err)
	}
	return err
}

// Close sends a normal close frame if the leg is still open, then closes the
// underlying connection. Safe to call more than once.
func (l *wsLeg) Close() error {
	l.closing.Store(true)
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		if l.open.Swap(false) {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(l.writeTimeout))
		}
		l.closedErr = l.conn.Close()
	})
	return l.closedErr
}

// closedLocally reports whether Close was called on this side.
func (l *wsLeg) closedLocally() bool {
	return l.closing.Load()
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotOpen) || errors.Is(err, flow.ErrSinkClosed) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// LogFrames wraps conn so each frame read or written is logged with its type
// and size. Payloads are never logged.
func LogFrames(conn Conn, logger *slog.Logger, leg string) Conn {
	return &loggedConn{Conn: conn, logger: logger, leg: leg}
}

type loggedConn struct {
	Conn
	logger *slog.Logger
	leg    string
}

func (c *loggedConn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.Conn.ReadMessage()
	if err != nil {
		c.logger.Info("websocket read ended", "log_type", "ws_debug", "leg", c.leg, "error", err)
		return mt, data, err
	}
	c.logger.Info("websocket frame", "log_type", "ws_debug", "leg", c.leg, "direction", "in", "message_type", mt, "bytes", len(data))
	return mt, data, nil
}

func (c *loggedConn) WriteMessage(messageType int, data []byte) error {
	err := c.Conn.WriteMessage(messageType, data)
	c.logger.Info("websocket frame", "log_type", "ws_debug", "leg", c.leg, "direction", "out", "message_type", messageType, "bytes", len(data), "error", err)
	return err
}

func logDial(dial DialFunc, logger *slog.Logger) DialFunc {
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, err := dial(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return LogFrames(conn, logger, "upstream"), nil
	}
}
