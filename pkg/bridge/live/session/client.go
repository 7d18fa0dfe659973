package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/flow"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/metrics"
	"github.com/vango-go/vai-bridge/pkg/bridge/redact"
)

type clientState int32

const (
	stateAwaitingOpen clientState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s clientState) String() string {
	switch s {
	case stateAwaitingOpen:
		return "awaiting_open"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// upstreamTarget is what an open message resolves to on the upstream side.
type upstreamTarget struct {
	AgentID        string
	DeploymentID   string
	SessionID      string
	InitialMessage string
	Variables      map[string]any
}

// bridgeHooks is how the client state machine drives the rest of the call.
type bridgeHooks interface {
	startUpstream(ctx context.Context, target upstreamTarget) bool
	forwardAudio(frame []byte)
	forwardDTMF(digit string)
	stopAudio()
	upstreamConnected() bool
}

// ClientSession is the client-leg state machine for one call.
type ClientSession struct {
	leg      *wsLeg
	logger   *slog.Logger
	redactor redact.Redactor
	limiter  *inboundAudioLimiter
	hooks    bridgeHooks

	state     atomic.Int32
	sendMu    sync.Mutex
	serverSeq atomic.Int64
	clientSeq atomic.Int64

	disconnectInitiated atomic.Bool

	metaMu         sync.RWMutex
	sessionID      string
	conversationID string
	isProbe        bool
}

func newClientSession(leg *wsLeg, logger *slog.Logger, redactor redact.Redactor, limiter *inboundAudioLimiter) *ClientSession {
	c := &ClientSession{
		leg:      leg,
		logger:   logger,
		redactor: redactor,
		limiter:  limiter,
	}
	c.state.Store(int32(stateAwaitingOpen))
	return c
}

func (c *ClientSession) State() string {
	return clientState(c.state.Load()).String()
}

func (c *ClientSession) SessionID() string {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.sessionID
}

func (c *ClientSession) ConversationID() string {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.conversationID
}

func (c *ClientSession) IsProbe() bool {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.isProbe
}

func (c *ClientSession) DisconnectInitiated() bool {
	return c.disconnectInitiated.Load()
}

// IsOpen and SendAudio make the client leg the pacer's sink.
func (c *ClientSession) IsOpen() bool {
	return c.leg.IsOpen()
}

func (c *ClientSession) SendAudio(chunk []byte) error {
	if err := c.leg.WriteBinary(chunk); err != nil {
		if isClosedErr(err) {
			return fmt.Errorf("%w: %w", flow.ErrSinkClosed, err)
		}
		return err
	}
	return nil
}

func (c *ClientSession) logAttrs(logType string, extra ...any) []any {
	c.metaMu.RLock()
	attrs := []any{
		"log_type", logType,
		"audiohook_session_id", c.sessionID,
		"conversation_id", c.conversationID,
	}
	c.metaMu.RUnlock()
	attrs = append(attrs,
		"server_seq", c.serverSeq.Load(),
		"client_seq", c.clientSeq.Load(),
	)
	return append(attrs, extra...)
}

// serve runs the client read loop until the transport closes.
func (c *ClientSession) serve(ctx context.Context) error {
	defer c.state.Store(int32(stateClosed))
	for {
		mt, data, err := c.leg.Read()
		if err != nil {
			return c.readEnded(err)
		}
		switch mt {
		case websocket.TextMessage:
			c.handleText(ctx, data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

func (c *ClientSession) readEnded(err error) error {
	if c.leg.closedLocally() {
		c.logger.Info("client transport closed by server", c.logAttrs("connection_closed")...)
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("client closed connection", c.logAttrs("connection_closed", "reason", err.Error())...)
		return nil
	}

	if isClosedErr(err) {
		if c.DisconnectInitiated() {
			c.logger.Info("client connection closed after disconnect", c.logAttrs("connection_closed", "reason", err.Error())...)
			return nil
		}
		c.logger.Error("client connection closed unexpectedly", c.logAttrs("connection_error", "error", err)...)
		if c.hooks.upstreamConnected() {
			c.Disconnect(protocol.DisconnectError, fmt.Sprintf("Client WebSocket closed unexpectedly: %v", err), nil)
		}
		return err
	}

	c.logger.Error("client read failed", c.logAttrs("connection_error", "error", err)...)
	if !c.DisconnectInitiated() {
		c.Disconnect(protocol.DisconnectError, fmt.Sprintf("WebSocket Error: %v", err), nil)
	}
	return err
}

func (c *ClientSession) handleText(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.logger.Error("invalid json from client", c.logAttrs("invalid_json", "error", err, "message", c.redactor.Text(string(data)))...)
		c.Disconnect(protocol.DisconnectError, "Invalid JSON received", nil)
		return
	}

	h := msg.Header()
	c.clientSeq.Store(h.Seq)
	c.metaMu.Lock()
	c.sessionID = h.ID
	c.metaMu.Unlock()
	c.logger.Info("received client message", c.logAttrs("received_message", "type", h.Type, "message", c.redactor.JSON(data))...)

	switch m := msg.(type) {
	case protocol.Open:
		c.handleOpen(ctx, m)
	case protocol.Ping:
		c.handlePing()
	case protocol.DTMF:
		c.handleDTMF(m)
	case protocol.Close:
		c.handleClose(m)
	case protocol.Update:
		c.logger.Info("received update", c.logAttrs("update_received", "parameters", c.redactor.JSON(m.Params))...)
	case protocol.PlaybackEvent:
		c.logger.Info("received playback event", c.logAttrs("playback_event", "type", m.Type)...)
	case protocol.Unrecognized:
		c.logger.Warn("unknown client message type", c.logAttrs("unknown_message_type", "type", m.Type)...)
	}
}

func (c *ClientSession) handleOpen(ctx context.Context, m protocol.Open) {
	if !c.state.CompareAndSwap(int32(stateAwaitingOpen), int32(stateOpen)) {
		c.logger.Warn("ignoring open on an already opened session", c.logAttrs("duplicate_open", "state", c.State())...)
		return
	}

	params := m.Parameters
	isProbe := params.ConversationID == protocol.ProbeConversationID
	c.metaMu.Lock()
	c.conversationID = params.ConversationID
	c.isProbe = isProbe
	c.metaMu.Unlock()

	var target upstreamTarget
	if isProbe {
		c.logger.Info("connection probe detected, skipping upstream", c.logAttrs("probe_connection")...)
		metrics.SessionsTotal.WithLabelValues("probe").Inc()
	} else {
		metrics.SessionsTotal.WithLabelValues("call").Inc()
		var err error
		target, err = resolveTarget(params.InputVariables)
		if err != nil {
			c.logger.Error("cannot resolve upstream target", c.logAttrs("open_rejected", "error", err)...)
			c.Disconnect(protocol.DisconnectError, err.Error(), nil)
			return
		}
		c.logger.Info("resolved upstream target", c.logAttrs("open_target",
			"agent_id", target.AgentID,
			"deployment_id", target.DeploymentID,
			"forwarded_variables", c.redactor.Any(target.Variables),
		)...)
	}

	c.logCustomConfig(params)

	media, ok := protocol.SelectMedia(params.Media, "PCMU", 8000)
	if !ok {
		c.logger.Error("no compatible media offered", c.logAttrs("media_rejected", "offered", len(params.Media))...)
		c.Disconnect(protocol.DisconnectError, "No compatible audio media offered.", nil)
		return
	}

	if err := c.send(protocol.NewOpened(m.ID, media)); err != nil {
		c.Disconnect(protocol.DisconnectError, fmt.Sprintf("WebSocket Error: %v", err), nil)
		return
	}
	c.logger.Info("session opened", c.logAttrs("session_opened", "probe", isProbe)...)

	if isProbe {
		return
	}
	if !c.hooks.startUpstream(ctx, target) {
		c.logger.Error("upstream connection failed, stopping setup", c.logAttrs("upstream_connect_failed")...)
	}
}

type targetError string

func (e targetError) Error() string { return string(e) }

const (
	errInvalidDeployment = targetError("Invalid _deployment_id format")
	errMissingTarget     = targetError("Missing required parameter: _agent_id or _deployment_id")
)

func resolveTarget(vars map[string]any) (upstreamTarget, error) {
	var t upstreamTarget
	// A present deployment id wins over the agent id, and anything but a
	// well-formed resource name is rejected. Only null counts as absent.
	if raw, ok := vars[protocol.VarDeploymentID]; ok && raw != nil {
		id, _ := raw.(string)
		agent, ok := protocol.AgentFromDeployment(id)
		if !ok {
			return t, errInvalidDeployment
		}
		t.DeploymentID = id
		t.AgentID = agent
	} else if agent, _ := vars[protocol.VarAgentID].(string); agent != "" {
		t.AgentID = agent
	} else {
		return t, errMissingTarget
	}

	t.InitialMessage, _ = vars[protocol.VarInitialMessage].(string)
	t.SessionID, _ = vars[protocol.VarSessionID].(string)
	for k, v := range vars {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if t.Variables == nil {
			t.Variables = make(map[string]any)
		}
		t.Variables[k] = v
	}
	return t, nil
}

func (c *ClientSession) logCustomConfig(params protocol.OpenParameters) {
	values, err := params.CustomConfigValues()
	if err != nil {
		c.logger.Warn("customConfig is not valid json", c.logAttrs("custom_config_error", "error", err)...)
		return
	}
	for k, v := range values {
		c.logger.Info("custom config value", c.logAttrs("custom_config", "key", k, "value", c.redactor.Value(v))...)
	}
}

func (c *ClientSession) handlePing() {
	c.metaMu.RLock()
	id := c.sessionID
	c.metaMu.RUnlock()
	_ = c.send(protocol.NewPong(id))
}

func (c *ClientSession) handleDTMF(m protocol.DTMF) {
	if m.Digit == "" {
		c.logger.Warn("dtmf message without digit", c.logAttrs("dtmf_missing_digit")...)
		return
	}
	c.logger.Info("received dtmf", c.logAttrs("dtmf_received", "digit", c.redactor.Text(m.Digit))...)
	c.hooks.forwardDTMF(m.Digit)
}

func (c *ClientSession) handleClose(m protocol.Close) {
	c.logger.Info("client requested close", c.logAttrs("close_received", "reason", m.Reason)...)
	c.state.Store(int32(stateClosing))
	_ = c.send(protocol.NewClosed(m.ID))
}

func (c *ClientSession) handleBinary(frame []byte) {
	if c.DisconnectInitiated() {
		c.logger.Debug("dropping audio after disconnect", c.logAttrs("audio_after_disconnect", "bytes", len(frame))...)
		return
	}
	if clientState(c.state.Load()) != stateOpen || c.IsProbe() {
		c.logger.Debug("dropping audio outside an open call", c.logAttrs("audio_not_open", "state", c.State(), "bytes", len(frame))...)
		return
	}
	if !c.limiter.Allow(len(frame)) {
		metrics.InboundFramesDropped.Inc()
		c.logger.Warn("inbound audio rate exceeded, dropping frame", c.logAttrs("inbound_audio_limited", "bytes", len(frame))...)
		return
	}
	c.hooks.forwardAudio(frame)
}

// Disconnect ends the call from the server side. Only the first call has any
// effect; the transport stays open so the client can close it.
func (c *ClientSession) Disconnect(reason, info string, outputVariables map[string]any) {
	if !c.disconnectInitiated.CompareAndSwap(false, true) {
		c.logger.Info("disconnect already initiated", c.logAttrs("duplicate_disconnect", "reason", reason)...)
		return
	}
	c.state.Store(int32(stateClosing))
	metrics.Disconnects.WithLabelValues(reason).Inc()

	c.hooks.stopAudio()

	params := protocol.DisconnectParameters{
		Reason:          reason,
		Info:            info,
		OutputVariables: protocol.StringifyVariables(outputVariables),
	}
	c.logger.Info("sending disconnect", c.logAttrs("disconnect", "reason", reason, "info", info,
		"output_variables", c.redactor.Any(outputVariables))...)

	c.metaMu.RLock()
	id := c.sessionID
	c.metaMu.RUnlock()
	if err := c.send(protocol.NewDisconnect(id, params)); err != nil {
		c.logger.Warn("disconnect send failed", c.logAttrs("disconnect_error", "error", err)...)
	}
}

// SendErrorReport tells the client about a non-fatal failure.
func (c *ClientSession) SendErrorReport(report protocol.ErrorReport) {
	c.metaMu.RLock()
	id := c.sessionID
	c.metaMu.RUnlock()
	if err := c.send(protocol.NewErrorReport(id, report)); err != nil {
		c.logger.Error("error report send failed", c.logAttrs("error_report_failed", "error", err, "error_type", report.ErrorType)...)
		return
	}
	c.logger.Info("sent error report", c.logAttrs("error_report", "error_type", report.ErrorType)...)
}

// send stamps the next server seq and writes under the same lock, so seq
// order on the wire matches stamping order.
func (c *ClientSession) send(msg protocol.ServerMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.leg.IsOpen() {
		c.logger.Warn("client transport not open, dropping message", c.logAttrs("send_rejected", "type", msg.Type)...)
		return nil
	}

	msg.Version = protocol.AudioHookVersion
	msg.ClientSeq = c.clientSeq.Load()
	msg.Seq = c.serverSeq.Add(1)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	start := time.Now()
	if err := c.leg.WriteText(payload); err != nil {
		c.logger.Warn("client send failed", c.logAttrs("send_failed", "type", msg.Type, "error", err)...)
		return err
	}
	c.logger.Debug("sent client message", c.logAttrs("sent_message", "type", msg.Type,
		"message", c.redactor.JSON(payload), "write_ms", time.Since(start).Milliseconds())...)
	return nil
}
