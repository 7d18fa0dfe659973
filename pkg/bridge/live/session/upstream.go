package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-bridge/pkg/bridge/audio"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/flow"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/metrics"
	"github.com/vango-go/vai-bridge/pkg/bridge/redact"
)

type upstreamState int32

const (
	upstreamDisconnected upstreamState = iota
	upstreamConnecting
	upstreamConfigured
	upstreamStreaming
	upstreamClosed
)

func (s upstreamState) String() string {
	switch s {
	case upstreamDisconnected:
		return "disconnected"
	case upstreamConnecting:
		return "connecting"
	case upstreamConfigured:
		return "configured"
	case upstreamStreaming:
		return "streaming"
	case upstreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenSource supplies the bearer token and quota project for the upstream
// handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ProjectID(ctx context.Context) (string, error)
}

// downstream is the part of the client leg the upstream adapter calls back
// into.
type downstream interface {
	Disconnect(reason, info string, outputVariables map[string]any)
	DisconnectInitiated() bool
	SendErrorReport(report protocol.ErrorReport)
	logAttrs(logType string, extra ...any) []any
}

type UpstreamConfig struct {
	BaseURL          string
	InputFormat      audio.Format
	OutputFormat     audio.Format
	MaxMessageBytes  int64
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// SendVariablesSeparately moves session variables out of the config
	// message into a realtimeInput that follows it.
	SendVariablesSeparately bool
}

// UpstreamSession owns the upstream leg of one call.
type UpstreamSession struct {
	cfg      UpstreamConfig
	client   downstream
	tokens   TokenSource
	dial     DialFunc
	logger   *slog.Logger
	redactor redact.Redactor
	outbound *flow.Queue

	// toUpstream is used only by the client read loop and toClient only by
	// Listen, so neither needs a lock.
	toUpstream *audio.Transcoder
	toClient   *audio.Transcoder

	state  atomic.Int32
	leg    atomic.Pointer[wsLeg]
	closed atomic.Bool

	mu        sync.RWMutex
	sessionID string
}

func newUpstreamSession(cfg UpstreamConfig, client downstream, tokens TokenSource, dial DialFunc, outbound *flow.Queue, logger *slog.Logger, redactor redact.Redactor) (*UpstreamSession, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = protocol.DefaultCESBaseURL
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4 << 20
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if dial == nil {
		dial = NewDialer(cfg.HandshakeTimeout)
	}
	toUpstream, err := audio.NewTranscoder(audio.Telephony, cfg.InputFormat)
	if err != nil {
		return nil, fmt.Errorf("upstream input format: %w", err)
	}
	toClient, err := audio.NewTranscoder(cfg.OutputFormat, audio.Telephony)
	if err != nil {
		return nil, fmt.Errorf("upstream output format: %w", err)
	}
	return &UpstreamSession{
		cfg:        cfg,
		client:     client,
		tokens:     tokens,
		dial:       dial,
		logger:     logger,
		redactor:   redactor,
		outbound:   outbound,
		toUpstream: toUpstream,
		toClient:   toClient,
	}, nil
}

func (u *UpstreamSession) State() string {
	return upstreamState(u.state.Load()).String()
}

func (u *UpstreamSession) SessionID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.sessionID
}

// Connected reports whether the adapter has a configured, open upstream.
func (u *UpstreamSession) Connected() bool {
	switch upstreamState(u.state.Load()) {
	case upstreamConfigured, upstreamStreaming:
		return u.leg.Load().IsOpen()
	default:
		return false
	}
}

func (u *UpstreamSession) logAttrs(logType string, extra ...any) []any {
	attrs := u.client.logAttrs(logType, "ces_session_id", u.SessionID(), "upstream_state", u.State())
	return append(attrs, extra...)
}

// Connect dials the upstream, sends the session config and the kickstart
// text. On failure it disconnects the client and returns false.
func (u *UpstreamSession) Connect(ctx context.Context, target upstreamTarget) bool {
	start := time.Now()
	u.state.Store(int32(upstreamConnecting))

	sid := target.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	sessionName := target.AgentID + "/sessions/" + sid
	u.mu.Lock()
	u.sessionID = sessionName
	u.mu.Unlock()

	if err := u.connect(ctx, target, sessionName); err != nil {
		metrics.UpstreamConnectFailures.Inc()
		u.logger.Error("upstream connect failed", u.logAttrs("ces_connect_error", "error", err)...)
		if leg := u.leg.Load(); leg != nil {
			_ = leg.Close()
		}
		u.state.Store(int32(upstreamClosed))
		if !u.client.DisconnectInitiated() {
			u.client.Disconnect(protocol.DisconnectError, fmt.Sprintf("CES Connection/Config Error: %v", err), nil)
		}
		return false
	}

	metrics.UpstreamConnectDuration.Observe(time.Since(start).Seconds())
	u.logger.Info("upstream session configured", u.logAttrs("ces_connected", "connect_ms", time.Since(start).Milliseconds())...)
	return true
}

func (u *UpstreamSession) connect(ctx context.Context, target upstreamTarget, sessionName string) error {
	location, ok := protocol.LocationFromAgent(target.AgentID)
	if !ok {
		return fmt.Errorf("could not determine location from agent id %q", target.AgentID)
	}
	if u.tokens == nil {
		return errors.New("no token source configured")
	}
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch access token: %w", err)
	}
	project, err := u.tokens.ProjectID(ctx)
	if err != nil {
		return fmt.Errorf("resolve project id: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if project != "" {
		header.Set("X-Goog-User-Project", project)
	}
	url := u.cfg.BaseURL + location

	u.logger.Info("connecting upstream", u.logAttrs("ces_connecting",
		"url", url,
		"input_format", u.toUpstream.To().String(),
		"output_format", u.toClient.From().String(),
	)...)
	dialCtx, cancel := context.WithTimeout(ctx, u.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := u.dial(dialCtx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(u.cfg.MaxMessageBytes)
	leg := newLeg(conn, u.cfg.WriteTimeout)
	u.leg.Store(leg)
	if u.closed.Load() {
		return errors.New("upstream closed during connect")
	}

	if err := u.sendConfig(leg, target, sessionName); err != nil {
		return err
	}
	u.state.Store(int32(upstreamConfigured))
	return nil
}

func (u *UpstreamSession) sendConfig(leg *wsLeg, target upstreamTarget, sessionName string) error {
	cfg := protocol.CESSessionConfig{
		Session: sessionName,
		InputAudioConfig: protocol.CESAudioConfig{
			AudioEncoding:   u.cfg.InputFormat.Encoding,
			SampleRateHertz: u.cfg.InputFormat.SampleRate,
		},
		OutputAudioConfig: protocol.CESAudioConfig{
			AudioEncoding:   u.cfg.OutputFormat.Encoding,
			SampleRateHertz: u.cfg.OutputFormat.SampleRate,
		},
		Deployment: target.DeploymentID,
	}
	separate := u.cfg.SendVariablesSeparately && len(target.Variables) > 0
	if !separate {
		cfg.Variables = target.Variables
	}

	if err := u.writeJSON(leg, protocol.CESConfigMessage{Config: cfg}); err != nil {
		return fmt.Errorf("send config: %w", err)
	}
	u.logger.Info("sent upstream config", u.logAttrs("ces_config_sent",
		"deployment", target.DeploymentID, "variables", u.redactor.Any(target.Variables))...)

	if separate {
		if err := u.writeJSON(leg, protocol.NewVariablesInput(target.Variables)); err != nil {
			return fmt.Errorf("send variables: %w", err)
		}
	}

	kickstart := target.InitialMessage
	if kickstart == "" {
		kickstart = protocol.DefaultKickstartText
	}
	if err := u.writeJSON(leg, protocol.NewTextInput(kickstart)); err != nil {
		return fmt.Errorf("send kickstart: %w", err)
	}
	u.logger.Info("sent kickstart", u.logAttrs("ces_kickstart_sent", "text", u.redactor.Text(kickstart))...)
	return nil
}

func (u *UpstreamSession) writeJSON(leg *wsLeg, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return leg.WriteText(payload)
}

// Listen reads upstream frames until the leg closes or the session ends.
func (u *UpstreamSession) Listen(ctx context.Context) {
	leg := u.leg.Load()
	if leg == nil {
		return
	}
	u.state.CompareAndSwap(int32(upstreamConfigured), int32(upstreamStreaming))
	defer u.state.Store(int32(upstreamClosed))

	for ctx.Err() == nil {
		_, data, err := leg.Read()
		if err != nil {
			u.listenEnded(leg, err)
			return
		}
		msg, err := protocol.DecodeUpstreamMessage(data)
		if err != nil {
			u.listenFailed(err)
			return
		}
		if !u.handle(msg) {
			return
		}
	}
}

func (u *UpstreamSession) listenEnded(leg *wsLeg, err error) {
	if u.closed.Load() || leg.closedLocally() {
		u.logger.Info("upstream listen loop ended", u.logAttrs("ces_listen_stopped")...)
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		u.logger.Info("upstream closed connection", u.logAttrs("ces_closed", "code", ce.Code, "reason", ce.Text)...)
		if !u.client.DisconnectInitiated() {
			u.client.Disconnect(protocol.DisconnectError, fmt.Sprintf("CES WS Closed: %d", ce.Code), nil)
		}
		return
	}
	u.listenFailed(err)
}

func (u *UpstreamSession) listenFailed(err error) {
	u.logger.Error("upstream listen failed", u.logAttrs("ces_listen_error", "error", err)...)
	if !u.client.DisconnectInitiated() {
		u.client.Disconnect(protocol.DisconnectError, fmt.Sprintf("CES Listen Error: %v", err), nil)
	}
}

// handle applies one decoded upstream message; false ends the listen loop.
func (u *UpstreamSession) handle(msg any) bool {
	switch m := msg.(type) {
	case protocol.Interruption:
		queued := u.outbound.Bytes()
		n := u.outbound.Drain()
		// Audio after an interruption starts a new utterance.
		u.toClient.Reset()
		metrics.Interruptions.Inc()
		u.logger.Info("interruption signal, flushed queued audio", u.logAttrs("ces_interruption", "flushed_frames", n, "flushed_bytes", queued)...)
	case protocol.AudioOutput:
		if u.client.DisconnectInitiated() {
			return true
		}
		frame, err := u.toClient.Convert(m.Audio)
		if err != nil {
			u.listenFailed(fmt.Errorf("transcode upstream audio: %w", err))
			return false
		}
		if len(frame) > 0 {
			u.outbound.Push(frame)
		}
		u.logger.Debug("queued upstream audio", u.logAttrs("ces_audio_received", "bytes", len(m.Audio), "queued_bytes", len(frame))...)
	case protocol.TextOutput:
		u.logger.Info("upstream text output", u.logAttrs("ces_text_output", "text", u.redactor.Text(m.Text))...)
	case protocol.EndSession:
		u.logger.Info("upstream ended session", u.logAttrs("ces_end_session", "params", u.redactor.Any(m.Params))...)
		if !u.client.DisconnectInitiated() {
			u.client.Disconnect(protocol.DisconnectCompleted, "Session has ended successfully in CES", m.Params)
		}
		_ = u.Close()
		return false
	case protocol.RecognitionResult:
	case protocol.SessionOutput:
		u.logger.Info("upstream session output", u.logAttrs("ces_session_output", "output", u.redactor.JSON(m.Raw))...)
	case protocol.UnrecognizedUpstream:
		u.logger.Warn("unrecognized upstream message", u.logAttrs("ces_unknown_message", "message", u.redactor.JSON(m.Raw))...)
	}
	return true
}

// SendAudio transcodes one client frame and forwards it. Transcoding errors
// are returned; send failures disconnect the call instead.
func (u *UpstreamSession) SendAudio(frame []byte) error {
	leg := u.leg.Load()
	if !u.Connected() || u.closed.Load() {
		return nil
	}
	converted, err := u.toUpstream.Convert(frame)
	if err != nil {
		return fmt.Errorf("transcode client audio: %w", err)
	}
	if err := u.writeJSON(leg, protocol.NewAudioInput(converted)); err != nil {
		u.logger.Error("upstream audio send failed", u.logAttrs("ces_send_audio_error", "error", err)...)
		if !u.client.DisconnectInitiated() {
			u.client.Disconnect(protocol.DisconnectError, fmt.Sprintf("CES Send Audio Error: %v", err), nil)
		}
	}
	return nil
}

func (u *UpstreamSession) SendDTMF(digit string) {
	if !u.Connected() {
		u.logger.Warn("upstream not connected, dropping dtmf", u.logAttrs("ces_send_dtmf_error", "digit", u.redactor.Text(digit))...)
		return
	}
	err := u.writeJSON(u.leg.Load(), protocol.NewDTMFInput(digit))
	if err == nil {
		u.logger.Info("sent dtmf upstream", u.logAttrs("ces_dtmf_sent", "digit", u.redactor.Text(digit))...)
		return
	}
	if isClosedErr(err) {
		u.logger.Warn("upstream closed before dtmf could be sent", u.logAttrs("ces_send_dtmf_closed", "error", err)...)
		return
	}

	u.logger.Error("upstream dtmf send failed", u.logAttrs("ces_send_dtmf_error", "error", err, "digit", u.redactor.Text(digit))...)
	u.client.SendErrorReport(classifyDTMFError(err, u.redactor.Text(digit)))
}

func classifyDTMFError(err error, digit string) protocol.ErrorReport {
	text := err.Error()
	report := protocol.ErrorReport{
		ErrorType:    "DTMF_FAILURE",
		ErrorMessage: "Failed to send DTMF to CES.",
		Source:       "UpstreamSession.SendDTMF",
		Details:      map[string]any{"digit": digit, "originalError": text},
	}
	switch {
	case strings.Contains(text, "INVALID_ARGUMENT") || strings.Contains(text, "Invalid value"):
		report.ErrorType = "API_INVALID_ARGUMENT"
		report.Details["violatedField"] = "realtime_input.dtmf"
	case strings.Contains(text, "DEADLINE_EXCEEDED"):
		report.ErrorType = "API_DEADLINE_EXCEEDED"
	}
	return report
}

// Close sends a normal close frame if the upstream is open and releases the
// connection.
func (u *UpstreamSession) Close() error {
	u.closed.Store(true)
	leg := u.leg.Load()
	if leg == nil {
		return nil
	}
	if leg.IsOpen() {
		u.logger.Info("closing upstream", u.logAttrs("ces_closing")...)
	}
	err := leg.Close()
	u.state.Store(int32(upstreamClosed))
	return err
}
