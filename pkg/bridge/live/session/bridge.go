package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-bridge/pkg/bridge/audio"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/flow"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/metrics"
	"github.com/vango-go/vai-bridge/pkg/bridge/redact"
)

type Config struct {
	Upstream           UpstreamConfig
	Pacer              flow.PacerConfig
	WriteTimeout       time.Duration
	InboundMaxAudioBPS int64

	// DebugFrames logs every frame on both legs.
	DebugFrames bool
}

type Dependencies struct {
	Conn     Conn
	Logger   *slog.Logger
	Redactor redact.Redactor
	Tokens   TokenSource
	Dial     DialFunc
	Config   Config

	// AdapterID identifies this bridge in logs and the session tracker.
	AdapterID string
}

// Bridge is one call: the client state machine, the upstream adapter, the
// outbound queue with its pacer, and the goroutines that tie them together.
type Bridge struct {
	id       string
	logger   *slog.Logger
	client   *ClientSession
	upstream *UpstreamSession
	outbound *flow.Queue
	pacerCfg flow.PacerConfig

	group errgroup.Group

	pacerMu      sync.Mutex
	audioStopped bool
	pacerCancel  context.CancelFunc
	pacerDone    chan struct{}
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, errors.New("session: nil client connection")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("audiohook_adapter_id", deps.AdapterID)

	up := deps.Config.Upstream
	if up.WriteTimeout <= 0 {
		up.WriteTimeout = deps.Config.WriteTimeout
	}
	if up.InputFormat == (audio.Format{}) {
		up.InputFormat = audio.Telephony
	}
	if up.OutputFormat == (audio.Format{}) {
		up.OutputFormat = up.InputFormat
	}

	conn, dial := deps.Conn, deps.Dial
	if deps.Config.DebugFrames {
		if dial == nil {
			dial = NewDialer(up.HandshakeTimeout)
		}
		conn = LogFrames(conn, logger, "client")
		dial = logDial(dial, logger)
	}

	b := &Bridge{
		id:       deps.AdapterID,
		logger:   logger,
		outbound: flow.NewQueue(),
		pacerCfg: deps.Config.Pacer,
	}
	b.client = newClientSession(
		newLeg(conn, deps.Config.WriteTimeout),
		logger,
		deps.Redactor,
		newInboundAudioLimiter(nil, deps.Config.InboundMaxAudioBPS, 2),
	)
	b.client.hooks = b

	upstream, err := newUpstreamSession(up, b.client, deps.Tokens, dial, b.outbound, logger, deps.Redactor)
	if err != nil {
		return nil, err
	}
	b.upstream = upstream
	return b, nil
}

func (b *Bridge) ID() string { return b.id }

func (b *Bridge) Client() *ClientSession { return b.client }

func (b *Bridge) Upstream() *UpstreamSession { return b.upstream }

// Run serves the call until the client leg closes or ctx is done, then tears
// down the upstream and the pacer.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Cancelling ctx closes the client leg, which unblocks the read loop.
	context.AfterFunc(ctx, func() { _ = b.client.leg.Close() })

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	b.logger.Info("bridge started", b.client.logAttrs("bridge_started")...)

	err := b.client.serve(ctx)

	_ = b.upstream.Close()
	b.stopAudio()
	_ = b.group.Wait()
	b.logger.Info("bridge finished", b.client.logAttrs("bridge_finished",
		"ces_session_id", b.upstream.SessionID(), "disconnect_initiated", b.client.DisconnectInitiated())...)
	return err
}

// Disconnect sends a disconnect with the given reason to the client, for
// example when the process is draining.
func (b *Bridge) Disconnect(reason, info string) {
	b.client.Disconnect(reason, info, nil)
}

func (b *Bridge) startUpstream(ctx context.Context, target upstreamTarget) bool {
	if !b.upstream.Connect(ctx, target) {
		return false
	}
	// The pacer starts first so a fast endSession cannot stop audio before
	// the pacer exists.
	b.startPacer(ctx)
	b.group.Go(func() error {
		b.upstream.Listen(ctx)
		return nil
	})
	return true
}

func (b *Bridge) startPacer(ctx context.Context) {
	b.pacerMu.Lock()
	defer b.pacerMu.Unlock()
	if b.audioStopped || b.pacerCancel != nil {
		return
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.pacerCancel = cancel
	b.pacerDone = done

	pacer := flow.NewPacer(b.outbound, b.client, b.pacerCfg, b.logger)
	b.group.Go(func() error {
		err := pacer.Run(pctx)
		close(done)
		if err != nil && !b.client.DisconnectInitiated() {
			b.logger.Error("pacer failed", b.client.logAttrs("pacer_error", "error", err)...)
			b.client.Disconnect(protocol.DisconnectError, fmt.Sprintf("Audio Pacer Error: %v", err), nil)
		}
		return nil
	})
}

// stopAudio stops the pacer, waits for it to exit and flushes both queues.
// Once called, the pacer is never restarted.
func (b *Bridge) stopAudio() {
	b.pacerMu.Lock()
	b.audioStopped = true
	cancel, done := b.pacerCancel, b.pacerDone
	b.pacerCancel, b.pacerDone = nil, nil
	b.pacerMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	out := b.outbound.Drain()
	b.logger.Debug("audio stopped", b.client.logAttrs("audio_stopped", "outbound_flushed", out)...)
}

func (b *Bridge) forwardAudio(frame []byte) {
	if !b.upstream.Connected() {
		b.logger.Debug("dropping client audio, upstream not connected", b.client.logAttrs("audio_not_connected", "bytes", len(frame))...)
		return
	}
	if err := b.upstream.SendAudio(frame); err != nil {
		b.logger.Warn("dropping client audio frame", b.client.logAttrs("audio_frame_dropped", "error", err, "bytes", len(frame))...)
	}
}

func (b *Bridge) forwardDTMF(digit string) {
	b.upstream.SendDTMF(digit)
}

func (b *Bridge) upstreamConnected() bool {
	return b.upstream.Connected()
}
