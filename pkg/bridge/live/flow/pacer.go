package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-bridge/pkg/bridge/metrics"
)

type Strategy string

const (
	// StrategyBatched coalesces queued frames and sends at most one chunk per
	// MinInterval.
	StrategyBatched Strategy = "batched"
	// StrategyPerFrame sends each frame on arrival and then waits out the rest
	// of MinInterval.
	StrategyPerFrame Strategy = "per_frame"
)

const (
	DefaultMinInterval   = 200 * time.Millisecond
	DefaultMaxChunkBytes = 32000
	DefaultIdleSleep     = 10 * time.Millisecond
)

// ErrSinkClosed is returned by a Sink whose transport is no longer open.
var ErrSinkClosed = errors.New("audio sink closed")

// Sink is the client leg's binary send path.
type Sink interface {
	IsOpen() bool
	SendAudio(chunk []byte) error
}

type PacerConfig struct {
	Strategy      Strategy
	MinInterval   time.Duration
	MaxChunkBytes int
	PollTimeout   time.Duration
	IdleSleep     time.Duration
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBatched, StrategyPerFrame:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown pacer strategy %q", s)
	}
}

func (c PacerConfig) withDefaults() PacerConfig {
	if c.Strategy == "" {
		c.Strategy = StrategyBatched
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if c.PollTimeout <= 0 {
		if c.Strategy == StrategyPerFrame {
			c.PollTimeout = time.Second
		} else {
			c.PollTimeout = 50 * time.Millisecond
		}
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	return c
}

// Pacer drains a Queue into a Sink no faster than real-time playback.
// All pacing state lives on the goroutine running Run.
type Pacer struct {
	queue  *Queue
	sink   Sink
	cfg    PacerConfig
	logger *slog.Logger

	sent      atomic.Int64
	discarded atomic.Int64
}

func NewPacer(queue *Queue, sink Sink, cfg PacerConfig, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{queue: queue, sink: sink, cfg: cfg.withDefaults(), logger: logger}
}

// SentBytes is the number of bytes handed to the sink so far.
func (p *Pacer) SentBytes() int64 { return p.sent.Load() }

// DiscardedBytes is the number of dequeued bytes that were dropped instead of
// sent.
func (p *Pacer) DiscardedBytes() int64 { return p.discarded.Load() }

// Run blocks until ctx is done or the sink fails. A closed sink ends the run
// without error; any other send failure is returned.
func (p *Pacer) Run(ctx context.Context) error {
	p.logger.Debug("pacer started", "strategy", string(p.cfg.Strategy), "min_interval_ms", p.cfg.MinInterval.Milliseconds())
	var err error
	if p.cfg.Strategy == StrategyPerFrame {
		err = p.runPerFrame(ctx)
	} else {
		err = p.runBatched(ctx)
	}
	if errors.Is(err, ErrSinkClosed) {
		p.logger.Info("pacer stopped, client transport closed")
		err = nil
	}
	p.logger.Debug("pacer stopped", "sent_bytes", p.SentBytes(), "discarded_bytes", p.DiscardedBytes())
	return err
}

func (p *Pacer) runBatched(ctx context.Context) error {
	var (
		buf      []byte
		bufEpoch uint64
		lastSend time.Time
	)
	for ctx.Err() == nil {
		wait := p.cfg.PollTimeout
		if len(buf) > 0 {
			if remaining := p.cfg.MinInterval - time.Since(lastSend); remaining < wait {
				wait = max(remaining, 0)
			}
		}

		frame, epoch, ok := p.queue.Pop(ctx, wait)
		if len(buf) > 0 && p.queue.Epoch() != bufEpoch {
			p.discard(len(buf))
			buf = nil
		}
		if ok && len(frame) > 0 {
			if len(buf) == 0 {
				bufEpoch = epoch
			}
			buf = append(buf, frame...)
		}

		if len(buf) == 0 {
			if !sleepCtx(ctx, p.cfg.IdleSleep) {
				return nil
			}
			continue
		}
		if time.Since(lastSend) < p.cfg.MinInterval {
			continue
		}

		if p.queue.Epoch() != bufEpoch {
			p.discard(len(buf))
			buf = nil
			continue
		}

		n := min(len(buf), p.cfg.MaxChunkBytes)
		if !p.sink.IsOpen() {
			p.logger.Debug("client transport not open, discarding buffered audio", "bytes", len(buf))
			p.discard(len(buf))
			buf = nil
			lastSend = time.Now()
			continue
		}
		if err := p.sink.SendAudio(buf[:n]); err != nil {
			p.discard(len(buf))
			return err
		}
		p.sentBytes(n)
		buf = buf[n:]
		if len(buf) == 0 {
			buf = nil
		}
		lastSend = time.Now()
	}
	if len(buf) > 0 {
		p.discard(len(buf))
	}
	return nil
}

func (p *Pacer) runPerFrame(ctx context.Context) error {
	for ctx.Err() == nil {
		frame, epoch, ok := p.queue.Pop(ctx, p.cfg.PollTimeout)
		if !ok || len(frame) == 0 {
			continue
		}
		if !p.sink.IsOpen() {
			p.logger.Debug("client transport not open, discarding frame", "bytes", len(frame))
			p.discard(len(frame))
			continue
		}

		var anchor time.Time
		for off := 0; off < len(frame); {
			if ctx.Err() != nil || p.queue.Epoch() != epoch {
				p.discard(len(frame) - off)
				break
			}
			end := min(off+p.cfg.MaxChunkBytes, len(frame))
			if err := p.sink.SendAudio(frame[off:end]); err != nil {
				p.discard(len(frame) - off)
				return err
			}
			p.sentBytes(end - off)
			if anchor.IsZero() {
				anchor = time.Now()
			}
			off = end
		}
		if anchor.IsZero() {
			continue
		}
		if !sleepCtx(ctx, p.cfg.MinInterval-time.Since(anchor)) {
			return nil
		}
	}
	return nil
}

func (p *Pacer) sentBytes(n int) {
	p.sent.Add(int64(n))
	metrics.AudioBytesPaced.Add(float64(n))
}

func (p *Pacer) discard(n int) {
	if n <= 0 {
		return
	}
	p.discarded.Add(int64(n))
	metrics.AudioBytesDiscarded.Add(float64(n))
}

// sleepCtx reports false when ctx ended before d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
