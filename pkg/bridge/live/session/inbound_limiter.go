package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps the audio byte rate a client may push. A nil
// limiter allows everything.
type inboundAudioLimiter struct {
	now     func() time.Time
	limiter *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, bps int64, burstSeconds int) *inboundAudioLimiter {
	if bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &inboundAudioLimiter{
		now:     now,
		limiter: rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds),
	}
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes <= 0 {
		return true
	}
	return l.limiter.AllowN(l.now(), frameBytes)
}
