package lifecycle

import "sync/atomic"

// Lifecycle holds the process state the health and upgrade handlers consult.
// A bridge is ready once its dependencies resolved and stops being ready
// when it starts draining.
type Lifecycle struct {
	ready    atomic.Bool
	draining atomic.Bool
}

func (l *Lifecycle) MarkReady() {
	if l == nil {
		return
	}
	l.ready.Store(true)
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// IsReady reports whether new calls should be routed here.
func (l *Lifecycle) IsReady() bool {
	if l == nil {
		return false
	}
	return l.ready.Load() && !l.draining.Load()
}
