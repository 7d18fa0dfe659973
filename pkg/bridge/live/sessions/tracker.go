package sessions

import (
	"context"
	"sync"
	"time"
)

// Handle is how the tracker reaches a live call during shutdown.
type Handle struct {
	// Cancel tears the call down without telling the client.
	Cancel func()
	// Disconnect asks the client to hang up with the given reason.
	Disconnect func(reason, info string)
}

// Tracker keeps the set of live bridges so the server can drain them.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle  Handle
	started time.Time
	once    sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*entry),
	}
}

// Register adds a bridge under id. Registering an id twice replaces the
// earlier entry and releases its wait slot.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{handle: h, started: time.Now()}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*entry)
	}
	old := t.sessions[id]
	t.sessions[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}

	return func() { t.unregister(id, e) }
}

func (t *Tracker) unregister(id string, e *entry) {
	if t == nil || e == nil {
		return
	}
	e.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == e {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Oldest returns how long the longest-running tracked bridge has been up.
func (t *Tracker) Oldest() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest time.Time
	for _, e := range t.sessions {
		if oldest.IsZero() || e.started.Before(oldest) {
			oldest = e.started
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func (t *Tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, e.handle)
	}
	return out
}

// DisconnectAll sends a disconnect to every tracked bridge and returns how
// many were asked.
func (t *Tracker) DisconnectAll(reason, info string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Disconnect == nil {
			continue
		}
		h.Disconnect(reason, info)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered bridge has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
