package flow

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of audio frames shared between one producer
// loop, one consumer and any number of drainers.
//
// Every Drain advances the queue's epoch. Frames carry the epoch they were
// dequeued in, which lets a consumer that buffers frames notice that a flush
// happened after it took them.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	bytes  int
	epoch  uint64
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	q.items = append(q.items, frame)
	q.bytes += len(frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest frame without waiting.
func (q *Queue) TryPop() (frame []byte, epoch uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, q.epoch, false
	}
	frame = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= len(frame)
	if len(q.items) == 0 {
		q.items = nil
	}
	return frame, q.epoch, true
}

// Pop waits up to timeout for a frame. It returns ok=false on timeout or when
// ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (frame []byte, epoch uint64, ok bool) {
	if frame, epoch, ok = q.TryPop(); ok {
		return frame, epoch, true
	}
	if timeout <= 0 {
		return nil, epoch, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if frame, epoch, ok = q.TryPop(); ok {
				return frame, epoch, true
			}
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			return nil, q.Epoch(), false
		}
	}
}

// Drain removes every queued frame and returns how many were removed.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.bytes = 0
	q.epoch++
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes is the total size of the queued frames.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}
