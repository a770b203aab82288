package live

import (
	"sync"
)

// FrameQueue is a bounded queue of encoded frames that drops the oldest
// frame when full. Push never blocks.
type FrameQueue struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	dropped int
	onDrop  func()
}

// NewFrameQueue creates a queue holding at most size frames.
func NewFrameQueue(size int, onDrop func()) *FrameQueue {
	if size < 1 {
		size = 1
	}
	return &FrameQueue{ch: make(chan []byte, size), onDrop: onDrop}
}

// Push appends frame, evicting the oldest buffered frame if needed.
func (q *FrameQueue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- frame:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped++
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// Frames returns the receive side of the queue. It is closed by Close.
func (q *FrameQueue) Frames() <-chan []byte {
	return q.ch
}

// Dropped returns how many frames were evicted.
func (q *FrameQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Buffered frames remain readable.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
