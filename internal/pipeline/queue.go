// SPDX-License-Identifier: MIT

package pipeline

import "sync"

// frameQueue is the bounded channel between timer and writer. Overflow
// evicts the oldest entry so the writer always sees the freshest frames
// after a stall. The timer is the only producer.
type frameQueue struct {
	mu sync.Mutex
	ch chan Frame
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ch: make(chan Frame, capacity)}
}

// put inserts f, evicting the oldest queued frame when full. Returns
// true when an eviction happened.
func (q *frameQueue) put(f Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- f:
		return false
	default:
	}
	// Full. The consumer may race us for the oldest entry; either way a
	// slot is free afterwards because we are the sole producer.
	select {
	case <-q.ch:
		evicted = true
	default:
	}
	q.ch <- f
	return evicted
}

// putSentinel enqueues the writer's end-of-stream marker, evicting data
// frames if needed. Returns the number of frames evicted.
func (q *frameQueue) putSentinel() (evicted int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- Frame{sentinel: true}:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			evicted++
		default:
		}
	}
}

// c exposes the consumer side.
func (q *frameQueue) c() <-chan Frame { return q.ch }

// depth returns the current backlog.
func (q *frameQueue) depth() int { return len(q.ch) }
