// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
)

const dropLogEvery = 100

var dropCount atomic.Uint64

// MemoryBus is the in-memory pub/sub used by the single-process master.
// Delivery is best effort: a full subscriber buffer drops the event for
// that subscriber so producers never block on a slow consumer.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	// Sends stay under the read lock so Close cannot shut a channel
	// between the list snapshot and the send. Sends never block, so the
	// lock is held only for the fan-out itself.
	b.mu.RLock()
	defer b.mu.RUnlock()

	metrics.IncBusPublish(topic)
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			metrics.IncBusDrop(topic, "full")
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				logger := log.L()
				logger.Warn().
					Str("topic", topic).
					Uint64("dropped", count).
					Msg("bus subscriber lagging, events dropped")
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	ch := make(chan Message, 64)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Message
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s.ch {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
