// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"time"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/modproc"
	"github.com/labrig/labrig/internal/protocol"
)

// Feeder copies module status payloads from the bus into a Store.
// Preview frames are skipped, they have their own delivery path and
// would crowd out the data samples.
type Feeder struct {
	sub   bus.Subscriber
	store Store
}

// NewFeeder subscribes to the module status topic. Events published
// after construction are buffered until Run drains them.
func NewFeeder(b bus.Bus, store Store) (*Feeder, error) {
	sub, err := b.Subscribe(context.Background(), bus.TopicModuleStatus)
	if err != nil {
		return nil, err
	}
	return &Feeder{sub: sub, store: store}, nil
}

// Run pumps events into the store until ctx ends.
func (f *Feeder) Run(ctx context.Context) error {
	defer func() { _ = f.sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-f.sub.C():
			if !ok {
				return nil
			}
			ev, ok := msg.(modproc.Event)
			if !ok || ev.Kind != modproc.EventStatus || ev.Status == nil {
				continue
			}
			if ev.Status.Status == protocol.StatusPreviewFrame || len(ev.Status.Data) == 0 {
				continue
			}
			received := ev.Status.Timestamp
			if received.IsZero() {
				received = time.Now()
			}
			f.store.Put(Sample{
				Module:     ev.Module,
				InstanceID: ev.InstanceID,
				Status:     ev.Status.Status,
				Data:       ev.Status.Data,
				ReceivedAt: received,
			})
		}
	}
}
