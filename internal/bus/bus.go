// SPDX-License-Identifier: MIT

// Package bus is the in-process event transport between the
// orchestrator core and its consumers (websocket hub, session catalog,
// auto-selection policy).
package bus

import "context"

// Topics carried on the bus. Payload types are owned by the producers.
const (
	// TopicModuleStatus carries every parsed child status line.
	TopicModuleStatus = "module.status"
	// TopicDeviceEvents carries registry add/remove/promote events.
	TopicDeviceEvents = "device.events"
	// TopicSessionEvents carries session and trial lifecycle changes.
	TopicSessionEvents = "session.events"
)

// Message is an opaque event payload.
type Message any

// Subscriber is one attached consumer.
type Subscriber interface {
	// C returns the read-only message channel. It is closed by Close.
	C() <-chan Message
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
