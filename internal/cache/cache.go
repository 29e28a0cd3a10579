// SPDX-License-Identifier: MIT

// Package cache keeps the most recent status payload per module, the
// backing store for the REST sample read path. Entries expire so a
// module that stops reporting stops serving stale data.
package cache

import (
	"sync"
	"time"
)

// Sample is the latest payload one module reported.
type Sample struct {
	Module     string         `json:"module"`
	InstanceID string         `json:"instance_id,omitempty"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Store is the latest-sample store. Implementations are safe for
// concurrent use.
type Store interface {
	// Put replaces the sample for its module.
	Put(s Sample)
	// Latest returns the current sample for a module, if fresh.
	Latest(module string) (Sample, bool)
	// Snapshot returns every fresh sample.
	Snapshot() []Sample
	// Delete drops one module's sample.
	Delete(module string)
	// Clear drops everything.
	Clear()
	// Stats returns store counters.
	Stats() Stats
}

// Stats holds store performance counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Puts        int64 `json:"puts"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int   `json:"current_size"`
}

type entry struct {
	sample     Sample
	expiration time.Time
}

func (e *entry) isExpired() bool {
	return !e.expiration.IsZero() && time.Now().After(e.expiration)
}

// memoryStore is the in-process implementation of Store.
type memoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*entry
	stats   Stats
	janitor *janitor
}

// NewMemoryStore creates an in-memory store. Samples expire after ttl
// (zero keeps them forever); cleanupInterval > 0 starts a background
// sweep of expired entries.
func NewMemoryStore(ttl, cleanupInterval time.Duration) Store {
	c := &memoryStore{
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

func (c *memoryStore) Put(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{sample: s}
	if c.ttl > 0 {
		e.expiration = time.Now().Add(c.ttl)
	}
	c.entries[s.Module] = e
	c.stats.Puts++
}

// Latest takes the write lock; the hit and miss counters mutate.
func (c *memoryStore) Latest(module string) (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[module]
	if !found || e.isExpired() {
		c.stats.Misses++
		return Sample{}, false
	}
	c.stats.Hits++
	return e.sample, true
}

func (c *memoryStore) Snapshot() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Sample, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.isExpired() {
			out = append(out, e.sample)
		}
	}
	return out
}

func (c *memoryStore) Delete(module string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, module)
}

func (c *memoryStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

func (c *memoryStore) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

// deleteExpired removes expired entries and returns how many went.
func (c *memoryStore) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if e.isExpired() {
			delete(c.entries, key)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	return count
}

// Stop halts the background sweep.
func (c *memoryStore) Stop() {
	if c.janitor != nil {
		c.janitor.stop <- struct{}{}
	}
}

type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryStore) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

// noOpStore satisfies Store while caching nothing, for deployments
// with the sample path disabled.
type noOpStore struct{}

// NewNoOpStore creates a store that drops everything.
func NewNoOpStore() Store { return &noOpStore{} }

func (noOpStore) Put(Sample)                   {}
func (noOpStore) Latest(string) (Sample, bool) { return Sample{}, false }
func (noOpStore) Snapshot() []Sample           { return nil }
func (noOpStore) Delete(string)                {}
func (noOpStore) Clear()                       {}
func (noOpStore) Stats() Stats                 { return Stats{} }
