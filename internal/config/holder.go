// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/log"
)

// Holder provides thread-safe access to the live master configuration and
// reloads it when the config file changes on disk.
type Holder struct {
	mu       sync.RWMutex
	current  Options
	path     string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger

	listeners []chan<- Options
}

// NewHolder creates a holder seeded with the configuration loaded from path.
func NewHolder(path string) (*Holder, error) {
	opts, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Holder{
		current: opts,
		path:    path,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("config"),
	}, nil
}

// Get returns the current configuration.
func (h *Holder) Get() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the config file. On failure the previous configuration
// stays active.
func (h *Holder) Reload() error {
	opts, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldConfigPath, h.path).
			Msg("config reload failed, keeping previous configuration")
		return err
	}

	h.mu.Lock()
	h.current = opts
	h.mu.Unlock()

	h.logger.Info().Str(log.FieldConfigPath, h.path).Msg("configuration reloaded")
	h.notifyListeners(opts)
	return nil
}

// RegisterListener registers a channel to receive each successfully
// reloaded configuration. Sends are non-blocking; a full channel misses
// that update.
func (h *Holder) RegisterListener(ch chan<- Options) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(opts Options) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- opts:
		default:
			h.logger.Warn().Msg("config listener channel full, skipping update")
		}
	}
}

// StartWatcher begins watching the config file for changes. Rapid event
// bursts are debounced before triggering a reload.
func (h *Holder) StartWatcher() error {
	if h.path == "" {
		return fmt.Errorf("no config path to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	h.watcher = watcher

	go h.watchLoop()
	h.logger.Info().Str(log.FieldConfigPath, h.path).Msg("config file watcher started")
	return nil
}

func (h *Holder) watchLoop() {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := h.Reload(); err == nil {
					h.logger.Debug().Str(log.FieldConfigPath, h.path).
						Msg("config change applied")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		case <-h.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Stop terminates the watcher.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}
