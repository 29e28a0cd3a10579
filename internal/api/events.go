// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/labrig/labrig/internal/bus"
	"github.com/labrig/labrig/internal/log"
	"github.com/labrig/labrig/internal/metrics"
)

const (
	// clientSendBuffer is the per-client event backlog. A client that
	// falls further behind loses events rather than stalling the feed.
	clientSendBuffer = 16

	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = 25 * time.Second
)

// event is one envelope on the live feed.
type event struct {
	Topic string    `json:"topic"`
	TS    time.Time `json:"ts"`
	Data  any       `json:"data"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan event
	topics map[string]bool
}

func (c *wsClient) wants(topic string) bool {
	return len(c.topics) == 0 || c.topics[topic]
}

// hub fans bus events out to websocket clients. It owns the client set
// and every client's send channel; pumps only read from them.
type hub struct {
	bus     bus.Bus
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(b bus.Bus) *hub {
	return &hub{
		bus:     b,
		logger:  log.WithComponent("api.events"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Run pumps the three bus topics into connected clients until ctx ends.
func (h *hub) Run(ctx context.Context) {
	topics := []string{bus.TopicModuleStatus, bus.TopicDeviceEvents, bus.TopicSessionEvents}
	subs := make([]bus.Subscriber, 0, len(topics))
	for _, topic := range topics {
		sub, err := h.bus.Subscribe(ctx, topic)
		if err != nil {
			h.logger.Error().Err(err).Str("topic", topic).Msg("event feed subscription failed")
			continue
		}
		subs = append(subs, sub)
		go h.pump(ctx, topic, sub)
	}

	<-ctx.Done()
	for _, sub := range subs {
		_ = sub.Close()
	}
	h.closeAll()
}

func (h *hub) pump(ctx context.Context, topic string, sub bus.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(event{Topic: topic, TS: time.Now(), Data: msg})
		}
	}
}

func (h *hub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Topic) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			metrics.WSDropped.Inc()
		}
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSClients.Inc()
}

// remove detaches a client. Safe to call twice; only the call that
// finds the client in the set closes its channel.
func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		close(c.send)
		metrics.WSClients.Dec()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
		metrics.WSClients.Dec()
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     localOrigin,
}

// localOrigin admits non-browser clients (no Origin header) and pages
// served from this host. Anything else is a cross-site page poking at
// the loopback port.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// handleEvents upgrades to a websocket and streams bus events. The
// topics query parameter narrows the feed to a comma-separated subset.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan event, clientSendBuffer),
	}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		client.topics = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				client.topics[t] = true
			}
		}
	}

	s.hub.add(client)
	defer func() {
		s.hub.remove(client)
		_ = conn.Close()
	}()

	go writePump(client)

	// The read side only watches for the client going away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the client's send channel onto the wire and keeps
// the connection alive with pings. It exits when the channel closes.
func writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
