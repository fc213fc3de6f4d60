// Package hub fans encoded feed messages out to subscribers with bounded
// per-client buffers.
package hub

import (
	"sync"

	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

type Client struct {
	Out       chan []byte
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound buffer of n messages (min 1).
func NewClient(n int) *Client {
	if n < 1 {
		n = 1
	}
	return &Client{Out: make(chan []byte, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 16} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetFeedClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("feed_first_client")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetFeedClients(cur)
	if existed && cur == 0 {
		logging.L().Info("feed_last_client_gone")
	}
}

// Broadcast queues msg for every client honoring the backpressure policy.
// msg is shared between clients and must not be modified afterwards.
func (h *Hub) Broadcast(msg []byte) {
	for _, c := range h.Snapshot() {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- msg:
		default:
			if h.Policy == PolicyKick {
				metrics.IncFeedKick()
				c.Close() // writer exits; the server removes it on disconnect
			} else {
				metrics.IncFeedDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
