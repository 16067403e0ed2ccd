package presence

import (
	"context"
	"fmt"
	"sync/atomic"

	"cdr.dev/slog/v3"

	"github.com/npezzotti/go-timeclock/internal/stats"
	"github.com/npezzotti/go-timeclock/internal/types"
)

// Hub fans timer and room events out to every connected subscriber. All
// client bookkeeping happens on the Run goroutine.
type Hub struct {
	log        slog.Logger
	stats      stats.StatsProvider
	clients    map[*Client]struct{}
	count      atomic.Int64
	register   chan *Client
	unregister chan *Client
	broadcast  chan *ServerMessage
	stop       chan struct{}
	done       chan struct{}
}

func NewHub(logger slog.Logger, su stats.StatsProvider) *Hub {
	su.RegisterMetric(stats.PresenceClients)

	return &Hub{
		log:        logger,
		stats:      su,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	ctx := context.Background()
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.stats.Incr(stats.PresenceClients)
			h.log.Debug(ctx, "client connected", slog.F("user_id", c.userId))
		case c := <-h.unregister:
			h.removeClient(c)
		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.queueMessage(msg) {
					h.log.Warn(ctx, "dropping slow client", slog.F("user_id", c.userId))
					h.removeClient(c)
				}
			}
		case <-h.stop:
			h.log.Info(ctx, "shutting down presence hub", slog.F("clients", len(h.clients)))
			for c := range h.clients {
				h.removeClient(c)
			}
			return
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	h.count.Add(-1)
	h.stats.Decr(stats.PresenceClients)
	c.stopClient()
	h.log.Debug(context.Background(), "client disconnected", slog.F("user_id", c.userId))
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish queues an event for every subscriber without blocking. Events
// are dropped when the hub is backed up.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.broadcast <- EventMessage(ev):
	default:
		h.log.Warn(context.Background(), "presence broadcast full, dropping event", slog.F("type", ev.Type))
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case h.stop <- struct{}{}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop presence hub: %w", ctx.Err())
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for presence hub: %w", ctx.Err())
	}
}
