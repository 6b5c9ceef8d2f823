// Package websocket pushes monitor events to dashboard subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

// ErrBacklogFull is returned by Publish when the broadcast queue is saturated.
var ErrBacklogFull = errors.New("websocket backlog full, event dropped")

const (
	broadcastBacklog = 256
	snapshotSize     = 50
)

type message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Option func(*Hub)

// WithSnapshot sets the source of recent events sent to a client on connect.
func WithSnapshot(recent func(limit int) []data.Event) Option {
	return func(h *Hub) { h.recent = recent }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub maintains the set of active clients and broadcasts events to them.
// The client set is owned by the Run goroutine.
type Hub struct {
	upgrader websocket.Upgrader
	recent   func(limit int) []data.Event

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast:  make(chan []byte, broadcastBacklog),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	clients := make(map[*Client]bool)
	drop := func(c *Client) {
		if clients[c] {
			delete(clients, c)
			close(c.send)
			h.count.Store(int64(len(clients)))
		}
	}
	defer func() {
		close(h.done)
		for c := range clients {
			drop(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			clients[c] = true
			h.count.Store(int64(len(clients)))
			slog.Info("websocket client registered", "remote", c.conn.RemoteAddr().String(), "clients", len(clients))
		case c := <-h.unregister:
			drop(c)
			slog.Info("websocket client unregistered", "remote", c.conn.RemoteAddr().String())
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("websocket client send buffer full, removing", "remote", c.conn.RemoteAddr().String())
					drop(c)
				}
			}
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int { return int(h.count.Load()) }

func (h *Hub) Name() string { return "websocket" }

// Publish queues ev for every subscriber without blocking.
func (h *Hub) Publish(_ context.Context, ev data.Event) error {
	b, err := json.Marshal(message{Type: "event", Payload: ev})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- b:
		return nil
	default:
		return ErrBacklogFull
	}
}

// ServeHTTP upgrades the request and attaches a new subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}

	if h.recent != nil {
		if b, err := json.Marshal(message{Type: "snapshot", Payload: h.recent(snapshotSize)}); err == nil {
			c.send <- b
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
