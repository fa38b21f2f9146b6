// Package hub keeps the registry of live websocket clients and pushes
// state and updates to them.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/practable/envmon/internal/models"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Push after Close
var ErrClosed = errors.New("hub closed")

// New returns a Hub ready to accept clients
func New(config Config, logger *log.Entry) *Hub {

	if config.Path == "" {
		config.Path = DefaultPath
	}

	if config.StateTimeout <= 0 {
		config.StateTimeout = 5 * time.Second
	}

	if config.Events == nil {
		config.Events = logger
	}

	return &Hub{
		mu:      &sync.RWMutex{},
		clients: make(map[*Client]bool),
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		closed: make(chan struct{}),
		log:    logger,
	}
}

// Path returns the path clients connect on
func (h *Hub) Path() string {
	return h.config.Path
}

// IsClosed returns true once Close has been called
func (h *Hub) IsClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Count returns the number of registered clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// snapshot returns a point-in-time copy of the registry
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// register adds c unless the hub has closed
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()

	if h.IsClosed() {
		h.mu.Unlock()
		return false
	}

	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.config.Events.Infof("Client %s connected. Total clients: %d", c.remoteAddr, n)

	return true
}

// remove takes c out of the registry and closes its connection; safe to
// call more than once
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.stop()

	if ok {
		h.config.Events.Infof("Client %s disconnected. Total clients: %d", c.remoteAddr, n)
	}
}

// Push sends m to every registered client. A client whose queue is full
// is removed; the others still get the message.
func (h *Hub) Push(m models.Message) error {

	if h.IsClosed() {
		return ErrClosed
	}

	data, err := m.Marshal()
	if err != nil {
		return err
	}

	for _, c := range h.snapshot() {
		select {
		case <-c.done:
		case c.send <- data:
		default:
			c.log.Warn("client not keeping up, removing")
			h.remove(c)
		}
	}

	return nil
}

// state reads the current snapshot from the configured source
func (h *Hub) state(ctx context.Context) (models.State, error) {

	if h.config.State == nil {
		return models.NewState(nil, nil), nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.StateTimeout)
	defer cancel()

	return h.config.State.GetState(ctx)
}

// Run pushes the full state every RefreshEvery until ctx is done or the
// hub is closed. It returns at once if RefreshEvery is not set.
func (h *Hub) Run(ctx context.Context) {

	if h.config.RefreshEvery <= 0 {
		return
	}

	ticker := time.NewTicker(h.config.RefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		case <-ticker.C:

			if h.Count() == 0 {
				continue
			}

			s, err := h.state(ctx)
			if err != nil {
				h.log.WithField("error", err.Error()).Error("refresh could not read state")
				continue
			}

			if err := h.Push(models.StateMessage(s)); err != nil && err != ErrClosed {
				h.log.WithField("error", err.Error()).Error("refresh push failed")
			}
		}
	}
}

// Close force-closes every client and stops accepting new ones
func (h *Hub) Close() {

	h.closeOnce.Do(func() {

		h.mu.Lock()
		close(h.closed)
		clients := h.clients
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()

		deadline := time.Now().Add(closeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")

		for c := range clients {
			// WriteControl may be called concurrently with the write pump
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			c.stop()
		}

		h.log.WithField("clients", len(clients)).Info("hub closed")
	})
}

// stop closes the connection once
func (c *Client) stop() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
