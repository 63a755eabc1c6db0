// Package live fans call events out to connected operator dashboards.
package live

import (
	"context"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/websocket"

	"github.com/covecare/callops/internal/events"
	"github.com/covecare/callops/pkg/logging"
)

// clientBuffer bounds how far a slow dashboard may fall behind before frames
// are dropped for it. Dashboards render current state, not history, so a
// dropped frame is corrected by the next one.
const clientBuffer = 16

// Hub relays the Redis call-event channel to websocket clients. It is a pure
// consumer: nothing a dashboard sends changes call state.
type Hub struct {
	rdb    *redis.Client
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	send chan []byte
}

// NewHub builds a hub over the given Redis client.
func NewHub(rdb *redis.Client, logger *logging.Logger) *Hub {
	if rdb == nil {
		panic("live: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		rdb:     rdb,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Run subscribes to the call-event channel and broadcasts until the context
// is cancelled or the subscription closes.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := events.Subscribe(ctx, h.rdb)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow client; drop the frame rather than stall the fan-out.
		}
	}
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams event frames.
// GET /ws/calls
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(h.serve).ServeHTTP(w, r)
}

func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	h.logger.Info("live: dashboard connected", "clients", h.ClientCount())

	// Read loop only detects disconnection; inbound frames are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			h.logger.Debug("live: dashboard disconnected")
			return
		case frame := <-c.send:
			if err := websocket.Message.Send(conn, string(frame)); err != nil {
				h.logger.Debug("live: send failed, dropping client", "error", err)
				return
			}
		}
	}
}
