// Package websocket bridges the event bus to browser and CLI clients.
// Each connection subscribes to execution or workflow subjects; execution
// subscriptions replay the persisted trajectory before going live, so a
// client attaching mid-run sees the whole stream.
package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/events/bus"
	"github.com/grovekit/grove/internal/project"
)

// Hub tracks the open connections and owns the upgrade path.
type Hub struct {
	registry *project.Registry
	bus      bus.EventBus
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.Mutex
	clients map[*Client]bool
	closed  bool
}

// NewHub creates the hub.
func NewHub(registry *project.Registry, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		registry: registry,
		bus:      eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon is a local tool; cross-origin browsers are
			// allowed the same as curl is.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.WithFields(zap.String("component", "ws-hub")),
		clients: make(map[*Client]bool),
	}
}

// Run blocks until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	open := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		open = append(open, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range open {
		c.close()
	}
}

// ServeWS upgrades the request and starts the client pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h, h.log)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()
	h.log.Debug("client connected", zap.String("client_id", client.id))

	go client.writePump()
	go client.readPump(c.Request.Context())
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.log.Debug("client disconnected", zap.String("client_id", c.id))
}
