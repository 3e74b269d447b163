package handlers

import (
	"net/http"
	"time"

	"example.com/backstage/services/fleet/internal/broadcast"
	"example.com/backstage/services/fleet/internal/cache"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StreamHandler upgrades live-view clients to websockets fed from the
// broadcast hub. A client that cannot drain its buffer misses updates; the
// next update supersedes anything dropped.
type StreamHandler struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new websocket stream handler
func NewStreamHandler(hub *broadcast.Hub) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens upstream, cross-origin dashboards are expected
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleFleetStream streams every vehicle update for a tenant
func (h *StreamHandler) HandleFleetStream(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenantId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}
	h.serve(c, cache.TopicFleet(tenantID))
}

// HandleVehicleStream streams updates for a single vehicle
func (h *StreamHandler) HandleVehicleStream(c *gin.Context) {
	vehicleID, err := uuid.Parse(c.Param("vehicleId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
		return
	}
	h.serve(c, cache.TopicVehicle(vehicleID))
}

func (h *StreamHandler) serve(c *gin.Context, topic string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe(topic)
	defer h.hub.Unsubscribe(sub)
	defer conn.Close()

	log.Info().Str("topic", topic).Msg("Websocket subscriber connected")

	// Reader goroutine only services control frames and detects close
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-sub.Ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

// RegisterRoutes registers the handler's routes
func (h *StreamHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/fleet/:tenantId", h.HandleFleetStream)
	router.GET("/ws/vehicle/:vehicleId", h.HandleVehicleStream)
}
