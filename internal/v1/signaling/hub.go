package signaling

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/metrics"
	"github.com/pairlane/pairlane/internal/v1/ratelimit"
	"github.com/pairlane/pairlane/internal/v1/roomid"
	"github.com/pairlane/pairlane/internal/v1/store"
)

// Hub is the rendezvous router: it owns the registry of live rooms and hands
// each WebSocket upgrade to the right room singleton.
type Hub struct {
	rooms               map[string]*Room
	mu                  sync.Mutex
	pendingRoomCleanups map[string]*time.Timer
	cleanupGracePeriod  time.Duration

	store          store.RoomStore
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewHub creates a Hub. allowedOrigins is a comma-separated list; empty or
// "*" allows any origin.
func NewHub(st store.RoomStore, rl *ratelimit.RateLimiter, allowedOrigins string) *Hub {
	h := &Hub{
		rooms:               make(map[string]*Room),
		pendingRoomCleanups: make(map[string]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
		store:               st,
		rateLimiter:         rl,
	}
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			h.allowedOrigins = append(h.allowedOrigins, o)
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWs validates and upgrades `GET /ws/:roomId?cid=…`, then attaches the
// socket to its room.
func (h *Hub) ServeWs(c *gin.Context) {
	roomID := c.Param("roomId")
	if !roomid.Valid(roomID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown room"})
		return
	}

	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
		return
	}

	if !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	cid := c.Query("cid")
	if cid == "" {
		cid = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	room := h.getOrCreateRoom(roomID)
	client := newClient(conn, room, cid)

	metrics.IncConnection()
	room.HandleClientConnect(client)

	go client.writePump()
	go client.readPump()
}

// getOrCreateRoom retrieves the room singleton, reviving a pending-cleanup
// room when a client returns inside the grace period.
func (h *Hub) getOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingRoomCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection", zap.String("roomId", roomID))
		}
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("roomId", roomID))
	r := NewRoom(roomID, h.store, h.removeRoom)
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	return r
}

// removeRoom schedules deletion of an empty room after the grace period. The
// delay lets a reloading page reclaim its room without losing the config.
func (h *Hub) removeRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.pendingRoomCleanups, roomID)
		r, ok := h.rooms[roomID]
		if !ok || !r.IsEmpty() {
			return
		}

		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
		metrics.WaitingReceivers.DeleteLabelValues(roomID)
		metrics.ActiveReceivers.DeleteLabelValues(roomID)
		logging.Info(context.Background(), "Removed room from hub after grace period", zap.String("roomId", roomID))
	})
	h.pendingRoomCleanups[roomID] = timer
}

// Shutdown closes every room's sockets and cancels pending cleanups.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active rooms...")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.CloseRoom("Server shutting down")
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
