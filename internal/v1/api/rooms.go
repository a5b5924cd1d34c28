// Package api implements the HTTP admission surface: room creation and the
// room shell. File bytes never pass through here; the API only mints rooms
// and hands sockets to the signalling hub.
package api

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/ratelimit"
	"github.com/pairlane/pairlane/internal/v1/roomid"
	"github.com/pairlane/pairlane/internal/v1/signaling"
	"github.com/pairlane/pairlane/internal/v1/store"
)

// Handler serves the room admission endpoints.
type Handler struct {
	store       store.RoomStore
	hub         *signaling.Hub
	limiter     *ratelimit.RateLimiter
	stunServers []string
}

// NewHandler creates the admission handler.
func NewHandler(st store.RoomStore, hub *signaling.Hub, limiter *ratelimit.RateLimiter, stunServers []string) *Handler {
	return &Handler{store: st, hub: hub, limiter: limiter, stunServers: stunServers}
}

// RegisterRoutes wires the admission surface into the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/rooms", h.limiter.RoomsMiddleware(), h.CreateRoom)
	router.GET("/r/:roomId", h.RoomShell)
	router.GET("/ws/:roomId", h.hub.ServeWs)
}

// createRoomRequest accepts fractional maxConcurrent values; they are floored
// before clamping. A malformed body falls back to defaults.
type createRoomRequest struct {
	MaxConcurrent float64 `json:"maxConcurrent"`
	CreatorCid    string  `json:"creatorCid"`
}

// CreateRoom mints a room id and records its configuration.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = createRoomRequest{}
	}

	cfg := &store.RoomConfig{
		MaxConcurrent: store.ClampMaxConcurrent(int(math.Floor(req.MaxConcurrent))),
		CreatorCid:    req.CreatorCid,
	}

	id, err := roomid.New()
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to mint room id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	if err := h.store.SaveConfig(c.Request.Context(), id, cfg); err != nil {
		logging.Error(c.Request.Context(), "Failed to persist room config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	logging.Info(c.Request.Context(), "Room created",
		zap.String("roomId", id), zap.Int("maxConcurrent", cfg.MaxConcurrent))

	c.JSON(http.StatusOK, gin.H{"roomId": id})
}

// RoomShell returns the data the room page needs to render. Unknown rooms get
// a fresh default config rather than an error, so a guessed or expired link
// still lands on a working page.
func (h *Handler) RoomShell(c *gin.Context) {
	id := c.Param("roomId")
	if !roomid.Valid(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown room"})
		return
	}

	cfg, err := h.store.LoadConfig(c.Request.Context(), id)
	if err != nil {
		if err != store.ErrNotFound {
			logging.Warn(c.Request.Context(), "Failed to load room config for shell", zap.Error(err))
		}
		cfg = store.DefaultConfig()
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":        id,
		"maxConcurrent": store.ClampMaxConcurrent(cfg.MaxConcurrent),
		"stunServers":   h.stunServers,
	})
}
