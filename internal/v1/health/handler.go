// Package health exposes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
)

// Pinger is the dependency a readiness check verifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the probe endpoints.
type Handler struct {
	store Pinger
}

// NewHandler creates the probe handler. store is the room-config store.
func NewHandler(store Pinger) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes wires the probes into the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness reports whether the room-config store is reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logging.Warn(ctx, "Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "store unreachable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
