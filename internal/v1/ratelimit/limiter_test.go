package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlane/pairlane/internal/v1/config"
)

func newTestLimiter(t *testing.T, roomsRate, wsRate string) *RateLimiter {
	t.Helper()
	cfg := &config.Config{
		RateLimitApiRooms: roomsRate,
		RateLimitWsIp:     wsRate,
	}
	rl, err := NewRateLimiter(cfg, nil)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := &config.Config{RateLimitApiRooms: "bogus", RateLimitWsIp: "60-M"}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestRoomsMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "2-M", "60-M")

	r := gin.New()
	r.POST("/api/rooms", rl.RoomsMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rooms", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)

	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRoomsMiddleware_SeparateIPs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "1-M", "60-M")

	r := gin.New()
	r.POST("/api/rooms", rl.RoomsMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/rooms", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("203.0.113.9:1234"))
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.9:5678"))
	// A different IP has its own bucket.
	assert.Equal(t, http.StatusOK, do("198.51.100.4:1234"))
}

func TestCheckWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t, "30-M", "1-M")

	do := func() (bool, int) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/BCDFGHJKLM", nil)
		c.Request.RemoteAddr = "203.0.113.9:1234"
		ok := rl.CheckWebSocket(c)
		return ok, w.Code
	}

	ok, _ := do()
	assert.True(t, ok)

	ok, code := do()
	assert.False(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, code)
}
