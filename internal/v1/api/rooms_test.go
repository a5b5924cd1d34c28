package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlane/pairlane/internal/v1/config"
	"github.com/pairlane/pairlane/internal/v1/ratelimit"
	"github.com/pairlane/pairlane/internal/v1/roomid"
	"github.com/pairlane/pairlane/internal/v1/signaling"
	"github.com/pairlane/pairlane/internal/v1/store"
)

func newTestRouter(t *testing.T, roomsRate string) (*gin.Engine, store.RoomStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	rl, err := ratelimit.NewRateLimiter(&config.Config{
		RateLimitApiRooms: roomsRate,
		RateLimitWsIp:     "1000-M",
	}, nil)
	require.NoError(t, err)

	hub := signaling.NewHub(st, rl, "")
	h := NewHandler(st, hub, rl, []string{"stun:stun.cloudflare.com:3478"})

	router := gin.New()
	h.RegisterRoutes(router)
	return router, st
}

func createRoom(t *testing.T, router *gin.Engine, body string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, "/api/rooms", nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "203.0.113.9:1234"
	router.ServeHTTP(w, req)

	var resp struct {
		RoomID string `json:"roomId"`
	}
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp.RoomID
}

func TestCreateRoom_Defaults(t *testing.T) {
	router, st := newTestRouter(t, "1000-M")

	w, id := createRoom(t, router, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, roomid.Valid(id), "room id %q should match the alphabet", id)

	cfg, err := st.LoadConfig(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultMaxConcurrent, cfg.MaxConcurrent)
	assert.Empty(t, cfg.CreatorCid)
}

func TestCreateRoom_ClampsAndFloors(t *testing.T) {
	router, st := newTestRouter(t, "1000-M")

	tests := []struct {
		body string
		want int
	}{
		{`{"maxConcurrent": 5}`, 5},
		{`{"maxConcurrent": 5.9}`, 5},
		{`{"maxConcurrent": 99}`, 10},
		{`{"maxConcurrent": -3}`, 1},
		{`{"maxConcurrent": 0}`, store.DefaultMaxConcurrent},
		{`not json at all`, store.DefaultMaxConcurrent},
	}
	for _, tt := range tests {
		w, id := createRoom(t, router, tt.body)
		require.Equal(t, http.StatusOK, w.Code)
		cfg, err := st.LoadConfig(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, cfg.MaxConcurrent, "body %s", tt.body)
	}
}

func TestCreateRoom_RecordsCreatorCid(t *testing.T) {
	router, st := newTestRouter(t, "1000-M")

	w, id := createRoom(t, router, `{"maxConcurrent": 2, "creatorCid": "alice"}`)
	require.Equal(t, http.StatusOK, w.Code)

	cfg, err := st.LoadConfig(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.CreatorCid)
}

func TestCreateRoom_RateLimited(t *testing.T) {
	router, _ := newTestRouter(t, "5-M")

	successes, limited := 0, 0
	for i := 0; i < 100; i++ {
		w, _ := createRoom(t, router, "")
		switch w.Code {
		case http.StatusOK:
			successes++
		case http.StatusTooManyRequests:
			limited++
		}
	}

	assert.Equal(t, 5, successes)
	assert.Equal(t, 95, limited)
}

func TestRoomShell_KnownRoom(t *testing.T) {
	router, st := newTestRouter(t, "1000-M")
	require.NoError(t, st.SaveConfig(context.Background(), "BCDFGHJKLM", &store.RoomConfig{MaxConcurrent: 7}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/BCDFGHJKLM", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RoomID        string   `json:"roomId"`
		MaxConcurrent int      `json:"maxConcurrent"`
		StunServers   []string `json:"stunServers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "BCDFGHJKLM", resp.RoomID)
	assert.Equal(t, 7, resp.MaxConcurrent)
	assert.Equal(t, []string{"stun:stun.cloudflare.com:3478"}, resp.StunServers)
}

func TestRoomShell_UnknownRoomGetsDefaults(t *testing.T) {
	router, _ := newTestRouter(t, "1000-M")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/BCDFGHJKLM", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		MaxConcurrent int `json:"maxConcurrent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, store.DefaultMaxConcurrent, resp.MaxConcurrent)
}

func TestRoomShell_InvalidIDRejected(t *testing.T) {
	router, _ := newTestRouter(t, "1000-M")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/not-a-room", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
