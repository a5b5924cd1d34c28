// Package store persists per-room configuration so a room can be rehydrated
// after its last socket closes and a later joiner revives it.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no configuration has been recorded for a room.
var ErrNotFound = errors.New("store: room config not found")

const (
	// DefaultMaxConcurrent is used when room creation does not specify a ceiling.
	DefaultMaxConcurrent = 3
	// MinMaxConcurrent and MaxMaxConcurrent bound the concurrency ceiling.
	MinMaxConcurrent = 1
	MaxMaxConcurrent = 10
)

// RoomConfig is the immutable per-room configuration. It is recorded when the
// room is created and never mutated afterwards.
type RoomConfig struct {
	MaxConcurrent int    `json:"maxConcurrent"`
	CreatorCid    string `json:"creatorCid,omitempty"`
}

// DefaultConfig returns the configuration applied to rooms that were never
// explicitly created (e.g. a receiver guessing a room URL).
func DefaultConfig() *RoomConfig {
	return &RoomConfig{MaxConcurrent: DefaultMaxConcurrent}
}

// ClampMaxConcurrent normalises a requested ceiling into [1,10], substituting
// the default for non-positive garbage.
func ClampMaxConcurrent(v int) int {
	if v == 0 {
		return DefaultMaxConcurrent
	}
	if v < MinMaxConcurrent {
		return MinMaxConcurrent
	}
	if v > MaxMaxConcurrent {
		return MaxMaxConcurrent
	}
	return v
}

// RoomStore persists room configuration. SaveConfig is write-once: the first
// write wins and later writes are ignored, which keeps the config immutable
// across room revivals.
type RoomStore interface {
	SaveConfig(ctx context.Context, roomID string, cfg *RoomConfig) error
	LoadConfig(ctx context.Context, roomID string) (*RoomConfig, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is the single-instance implementation backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]RoomConfig
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]RoomConfig)}
}

// SaveConfig records the config unless one already exists for the room.
func (s *MemoryStore) SaveConfig(_ context.Context, roomID string, cfg *RoomConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[roomID]; ok {
		return nil
	}
	s.configs[roomID] = *cfg
	return nil
}

// LoadConfig returns the recorded config, or ErrNotFound.
func (s *MemoryStore) LoadConfig(_ context.Context, roomID string) (*RoomConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cfg
	return &out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
