package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/metrics"
)

// configTTL bounds how long an idle room's configuration survives. Rooms are
// short-lived rendezvous points, not durable resources.
const configTTL = 24 * time.Hour

// RedisStore is the distributed RoomStore. All calls run through a circuit
// breaker; when the breaker is open the store degrades gracefully (saves are
// dropped, loads report ErrNotFound) so rooms keep working on defaults.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "room-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis room store", zap.String("addr", addr))
	return &RedisStore{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func configKey(roomID string) string {
	return fmt.Sprintf("pairlane:room:%s:config", roomID)
}

// SaveConfig records the config with SETNX semantics: the first write wins.
func (s *RedisStore) SaveConfig(ctx context.Context, roomID string, cfg *RoomConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal room config: %w", err)
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SetNX(ctx, configKey(roomID), data, configTTL).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Room store circuit breaker open: dropping config save", zap.String("roomId", roomID))
			return nil
		}
		return fmt.Errorf("failed to save room config: %w", err)
	}
	return nil
}

// LoadConfig returns the recorded config, or ErrNotFound when the room was
// never created or the key expired.
func (s *RedisStore) LoadConfig(ctx context.Context, roomID string) (*RoomConfig, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, configKey(roomID)).Bytes()
	})
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Room store circuit breaker open: treating config as absent", zap.String("roomId", roomID))
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load room config: %w", err)
	}

	var cfg RoomConfig
	if err := json.Unmarshal(res.([]byte), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room config: %w", err)
	}
	return &cfg, nil
}

// Ping checks Redis connectivity. Used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
