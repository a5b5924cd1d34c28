package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_RequiresPort(t *testing.T) {
	t.Setenv("PORT", "")
	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestValidateEnv_RejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := ValidateEnv()
	assert.Error(t, err)

	t.Setenv("PORT", "70000")
	_, err = ValidateEnv()
	assert.Error(t, err)
}

func TestValidateEnv_Defaults(t *testing.T) {
	t.Setenv("PORT", "8080")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, []string{"stun:stun.cloudflare.com:3478"}, cfg.StunServers)
	assert.Equal(t, "30-M", cfg.RateLimitApiRooms)
	assert.Equal(t, "60-M", cfg.RateLimitWsIp)
}

func TestValidateEnv_RedisAddrValidation(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "no-port-here")

	_, err := ValidateEnv()
	assert.Error(t, err)

	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
}

func TestValidateEnv_StunServerList(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STUN_SERVERS", "stun:a.example:3478, stun:b.example:3478 ,")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.StunServers)
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:0"))
	assert.False(t, isValidHostPort("host:port"))
}
