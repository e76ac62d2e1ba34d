package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sync-document-engine", cfg.AppName)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, "doc:", cfg.Redis.TopicPrefix)
	assert.Equal(t, "sync-documents", cfg.Object.Bucket)
	assert.Equal(t, 30*time.Second, cfg.WS.HeartbeatInterval)
	assert.Equal(t, 64, cfg.WS.SendBuffer)
	assert.Nil(t, cfg.WS.AllowedOrigins)
	assert.Equal(t, int64(500), cfg.Snapshot.WALThreshold)
	assert.Equal(t, 256, cfg.Snapshot.ObjectThreshold)
	assert.Equal(t, 45*time.Second, cfg.Presence.TTL)
	assert.Equal(t, "presence:doc:", cfg.Presence.Prefix)
	assert.NotEmpty(t, cfg.SiteID)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SITE_ID", "edge-1")
	t.Setenv("POSTGRES_MAX_CONNS", "8")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OBJECT_USE_SSL", "true")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("PRESENCE_TTL", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.SiteID)
	assert.Equal(t, int32(8), cfg.Postgres.MaxConns)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.True(t, cfg.Object.UseSSL)
	assert.Equal(t, 5*time.Second, cfg.WS.HeartbeatInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WS.AllowedOrigins)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.Equal(t, time.Minute, cfg.Presence.TTL)
}

func TestLoadReportsEveryBadValue(t *testing.T) {
	t.Setenv("SNAPSHOT_INTERVAL", "not-a-duration")
	t.Setenv("REDIS_DB", "three")
	t.Setenv("WS_SEND_BUFFER", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SNAPSHOT_INTERVAL")
	assert.Contains(t, err.Error(), "REDIS_DB")
	assert.Contains(t, err.Error(), "WS_SEND_BUFFER must be positive")
}

func TestLoadRejectsSampleRatioOutOfRange(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "2")
	_, err := Load()
	assert.Error(t, err)
}
