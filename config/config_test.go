package config

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NOOBLE_SERVICE", "query")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "query", s.ServiceName)
	require.Equal(t, "dev", s.Environment)
	require.Equal(t, "nooble4", s.Prefix)
	require.Equal(t, "redis://localhost:6379", s.Store.URL)
	require.Equal(t, 10, s.Store.MaxConnections)
	require.Equal(t, "query_group", s.Worker.ConsumerGroup)
	require.Equal(t, 5*time.Second, s.Worker.BlockTimeout)
	require.Equal(t, 30*time.Second, s.Worker.IdleClaim)
	require.Equal(t, 10*time.Second, s.Worker.GraceShutdown)
	require.Equal(t, int64(3), s.Worker.MaxDeliveries)
	require.Equal(t, 30*time.Second, s.Transport.DefaultPseudoSyncTimeout)
	require.Equal(t, time.Minute, s.Transport.ReplyTTL)
	require.True(t, s.Tier.UsageTrackingEnabled)
	require.Empty(t, s.Tier.LimitsFile)

	host, _ := os.Hostname()
	require.Equal(t, fmt.Sprintf("%s-%d", host, os.Getpid()), s.Worker.ConsumerID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NOOBLE_SERVICE", "ingestion")
	t.Setenv("NOOBLE_ENV", "prod")
	t.Setenv("NOOBLE_PREFIX", "acme")
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	t.Setenv("REDIS_MAX_CONNECTIONS", "50")
	t.Setenv("WORKER_CONSUMER_GROUP", "ingestion_pool")
	t.Setenv("WORKER_CONSUMER_ID", "node-7")
	t.Setenv("WORKER_BLOCK_TIMEOUT", "2s")
	t.Setenv("WORKER_MAX_DELIVERIES", "5")
	t.Setenv("TRANSPORT_PSEUDO_SYNC_TIMEOUT", "1m")
	t.Setenv("TIER_USAGE_TRACKING", "false")
	t.Setenv("TIER_LIMITS_FILE", "/etc/nooble4/limits.yaml")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "prod", s.Environment)
	require.Equal(t, "acme", s.Prefix)
	require.Equal(t, "redis://cache:6380/2", s.Store.URL)
	require.Equal(t, 50, s.Store.MaxConnections)
	require.Equal(t, "ingestion_pool", s.Worker.ConsumerGroup)
	require.Equal(t, "node-7", s.Worker.ConsumerID)
	require.Equal(t, 2*time.Second, s.Worker.BlockTimeout)
	require.Equal(t, int64(5), s.Worker.MaxDeliveries)
	require.Equal(t, time.Minute, s.Transport.DefaultPseudoSyncTimeout)
	require.False(t, s.Tier.UsageTrackingEnabled)
	require.Equal(t, "/etc/nooble4/limits.yaml", s.Tier.LimitsFile)
}

func TestLoadRequiresServiceName(t *testing.T) {
	t.Setenv("NOOBLE_SERVICE", "")
	_, err := Load()
	require.Error(t, err)
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("NOOBLE_SERVICE", "query")
	t.Setenv("REDIS_MAX_CONNECTIONS", "many")
	t.Setenv("WORKER_BLOCK_TIMEOUT", "soonish")
	t.Setenv("TIER_USAGE_TRACKING", "maybe")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10, s.Store.MaxConnections)
	require.Equal(t, 5*time.Second, s.Worker.BlockTimeout)
	require.True(t, s.Tier.UsageTrackingEnabled)
}

func TestValidate(t *testing.T) {
	s := Settings{ServiceName: "query", Store: StoreSettings{URL: "redis://localhost:6379"}}
	require.NoError(t, s.Validate())

	s.Store.URL = ""
	require.Error(t, s.Validate())
	s = Settings{Store: StoreSettings{URL: "redis://localhost:6379"}}
	require.Error(t, s.Validate())
}
