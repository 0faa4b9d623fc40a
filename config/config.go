// Package config loads the per-service settings every fabric component is
// constructed from. Settings come from environment variables with defaults;
// services that prefer another source can populate Settings directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Settings is the full configuration surface of a service built on the
	// fabric.
	Settings struct {
		// Environment isolates deployments; it is a segment of every name.
		Environment string
		// ServiceName is used as origin service in envelopes and in names.
		ServiceName string
		// Prefix namespaces every key; defaults to "nooble4".
		Prefix string

		Store     StoreSettings
		Worker    WorkerSettings
		Transport TransportSettings
		Tier      TierSettings
	}

	// StoreSettings tunes the shared key-value store connection pool.
	StoreSettings struct {
		// URL is the Redis connection string (redis://host:port/db).
		URL string
		// MaxConnections caps the pool size.
		MaxConnections int
		// SocketConnectTimeout bounds dialing.
		SocketConnectTimeout time.Duration
		// HealthCheckInterval is the idle-connection liveness period.
		HealthCheckInterval time.Duration
	}

	// WorkerSettings tunes the stream worker runtime.
	WorkerSettings struct {
		// StreamContext is an optional extra routing segment (e.g. per-tenant).
		StreamContext string
		// ConsumerGroup names the group; defaults to "{service}_group".
		ConsumerGroup string
		// ConsumerID is unique per process; defaults to hostname+pid.
		ConsumerID string
		// BlockTimeout is the stream read block duration.
		BlockTimeout time.Duration
		// IdleClaim is the pending-entry idle threshold before another
		// consumer may claim it.
		IdleClaim time.Duration
		// GraceShutdown is the drain budget after a shutdown signal.
		GraceShutdown time.Duration
		// MaxDeliveries is the delivery count beyond which an entry is moved
		// to the dead-letter stream.
		MaxDeliveries int64
		// PendingWarn is the pending-list size above which the worker warns.
		PendingWarn int64
	}

	// TransportSettings tunes the transport client.
	TransportSettings struct {
		// DefaultPseudoSyncTimeout applies when a caller passes no timeout.
		DefaultPseudoSyncTimeout time.Duration
		// ReplyTTL is the expiry set on reply and callback queues so abandoned
		// queues reap themselves.
		ReplyTTL time.Duration
	}

	// TierSettings tunes the tier engine.
	TierSettings struct {
		// UsageTrackingEnabled is the master switch for downstream accounting.
		UsageTrackingEnabled bool
		// LimitsFile optionally points at a YAML limit table; empty means the
		// built-in defaults.
		LimitsFile string
	}
)

// Load reads settings from the environment. NOOBLE_SERVICE is required;
// everything else has a default.
func Load() (Settings, error) {
	s := Settings{
		Environment: envOr("NOOBLE_ENV", "dev"),
		ServiceName: os.Getenv("NOOBLE_SERVICE"),
		Prefix:      envOr("NOOBLE_PREFIX", "nooble4"),
		Store: StoreSettings{
			URL:                  envOr("REDIS_URL", "redis://localhost:6379"),
			MaxConnections:       envIntOr("REDIS_MAX_CONNECTIONS", 10),
			SocketConnectTimeout: envDurationOr("REDIS_CONNECT_TIMEOUT", 5*time.Second),
			HealthCheckInterval:  envDurationOr("REDIS_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Worker: WorkerSettings{
			StreamContext: os.Getenv("WORKER_STREAM_CONTEXT"),
			ConsumerGroup: os.Getenv("WORKER_CONSUMER_GROUP"),
			ConsumerID:    os.Getenv("WORKER_CONSUMER_ID"),
			BlockTimeout:  envDurationOr("WORKER_BLOCK_TIMEOUT", 5*time.Second),
			IdleClaim:     envDurationOr("WORKER_IDLE_CLAIM", 30*time.Second),
			GraceShutdown: envDurationOr("WORKER_GRACE_SHUTDOWN", 10*time.Second),
			MaxDeliveries: int64(envIntOr("WORKER_MAX_DELIVERIES", 3)),
			PendingWarn:   int64(envIntOr("WORKER_PENDING_WARN", 1000)),
		},
		Transport: TransportSettings{
			DefaultPseudoSyncTimeout: envDurationOr("TRANSPORT_PSEUDO_SYNC_TIMEOUT", 30*time.Second),
			ReplyTTL:                 envDurationOr("TRANSPORT_REPLY_TTL", time.Minute),
		},
		Tier: TierSettings{
			UsageTrackingEnabled: envBoolOr("TIER_USAGE_TRACKING", true),
			LimitsFile:           os.Getenv("TIER_LIMITS_FILE"),
		},
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// applyDefaults fills the fields whose defaults derive from other fields.
func (s *Settings) applyDefaults() {
	if s.Prefix == "" {
		s.Prefix = "nooble4"
	}
	if s.Environment == "" {
		s.Environment = "dev"
	}
	if s.Worker.ConsumerGroup == "" && s.ServiceName != "" {
		s.Worker.ConsumerGroup = s.ServiceName + "_group"
	}
	if s.Worker.ConsumerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		s.Worker.ConsumerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// Validate checks the settings a service cannot run without.
func (s *Settings) Validate() error {
	if s.ServiceName == "" {
		return errors.New("service name is required (NOOBLE_SERVICE)")
	}
	if s.Store.URL == "" {
		return errors.New("store URL is required (REDIS_URL)")
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
