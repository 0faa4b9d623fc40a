// Package redispool owns the process-wide Redis connection used by every
// fabric component. The pool is lazy: the underlying client is created on
// first acquisition, verified with a ping, and reused afterwards.
//
// The pool is an explicit dependency passed into components at construction
// time rather than a package-level singleton, which keeps it easy to stub in
// tests.
package redispool

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nooble4/fabric/config"
)

// Pool lazily builds and hands out a shared go-redis client. Safe for
// concurrent use by multiple goroutines.
type Pool struct {
	settings config.StoreSettings

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

// New constructs a pool from store settings. No connection is made until
// Acquire is called.
func New(settings config.StoreSettings) *Pool {
	return &Pool{settings: settings}
}

// Acquire returns the shared client, creating and ping-verifying it on first
// call. A ping failure is returned to the caller so service startup can fail
// fast.
func (p *Pool) Acquire(ctx context.Context) (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("redis pool is closed")
	}
	if p.client != nil {
		return p.client, nil
	}
	opts, err := redis.ParseURL(p.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if p.settings.MaxConnections > 0 {
		opts.PoolSize = p.settings.MaxConnections
	}
	if p.settings.SocketConnectTimeout > 0 {
		opts.DialTimeout = p.settings.SocketConnectTimeout
	}
	if p.settings.HealthCheckInterval > 0 {
		opts.ConnMaxIdleTime = p.settings.HealthCheckInterval
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	p.client = client
	return p.client, nil
}

// Close releases the underlying client. Subsequent Acquire calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	if err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// WithClient wraps an existing client (e.g. one backed by miniredis in tests)
// in a Pool so components that take a *Pool can run against it.
func WithClient(client *redis.Client) *Pool {
	return &Pool{client: client}
}
