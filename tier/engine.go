package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
)

type (
	// Options configures an Engine.
	Options struct {
		// Pool is the shared Redis pool backing usage counters. Required.
		Pool *redispool.Pool
		// Namer derives usage counter keys.
		Namer names.Namer
		// Limits is the limit table; nil uses DefaultLimits.
		Limits Limits
		// UsageTrackingEnabled is the master switch for downstream
		// accounting. Validation always runs.
		UsageTrackingEnabled bool
		// Now overrides the clock, for tests. Defaults to time.Now.
		Now func() time.Time
	}

	// Engine validates tier limits upstream and records usage downstream.
	// Validation outcome is a pure function of the static limit table and the
	// current usage counter value: two concurrent validates with the same
	// inputs return the same outcome.
	Engine struct {
		pool    *redispool.Pool
		namer   names.Namer
		limits  Limits
		enabled bool
		now     func() time.Time
	}
)

// NewEngine constructs a tier engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Pool == nil {
		return nil, errors.New("redis pool is required")
	}
	limits := opts.Limits
	if limits == nil {
		limits = DefaultLimits()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	namer := opts.Namer
	if namer.IsZero() {
		namer = names.New("", "")
	}
	return &Engine{
		pool:    opts.Pool,
		namer:   namer,
		limits:  limits,
		enabled: opts.UsageTrackingEnabled,
		now:     now,
	}, nil
}

// Validate checks one resource for a tenant before work is dispatched.
//
//   - Quota resources compare current usage plus the requested amount (1 when
//     requested is nil) against the quota.
//   - Allow-list resources check membership of the requested string; "*" in
//     the table allows anything.
//   - Capability resources check the flag.
//
// A resource absent from the tier's row is unrestricted. Failure returns a
// *LimitExceededError; anything else (unknown resource, counter read failure)
// is a plain error.
func (e *Engine) Validate(ctx context.Context, tenantID string, tier Tier, resource Resource, requested any) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	m, ok := resourceMeta[resource]
	if !ok {
		return fmt.Errorf("unknown resource %q", resource)
	}
	row, ok := e.limits[tier]
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	limit, ok := row[resource]
	if !ok {
		return nil
	}

	switch m.kind {
	case KindQuota:
		if limit.Quota == nil {
			return nil
		}
		amount := int64(1)
		if requested != nil {
			n, err := asInt64(requested)
			if err != nil {
				return fmt.Errorf("resource %s: %w", resource, err)
			}
			amount = n
		}
		used, err := e.Usage(ctx, tenantID, resource)
		if err != nil {
			return err
		}
		if used+amount > *limit.Quota {
			return &LimitExceededError{
				Kind:     QuotaExceeded,
				TenantID: tenantID,
				Resource: resource,
				Message:  fmt.Sprintf("usage %d + requested %d exceeds quota %d", used, amount, *limit.Quota),
			}
		}
		return nil

	case KindAllowList:
		v, ok := requested.(string)
		if !ok {
			return fmt.Errorf("resource %s requires a string value", resource)
		}
		for _, a := range limit.Allowed {
			if a == "*" || a == v {
				return nil
			}
		}
		return &LimitExceededError{
			Kind:     ValueNotAllowed,
			TenantID: tenantID,
			Resource: resource,
			Message:  fmt.Sprintf("value %q is not allowed for tier %s", v, tier),
		}

	case KindCapability:
		if limit.Enabled != nil && *limit.Enabled {
			return nil
		}
		return &LimitExceededError{
			Kind:     CapabilityDenied,
			TenantID: tenantID,
			Resource: resource,
			Message:  fmt.Sprintf("capability %s is not available on tier %s", resource, tier),
		}

	default:
		return fmt.Errorf("unhandled resource kind %q", m.kind)
	}
}

// IncrementUsage atomically adds amount to the tenant's counter for the
// resource's current window. It runs after the resource was consumed and must
// never fail the user-visible response: errors are logged and swallowed.
// Negative amounts release capacity on lifetime counters (e.g. agent delete).
func (e *Engine) IncrementUsage(ctx context.Context, tenantID string, resource Resource, amount int64) {
	if !e.enabled {
		return
	}
	if amount == 0 {
		amount = 1
	}
	m, ok := resourceMeta[resource]
	if !ok {
		log.Error(ctx, fmt.Errorf("unknown resource %q", resource), log.KV{K: "msg", V: "usage increment skipped"})
		return
	}
	client, err := e.pool.Acquire(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "usage increment skipped"},
			log.KV{K: "tenant_id", V: tenantID}, log.KV{K: "resource", V: string(resource)})
		return
	}
	t := e.now().UTC()
	key := e.namer.UsageKey(tenantID, string(resource), windowSuffix(t, m.window))
	pipe := client.TxPipeline()
	pipe.IncrBy(ctx, key, amount)
	if m.window != WindowNone {
		// The key carries the window in its name, so expiry at the boundary
		// is pure cleanup; the next window starts from a fresh key.
		pipe.ExpireAt(ctx, key, windowEnd(t, m.window))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "usage increment failed"},
			log.KV{K: "tenant_id", V: tenantID}, log.KV{K: "resource", V: string(resource)})
	}
}

// Usage reads the tenant's counter for the resource's current window. Absent
// counters read as zero.
func (e *Engine) Usage(ctx context.Context, tenantID string, resource Resource) (int64, error) {
	m, ok := resourceMeta[resource]
	if !ok {
		return 0, fmt.Errorf("unknown resource %q", resource)
	}
	client, err := e.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	key := e.namer.UsageKey(tenantID, string(resource), windowSuffix(e.now().UTC(), m.window))
	n, err := client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage %s/%s: %w", tenantID, resource, err)
	}
	return n, nil
}

// windowSuffix returns the calendar-aligned key segment for a window.
func windowSuffix(t time.Time, w Window) string {
	switch w {
	case WindowHour:
		return t.Format("2006010215")
	case WindowDay:
		return t.Format("20060102")
	case WindowMonth:
		return t.Format("200601")
	default:
		return "total"
	}
}

// windowEnd returns the instant the window's counter expires.
func windowEnd(t time.Time, w Window) time.Time {
	switch w {
	case WindowHour:
		return t.Truncate(time.Hour).Add(time.Hour)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected a numeric value, got %T", v)
	}
}
