package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nooble4/fabric/config"
	"github.com/nooble4/fabric/envelope"
	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
	"github.com/nooble4/fabric/telemetry"
	"github.com/nooble4/fabric/transport"
)

// recorder is a Handler that records envelopes and returns a scripted error.
type recorder struct {
	mu   sync.Mutex
	got  []*envelope.DomainAction
	fail error
}

func (r *recorder) ProcessAction(_ context.Context, a *envelope.DomainAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.fail
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// transientErr mimics a transport failure.
type transientErr struct{}

func (transientErr) Error() string   { return "redis gone" }
func (transientErr) Transient() bool { return true }

func testConfig(consumer string) config.WorkerSettings {
	return config.WorkerSettings{
		ConsumerID:    consumer,
		BlockTimeout:  50 * time.Millisecond,
		IdleClaim:     100 * time.Millisecond,
		GraceShutdown: time.Second,
		MaxDeliveries: 5,
	}
}

func setup(t *testing.T, h Handler, cfg config.WorkerSettings) (*miniredis.Miniredis, *redis.Client, *Worker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	pool := redispool.WithClient(rdb)
	namer := names.New("nooble4", "dev")
	tc, err := transport.New(transport.Options{Pool: pool, Namer: namer, OriginService: "ingestion"})
	require.NoError(t, err)
	w, err := New(Options{
		Pool:      pool,
		Namer:     namer,
		Service:   "ingestion",
		Handler:   h,
		Transport: tc,
		Config:    cfg,
		Metrics:   telemetry.NopMetrics{},
	})
	require.NoError(t, err)
	return mr, rdb, w
}

// start runs the worker and returns a stop function that cancels it and
// waits for Run to return.
func start(t *testing.T, w *Worker) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func send(t *testing.T, rdb *redis.Client, a *envelope.DomainAction) {
	t.Helper()
	pool := redispool.WithClient(rdb)
	tc, err := transport.New(transport.Options{Pool: pool, Namer: names.New("nooble4", "dev"), OriginService: "orchestrator"})
	require.NoError(t, err)
	_, err = tc.SendAsync(context.Background(), a)
	require.NoError(t, err)
}

// pendingCount returns -1 until the worker has created the consumer group.
func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	summary, err := rdb.XPending(context.Background(), "nooble4:dev:ingestion:actions:stream", "ingestion_group").Result()
	if err != nil {
		return -1
	}
	return summary.Count
}

func TestDispatchAndAck(t *testing.T) {
	rec := &recorder{}
	_, rdb, w := setup(t, rec, testConfig("worker-1"))
	stop := start(t, w)

	a := envelope.New("ingestion.doc.index", map[string]any{"url": "x"})
	a.TenantID = "t1"
	send(t, rdb, a)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, a.ActionID, rec.got[0].ActionID)
	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
}

func TestTerminalFailureIsAckedAndDropped(t *testing.T) {
	rec := &recorder{fail: errors.New("business rule violated")}
	_, rdb, w := setup(t, rec, testConfig("worker-1"))
	stop := start(t, w)

	send(t, rdb, envelope.New("ingestion.doc.index", map[string]any{"url": "x"}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	// Terminal failures are dropped, not dead-lettered: delivery count was 1.
	require.Equal(t, int64(0), rdb.XLen(context.Background(), "nooble4:dev:ingestion:actions:stream:dead").Val())
	require.Equal(t, 1, rec.count())
}

func TestTransientFailureLeavesEntryPending(t *testing.T) {
	rec := &recorder{fail: transientErr{}}
	cfg := testConfig("worker-1")
	cfg.IdleClaim = time.Hour // keep the claim loop quiet
	_, rdb, w := setup(t, rec, cfg)
	stop := start(t, w)

	send(t, rdb, envelope.New("ingestion.doc.index", map[string]any{"url": "x"}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), pendingCount(t, rdb))
	require.NoError(t, stop())
	require.Equal(t, int64(1), pendingCount(t, rdb))
}

func TestBadEnvelopeAckedDeadLetteredAndAnswered(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	_, rdb, w := setup(t, rec, testConfig("worker-1"))

	// An entry that decodes as JSON but fails envelope validation, carrying a
	// reply queue so the caller learns about the rejection.
	replyQueue := "nooble4:dev:orchestrator:responses:bad_call:c9"
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "nooble4:dev:ingestion:actions:stream",
		Values: map[string]any{"data": `{"action_id":"7f6f1c2e-3f4a-4b5c-8d9e-0a1b2c3d4e5f","action_type":"","timestamp":"2026-08-24T10:00:00Z","callback_queue_name":"` + replyQueue + `"}`},
	}).Result()
	require.NoError(t, err)

	stop := start(t, w)
	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// Never dispatched, dead-lettered, and the caller got a failure response.
	require.Equal(t, 0, rec.count())
	require.Equal(t, int64(1), rdb.XLen(ctx, "nooble4:dev:ingestion:actions:stream:dead").Val())
	raw, err := rdb.LRange(ctx, replyQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raw, 1)
	resp, err := envelope.DecodeResponse([]byte(raw[0]))
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "BAD_ENVELOPE", resp.Error.ErrorCode)
}

func TestMalformedEntryIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	_, rdb, w := setup(t, rec, testConfig("worker-1"))

	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "nooble4:dev:ingestion:actions:stream",
		Values: map[string]any{"payload": "wrong field"},
	}).Result()
	require.NoError(t, err)

	stop := start(t, w)
	require.Eventually(t, func() bool {
		return rdb.XLen(ctx, "nooble4:dev:ingestion:actions:stream:dead").Val() == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	require.Equal(t, 0, rec.count())
}

func TestIdleClaimRecoversFromDeadConsumer(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	_, rdb, w := setup(t, rec, testConfig("worker-b"))

	// Consumer A reads the entry and crashes without acking.
	a := envelope.New("ingestion.doc.index", map[string]any{"url": "x"})
	send(t, rdb, a)
	require.NoError(t, rdb.XGroupCreateMkStream(ctx, "nooble4:dev:ingestion:actions:stream", "ingestion_group", "0").Err())
	streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "ingestion_group",
		Consumer: "worker-a",
		Streams:  []string{"nooble4:dev:ingestion:actions:stream", ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams[0].Messages, 1)

	// The entry accrues idle time until the claim loop picks it up.
	stop := start(t, w)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, a.ActionID, rec.got[0].ActionID)
	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	// Exactly one successful dispatch across the whole system.
	require.Equal(t, 1, rec.count())
}

func TestPoisonPillIsDeadLetteredAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	cfg := testConfig("worker-b")
	cfg.MaxDeliveries = 1
	_, rdb, w := setup(t, rec, cfg)

	send(t, rdb, envelope.New("ingestion.doc.index", map[string]any{"url": "x"}))
	require.NoError(t, rdb.XGroupCreateMkStream(ctx, "nooble4:dev:ingestion:actions:stream", "ingestion_group", "0").Err())

	// Two deliveries to crashing consumers push the count past the limit.
	streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "ingestion_group",
		Consumer: "worker-a",
		Streams:  []string{"nooble4:dev:ingestion:actions:stream", ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	entryID := streams[0].Messages[0].ID
	_, err = rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   "nooble4:dev:ingestion:actions:stream",
		Group:    "ingestion_group",
		Consumer: "worker-a2",
		MinIdle:  0,
		Messages: []string{entryID},
	}).Result()
	require.NoError(t, err)

	stop := start(t, w)
	require.Eventually(t, func() bool {
		return rdb.XLen(ctx, "nooble4:dev:ingestion:actions:stream:dead").Val() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	require.Equal(t, 0, rec.count())
}

// slowRecorder holds each dispatch open and counts concurrent overlaps.
type slowRecorder struct {
	mu       sync.Mutex
	delay    time.Duration
	running  int
	overlaps int
	calls    int
}

func (r *slowRecorder) ProcessAction(_ context.Context, _ *envelope.DomainAction) error {
	r.mu.Lock()
	r.running++
	if r.running > 1 {
		r.overlaps++
	}
	r.calls++
	r.mu.Unlock()
	time.Sleep(r.delay)
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	return nil
}

func (r *slowRecorder) stats() (calls, overlaps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.overlaps
}

func TestSlowDispatchIsNotClaimedWhileInFlight(t *testing.T) {
	// The handler outlives the idle threshold many times over; the claim loop
	// must not steal the entry back from its own process mid-dispatch.
	rec := &slowRecorder{delay: 500 * time.Millisecond}
	cfg := testConfig("worker-1")
	cfg.IdleClaim = 50 * time.Millisecond
	_, rdb, w := setup(t, rec, cfg)
	stop := start(t, w)

	send(t, rdb, envelope.New("ingestion.doc.index", map[string]any{"url": "x"}))

	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 5*time.Second, 10*time.Millisecond)
	// Let any stale claim surface before stopping.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, stop())
	calls, overlaps := rec.stats()
	require.Equal(t, 1, calls)
	require.Zero(t, overlaps)
}

// flakyRecorder fails transiently on the first attempt only.
type flakyRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *flakyRecorder) ProcessAction(_ context.Context, _ *envelope.DomainAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		return transientErr{}
	}
	return nil
}

func TestTransientFailureIsReclaimedAndRetried(t *testing.T) {
	rec := &flakyRecorder{}
	cfg := testConfig("worker-1")
	cfg.IdleClaim = 50 * time.Millisecond
	_, rdb, w := setup(t, rec, cfg)
	stop := start(t, w)

	send(t, rdb, envelope.New("ingestion.doc.index", map[string]any{"url": "x"}))

	// The failed entry stays pending and is no longer in flight, so the claim
	// loop picks it up for a second, successful attempt.
	require.Eventually(t, func() bool { return pendingCount(t, rdb) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 2, rec.calls)
}

func TestZeroNamerDefaults(t *testing.T) {
	rec := &recorder{}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	pool := redispool.WithClient(rdb)

	cw, err := NewCallbackWorker(CallbackOptions{Pool: pool, Service: "ingestion", Event: "embedding_done", Handler: rec})
	require.NoError(t, err)
	require.Equal(t, "nooble4:dev:ingestion:callbacks:embedding_done", cw.Queue())

	w, err := New(Options{Pool: pool, Service: "ingestion", Handler: rec, Config: testConfig("worker-1")})
	require.NoError(t, err)
	stop := start(t, w)
	send(t, rdb, envelope.New("ingestion.doc.index", map[string]any{"url": "x"}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
}

func TestShutdownLiveness(t *testing.T) {
	rec := &recorder{}
	_, _, w := setup(t, rec, testConfig("worker-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	begin := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop within the grace budget")
	}
	require.Less(t, time.Since(begin), 2*time.Second)
}

func TestNewValidatesOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	pool := redispool.WithClient(rdb)

	_, err := New(Options{Namer: names.New("", ""), Service: "x", Handler: &recorder{}, Config: testConfig("c")})
	require.Error(t, err)
	_, err = New(Options{Pool: pool, Namer: names.New("", ""), Service: "x", Config: testConfig("c")})
	require.Error(t, err)
	_, err = New(Options{Pool: pool, Namer: names.New("", ""), Handler: &recorder{}, Config: testConfig("c")})
	require.Error(t, err)
	_, err = New(Options{Pool: pool, Namer: names.New("", ""), Service: "x", Handler: &recorder{}})
	require.Error(t, err) // missing consumer id
}
