// Package worker binds a service's business logic to its action stream. The
// stream worker reads a consumer group, decodes each entry, hands it to the
// service's single ProcessAction entry point, and acks or abandons the entry
// according to the failure classification. A companion CallbackWorker drains
// the service's stable callback queues for the async-with-callback pattern.
//
// Contract:
//   - Dispatch is single-flight per entry within one worker; horizontal scale
//     comes from running more workers with distinct consumer ids.
//   - The worker never inspects action_type; the service owns its taxonomy.
//   - The worker never emits success responses; services do that through
//     their transport client. The one exception is the failure response for
//     an entry that could not even be decoded.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/nooble4/fabric/config"
	"github.com/nooble4/fabric/envelope"
	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
	"github.com/nooble4/fabric/telemetry"
	"github.com/nooble4/fabric/transport"
)

type (
	// Handler is the contract a service implements to receive envelopes.
	// service.Base satisfies it.
	Handler interface {
		// ProcessAction handles one decoded envelope. A nil return acks the
		// entry. An error implementing Transient() bool leaves the entry
		// pending for redelivery; any other error is terminal and the entry
		// is acked (and possibly dead-lettered).
		ProcessAction(ctx context.Context, a *envelope.DomainAction) error
	}

	// Options configures a stream Worker.
	Options struct {
		// Pool is the shared Redis pool. Required.
		Pool *redispool.Pool
		// Namer derives the stream names.
		Namer names.Namer
		// Service names the stream to consume (usually the service's own name).
		Service string
		// Handler receives decoded envelopes. Required.
		Handler Handler
		// Transport, when set, is used to emit failure responses for entries
		// that fail decoding and carry a callback queue.
		Transport *transport.Client
		// Config carries the worker tuning knobs.
		Config config.WorkerSettings
		// Metrics records processing counters and the pending backlog gauge.
		// Defaults to the OTEL-backed recorder.
		Metrics telemetry.Metrics
	}

	// Worker is a long-running consumer-group loop over one action stream.
	Worker struct {
		pool       *redispool.Pool
		namer      names.Namer
		service    string
		handler    Handler
		transport  *transport.Client
		cfg        config.WorkerSettings
		metrics    telemetry.Metrics
		stream     string
		deadStream string

		inflight sync.WaitGroup

		// active tracks entry ids currently being dispatched by this process
		// so the claim loop never claims its own in-flight work.
		activeMu sync.Mutex
		active   map[string]struct{}
	}
)

// New constructs a stream worker. Zero-valued tuning fields get conservative
// defaults.
func New(opts Options) (*Worker, error) {
	if opts.Pool == nil {
		return nil, errors.New("redis pool is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Service == "" {
		return nil, errors.New("service name is required")
	}
	cfg := opts.Config
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = opts.Service + "_group"
	}
	if cfg.ConsumerID == "" {
		return nil, errors.New("consumer id is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.IdleClaim <= 0 {
		cfg.IdleClaim = 30 * time.Second
	}
	if cfg.GraceShutdown <= 0 {
		cfg.GraceShutdown = 10 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewOTELMetrics()
	}
	namer := opts.Namer
	if namer.IsZero() {
		namer = names.New("", "")
	}
	return &Worker{
		pool:       opts.Pool,
		namer:      namer,
		service:    opts.Service,
		handler:    opts.Handler,
		transport:  opts.Transport,
		cfg:        cfg,
		metrics:    metrics,
		stream:     namer.ActionStream(opts.Service, cfg.StreamContext),
		deadStream: namer.DeadLetterStream(opts.Service, cfg.StreamContext),
		active:     make(map[string]struct{}),
	}, nil
}

// Run consumes the stream until ctx is cancelled, then drains in-flight
// dispatch within the configured grace budget. Returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	client, err := w.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("worker startup: %w", err)
	}
	if err := w.ensureGroup(ctx, client); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "worker started"},
		log.KV{K: "stream", V: w.stream},
		log.KV{K: "group", V: w.cfg.ConsumerGroup},
		log.KV{K: "consumer", V: w.cfg.ConsumerID})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.readLoop(gctx, client) })
	g.Go(func() error { return w.claimLoop(gctx, client) })
	g.Go(func() error { return w.backlogLoop(gctx, client) })
	err = g.Wait()

	// Draining: no new reads; wait for in-flight dispatch up to the grace
	// budget. In-flight work is never interrupted.
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.GraceShutdown):
		log.Warn(ctx, log.KV{K: "msg", V: "drain budget exceeded, abandoning in-flight dispatch"},
			log.KV{K: "stream", V: w.stream})
	}
	log.Info(ctx, log.KV{K: "msg", V: "worker stopped"}, log.KV{K: "stream", V: w.stream})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// ensureGroup creates the consumer group, tolerating concurrent creation.
func (w *Worker) ensureGroup(ctx context.Context, client *redis.Client) error {
	err := client.XGroupCreateMkStream(ctx, w.stream, w.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// readLoop blocks on new entries and dispatches them one at a time.
func (w *Worker) readLoop(ctx context.Context, client *redis.Client) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.ConsumerGroup,
			Consumer: w.cfg.ConsumerID,
			Streams:  []string{w.stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "stream read failed"}, log.KV{K: "stream", V: w.stream})
			// Transient connectivity failure; back off before the next read.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				w.dispatch(ctx, client, msg)
			}
		}
	}
}

// claimLoop periodically claims pending entries older than the idle threshold
// from dead consumers and redispatches them. Entries delivered more than
// MaxDeliveries times are moved to the dead-letter stream instead.
func (w *Worker) claimLoop(ctx context.Context, client *redis.Client) error {
	ticker := time.NewTicker(w.cfg.IdleClaim)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: w.stream,
			Group:  w.cfg.ConsumerGroup,
			Idle:   w.cfg.IdleClaim,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "pending scan failed"}, log.KV{K: "stream", V: w.stream})
			continue
		}
		for _, p := range pending {
			if w.isActive(p.ID) {
				// Idle time alone does not make an entry claimable while this
				// process is still dispatching it.
				continue
			}
			if p.RetryCount > w.cfg.MaxDeliveries {
				w.deadLetter(ctx, client, p.ID)
				continue
			}
			claimed, err := client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   w.stream,
				Group:    w.cfg.ConsumerGroup,
				Consumer: w.cfg.ConsumerID,
				MinIdle:  w.cfg.IdleClaim,
				Messages: []string{p.ID},
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Error(ctx, err, log.KV{K: "msg", V: "claim failed"}, log.KV{K: "entry_id", V: p.ID})
				continue
			}
			for _, msg := range claimed {
				log.Info(ctx, log.KV{K: "msg", V: "claimed pending entry"},
					log.KV{K: "entry_id", V: msg.ID},
					log.KV{K: "previous_consumer", V: p.Consumer})
				w.dispatch(ctx, client, msg)
			}
		}
	}
}

// backlogLoop samples the consumer group's pending list size and surfaces it
// as a gauge. Producers are never throttled here; admission control belongs
// to the tier engine.
func (w *Worker) backlogLoop(ctx context.Context, client *redis.Client) error {
	ticker := time.NewTicker(w.cfg.BlockTimeout * 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		summary, err := client.XPending(ctx, w.stream, w.cfg.ConsumerGroup).Result()
		if err != nil {
			continue
		}
		w.metrics.RecordGauge("fabric.worker.pending", float64(summary.Count), "stream", w.stream)
		if w.cfg.PendingWarn > 0 && summary.Count > w.cfg.PendingWarn {
			log.Warn(ctx, log.KV{K: "msg", V: "pending backlog above threshold"},
				log.KV{K: "stream", V: w.stream},
				log.KV{K: "pending", V: summary.Count},
				log.KV{K: "threshold", V: w.cfg.PendingWarn})
		}
	}
}

// dispatch decodes one stream entry and runs the handler. Dispatch uses a
// context detached from shutdown so in-flight work is never interrupted;
// handlers set their own deadlines.
func (w *Worker) dispatch(ctx context.Context, client *redis.Client, msg redis.XMessage) {
	if !w.begin(msg.ID) {
		return
	}
	defer w.end(msg.ID)
	w.inflight.Add(1)
	defer w.inflight.Done()
	dctx := context.WithoutCancel(ctx)

	raw, ok := msg.Values["data"].(string)
	if !ok {
		log.Error(dctx, errors.New("stream entry missing data field"),
			log.KV{K: "msg", V: "malformed stream entry"}, log.KV{K: "entry_id", V: msg.ID})
		w.deadLetterEntry(dctx, client, msg)
		w.ack(dctx, client, msg.ID)
		return
	}
	a, err := envelope.Decode([]byte(raw))
	if err != nil {
		log.Error(dctx, err, log.KV{K: "msg", V: "envelope rejected"}, log.KV{K: "entry_id", V: msg.ID})
		w.metrics.IncCounter("fabric.worker.rejected", 1, "stream", w.stream)
		w.emitDecodeFailure(dctx, raw, err)
		w.deadLetterEntry(dctx, client, msg)
		w.ack(dctx, client, msg.ID)
		return
	}

	dctx = log.With(dctx,
		log.KV{K: "action_id", V: a.ActionID.String()},
		log.KV{K: "action_type", V: a.ActionType},
		log.KV{K: "correlation_id", V: a.CorrelationID},
		log.KV{K: "trace_id", V: a.TraceID})

	start := time.Now()
	err = w.handler.ProcessAction(dctx, a)
	switch {
	case err == nil:
		w.metrics.IncCounter("fabric.worker.processed", 1, "stream", w.stream)
		w.ack(dctx, client, msg.ID)
	case isTransient(err):
		// Leave the entry pending; this or another consumer retries it.
		log.Warn(dctx, log.KV{K: "msg", V: "transient failure, entry left pending"},
			log.KV{K: "entry_id", V: msg.ID}, log.KV{K: "err", V: err.Error()})
		w.metrics.IncCounter("fabric.worker.retried", 1, "stream", w.stream)
	default:
		// Terminal: do not block the stream on a poison pill.
		log.Error(dctx, err, log.KV{K: "msg", V: "terminal failure, entry dropped"},
			log.KV{K: "entry_id", V: msg.ID})
		w.metrics.IncCounter("fabric.worker.failed", 1, "stream", w.stream)
		w.ack(dctx, client, msg.ID)
	}
	w.metrics.IncCounter("fabric.worker.dispatch_seconds", time.Since(start).Seconds(), "stream", w.stream)
}

// emitDecodeFailure best-effort delivers a failure response when an
// undecodable entry still reveals a callback queue.
func (w *Worker) emitDecodeFailure(ctx context.Context, raw string, cause error) {
	if w.transport == nil {
		return
	}
	var partial envelope.DomainAction
	if uerr := json.Unmarshal([]byte(raw), &partial); uerr != nil {
		return
	}
	if !partial.IsPseudoSync() {
		return
	}
	resp, err := envelope.NewErrorResponse(&partial, &envelope.ErrorDetail{
		ErrorType: "validation",
		ErrorCode: "BAD_ENVELOPE",
		Message:   cause.Error(),
	})
	if err != nil {
		return
	}
	if err := w.transport.SendResponse(ctx, &partial, resp); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failure response emission failed"})
	}
}

// deadLetter moves a pending entry (known only by id) to the dead stream.
func (w *Worker) deadLetter(ctx context.Context, client *redis.Client, id string) {
	msgs, err := client.XRangeN(ctx, w.stream, id, id, 1).Result()
	if err != nil || len(msgs) == 0 {
		// Entry trimmed from the stream; just ack to clear the pending list.
		w.ack(ctx, client, id)
		return
	}
	w.deadLetterEntry(ctx, client, msgs[0])
	w.ack(ctx, client, id)
	log.Warn(ctx, log.KV{K: "msg", V: "entry exceeded max deliveries, dead-lettered"},
		log.KV{K: "entry_id", V: id}, log.KV{K: "dead_stream", V: w.deadStream})
}

// deadLetterEntry appends the entry's fields to the dead-letter stream.
func (w *Worker) deadLetterEntry(ctx context.Context, client *redis.Client, msg redis.XMessage) {
	values := make(map[string]any, len(msg.Values)+1)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["origin_entry_id"] = msg.ID
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: w.deadStream, Values: values}).Err(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "dead-letter append failed"}, log.KV{K: "entry_id", V: msg.ID})
	}
	w.metrics.IncCounter("fabric.worker.dead_lettered", 1, "stream", w.stream)
}

// begin registers an entry as in flight. Reports false when this process is
// already dispatching it.
func (w *Worker) begin(id string) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if _, busy := w.active[id]; busy {
		return false
	}
	w.active[id] = struct{}{}
	return true
}

func (w *Worker) end(id string) {
	w.activeMu.Lock()
	delete(w.active, id)
	w.activeMu.Unlock()
}

func (w *Worker) isActive(id string) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	_, busy := w.active[id]
	return busy
}

func (w *Worker) ack(ctx context.Context, client *redis.Client, id string) {
	if err := client.XAck(ctx, w.stream, w.cfg.ConsumerGroup, id).Err(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "ack failed"}, log.KV{K: "entry_id", V: id})
	}
}

// isTransient reports whether the error asks for redelivery rather than an
// ack. Transport failures implement Transient.
func isTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}
