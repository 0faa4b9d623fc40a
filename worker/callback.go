package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/nooble4/fabric/envelope"
	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
)

type (
	// CallbackOptions configures a CallbackWorker.
	CallbackOptions struct {
		// Pool is the shared Redis pool. Required.
		Pool *redispool.Pool
		// Namer derives the callback queue name.
		Namer names.Namer
		// Service is the origin service owning the callback queue.
		Service string
		// StreamContext is the optional routing segment used when the
		// originating sends carried one.
		StreamContext string
		// Event is the stable event name the queue was derived from.
		Event string
		// Handler receives the deferred callback envelopes. Required.
		Handler Handler
		// BlockTimeout bounds each queue pop. Defaults to 5s.
		BlockTimeout time.Duration
	}

	// CallbackWorker drains a service's stable per-event callback queue and
	// dispatches each DomainAction to the handler. Queue pops are consuming:
	// unlike the stream worker there is no pending list, so a crash between
	// pop and dispatch loses the callback. Services that need stronger
	// delivery use the action stream instead.
	CallbackWorker struct {
		pool    *redispool.Pool
		handler Handler
		queue   string
		block   time.Duration
	}
)

// NewCallbackWorker constructs a callback queue worker.
func NewCallbackWorker(opts CallbackOptions) (*CallbackWorker, error) {
	if opts.Pool == nil {
		return nil, errors.New("redis pool is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Service == "" {
		return nil, errors.New("service name is required")
	}
	if opts.Event == "" {
		return nil, errors.New("event name is required")
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = 5 * time.Second
	}
	namer := opts.Namer
	if namer.IsZero() {
		namer = names.New("", "")
	}
	return &CallbackWorker{
		pool:    opts.Pool,
		handler: opts.Handler,
		queue:   namer.CallbackQueue(opts.Service, opts.StreamContext, opts.Event),
		block:   block,
	}, nil
}

// Queue returns the callback queue name the worker consumes.
func (w *CallbackWorker) Queue() string { return w.queue }

// Run pops callbacks until ctx is cancelled. Returns nil on clean shutdown.
func (w *CallbackWorker) Run(ctx context.Context) error {
	client, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "callback worker started"}, log.KV{K: "queue", V: w.queue})
	for {
		if ctx.Err() != nil {
			log.Info(ctx, log.KV{K: "msg", V: "callback worker stopped"}, log.KV{K: "queue", V: w.queue})
			return nil
		}
		res, err := client.BLPop(ctx, w.block, w.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Info(ctx, log.KV{K: "msg", V: "callback worker stopped"}, log.KV{K: "queue", V: w.queue})
				return nil
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "callback pop failed"}, log.KV{K: "queue", V: w.queue})
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		a, err := envelope.Decode([]byte(res[1]))
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "callback rejected"}, log.KV{K: "queue", V: w.queue})
			continue
		}
		dctx := log.With(context.WithoutCancel(ctx),
			log.KV{K: "action_id", V: a.ActionID.String()},
			log.KV{K: "action_type", V: a.ActionType},
			log.KV{K: "correlation_id", V: a.CorrelationID})
		if err := w.handler.ProcessAction(dctx, a); err != nil {
			log.Error(dctx, err, log.KV{K: "msg", V: "callback handler failed"}, log.KV{K: "queue", V: w.queue})
		}
	}
}
