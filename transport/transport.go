// Package transport implements the three send patterns of the fabric:
// fire-and-forget to a service's action stream, pseudo-synchronous with a
// per-call reply queue, and async-with-callback against a stable per-event
// callback queue. It also carries the receiving side's emission helpers
// (SendResponse, SendCallback) and pub/sub notifications.
//
// Contract:
//   - Envelopes are appended to streams as a single-field entry whose only
//     key is "data", holding the JSON-encoded envelope.
//   - Reply and callback queues are Redis lists of JSON-encoded payloads.
//   - correlation_id and trace_id, once stamped, are never rewritten.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/nooble4/fabric/envelope"
	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
)

type (
	// Options configures a Client.
	Options struct {
		// Pool is the shared Redis pool. Required.
		Pool *redispool.Pool
		// Namer derives every stream and queue name. Required components use
		// the same prefix and environment across a deployment.
		Namer names.Namer
		// OriginService is stamped on outgoing envelopes and used to derive
		// reply and callback queue names. Required.
		OriginService string
		// StreamContext is an optional extra routing segment applied to every
		// derived name.
		StreamContext string
		// DefaultPseudoSyncTimeout applies when SendPseudoSync receives a
		// non-positive timeout. Defaults to 30s.
		DefaultPseudoSyncTimeout time.Duration
		// ReplyTTL is the expiry set on reply queues when a response is
		// pushed, so queues nobody reads reap themselves. Defaults to 1m.
		ReplyTTL time.Duration
	}

	// Client sends envelopes between services. Safe for concurrent use.
	Client struct {
		pool        *redispool.Pool
		namer       names.Namer
		origin      string
		context     string
		syncTimeout time.Duration
		replyTTL    time.Duration
	}

	// Error wraps a Redis-level transport failure. Such failures are
	// transient: the worker leaves the entry pending and the consumer group
	// recovers it.
	Error struct {
		// Op names the failing operation (e.g. "xadd", "blpop").
		Op string
		// Err is the underlying failure.
		Err error
	}
)

// ErrTimedOut is returned by SendPseudoSync when no response arrives within
// the timeout. The server-side work is not cancelled; a late response lands
// on a reply queue that expires unread.
var ErrTimedOut = errors.New("pseudo-sync call timed out")

// Error implements error.
func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

// Unwrap exposes the underlying failure.
func (e *Error) Unwrap() error { return e.Err }

// Transient marks the failure as retryable for worker classification.
func (e *Error) Transient() bool { return true }

// New constructs a transport client.
func New(opts Options) (*Client, error) {
	if opts.Pool == nil {
		return nil, errors.New("redis pool is required")
	}
	if opts.OriginService == "" {
		return nil, errors.New("origin service is required")
	}
	syncTimeout := opts.DefaultPseudoSyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 30 * time.Second
	}
	replyTTL := opts.ReplyTTL
	if replyTTL <= 0 {
		replyTTL = time.Minute
	}
	namer := opts.Namer
	if namer.IsZero() {
		namer = names.New("", "")
	}
	return &Client{
		pool:        opts.Pool,
		namer:       namer,
		origin:      opts.OriginService,
		context:     opts.StreamContext,
		syncTimeout: syncTimeout,
		replyTTL:    replyTTL,
	}, nil
}

// SendAsync appends the envelope to the target service's action stream and
// returns the stream-assigned entry id. Fire-and-forget: no reply channel is
// established and receiver-side failures are invisible to the caller.
func (c *Client) SendAsync(ctx context.Context, a *envelope.DomainAction) (string, error) {
	c.stamp(a)
	return c.append(ctx, a)
}

// SendPseudoSync appends the envelope and blocks until a response arrives on
// a per-call reply queue or the timeout expires. A non-positive timeout uses
// the client default. On expiry it returns ErrTimedOut and leaves the reply
// queue for TTL reaping. At most one response is consumed per call; a
// duplicate written by a misbehaving receiver expires unread.
func (c *Client) SendPseudoSync(ctx context.Context, a *envelope.DomainAction, timeout time.Duration) (*envelope.DomainActionResponse, error) {
	if timeout <= 0 {
		timeout = c.syncTimeout
	}
	c.stamp(a)
	if a.CorrelationID == "" {
		a.CorrelationID = uuid.NewString()
	}
	replyQueue := c.namer.ResponseQueue(c.origin, c.context, a.ActionName(), a.CorrelationID)
	a.CallbackQueueName = replyQueue
	a.CallbackActionType = ""

	if _, err := c.append(ctx, a); err != nil {
		return nil, err
	}

	client, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, &Error{Op: "acquire", Err: err}
	}
	res, err := client.BLPop(ctx, timeout, replyQueue).Result()
	if errors.Is(err, redis.Nil) {
		log.Info(ctx, log.KV{K: "msg", V: "pseudo-sync timeout"},
			log.KV{K: "action_type", V: a.ActionType},
			log.KV{K: "correlation_id", V: a.CorrelationID})
		return nil, ErrTimedOut
	}
	if err != nil {
		return nil, &Error{Op: "blpop", Err: err}
	}
	// BLPop returns [queue, element].
	resp, err := envelope.DecodeResponse([]byte(res[1]))
	if err != nil {
		return nil, fmt.Errorf("decode pseudo-sync response: %w", err)
	}
	return resp, nil
}

// SendWithCallback stamps the envelope with the caller's stable per-event
// callback queue and the action type the receiver must use for the deferred
// callback, then appends it to the target stream. The caller is responsible
// for running a CallbackWorker over the queue to receive the eventual
// DomainAction.
func (c *Client) SendWithCallback(ctx context.Context, a *envelope.DomainAction, callbackEvent, callbackActionType string) (string, error) {
	if callbackEvent == "" {
		return "", errors.New("callback event name is required")
	}
	if callbackActionType == "" {
		return "", errors.New("callback action type is required")
	}
	c.stamp(a)
	a.CallbackQueueName = c.namer.CallbackQueue(c.origin, c.context, callbackEvent)
	a.CallbackActionType = callbackActionType
	return c.append(ctx, a)
}

// SendResponse delivers a response to the reply queue named by the original
// envelope. Used by services inside their action handler for the
// pseudo-synchronous pattern. The queue gets the reply TTL so an abandoned
// queue (caller timed out) reaps itself.
func (c *Client) SendResponse(ctx context.Context, original *envelope.DomainAction, resp *envelope.DomainActionResponse) error {
	if original.CallbackQueueName == "" {
		return errors.New("original envelope has no callback queue")
	}
	encoded, err := envelope.EncodeResponse(resp)
	if err != nil {
		return err
	}
	client, err := c.pool.Acquire(ctx)
	if err != nil {
		return &Error{Op: "acquire", Err: err}
	}
	pipe := client.TxPipeline()
	pipe.LPush(ctx, original.CallbackQueueName, encoded)
	pipe.Expire(ctx, original.CallbackQueueName, c.replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return &Error{Op: "lpush", Err: err}
	}
	return nil
}

// SendCallback builds the deferred-callback envelope for an
// async-with-callback request and pushes it onto the original's callback
// queue. Tenant, session, user, correlation and trace context propagate from
// the original; the action type is the original's callback_action_type.
func (c *Client) SendCallback(ctx context.Context, original *envelope.DomainAction, data map[string]any) (*envelope.DomainAction, error) {
	if !original.ExpectsCallback() {
		return nil, errors.New("original envelope does not expect a callback")
	}
	cb := envelope.New(original.CallbackActionType, data)
	cb.TenantID = original.TenantID
	cb.UserID = original.UserID
	cb.SessionID = original.SessionID
	cb.CorrelationID = original.CorrelationID
	cb.TraceID = original.TraceID
	cb.OriginService = c.origin
	encoded, err := envelope.Encode(cb)
	if err != nil {
		return nil, err
	}
	client, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, &Error{Op: "acquire", Err: err}
	}
	if err := client.LPush(ctx, original.CallbackQueueName, encoded).Err(); err != nil {
		return nil, &Error{Op: "lpush", Err: err}
	}
	return cb, nil
}

// PublishNotification fires a pub/sub message on the caller's notification
// channel for the event. payload is JSON-encoded. Delivery is best-effort:
// subscribers that are not listening miss the message.
func (c *Client) PublishNotification(ctx context.Context, eventName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	client, err := c.pool.Acquire(ctx)
	if err != nil {
		return &Error{Op: "acquire", Err: err}
	}
	channel := c.namer.NotificationChannel(c.origin, c.context, eventName)
	if err := client.Publish(ctx, channel, raw).Err(); err != nil {
		return &Error{Op: "publish", Err: err}
	}
	return nil
}

// stamp fills the fields a caller may leave to the client: id, timestamp,
// origin and trace id. Existing values are never overwritten.
func (c *Client) stamp(a *envelope.DomainAction) {
	if a.ActionID == uuid.Nil {
		a.ActionID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.OriginService == "" {
		a.OriginService = c.origin
	}
	if a.TraceID == "" {
		a.TraceID = uuid.NewString()
	}
}

// append encodes the envelope and XADDs it to the target service's action
// stream under the single "data" field.
func (c *Client) append(ctx context.Context, a *envelope.DomainAction) (string, error) {
	encoded, err := envelope.Encode(a)
	if err != nil {
		return "", err
	}
	client, err := c.pool.Acquire(ctx)
	if err != nil {
		return "", &Error{Op: "acquire", Err: err}
	}
	stream := c.namer.ActionStream(a.TargetService(), c.context)
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(encoded)},
	}).Result()
	if err != nil {
		return "", &Error{Op: "xadd", Err: err}
	}
	log.Debug(ctx, log.KV{K: "msg", V: "action sent"},
		log.KV{K: "stream", V: stream},
		log.KV{K: "action_type", V: a.ActionType},
		log.KV{K: "action_id", V: a.ActionID.String()},
		log.KV{K: "entry_id", V: id})
	return id, nil
}
