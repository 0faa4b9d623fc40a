// Package service provides the base every nooble4 business service builds on.
// A service registers one handler per action_type; Base implements the
// worker's Handler contract, dispatches envelopes, validates payloads, and
// emits exactly one response (pseudo-sync), exactly one callback
// (async-with-callback), or nothing (fire-and-forget) per envelope.
//
// Handlers return their result payload and never emit replies themselves;
// Base owns the emission so the one-reply discipline holds even on failure.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"goa.design/clue/log"

	"github.com/nooble4/fabric/config"
	"github.com/nooble4/fabric/envelope"
	"github.com/nooble4/fabric/redispool"
	"github.com/nooble4/fabric/transport"
)

type (
	// HandlerFunc handles one action type. The returned map becomes the
	// response data (pseudo-sync) or the callback payload
	// (async-with-callback); it is ignored for fire-and-forget envelopes.
	HandlerFunc func(ctx context.Context, a *envelope.DomainAction) (map[string]any, error)

	// Options configures a Base.
	Options struct {
		// Settings carries the service identity.
		Settings config.Settings
		// Transport is used for all outbound emission. Required.
		Transport *transport.Client
		// Pool is an optional direct handle for state manager construction.
		Pool *redispool.Pool
	}

	// Base is the minimal contract a business service implements. It
	// satisfies worker.Handler.
	Base struct {
		name      string
		transport *transport.Client
		pool      *redispool.Pool

		mu       sync.RWMutex
		handlers map[string]HandlerFunc
	}

	// HandlerNotFoundError reports an action_type with no registered handler.
	// Terminal at the worker boundary, like a bad envelope.
	HandlerNotFoundError struct {
		ActionType string
	}

	// PayloadValidationError reports envelope data that does not match the
	// per-action schema. Terminal at the worker boundary.
	PayloadValidationError struct {
		ActionType string
		Err        error
	}

	// detailer is implemented by errors that know their wire-level detail
	// (e.g. *tier.LimitExceededError, *PayloadValidationError).
	detailer interface {
		Detail() *envelope.ErrorDetail
	}
)

// payload schemas are validated with struct tags via a single shared
// validator instance, which caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Error implements error.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for action type %q", e.ActionType)
}

// Detail converts the failure into a wire-level error detail.
func (e *HandlerNotFoundError) Detail() *envelope.ErrorDetail {
	return &envelope.ErrorDetail{
		ErrorType: "validation",
		ErrorCode: "HANDLER_NOT_FOUND",
		Message:   e.Error(),
	}
}

// Error implements error.
func (e *PayloadValidationError) Error() string {
	return fmt.Sprintf("payload validation failed for %q: %v", e.ActionType, e.Err)
}

// Unwrap exposes the underlying validation failure.
func (e *PayloadValidationError) Unwrap() error { return e.Err }

// Detail converts the failure into a wire-level error detail.
func (e *PayloadValidationError) Detail() *envelope.ErrorDetail {
	return &envelope.ErrorDetail{
		ErrorType: "validation",
		ErrorCode: "PAYLOAD_INVALID",
		Message:   e.Error(),
	}
}

// New constructs a service base.
func New(opts Options) (*Base, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport client is required")
	}
	if opts.Settings.ServiceName == "" {
		return nil, errors.New("service name is required")
	}
	return &Base{
		name:      opts.Settings.ServiceName,
		transport: opts.Transport,
		pool:      opts.Pool,
		handlers:  make(map[string]HandlerFunc),
	}, nil
}

// Name returns the service name.
func (b *Base) Name() string { return b.name }

// Transport returns the outbound transport client.
func (b *Base) Transport() *transport.Client { return b.transport }

// Pool returns the direct pool handle, or nil when none was provided.
func (b *Base) Pool() *redispool.Pool { return b.pool }

// Register binds a handler to an action type. Registering the same type twice
// is a programming error and fails.
func (b *Base) Register(actionType string, h HandlerFunc) error {
	if actionType == "" {
		return errors.New("action type is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[actionType]; dup {
		return fmt.Errorf("handler already registered for %q", actionType)
	}
	b.handlers[actionType] = h
	return nil
}

// ProcessAction dispatches one envelope to its registered handler and emits
// the reply the envelope's pattern calls for. Transient errors propagate
// without a reply so the worker leaves the entry pending; terminal errors are
// reported on the reply channel when one exists.
func (b *Base) ProcessAction(ctx context.Context, a *envelope.DomainAction) error {
	b.mu.RLock()
	h, ok := b.handlers[a.ActionType]
	b.mu.RUnlock()
	if !ok {
		err := &HandlerNotFoundError{ActionType: a.ActionType}
		b.emitFailure(ctx, a, err)
		return err
	}

	data, err := h(ctx, a)
	if err != nil {
		if isTransient(err) {
			return err
		}
		b.emitFailure(ctx, a, err)
		return err
	}

	switch {
	case a.IsPseudoSync():
		if data == nil {
			data = map[string]any{}
		}
		resp, rerr := envelope.NewResponse(a, data)
		if rerr != nil {
			return rerr
		}
		return b.transport.SendResponse(ctx, a, resp)
	case a.ExpectsCallback():
		_, cerr := b.transport.SendCallback(ctx, a, data)
		return cerr
	default:
		return nil
	}
}

// emitFailure best-effort delivers a failure response for pseudo-sync
// envelopes. Fire-and-forget and callback patterns report failures through
// logs only; callback-pattern failure conventions (a dedicated failure
// callback action type) are the originating service's to register.
func (b *Base) emitFailure(ctx context.Context, a *envelope.DomainAction, cause error) {
	if !a.IsPseudoSync() {
		return
	}
	resp, err := envelope.NewErrorResponse(a, errorDetail(cause))
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failure response construction failed"})
		return
	}
	if err := b.transport.SendResponse(ctx, a, resp); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failure response emission failed"},
			log.KV{K: "action_type", V: a.ActionType})
	}
}

// errorDetail derives the wire detail for an error, preferring errors that
// carry their own.
func errorDetail(err error) *envelope.ErrorDetail {
	var d detailer
	if errors.As(err, &d) {
		return d.Detail()
	}
	return &envelope.ErrorDetail{
		ErrorType: "business",
		ErrorCode: "INTERNAL_ERROR",
		Message:   err.Error(),
	}
}

// DecodePayload decodes an envelope's data into the per-action schema struct
// and validates it with its struct tags. Returns a *PayloadValidationError on
// mismatch.
func DecodePayload[T any](a *envelope.DomainAction, v *T) error {
	raw, err := json.Marshal(a.Data)
	if err != nil {
		return &PayloadValidationError{ActionType: a.ActionType, Err: err}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &PayloadValidationError{ActionType: a.ActionType, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &PayloadValidationError{ActionType: a.ActionType, Err: err}
	}
	return nil
}

// isTransient mirrors the worker's classification.
func isTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}
