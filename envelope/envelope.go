// Package envelope defines the wire types exchanged between nooble4 services:
// the DomainAction request envelope, the DomainActionResponse reply, and the
// ErrorDetail carried by failed responses.
//
// Contract:
//   - Envelopes are encoded as flat JSON objects. Unknown top-level fields are
//     preserved on decode and round-tripped on re-encode so that services at
//     different versions can relay envelopes without data loss.
//   - correlation_id and trace_id are immutable across every envelope derived
//     from a single originating request.
//   - A response populates exactly one of data/error; violating that is a
//     construction-time failure, never a wire-time surprise.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// DomainAction is the unit of work passed between services. The receiver's
	// dispatcher keys on ActionType ("<target_service>.<entity>.<verb>").
	DomainAction struct {
		// ActionID uniquely identifies this envelope. Receivers that opt into
		// idempotent handling treat it as the dedupe key within the stream
		// retention window.
		ActionID uuid.UUID
		// ActionType is the dotted action name; its first segment names the
		// target service.
		ActionType string
		// Timestamp records envelope creation time in UTC.
		Timestamp time.Time
		// TenantID is required on any action subject to tier policy.
		TenantID string
		// UserID identifies the acting user, when known.
		UserID string
		// SessionID groups envelopes belonging to one conversational session.
		SessionID string
		// OriginService names the emitting service.
		OriginService string
		// CorrelationID groups a request with its response. Required for the
		// pseudo-synchronous pattern.
		CorrelationID string
		// TraceID propagates distributed-tracing identity across hops.
		TraceID string
		// CallbackQueueName is where the receiver must deliver the reply, if any.
		CallbackQueueName string
		// CallbackActionType, when set together with CallbackQueueName, switches
		// the pattern to async-with-callback: the reply is a fresh DomainAction
		// of this type rather than a DomainActionResponse.
		CallbackActionType string
		// Data is the payload; the receiver validates it against its own
		// per-action schema.
		Data map[string]any
		// Metadata is a free-form supplementary bag.
		Metadata map[string]any

		// Extra holds unknown top-level JSON fields seen on decode. They are
		// written back verbatim on encode.
		Extra map[string]json.RawMessage
	}

	// DomainActionResponse is the reply to a pseudo-synchronous DomainAction.
	DomainActionResponse struct {
		// ActionID echoes the original envelope's ActionID.
		ActionID uuid.UUID
		// CorrelationID echoes the original.
		CorrelationID string
		// TraceID echoes the original.
		TraceID string
		// Success reports whether the action was handled successfully.
		Success bool
		// Timestamp records response creation time in UTC.
		Timestamp time.Time
		// Data carries the result payload. Populated iff Success is true.
		Data map[string]any
		// Error describes the failure. Populated iff Success is false.
		Error *ErrorDetail

		// Extra holds unknown top-level JSON fields seen on decode.
		Extra map[string]json.RawMessage
	}

	// ErrorDetail describes a failure carried by a DomainActionResponse.
	ErrorDetail struct {
		// ErrorType is the coarse category (e.g. "validation", "tier_limit").
		ErrorType string `json:"error_type"`
		// ErrorCode is the service-specific code (e.g. "QUOTA_EXCEEDED").
		ErrorCode string `json:"error_code"`
		// Message is a human-readable description.
		Message string `json:"message"`
		// Details holds structured extra context.
		Details map[string]any `json:"details,omitempty"`
	}
)

// ErrBadEnvelope is wrapped by every decode or validation failure. Workers
// classify such failures as terminal: the entry is acked, never retried.
var ErrBadEnvelope = errors.New("bad envelope")

// New constructs a DomainAction with a fresh ActionID and a UTC timestamp.
// The caller fills context fields before sending.
func New(actionType string, data map[string]any) *DomainAction {
	return &DomainAction{
		ActionID:   uuid.New(),
		ActionType: actionType,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// TargetService returns the first segment of ActionType, which names the
// service whose action stream the envelope must be appended to.
func (a *DomainAction) TargetService() string {
	if i := strings.IndexByte(a.ActionType, '.'); i > 0 {
		return a.ActionType[:i]
	}
	return a.ActionType
}

// ActionName returns the ActionType with dots replaced by underscores, safe to
// embed in a queue name segment.
func (a *DomainAction) ActionName() string {
	return strings.ReplaceAll(a.ActionType, ".", "_")
}

// Validate reports whether the envelope is well-formed enough to put on the
// wire. OriginService and the ActionType target prefix are validated
// independently; neither is derived from the other.
func (a *DomainAction) Validate() error {
	if a.ActionID == uuid.Nil {
		return fmt.Errorf("%w: missing action_id", ErrBadEnvelope)
	}
	if a.ActionType == "" {
		return fmt.Errorf("%w: missing action_type", ErrBadEnvelope)
	}
	parts := strings.Split(a.ActionType, ".")
	if len(parts) < 3 {
		return fmt.Errorf("%w: action_type %q is not of the form service.entity.verb", ErrBadEnvelope, a.ActionType)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: action_type %q has an empty segment", ErrBadEnvelope, a.ActionType)
		}
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrBadEnvelope)
	}
	if a.CallbackActionType != "" && a.CallbackQueueName == "" {
		return fmt.Errorf("%w: callback_action_type set without callback_queue_name", ErrBadEnvelope)
	}
	return nil
}

// IsPseudoSync reports whether the envelope expects a DomainActionResponse on
// its callback queue.
func (a *DomainAction) IsPseudoSync() bool {
	return a.CallbackQueueName != "" && a.CallbackActionType == ""
}

// ExpectsCallback reports whether the envelope expects a fresh DomainAction of
// type CallbackActionType on its callback queue.
func (a *DomainAction) ExpectsCallback() bool {
	return a.CallbackQueueName != "" && a.CallbackActionType != ""
}

// NewResponse constructs a successful response echoing the original's
// correlation identifiers. data must be non-nil; a success response without a
// payload violates the data/error exclusivity invariant.
func NewResponse(original *DomainAction, data map[string]any) (*DomainActionResponse, error) {
	if original == nil {
		return nil, errors.New("original action is required")
	}
	if data == nil {
		return nil, errors.New("success response requires data")
	}
	return &DomainActionResponse{
		ActionID:      original.ActionID,
		CorrelationID: original.CorrelationID,
		TraceID:       original.TraceID,
		Success:       true,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}, nil
}

// NewErrorResponse constructs a failure response echoing the original's
// correlation identifiers. detail must be non-nil.
func NewErrorResponse(original *DomainAction, detail *ErrorDetail) (*DomainActionResponse, error) {
	if original == nil {
		return nil, errors.New("original action is required")
	}
	if detail == nil {
		return nil, errors.New("failure response requires an error detail")
	}
	return &DomainActionResponse{
		ActionID:      original.ActionID,
		CorrelationID: original.CorrelationID,
		TraceID:       original.TraceID,
		Success:       false,
		Timestamp:     time.Now().UTC(),
		Error:         detail,
	}, nil
}

// Validate reports whether the response satisfies the data/error exclusivity
// invariant.
func (r *DomainActionResponse) Validate() error {
	if r.ActionID == uuid.Nil {
		return fmt.Errorf("%w: response missing action_id", ErrBadEnvelope)
	}
	if r.Success && r.Data == nil {
		return fmt.Errorf("%w: success response without data", ErrBadEnvelope)
	}
	if r.Success && r.Error != nil {
		return fmt.Errorf("%w: success response carrying an error", ErrBadEnvelope)
	}
	if !r.Success && r.Error == nil {
		return fmt.Errorf("%w: failure response without error", ErrBadEnvelope)
	}
	if !r.Success && r.Data != nil {
		return fmt.Errorf("%w: failure response carrying data", ErrBadEnvelope)
	}
	return nil
}
