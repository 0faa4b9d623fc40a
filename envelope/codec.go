package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// wireAction is the JSON layout of DomainAction. Timestamps are RFC 3339 UTC,
// UUIDs canonical lowercase hex. Optional string fields are omitted when
// empty; decoders accept both omitted and null. The payload maps are always
// emitted (null when nil) so an empty map and an absent one stay distinct
// across a round trip.
type wireAction struct {
	ActionID           uuid.UUID      `json:"action_id"`
	ActionType         string         `json:"action_type"`
	Timestamp          time.Time      `json:"timestamp"`
	TenantID           string         `json:"tenant_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
	OriginService      string         `json:"origin_service,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	TraceID            string         `json:"trace_id,omitempty"`
	CallbackQueueName  string         `json:"callback_queue_name,omitempty"`
	CallbackActionType string         `json:"callback_action_type,omitempty"`
	Data               map[string]any `json:"data"`
	Metadata           map[string]any `json:"metadata"`
}

type wireResponse struct {
	ActionID      uuid.UUID      `json:"action_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	Success       bool           `json:"success"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`
	Error         *ErrorDetail   `json:"error,omitempty"`
}

var knownActionFields = map[string]bool{
	"action_id": true, "action_type": true, "timestamp": true,
	"tenant_id": true, "user_id": true, "session_id": true,
	"origin_service": true, "correlation_id": true, "trace_id": true,
	"callback_queue_name": true, "callback_action_type": true,
	"data": true, "metadata": true,
}

var knownResponseFields = map[string]bool{
	"action_id": true, "correlation_id": true, "trace_id": true,
	"success": true, "timestamp": true, "data": true, "error": true,
}

// MarshalJSON encodes the action, merging back any unknown fields captured at
// decode time. Known field names always win over Extra entries.
func (a *DomainAction) MarshalJSON() ([]byte, error) {
	w := wireAction{
		ActionID:           a.ActionID,
		ActionType:         a.ActionType,
		Timestamp:          a.Timestamp.UTC(),
		TenantID:           a.TenantID,
		UserID:             a.UserID,
		SessionID:          a.SessionID,
		OriginService:      a.OriginService,
		CorrelationID:      a.CorrelationID,
		TraceID:            a.TraceID,
		CallbackQueueName:  a.CallbackQueueName,
		CallbackActionType: a.CallbackActionType,
		Data:               a.Data,
		Metadata:           a.Metadata,
	}
	return marshalWithExtra(w, a.Extra, knownActionFields)
}

// UnmarshalJSON decodes the action, stashing unknown top-level fields in Extra
// so they survive re-encoding.
func (a *DomainAction) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	extra, err := extraFields(data, knownActionFields)
	if err != nil {
		return err
	}
	*a = DomainAction{
		ActionID:           w.ActionID,
		ActionType:         w.ActionType,
		Timestamp:          w.Timestamp.UTC(),
		TenantID:           w.TenantID,
		UserID:             w.UserID,
		SessionID:          w.SessionID,
		OriginService:      w.OriginService,
		CorrelationID:      w.CorrelationID,
		TraceID:            w.TraceID,
		CallbackQueueName:  w.CallbackQueueName,
		CallbackActionType: w.CallbackActionType,
		Data:               w.Data,
		Metadata:           w.Metadata,
		Extra:              extra,
	}
	return nil
}

// MarshalJSON encodes the response, merging back unknown fields.
func (r *DomainActionResponse) MarshalJSON() ([]byte, error) {
	w := wireResponse{
		ActionID:      r.ActionID,
		CorrelationID: r.CorrelationID,
		TraceID:       r.TraceID,
		Success:       r.Success,
		Timestamp:     r.Timestamp.UTC(),
		Data:          r.Data,
		Error:         r.Error,
	}
	return marshalWithExtra(w, r.Extra, knownResponseFields)
}

// UnmarshalJSON decodes the response, stashing unknown top-level fields.
func (r *DomainActionResponse) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	extra, err := extraFields(data, knownResponseFields)
	if err != nil {
		return err
	}
	*r = DomainActionResponse{
		ActionID:      w.ActionID,
		CorrelationID: w.CorrelationID,
		TraceID:       w.TraceID,
		Success:       w.Success,
		Timestamp:     w.Timestamp.UTC(),
		Data:          w.Data,
		Error:         w.Error,
		Extra:         extra,
	}
	return nil
}

// Encode validates and serializes an action for a stream entry or callback
// queue element.
func Encode(a *DomainAction) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	return b, nil
}

// Decode parses and validates an action read off the wire.
func Decode(data []byte) (*DomainAction, error) {
	var a DomainAction
	if err := json.Unmarshal(data, &a); err != nil {
		if _, ok := err.(*json.SyntaxError); ok {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// EncodeResponse validates and serializes a response for a reply queue element.
func EncodeResponse(r *DomainActionResponse) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return b, nil
}

// DecodeResponse parses and validates a response read off a reply queue.
func DecodeResponse(data []byte) (*DomainActionResponse, error) {
	var r DomainActionResponse
	if err := json.Unmarshal(data, &r); err != nil {
		if _, ok := err.(*json.SyntaxError); ok {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// marshalWithExtra marshals the wire struct, then splices unknown fields back
// into the object. known guards against an Extra entry shadowing a field the
// struct omitted via omitempty.
func marshalWithExtra(w any, extra map[string]json.RawMessage, known map[string]bool) ([]byte, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if !known[k] {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// extraFields returns the top-level fields of data not present in known, or
// nil when there are none.
func extraFields(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	for k := range m {
		if known[k] {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
