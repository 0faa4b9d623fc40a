package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllFields(t *testing.T) {
	a := &DomainAction{
		ActionID:           uuid.New(),
		ActionType:         "embedding.batch.process",
		Timestamp:          time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
		TenantID:           "t1",
		UserID:             "u1",
		SessionID:          "s1",
		OriginService:      "ingestion",
		CorrelationID:      "c1",
		TraceID:            "tr1",
		CallbackQueueName:  "nooble4:dev:ingestion:callbacks:embedding_done",
		CallbackActionType: "ingestion.embedding.done",
		Data:               map[string]any{"chunks": []any{"a", "b"}, "count": float64(2)},
		Metadata:           map[string]any{"source": "upload", "nested": map[string]any{"k": "v"}},
	}
	raw, err := Encode(a)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestRoundTripPreservesUnknownTopLevelFields(t *testing.T) {
	raw := []byte(`{
		"action_id": "7f6f1c2e-3f4a-4b5c-8d9e-0a1b2c3d4e5f",
		"action_type": "query.rag.search",
		"timestamp": "2026-08-24T10:30:00Z",
		"tenant_id": "t1",
		"data": {"q": "hi", "future_flag": true},
		"schema_version": 7,
		"shard_hint": "eu-west"
	}`)
	a, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, a.Extra, 2)
	require.JSONEq(t, `7`, string(a.Extra["schema_version"]))

	reencoded, err := Encode(a)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(reencoded, &m))
	require.Equal(t, float64(7), m["schema_version"])
	require.Equal(t, "eu-west", m["shard_hint"])
	// Unknown fields inside data are plain map entries and survive untouched.
	require.Equal(t, true, m["data"].(map[string]any)["future_flag"])

	again, err := Decode(reencoded)
	require.NoError(t, err)
	require.Equal(t, a, again)
}

func TestDecodeAcceptsNullOptionalFields(t *testing.T) {
	raw := []byte(`{
		"action_id": "7f6f1c2e-3f4a-4b5c-8d9e-0a1b2c3d4e5f",
		"action_type": "query.rag.search",
		"timestamp": "2026-08-24T10:30:00Z",
		"tenant_id": null,
		"session_id": null,
		"data": null,
		"metadata": null
	}`)
	a, err := Decode(raw)
	require.NoError(t, err)
	require.Empty(t, a.TenantID)
	require.Nil(t, a.Data)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{"action_id": `,
		"missing type":    `{"action_id": "7f6f1c2e-3f4a-4b5c-8d9e-0a1b2c3d4e5f", "timestamp": "2026-08-24T10:30:00Z"}`,
		"wrong data type": `{"action_id": "7f6f1c2e-3f4a-4b5c-8d9e-0a1b2c3d4e5f", "action_type": "a.b.c", "timestamp": "2026-08-24T10:30:00Z", "data": "nope"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, ErrBadEnvelope)
		})
	}
}

func TestEmptyPayloadMapsSurviveRoundTrip(t *testing.T) {
	a := New("query.rag.search", map[string]any{})
	a.Metadata = map[string]any{}
	raw, err := Encode(a)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Data)
	require.Empty(t, got.Data)
	require.NotNil(t, got.Metadata)
	require.Equal(t, a, got)
}

func TestSuccessResponseWithEmptyDataSurvivesTheWire(t *testing.T) {
	// The caller's decoder enforces data/error exclusivity, so an empty result
	// map must still appear as "data": {} on the wire.
	resp, err := NewResponse(validAction(), map[string]any{})
	require.NoError(t, err)
	raw, err := EncodeResponse(resp)
	require.NoError(t, err)
	got, err := DecodeResponse(raw)
	require.NoError(t, err)
	require.True(t, got.Success)
	require.NotNil(t, got.Data)
	require.Empty(t, got.Data)
}

func TestResponseRoundTrip(t *testing.T) {
	a := validAction()
	resp, err := NewResponse(a, map[string]any{"results": []any{}})
	require.NoError(t, err)
	resp.Timestamp = time.Date(2026, 8, 24, 10, 30, 1, 0, time.UTC)

	raw, err := EncodeResponse(resp)
	require.NoError(t, err)
	got, err := DecodeResponse(raw)
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestResponseRoundTripWithError(t *testing.T) {
	a := validAction()
	resp, err := NewErrorResponse(a, &ErrorDetail{
		ErrorType: "tier_limit",
		ErrorCode: "QUOTA_EXCEEDED",
		Message:   "over quota",
		Details:   map[string]any{"resource": "MAX_AGENTS"},
	})
	require.NoError(t, err)
	resp.Timestamp = time.Date(2026, 8, 24, 10, 30, 1, 0, time.UTC)

	raw, err := EncodeResponse(resp)
	require.NoError(t, err)
	got, err := DecodeResponse(raw)
	require.NoError(t, err)
	require.Equal(t, resp, got)
	require.Equal(t, "QUOTA_EXCEEDED", got.Error.ErrorCode)
}

func TestEncodeValidatesInvariants(t *testing.T) {
	resp := &DomainActionResponse{
		ActionID:  uuid.New(),
		Success:   true,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"ok": true},
		Error:     &ErrorDetail{ErrorCode: "X"},
	}
	_, err := EncodeResponse(resp)
	require.ErrorIs(t, err, ErrBadEnvelope)
}

// Property: decode(encode(e)) == e for arbitrary context field values.
func TestRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("action round trip", prop.ForAll(
		func(tenant, user, session, corr string) bool {
			a := New("conversation.message.create", map[string]any{"text": tenant})
			a.Timestamp = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
			a.TenantID = tenant
			a.UserID = user
			a.SessionID = session
			a.CorrelationID = corr
			raw, err := Encode(a)
			if err != nil {
				return false
			}
			got, err := Decode(raw)
			if err != nil {
				return false
			}
			return got.TenantID == tenant && got.UserID == user &&
				got.SessionID == session && got.CorrelationID == corr &&
				got.ActionID == a.ActionID && got.Timestamp.Equal(a.Timestamp)
		},
		gen.Identifier(), gen.Identifier(), gen.Identifier(), gen.Identifier(),
	))

	properties.TestingRun(t)
}
