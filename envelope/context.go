package envelope

import (
	"errors"
	"fmt"
	"time"
)

type (
	// ContextType classifies an ExecutionContext.
	ContextType string

	// ExecutionContext carries multi-agent state across hops for services that
	// need it. It is created on the first request of a session, persisted via
	// the state manager keyed by ContextID, refreshed on each interaction, and
	// destroyed on explicit close or TTL expiry.
	ExecutionContext struct {
		// ContextID is the state-manager key for this context.
		ContextID string `json:"context_id"`
		// ContextType classifies what the context coordinates.
		ContextType ContextType `json:"context_type"`
		// TenantID owns the context.
		TenantID string `json:"tenant_id"`
		// SessionID associates the context with a conversational session.
		SessionID string `json:"session_id,omitempty"`
		// PrimaryAgentID names the agent that fronts the interaction.
		PrimaryAgentID string `json:"primary_agent_id,omitempty"`
		// Agents lists participating agent ids in order.
		Agents []string `json:"agents,omitempty"`
		// Collections lists attached collection ids in order.
		Collections []string `json:"collections,omitempty"`
		// Metadata stores implementation-specific extras.
		Metadata map[string]any `json:"metadata,omitempty"`
		// CreatedAt records when the context was first created.
		CreatedAt time.Time `json:"created_at"`
	}
)

const (
	// ContextTypeAgent scopes the context to a single agent.
	ContextTypeAgent ContextType = "agent"
	// ContextTypeWorkflow scopes the context to a multi-agent workflow.
	ContextTypeWorkflow ContextType = "workflow"
	// ContextTypeCollection scopes the context to a collection.
	ContextTypeCollection ContextType = "collection"
)

// NewExecutionContext constructs a context with a UTC creation time.
func NewExecutionContext(contextID string, typ ContextType, tenantID string) (*ExecutionContext, error) {
	if contextID == "" {
		return nil, errors.New("context id is required")
	}
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	switch typ {
	case ContextTypeAgent, ContextTypeWorkflow, ContextTypeCollection:
	default:
		return nil, fmt.Errorf("unknown context type %q", typ)
	}
	return &ExecutionContext{
		ContextID:   contextID,
		ContextType: typ,
		TenantID:    tenantID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
