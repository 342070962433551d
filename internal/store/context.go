package store

import (
	"context"

	"github.com/google/uuid"
)

// Context keys propagate per-run identity through the tool call chain:
// tools reach for these instead of threading extra parameters through
// every Tool.Execute signature.
type contextKey string

const (
	ctxAgentID   contextKey = "agent_id"
	ctxUserID    contextKey = "user_id"
	ctxSenderID  contextKey = "sender_id"
	ctxAgentType contextKey = "agent_type"
)

func WithAgentID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

// AgentIDFromContext returns uuid.Nil when no agent ID was set (single-agent runs).
func AgentIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxAgentID).(uuid.UUID)
	return id
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}

func WithSenderID(ctx context.Context, senderID string) context.Context {
	return context.WithValue(ctx, ctxSenderID, senderID)
}

func SenderIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxSenderID).(string)
	return id
}

func WithAgentType(ctx context.Context, agentType string) context.Context {
	return context.WithValue(ctx, ctxAgentType, agentType)
}

func AgentTypeFromContext(ctx context.Context) string {
	t, _ := ctx.Value(ctxAgentType).(string)
	return t
}

// GenNewID generates an ID for a tracing span or task record.
func GenNewID() uuid.UUID {
	return uuid.New()
}
