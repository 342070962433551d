// Package protocol defines the event-type vocabulary the agent loop uses to
// describe a run's progress to internal/channels.Manager, which forwards it
// to whichever channel originated the run (streaming chunks, tool-call
// markers, reactions).
package protocol

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventThinking = "thinking"
)
