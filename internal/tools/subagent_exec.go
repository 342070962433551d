package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ardenfield/nightdesk/internal/bus"
	"github.com/ardenfield/nightdesk/internal/providers"
	"github.com/ardenfield/nightdesk/internal/tracing"
)

// runTask executes the subagent in a goroutine.
func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask, callback AsyncCallback) {
	iterations := sm.executeTask(ctx, task)

	// Announce result to parent via bus.
	// The announce goes through the parent agent's session so the agent can
	// reformulate the result for the user.
	if sm.msgBus != nil && task.OriginChannel != "" {
		elapsed := time.Since(time.UnixMilli(task.CreatedAt))

		item := AnnounceQueueItem{
			SubagentID: task.ID,
			Label:      task.Label,
			Status:     task.Status,
			Result:     task.Result,
			Runtime:    elapsed,
			Iterations: iterations,
		}
		meta := AnnounceMetadata{
			OriginChannel:    task.OriginChannel,
			OriginChatID:     task.OriginChatID,
			OriginPeerKind:   task.OriginPeerKind,
			OriginUserID:     task.OriginUserID,
			ParentAgent:      task.ParentID,
			OriginTraceID:    task.OriginTraceID.String(),
			OriginRootSpanID: task.OriginRootSpanID.String(),
		}

		if sm.announceQueue != nil {
			// Use batched announce queue
			sessionKey := fmt.Sprintf("announce:%s:%s", task.ParentID, task.OriginChatID)
			sm.announceQueue.Enqueue(sessionKey, item, meta)
		} else {
			// Direct publish (no batching)
			remainingActive := sm.CountRunningForParent(task.ParentID)
			announceContent := FormatBatchedAnnounce([]AnnounceQueueItem{item}, remainingActive)

			sm.msgBus.PublishInbound(bus.InboundMessage{
				Channel:  "system",
				SenderID: fmt.Sprintf("subagent:%s", task.ID),
				ChatID:   task.OriginChatID,
				Content:  announceContent,
				UserID:   task.OriginUserID,
				Metadata: map[string]string{
					"origin_channel":      task.OriginChannel,
					"origin_peer_kind":    task.OriginPeerKind,
					"parent_agent":        task.ParentID,
					"subagent_id":         task.ID,
					"subagent_label":      task.Label,
					"origin_trace_id":     task.OriginTraceID.String(),
					"origin_root_span_id": task.OriginRootSpanID.String(),
				},
			})
		}
	}

	// Call completion callback
	if callback != nil {
		result := NewResult(fmt.Sprintf("Subagent '%s' completed in %d iterations.\n\nResult:\n%s",
			task.Label, iterations, task.Result))
		callback(ctx, result)
	}
}

// executeTask runs the LLM tool loop for a subagent. Returns iteration count.
// A root span is opened for the whole run; LLM and tool spans nest under it
// via the returned child context, the same way the parent agent's loop nests
// its own LLM/tool spans under the run's root span.
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) int {
	taskStart := time.Now().UTC()
	subCtx, rootSpan := sm.tracer.StartSpan(ctx, "subagent:"+task.Label, taskStart,
		attribute.String("subagent.id", task.ID),
		attribute.String("subagent.parent_id", task.ParentID),
		attribute.Int("subagent.depth", task.Depth),
	)

	var model string
	var finalContent string
	var runErr error
	iteration := 0

	defer func() {
		sm.mu.Lock()
		task.CompletedAt = time.Now().UnixMilli()
		sm.mu.Unlock()

		sm.emitSubagentSpan(rootSpan, taskStart, task, model, finalContent, runErr)
		slog.Debug("subagent tracing: root span emitted",
			"id", task.ID, "status", task.Status, "iterations", iteration)

		// Schedule auto-archive
		if sm.config.ArchiveAfterMinutes > 0 {
			go sm.scheduleArchive(task.ID, time.Duration(sm.config.ArchiveAfterMinutes)*time.Minute)
		}
	}()

	if ctx.Err() != nil {
		sm.mu.Lock()
		task.Status = TaskStatusCancelled
		task.Result = "cancelled before execution"
		sm.mu.Unlock()
		return 0
	}

	// Build tools for subagent (no spawn/subagent tools to prevent recursion)
	toolsReg := sm.createTools()
	sm.applyDenyList(toolsReg, task.Depth)

	// Determine model (cascading priority):
	// 1. Per-task model override (highest)
	// 2. SubagentConfig.Model (global subagent override)
	// 3. SubagentManager default model (inherited from parent)
	model = sm.model
	if sm.config.Model != "" {
		model = sm.config.Model
	}
	if task.Model != "" {
		model = task.Model
	}

	// Build the subagent's system prompt.
	systemPrompt := sm.buildSubagentSystemPrompt(task)

	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task.Task},
	}

	// Run LLM iteration loop (similar to agent loop but simplified)
	maxIterations := 20

	for iteration < maxIterations {
		iteration++

		if ctx.Err() != nil {
			sm.mu.Lock()
			task.Status = TaskStatusCancelled
			task.Result = "cancelled during execution"
			sm.mu.Unlock()
			return iteration
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolsReg.ProviderDefs(),
			Model:    model,
			Options: map[string]interface{}{
				"max_tokens":  4096,
				"temperature": 0.5,
			},
		}

		llmStart := time.Now().UTC()
		resp, err := sm.provider.Chat(subCtx, chatReq)
		sm.emitLLMSpan(subCtx, llmStart, iteration, model, resp, err)

		if err != nil {
			sm.mu.Lock()
			task.Status = TaskStatusFailed
			task.Result = fmt.Sprintf("LLM error at iteration %d: %v", iteration, err)
			sm.mu.Unlock()
			runErr = err
			slog.Warn("subagent LLM error", "id", task.ID, "iteration", iteration, "error", err)
			return iteration
		}

		// No tool calls → done
		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		// Build assistant message
		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)

		// Execute tools
		for _, tc := range resp.ToolCalls {
			slog.Debug("subagent tool call", "id", task.ID, "tool", tc.Name)

			toolStart := time.Now().UTC()
			result := toolsReg.Execute(subCtx, tc.Name, tc.Arguments)

			argsJSON, _ := json.Marshal(tc.Arguments)
			sm.emitToolSpan(subCtx, toolStart, tc.Name, tc.ID, string(argsJSON), result)

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	sm.mu.Lock()
	if finalContent == "" {
		finalContent = "Task completed but no final response was generated."
	}
	task.Status = TaskStatusCompleted
	task.Result = finalContent
	sm.mu.Unlock()

	slog.Info("subagent completed", "id", task.ID, "iterations", iteration)
	return iteration
}

// emitSubagentSpan closes the root span for a subagent run.
func (sm *SubagentManager) emitSubagentSpan(span trace.Span, start time.Time, task *SubagentTask, model, finalContent string, runErr error) {
	attrs := []attribute.KeyValue{
		attribute.String("subagent.status", task.Status),
		attribute.String("subagent.model", model),
	}
	if finalContent != "" {
		attrs = append(attrs, attribute.String("subagent.result", truncateStr(finalContent, 2000)))
	}
	tracing.EndSpan(span, time.Now().UTC(), runErr, attrs...)
}

// emitLLMSpan records a child span for one subagent LLM call.
func (sm *SubagentManager) emitLLMSpan(ctx context.Context, start time.Time, iteration int, model string, resp *providers.ChatResponse, callErr error) {
	name := fmt.Sprintf("%s/%s #%d", sm.provider.Name(), model, iteration)
	_, span := sm.tracer.StartSpan(ctx, name, start,
		attribute.String("llm.provider", sm.provider.Name()),
		attribute.String("llm.model", model),
		attribute.Int("llm.iteration", iteration),
	)

	var attrs []attribute.KeyValue
	if resp != nil {
		if resp.Usage != nil {
			attrs = append(attrs,
				attribute.Int("llm.input_tokens", resp.Usage.PromptTokens),
				attribute.Int("llm.output_tokens", resp.Usage.CompletionTokens),
			)
		}
		attrs = append(attrs, attribute.String("llm.finish_reason", resp.FinishReason))
		attrs = append(attrs, attribute.String("llm.output", truncateStr(resp.Content, 500)))
	}

	tracing.EndSpan(span, time.Now().UTC(), callErr, attrs...)
}

// emitToolSpan records a child span for one subagent tool call.
func (sm *SubagentManager) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input string, result *Result) {
	_, span := sm.tracer.StartSpan(ctx, toolName, start,
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
		attribute.String("tool.input", truncateStr(input, 500)),
	)

	attrs := []attribute.KeyValue{
		attribute.String("tool.output", truncateStr(result.ForLLM, 500)),
	}

	var toolErr error
	if result.IsError {
		toolErr = fmt.Errorf("%s", truncateStr(result.ForLLM, 200))
	}

	tracing.EndSpan(span, time.Now().UTC(), toolErr, attrs...)
}
