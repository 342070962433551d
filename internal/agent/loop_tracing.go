package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ardenfield/nightdesk/internal/providers"
	"github.com/ardenfield/nightdesk/internal/tools"
	"github.com/ardenfield/nightdesk/internal/tracing"
)

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// ID returns the agent's identifier.
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier for this agent loop.
func (l *Loop) Model() string { return l.model }

// IsRunning returns whether the agent is currently processing.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// emitLLMSpan records a child span for one LLM call, nested under whatever
// span is already in ctx (the agent run's root span).
func (l *Loop) emitLLMSpan(ctx context.Context, start time.Time, iteration int, messages []providers.Message, resp *providers.ChatResponse, callErr error) {
	name := fmt.Sprintf("%s/%s #%d", l.provider.Name(), l.model, iteration)
	_, span := l.tracer.StartSpan(ctx, name, start,
		attribute.String("llm.provider", l.provider.Name()),
		attribute.String("llm.model", l.model),
		attribute.Int("llm.iteration", iteration),
	)

	attrs := []attribute.KeyValue{}
	if l.verboseTrace && len(messages) > 0 {
		if b, err := json.Marshal(stripImageData(messages)); err == nil {
			attrs = append(attrs, attribute.String("llm.input", truncateStr(string(b), 100000)))
		}
	}

	if resp != nil {
		if resp.Usage != nil {
			attrs = append(attrs,
				attribute.Int("llm.input_tokens", resp.Usage.PromptTokens),
				attribute.Int("llm.output_tokens", resp.Usage.CompletionTokens),
			)
			if resp.Usage.CacheCreationTokens > 0 {
				attrs = append(attrs, attribute.Int("llm.cache_creation_tokens", resp.Usage.CacheCreationTokens))
			}
			if resp.Usage.CacheReadTokens > 0 {
				attrs = append(attrs, attribute.Int("llm.cache_read_tokens", resp.Usage.CacheReadTokens))
			}
		}
		attrs = append(attrs, attribute.String("llm.finish_reason", resp.FinishReason))
		outputLimit := 500
		if l.verboseTrace {
			outputLimit = 100000
		}
		attrs = append(attrs, attribute.String("llm.output", truncateStr(resp.Content, outputLimit)))
	}

	tracing.EndSpan(span, time.Now().UTC(), callErr, attrs...)
}

// stripImageData replaces base64 image payloads with a size placeholder so
// verbose traces don't balloon with inline image bytes.
func stripImageData(messages []providers.Message) []providers.Message {
	stripped := make([]providers.Message, len(messages))
	copy(stripped, messages)
	for i := range stripped {
		if len(stripped[i].Images) > 0 {
			placeholder := make([]providers.ImageContent, len(stripped[i].Images))
			for j, img := range stripped[i].Images {
				placeholder[j] = providers.ImageContent{MimeType: img.MimeType, Data: fmt.Sprintf("[base64 %s, %d bytes]", img.MimeType, len(img.Data))}
			}
			stripped[i].Images = placeholder
		}
	}
	return stripped
}

// emitToolSpan records a child span for one tool call. result may carry
// Usage from tools that make their own inner LLM calls (e.g. read_image).
func (l *Loop) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input string, result *tools.Result) {
	previewLimit := 500
	if l.verboseTrace {
		previewLimit = 100000
	}

	_, span := l.tracer.StartSpan(ctx, toolName, start,
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
		attribute.String("tool.input", truncateStr(input, previewLimit)),
	)

	attrs := []attribute.KeyValue{
		attribute.String("tool.output", truncateStr(result.ForLLM, previewLimit)),
	}
	if result.Usage != nil {
		attrs = append(attrs,
			attribute.String("tool.llm_provider", result.Provider),
			attribute.String("tool.llm_model", result.Model),
			attribute.Int("tool.input_tokens", result.Usage.PromptTokens),
			attribute.Int("tool.output_tokens", result.Usage.CompletionTokens),
		)
	}

	var toolErr error
	if result.IsError {
		toolErr = fmt.Errorf("%s", truncateStr(result.ForLLM, 200))
	}

	tracing.EndSpan(span, time.Now().UTC(), toolErr, attrs...)
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	// Don't cut in the middle of a multi-byte rune
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// EstimateTokens returns a rough token estimate for a slice of messages.
// Used internally for summarization thresholds and externally for adaptive throttle.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}
