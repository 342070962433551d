package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ardenfield/nightdesk/internal/providers"
)

// Tool is the contract every registered capability implements. Parameters
// returns a JSON-schema "parameters" object (matching OpenAI/Anthropic
// function-calling conventions); Execute runs synchronously and always
// returns a non-nil *Result — errors are carried in the result, not as a
// Go error, so the LLM can see and react to them.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ToProviderDef converts a Tool into the wire shape the provider
// abstraction sends to the model.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ToolRateLimiter enforces a per-tool-per-hour call cap (§4.5, §11
// golang.org/x/time/rate). A zero or negative perHour means unlimited.
type ToolRateLimiter struct {
	mu       sync.Mutex
	perHour  int
	limiters map[string]*rate.Limiter
}

func NewToolRateLimiter(perHour int) *ToolRateLimiter {
	return &ToolRateLimiter{perHour: perHour, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether one more call to toolName is permitted right now.
func (rl *ToolRateLimiter) Allow(toolName string) bool {
	if rl == nil || rl.perHour <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[toolName]
	if !ok {
		// burst = perHour lets a cold tool use its whole hourly budget immediately,
		// then refills continuously at perHour/hour.
		lim = rate.NewLimiter(rate.Limit(float64(rl.perHour)/3600.0), rl.perHour)
		rl.limiters[toolName] = lim
	}
	return lim.Allow()
}

// Registry owns the set of tools exposed to the agent loop, plus the
// cross-cutting concerns (context injection, rate limiting, panic safety)
// every call goes through regardless of which tool is invoked.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	rateLimiter *ToolRateLimiter
	scrub       bool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name, no-op if absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted for deterministic output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SetRateLimiter installs (or clears, with nil) the per-tool-per-hour limiter.
func (r *Registry) SetRateLimiter(rl *ToolRateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimiter = rl
}

// SetScrubbing toggles credential scrubbing of tool output before it
// reaches the LLM (§6 tools.scrubCredentials).
func (r *Registry) SetScrubbing(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrub = enabled
}

// ProviderDefs returns every registered tool's definition, unfiltered.
// Callers that need policy-based filtering should go through
// PolicyEngine.FilterTools instead.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// Execute runs a tool by name with no channel/session context attached.
// Used by subagents and other callers that don't route through a channel.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	return r.execute(ctx, name, args)
}

// ExecuteWithContext runs a tool by name, injecting channel/chat/session
// context so tools can scope their behavior (allowlists, per-chat state,
// workspace routing) to the originating conversation. extra is reserved
// for caller-specific metadata not yet covered by a dedicated context key.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, extra map[string]interface{}) *Result {
	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSessionKey(ctx, sessionKey)
	return r.execute(ctx, name, args)
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	r.mu.RLock()
	t, ok := r.tools[name]
	limiter := r.rateLimiter
	scrub := r.scrub
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	if limiter != nil && !limiter.Allow(name) {
		return ErrorResult(fmt.Sprintf("tool '%s' rate limit exceeded, try again later", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool '%s' failed unexpectedly", name))
		}
	}()

	start := time.Now()
	result = t.Execute(ctx, args)
	if result == nil {
		result = NewResult("")
	}
	if scrub {
		result.ForLLM = ScrubCredentials(result.ForLLM)
		result.ForUser = ScrubCredentials(result.ForUser)
	}
	slog.Debug("tool executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "is_error", result.IsError)
	return result
}
