package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// HTTPError wraps a non-2xx response from a provider's HTTP API. Status
// drives the retryable/permanent split in IsRetryable: 401/403 are never
// retried, 429 and 5xx are.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter reads a Retry-After header value (seconds, the only form
// providers in this package send) into a duration. An empty or malformed
// value yields zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// IsRetryable classifies an upstream error per the provider abstraction's
// retry policy: network timeouts, 5xx, 429, and "model not found" (common
// during a provider's brief post-deploy warm-up) are retried against the
// next fallback model. 401/403 and any other 4xx whose body does not say
// "model not found" are treated as permanent —
// retrying a bad key or a policy denial against a different model wastes an
// attempt and hides the real error from the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 401 || httpErr.Status == 403:
			return false
		case httpErr.Status == 429:
			return true
		case httpErr.Status >= 500:
			return true
		default:
			return strings.Contains(strings.ToLower(httpErr.Body), "model not found")
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryableMarkers = []string{
	"model not found",
	"overloaded",
	"temporarily unavailable",
	"rate limit",
	"connection reset",
	"connection refused",
	"timeout",
	"eof",
}

// RouteMode selects how a Router resolves a model string to a Provider.
type RouteMode string

const (
	// ModeAuto prefers the proxy provider for an unprefixed model, falls
	// back to an explicit "provider/model" prefix hint, and otherwise
	// walks Priority for the first configured provider.
	ModeAuto RouteMode = "auto"
	// ModeProxy always targets the configured OpenAI-compatible local
	// gateway, regardless of any prefix on the model string.
	ModeProxy RouteMode = "proxy"
	// ModeDirect strips a "provider/model" prefix (or, absent one, walks
	// Priority) and calls that provider directly.
	ModeDirect RouteMode = "direct"
)

// RouteConfig is the resolved routing policy a Router acts on.
type RouteConfig struct {
	Mode           RouteMode
	ProxyProvider  string
	Priority       []string
	FallbackModels []string
}

// Router implements Provider by resolving the requested model to a member
// of an underlying Registry and, on a retryable failure, retrying against
// each of FallbackModels in order before giving up. It is itself a
// Provider, so it drops into any caller that holds a single providers.Provider
// reference.
type Router struct {
	registry *Registry
	cfg      RouteConfig
}

// NewRouter builds a Router over registry using cfg. cfg.Priority, when
// empty, defaults to registry.List() so auto/direct routing without a
// prefix hint still has a deterministic fallback order.
func NewRouter(registry *Registry, cfg RouteConfig) *Router {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = registry.List()
	}
	return &Router{registry: registry, cfg: cfg}
}

func (r *Router) Name() string { return "router" }

// DefaultModel returns the default model of the first resolvable provider,
// so a Router can stand in wherever a bare Provider's DefaultModel() is
// used to seed an empty ChatRequest.Model.
func (r *Router) DefaultModel() string {
	p, _, err := r.resolve("")
	if err != nil {
		return ""
	}
	return p.DefaultModel()
}

// candidates returns the ordered list of models to try: the request's
// model first, then cfg.FallbackModels, skipping blanks.
func (r *Router) candidates(requested string) []string {
	out := make([]string, 0, 1+len(r.cfg.FallbackModels))
	if requested != "" {
		out = append(out, requested)
	}
	out = append(out, r.cfg.FallbackModels...)
	return out
}

// resolve maps a model string to the provider that should serve it and the
// bare model name to send (prefix stripped, if any).
func (r *Router) resolve(model string) (Provider, string, error) {
	providerHint, bareModel := splitProviderPrefix(model)

	switch r.cfg.Mode {
	case ModeProxy:
		if r.cfg.ProxyProvider == "" {
			return nil, "", fmt.Errorf("routing: mode proxy requires a proxy_provider")
		}
		p, err := r.registry.Get(r.cfg.ProxyProvider)
		return p, model, err

	case ModeDirect:
		if providerHint != "" {
			p, err := r.registry.Get(providerHint)
			return p, bareModel, err
		}
		return r.firstConfigured(model)

	default: // ModeAuto
		if r.cfg.ProxyProvider != "" && providerHint == "" {
			if p, err := r.registry.Get(r.cfg.ProxyProvider); err == nil {
				return p, model, nil
			}
		}
		if providerHint != "" {
			if p, err := r.registry.Get(providerHint); err == nil {
				return p, bareModel, nil
			}
		}
		return r.firstConfigured(model)
	}
}

func (r *Router) firstConfigured(model string) (Provider, string, error) {
	for _, name := range r.cfg.Priority {
		if p, err := r.registry.Get(name); err == nil {
			return p, model, nil
		}
	}
	names := r.registry.List()
	if len(names) == 0 {
		return nil, "", fmt.Errorf("routing: no provider configured")
	}
	p, err := r.registry.Get(names[0])
	return p, model, err
}

// splitProviderPrefix splits "anthropic/claude-sonnet-4-5" into
// ("anthropic", "claude-sonnet-4-5"). A model with no slash, or with the
// slash first or last, returns ("", model) unchanged. Any other text
// before the first slash is returned as the provider name without
// checking it against known providers.
func splitProviderPrefix(model string) (provider, bareModel string) {
	idx := strings.Index(model, "/")
	if idx <= 0 || idx == len(model)-1 {
		return "", model
	}
	return model[:idx], model[idx+1:]
}

// Chat resolves req.Model (and falls through cfg.FallbackModels on a
// retryable error) and delegates to the winning provider's Chat.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for i, model := range r.candidates(req.Model) {
		p, bareModel, err := r.resolve(model)
		if err != nil {
			lastErr = err
			continue
		}
		attempt := req
		attempt.Model = bareModel
		resp, err := p.Chat(ctx, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		slog.Warn("provider call failed, trying fallback model",
			"model", model, "provider", p.Name(), "attempt", i+1, "err", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("routing: no model resolved for request")
	}
	return nil, lastErr
}

// ChatStream behaves like Chat but streams via onChunk. A fallback only
// occurs if the provider fails before emitting any chunk — once output has
// started, switching models mid-stream would produce a garbled response.
func (r *Router) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	var lastErr error
	for i, model := range r.candidates(req.Model) {
		p, bareModel, err := r.resolve(model)
		if err != nil {
			lastErr = err
			continue
		}
		attempt := req
		attempt.Model = bareModel

		started := false
		wrappedChunk := func(c StreamChunk) {
			started = true
			onChunk(c)
		}
		resp, err := p.ChatStream(ctx, attempt, wrappedChunk)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if started || !IsRetryable(err) {
			return nil, err
		}
		slog.Warn("provider stream failed before first chunk, trying fallback model",
			"model", model, "provider", p.Name(), "attempt", i+1, "err", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("routing: no model resolved for request")
	}
	return nil, lastErr
}
