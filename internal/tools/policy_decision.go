package tools

import (
	"regexp"
	"strings"

	"github.com/ardenfield/nightdesk/internal/config"
)

// Decision is the outcome of resolving tool_policy for one call (§4.5).
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// ApprovalMode values (§6 tools.approvalMode).
const (
	ApprovalOff     = "off"
	ApprovalConfirm = "confirm"
)

// PolicyResolver resolves the per-call allow|ask|deny decision described
// in §4.5, independent of PolicyEngine's tool-visibility filtering above
// — this is the gate the agent loop consults before executing a tool
// the model already chose to call.
type PolicyResolver struct {
	rules        map[string]Decision
	riskyTools   map[string]bool
	approvalMode string
}

// NewPolicyResolver builds a resolver from the tools config.
func NewPolicyResolver(cfg *config.ToolsConfig) *PolicyResolver {
	r := &PolicyResolver{
		rules:        map[string]Decision{},
		riskyTools:   map[string]bool{},
		approvalMode: ApprovalOff,
	}
	if cfg == nil {
		return r
	}
	for k, v := range cfg.Policy {
		r.rules[k] = Decision(strings.ToLower(strings.TrimSpace(v)))
	}
	for _, t := range cfg.RiskyTools {
		r.riskyTools[t] = true
	}
	if cfg.ApprovalMode != "" {
		r.approvalMode = cfg.ApprovalMode
	}
	return r
}

// Resolve implements the key-resolution order:
//
//	{channel}:{sender_id}:{tool} -> {channel}:*:{tool} ->
//	{channel}:{tool} -> {tool} -> "*"
//
// At each of the three channel-scoped shapes, a rule may wildcard the
// tool segment with "*" (e.g. "telegram:123:*" blocks every tool for
// that sender) — that wildcarded form is checked at the same
// specificity as its exact-tool sibling, before the resolver falls
// through to the next, less specific shape.
func (r *PolicyResolver) Resolve(channel, senderID, tool string) Decision {
	candidates := []string{
		channel + ":" + senderID + ":" + tool,
		channel + ":" + senderID + ":*",
		channel + ":*:" + tool,
		channel + ":*:*",
		channel + ":" + tool,
		channel + ":*",
		tool,
		"*",
	}
	for _, key := range candidates {
		if d, ok := r.rules[key]; ok {
			return d
		}
	}
	if r.approvalMode == ApprovalConfirm && r.riskyTools[tool] {
		return DecisionAsk
	}
	return DecisionAllow
}

// approveOneRe matches "approve <tool>" (optionally comma-separated).
var approveOneRe = regexp.MustCompile(`(?i)\bapprove\s+([a-z0-9_, ]+)`)
var approveAllRe = regexp.MustCompile(`(?i)\bapprove\s+all\b`)

// ApprovalIntent is the result of parsing a user's message for explicit
// tool-approval language (§4.5, §9 "Approval parsing → single pass").
type ApprovalIntent struct {
	ApproveAll   bool
	ApprovedSet  map[string]bool
}

// ParseApprovalIntent extracts approval intent from one user message. It
// is extracted once, at the start of processing that message, and does
// not carry across messages except where the caller chooses to persist
// ApproveAll at session scope.
func ParseApprovalIntent(text string) ApprovalIntent {
	intent := ApprovalIntent{ApprovedSet: map[string]bool{}}
	if approveAllRe.MatchString(text) {
		intent.ApproveAll = true
		return intent
	}
	for _, m := range approveOneRe.FindAllStringSubmatch(text, -1) {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(name)
			name = strings.TrimSuffix(name, " all")
			if name == "" {
				continue
			}
			for _, tok := range strings.Fields(name) {
				intent.ApprovedSet[tok] = true
			}
		}
	}
	return intent
}

// Approves reports whether the intent covers the given tool.
func (a ApprovalIntent) Approves(tool string) bool {
	return a.ApproveAll || a.ApprovedSet[tool]
}

// Refusal renders the structured string returned to the model when a
// call is refused, so it can adapt or ask the user (§7 "Policy refusal").
func Refusal(decision Decision, tool string) string {
	switch decision {
	case DecisionDeny:
		return "tool '" + tool + "' is blocked by policy"
	case DecisionAsk:
		return "tool '" + tool + "' requires explicit approval; ask the user to say \"approve " + tool + "\""
	default:
		return ""
	}
}
