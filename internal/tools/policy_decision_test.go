package tools

import (
	"testing"

	"github.com/ardenfield/nightdesk/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestPolicyResolutionOrder(t *testing.T) {
	cfg := &config.ToolsConfig{
		Policy: map[string]string{
			"telegram:123:*": "deny",
			"telegram:*:*":   "ask",
			"*":              "allow",
		},
	}
	r := NewPolicyResolver(cfg)

	assert.Equal(t, DecisionDeny, r.Resolve("telegram", "123", "web_search"))
	assert.Equal(t, DecisionAsk, r.Resolve("telegram", "456", "web_search"))
	assert.Equal(t, DecisionAllow, r.Resolve("whatsapp", "123", "web_search"))
}

func TestRiskyToolDefaultsToAskInConfirmMode(t *testing.T) {
	cfg := &config.ToolsConfig{
		ApprovalMode: ApprovalConfirm,
		RiskyTools:   []string{"exec"},
	}
	r := NewPolicyResolver(cfg)
	assert.Equal(t, DecisionAsk, r.Resolve("telegram", "1", "exec"))
	assert.Equal(t, DecisionAllow, r.Resolve("telegram", "1", "web_search"))
}

func TestApprovalIntentParsing(t *testing.T) {
	intent := ParseApprovalIntent("approve exec, web_search please")
	assert.True(t, intent.Approves("exec"))
	assert.True(t, intent.Approves("web_search"))
	assert.False(t, intent.Approves("browser"))

	all := ParseApprovalIntent("just approve all for this session")
	assert.True(t, all.Approves("anything"))
}
