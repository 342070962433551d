package tools

import (
	"context"
)

// SpawnTool lets an agent fire off a background subagent and keep working;
// the result is announced back into the session once the subagent finishes.
type SpawnTool struct {
	manager  *SubagentManager
	parentID string
	depth    int
}

// NewSpawnTool binds a spawn tool to the manager that will run the subagent
// and to the identity of the agent allowed to use it (parentID/depth).
// Subagents get their own SpawnTool instance with depth+1 via createTools,
// so recursive spawning is governed by SubagentConfig.MaxSpawnDepth.
func NewSpawnTool(manager *SubagentManager, parentID string, depth int) *SpawnTool {
	return &SpawnTool{manager: manager, parentID: parentID, depth: depth}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a task independently. Returns immediately; the subagent's result is announced back into this conversation when it finishes."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for this subagent (defaults to a truncated task description)",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override for this subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	peerKind := ToolPeerKindFromCtx(ctx)
	callback := ToolAsyncCBFromCtx(ctx)

	msg, err := t.manager.Spawn(ctx, t.parentID, t.depth, task, label, model, channel, chatID, peerKind, callback)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return &Result{ForLLM: msg, Async: true}
}

// SubagentTool runs a subagent synchronously and returns its result inline,
// for callers that need the answer before continuing rather than an
// out-of-band announce.
type SubagentTool struct {
	manager  *SubagentManager
	parentID string
	depth    int
}

func NewSubagentTool(manager *SubagentManager, parentID string, depth int) *SubagentTool {
	return &SubagentTool{manager: manager, parentID: parentID, depth: depth}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Description() string {
	return "Run a subagent synchronously and wait for its result. Use for a focused sub-task whose answer you need before continuing."
}

func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for this subagent (defaults to a truncated task description)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)

	result, _, err := t.manager.RunSync(ctx, t.parentID, t.depth, task, label, channel, chatID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(result)
}
