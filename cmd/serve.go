package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardenfield/nightdesk/internal/agent"
	"github.com/ardenfield/nightdesk/internal/bootstrap"
	"github.com/ardenfield/nightdesk/internal/bus"
	"github.com/ardenfield/nightdesk/internal/channels"
	"github.com/ardenfield/nightdesk/internal/channels/discord"
	"github.com/ardenfield/nightdesk/internal/channels/feishu"
	"github.com/ardenfield/nightdesk/internal/channels/telegram"
	"github.com/ardenfield/nightdesk/internal/channels/whatsapp"
	"github.com/ardenfield/nightdesk/internal/channels/zalo"
	"github.com/ardenfield/nightdesk/internal/checkpoint"
	"github.com/ardenfield/nightdesk/internal/config"
	"github.com/ardenfield/nightdesk/internal/cron"
	"github.com/ardenfield/nightdesk/internal/mcp"
	"github.com/ardenfield/nightdesk/internal/memory"
	"github.com/ardenfield/nightdesk/internal/metrics"
	"github.com/ardenfield/nightdesk/internal/providers"
	"github.com/ardenfield/nightdesk/internal/sessions"
	"github.com/ardenfield/nightdesk/internal/store/file"
	"github.com/ardenfield/nightdesk/internal/tools"
	"github.com/ardenfield/nightdesk/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant: channels, agent loop, cron, and the metrics endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		log.Error("create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}
	if _, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		log.Warn("seed workspace templates", "error", err)
	}

	providerRegistry := buildProviderRegistry(cfg)
	if len(providerRegistry.List()) == 0 {
		log.Error("select provider", "error", "no provider configured (set an api_key under providers.* in config.json)")
		os.Exit(1)
	}
	provider := buildRouter(cfg, providerRegistry)

	tracer, shutdownTracer, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	msgBus := bus.NewMessageBus(256)

	sessionStorage := cfg.Sessions.Storage
	if sessionStorage == "" {
		sessionStorage = workspace + "/.state/sessions"
	}
	sessionMgr := sessions.NewManager(sessionStorage)
	sessionStore := file.NewFileSessionStore(sessionMgr)

	agentID := cfg.ResolveDefaultAgentID()

	var subagentMgr *tools.SubagentManager
	makeToolsForDepth := func(depth int) *tools.Registry {
		reg := buildToolRegistry(cfg, providerRegistry, workspace)
		if subagentMgr != nil {
			reg.Register(tools.NewSpawnTool(subagentMgr, agentID, depth))
			reg.Register(tools.NewSubagentTool(subagentMgr, agentID, depth))
		}
		return reg
	}

	subagentMgr = tools.NewSubagentManager(provider, cfg.Agents.Defaults.Model, msgBus,
		func() *tools.Registry { return makeToolsForDepth(1) },
		resolveSubagentConfig(cfg), tracer)

	toolsReg := makeToolsForDepth(0)
	toolPolicy := tools.NewPolicyEngine(&cfg.Tools)
	policyResolver := tools.NewPolicyResolver(&cfg.Tools)

	mcpManager := mcp.NewManager(toolsReg, mcp.WithConfigs(cfg.Tools.McpServers))
	if err := mcpManager.Start(ctx); err != nil {
		log.Warn("start mcp servers", "error", err)
	}
	defer mcpManager.Stop()

	checkpointStore := checkpoint.NewStore(workspace + "/.state/checkpoints")
	metricsStore := metrics.NewStore(workspace + "/.state/metrics")
	memoryEngine := memory.NewEngine(workspace + "/.memory")
	_ = memoryEngine // wired into tools once the memory toolset lands

	contextFiles := bootstrap.BuildContextFiles(
		bootstrap.LoadWorkspaceFiles(workspace),
		bootstrap.TruncateConfig{},
	)

	loop := agent.NewLoop(agent.LoopConfig{
		ID:            agentID,
		Provider:      provider,
		Model:         cfg.Agents.Defaults.Model,
		ContextWindow: cfg.Agents.Defaults.ContextWindow,
		MaxIterations: cfg.Agents.Defaults.MaxToolIterations,
		Workspace:     workspace,
		Sessions:      sessionStore,
		Tools:         toolsReg,
		ToolPolicy:    toolPolicy,
		OwnerIDs:      cfg.Gateway.OwnerIDs,
		HasMemory:     memoryEngine != nil,
		ContextFiles:  contextFiles,
		CompactionCfg: cfg.Agents.Defaults.Compaction,
		ContextPruningCfg: cfg.Agents.Defaults.ContextPruning,
		Tracer:            tracer,
		VerboseTrace:      cfg.Telemetry.Verbose,
		InjectionAction:   cfg.Gateway.InjectionAction,
		MaxMessageChars:   cfg.Gateway.MaxMessageChars,
		ThinkingLevel:     cfg.Agents.Defaults.AgentType,
		Checkpoints:       checkpointStore,
		MetricsStore:      metricsStore,
		PolicyResolver:    policyResolver,
	})

	manager := channels.NewManager(msgBus)
	registerChannels(manager, cfg, msgBus, log)

	processDirect := func(ctx context.Context, msg bus.InboundMessage) (bus.OutboundMessage, error) {
		return runOneMessage(ctx, loop, msg)
	}

	cronStore := cron.NewStore(workspace + "/.state/cron")
	cronEngine := cron.NewEngine(cronStore, msgBus, processDirect, log)

	metricsServer := metrics.NewServer(metricsStore, log)

	var wg sync.WaitGroup

	if err := manager.StartAll(ctx); err != nil {
		log.Error("start channels", "error", err)
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		cronEngine.Run(ctx, time.Minute)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	if addr != ":0" && cfg.Gateway.Port != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.Serve(ctx, addr); err != nil && ctx.Err() == nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeInbound(ctx, msgBus, loop, log)
	}()

	log.Info("nightdesk running", "workspace", workspace, "channels", manager.GetEnabledChannels())

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Error("stop channels", "error", err)
	}
	wg.Wait()
}

// consumeInbound drains the bus's inbound queue and runs each message
// through the agent loop, one at a time, per the single-worker
// scheduling model.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, loop *agent.Loop, log *slog.Logger) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		out, err := runOneMessage(ctx, loop, msg)
		if err != nil {
			log.Error("agent run failed", "channel", msg.Channel, "error", err)
			continue
		}
		if out.Content == "" {
			continue
		}
		msgBus.PublishOutbound(out)
	}
}

func runOneMessage(ctx context.Context, loop *agent.Loop, msg bus.InboundMessage) (bus.OutboundMessage, error) {
	kind := sessions.PeerDirect
	if msg.PeerKind == "group" {
		kind = sessions.PeerGroup
	}
	sessionKey := sessions.BuildSessionKey(loop.ID(), msg.Channel, kind, msg.ChatID)

	result, err := loop.Run(ctx, agent.RunRequest{
		SessionKey:   sessionKey,
		Message:      msg.Content,
		Media:        msg.Media,
		Channel:      msg.Channel,
		ChatID:       msg.ChatID,
		PeerKind:     msg.PeerKind,
		RunID:        fmt.Sprintf("%s-%d", msg.Channel, time.Now().UnixNano()),
		UserID:       msg.UserID,
		SenderID:     msg.SenderID,
		HistoryLimit: msg.HistoryLimit,
	})
	if err != nil {
		return bus.OutboundMessage{}, err
	}

	return bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: result.Content,
	}, nil
}

// providerFactories lists every supported provider in a fixed priority
// order, each paired with its config slot and constructor.
func providerFactories(cfg *config.Config) []struct {
	name string
	cfg  config.ProviderConfig
	make func(apiKey, apiBase string) providers.Provider
} {
	return []struct {
		name string
		cfg  config.ProviderConfig
		make func(apiKey, apiBase string) providers.Provider
	}{
		{"anthropic", cfg.Providers.Anthropic, func(k, b string) providers.Provider { return providers.NewAnthropicProvider(k) }},
		{"openai", cfg.Providers.OpenAI, func(k, b string) providers.Provider { return providers.NewOpenAIProvider("openai", k, b, "gpt-4o") }},
		{"openrouter", cfg.Providers.OpenRouter, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("openrouter", k, orDefault(b, "https://openrouter.ai/api/v1"), "anthropic/claude-3.5-sonnet")
		}},
		{"groq", cfg.Providers.Groq, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("groq", k, orDefault(b, "https://api.groq.com/openai/v1"), "llama-3.3-70b-versatile")
		}},
		{"deepseek", cfg.Providers.DeepSeek, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("deepseek", k, orDefault(b, "https://api.deepseek.com/v1"), "deepseek-chat")
		}},
		{"mistral", cfg.Providers.Mistral, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("mistral", k, orDefault(b, "https://api.mistral.ai/v1"), "mistral-large-latest")
		}},
		{"xai", cfg.Providers.XAI, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("xai", k, orDefault(b, "https://api.x.ai/v1"), "grok-2")
		}},
		{"gemini", cfg.Providers.Gemini, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("gemini", k, orDefault(b, "https://generativelanguage.googleapis.com/v1beta/openai"), "gemini-2.0-flash")
		}},
		{"minimax", cfg.Providers.MiniMax, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("minimax", k, orDefault(b, "https://api.minimax.chat/v1"), "abab6.5s-chat").WithChatPath("/text/chatcompletion_v2")
		}},
		{"cohere", cfg.Providers.Cohere, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("cohere", k, orDefault(b, "https://api.cohere.ai/compatibility/v1"), "command-r-plus")
		}},
		{"perplexity", cfg.Providers.Perplexity, func(k, b string) providers.Provider {
			return providers.NewOpenAIProvider("perplexity", k, orDefault(b, "https://api.perplexity.ai"), "sonar")
		}},
	}
}

// buildProviderRegistry constructs one Provider per provider with a
// configured API key, so tools that need cross-provider fallback
// (read_image, create_image) can reach any of them by name.
func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()
	for _, c := range providerFactories(cfg) {
		if c.cfg.APIKey == "" {
			continue
		}
		reg.Register(c.make(c.cfg.APIKey, c.cfg.APIBase))
	}
	return reg
}

// buildRouter resolves agents.defaults.routing (or a single-provider
// default when unset) into a providers.Router. The router stands in for a
// bare providers.Provider everywhere the agent loop and subagents hold a
// provider reference, so fallback and routing-mode logic apply uniformly
// regardless of call site.
func buildRouter(cfg *config.Config, registry *providers.Registry) *providers.Router {
	rc := cfg.Agents.Defaults.Routing
	routeCfg := providers.RouteConfig{}

	if rc != nil {
		routeCfg.Mode = providers.RouteMode(rc.Mode)
		routeCfg.ProxyProvider = rc.ProxyProvider
		routeCfg.Priority = rc.Priority
		routeCfg.FallbackModels = rc.FallbackModels
	}

	if len(routeCfg.Priority) == 0 {
		routeCfg.Priority = priorityFromFactories(cfg)
	}

	// An explicit agents.defaults.provider pins the priority order's head
	// without disabling fallback to the rest of the configured providers.
	if want := cfg.Agents.Defaults.Provider; want != "" {
		routeCfg.Mode = providers.ModeDirect
		head := []string{want}
		for _, name := range routeCfg.Priority {
			if name != want {
				head = append(head, name)
			}
		}
		routeCfg.Priority = head
	}

	return providers.NewRouter(registry, routeCfg)
}

// priorityFromFactories returns provider names in providerFactories' fixed
// order, which acts as the router's fallback order when config doesn't set
// agents.defaults.routing.priority explicitly.
func priorityFromFactories(cfg *config.Config) []string {
	names := make([]string, 0, len(providerFactories(cfg)))
	for _, c := range providerFactories(cfg) {
		names = append(names, c.name)
	}
	return names
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// resolveSubagentConfig applies sensible defaults when a
// deployment doesn't override agents.defaults.subagents.
func resolveSubagentConfig(cfg *config.Config) tools.SubagentConfig {
	sc := cfg.Agents.Defaults.Subagents
	if sc == nil {
		return tools.SubagentConfig{
			MaxConcurrent:       8,
			MaxSpawnDepth:       1,
			MaxChildrenPerAgent: 5,
			ArchiveAfterMinutes: 60,
		}
	}
	return tools.SubagentConfig{
		MaxConcurrent:       orDefaultInt(sc.MaxConcurrent, 8),
		MaxSpawnDepth:       orDefaultInt(sc.MaxSpawnDepth, 1),
		MaxChildrenPerAgent: orDefaultInt(sc.MaxChildrenPerAgent, 5),
		ArchiveAfterMinutes: orDefaultInt(sc.ArchiveAfterMinutes, 60),
	}
}

// buildToolRegistry wires the tools whose dependencies (workspace,
// providers, web config) are available at startup.
func buildToolRegistry(cfg *config.Config, providerRegistry *providers.Registry, workspace string) *tools.Registry {
	reg := tools.NewRegistry()

	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListFilesTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict))

	reg.Register(tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
		DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
	}))
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	reg.Register(tools.NewSessionsListTool())
	reg.Register(tools.NewSessionStatusTool())
	reg.Register(tools.NewSessionsHistoryTool())
	reg.Register(tools.NewSessionsSendTool())

	reg.Register(tools.NewReadImageTool(providerRegistry))
	reg.Register(tools.NewCreateImageTool(providerRegistry))

	return reg
}

// registerChannels wires every configured and enabled channel into manager
// using each channel's static-allowlist constructor.
func registerChannels(manager *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, log *slog.Logger) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			log.Error("init telegram channel", "error", err)
		} else {
			manager.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			log.Error("init discord channel", "error", err)
		} else {
			manager.RegisterChannel("discord", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			log.Error("init whatsapp channel", "error", err)
		} else {
			manager.RegisterChannel("whatsapp", ch)
		}
	}
	if cfg.Channels.Feishu.Enabled {
		ch, err := feishu.New(cfg.Channels.Feishu, msgBus)
		if err != nil {
			log.Error("init feishu channel", "error", err)
		} else {
			manager.RegisterChannel("feishu", ch)
		}
	}
	if cfg.Channels.Zalo.Enabled {
		ch, err := zalo.New(cfg.Channels.Zalo, msgBus)
		if err != nil {
			log.Error("init zalo channel", "error", err)
		} else {
			manager.RegisterChannel("zalo", ch)
		}
	}
}
