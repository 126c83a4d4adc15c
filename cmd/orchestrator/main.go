// Command orchestrator is the chat-bot orchestrator's process entrypoint:
// load configuration, open storage, construct the engine's collaborators
// (config -> store -> providers -> tool registry -> engine -> transports),
// and run the configured transports until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sipeed/chatengine/internal/artifacts"
	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/chatengine/chronicler"
	"github.com/sipeed/chatengine/internal/chatengine/classifier"
	"github.com/sipeed/chatengine/internal/chatengine/executor"
	"github.com/sipeed/chatengine/internal/chatengine/handler"
	"github.com/sipeed/chatengine/internal/chatengine/proactive"
	"github.com/sipeed/chatengine/internal/chatengine/quest"
	"github.com/sipeed/chatengine/internal/chatengine/reducer"
	"github.com/sipeed/chatengine/internal/chatengine/resolver"
	"github.com/sipeed/chatengine/internal/chatengine/steering"
	"github.com/sipeed/chatengine/internal/config"
	"github.com/sipeed/chatengine/internal/costing"
	"github.com/sipeed/chatengine/internal/logging"
	"github.com/sipeed/chatengine/internal/memory"
	"github.com/sipeed/chatengine/internal/obs"
	"github.com/sipeed/chatengine/internal/providers"
	"github.com/sipeed/chatengine/internal/ratelimit"
	"github.com/sipeed/chatengine/internal/store/sqlite"
	"github.com/sipeed/chatengine/internal/tools"
	"github.com/sipeed/chatengine/internal/transport"
	discordtransport "github.com/sipeed/chatengine/transport/discord"
	slacktransport "github.com/sipeed/chatengine/transport/slack"
)

func main() {
	if err := run(); err != nil {
		logging.ErrorCF("main", "fatal", logging.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CHATENGINE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, env, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	shutdownTracing := obs.Init()
	defer shutdownTracing(context.Background())

	store, err := sqlite.Open(env.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	chronicle := &chatengine.LifecycleStore{ChronicleStore: &obs.TracedChronicleStore{ChronicleStore: store}}

	agent, openaiProvider, serious, fallbackModel, validation := buildProviders(env)

	artifactDir := "artifacts"
	os.MkdirAll(artifactDir, 0o755)
	publisher := &artifacts.FilePublisher{BaseDir: artifactDir, BaseURL: os.Getenv("CHATENGINE_ARTIFACT_BASE_URL")}

	recall, err := memory.New(".", resolveEmbeddingFunc(env))
	if err != nil {
		return fmt.Errorf("opening vector recall store: %w", err)
	}
	chronicle.Hook = chainHooks(chronicle.Hook, func(ctx context.Context, arc, text string, paragraphID int64, _ time.Time) error {
		recall.IndexParagraph(ctx, arc, paragraphID, text)
		return nil
	})

	registry := buildToolRegistry(env, chronicle, recall, agent, serious, publisher, openaiProvider)

	classifierAgent := &classifier.Classifier{Agent: agent, Config: cfg.Command.ModeClassifier}
	cmdResolver := resolver.New(cfg.Command, classifierAgent)

	cost := costing.NewTracker(".")
	cmdRateLimit := ratelimit.NewKeyed(cfg.Command.RateLimit, cfg.Command.RatePeriod)

	reduce := &reducer.Reducer{Agent: agent, Model: serious}

	chroniclerSvc := &chronicler.Chronicler{
		History:    store,
		Chronicle:  chronicle,
		Summarizer: agent,
		Model:      serious,
		MyNick:     "bot",
	}

	exec := &executor.Executor{
		History:     store,
		Chronicle:   chronicle,
		Resolver:    cmdResolver,
		Agent:       &obs.TracedAgent{Inner: agent},
		Reducer:     reduce,
		Summarizer:  agent,
		Tools:       registry,
		Chronicler:  chroniclerSvc,
		RateLimiter: cmdRateLimit,
		Cost:        cost,
		Publisher:   publisher.Publish,
		Command:     cfg.Command,
		MyNick:      "bot",

		RefusalFallbackModel: fallbackModel,

		ProactiveModeKey:      cfg.Command.DefaultMode,
		ProactiveSeriousExtra: cfg.Proactive.Prompts.SeriousExtra,
		ProactiveModel:        serious,
	}

	proactiveCfg := chatengine.ProactiveConfig{
		Interjecting:       toSet(cfg.Proactive.Interjecting),
		DebounceSeconds:    cfg.Proactive.DebounceSeconds,
		HistorySize:        cfg.Proactive.HistorySize,
		RateLimit:          cfg.Proactive.RateLimit,
		RatePeriod:         cfg.Proactive.RatePeriod,
		InterjectThreshold: cfg.Proactive.InterjectThreshold,
		ValidationModels:   validation,
		SeriousModel:       serious,
		InterjectPrompt:    cfg.Proactive.Prompts.Interject,
		SeriousExtra:       cfg.Proactive.Prompts.SeriousExtra,
	}

	steeringMgr := steering.NewManager()
	proactiveRunner := &proactive.Runner{
		Config:      proactiveCfg,
		History:     store,
		Agent:       &obs.TracedAgent{Inner: agent},
		Executor:    exec,
		Queue:       steeringMgr,
		RateLimiter: ratelimit.NewKeyed(cfg.Proactive.RateLimit, cfg.Proactive.RatePeriod),
		Classifier:  classifierAgent,
		SeriousModeKey: cfg.Command.DefaultMode,
	}

	h := &handler.Handler{
		History:            store,
		Resolver:           cmdResolver,
		Executor:           exec,
		Steering:           steeringMgr,
		Proactive:          proactiveRunner,
		ProactiveConfig:    proactiveCfg,
		Chronicler:         chroniclerSvc,
		ResolveContextSize: cfg.Command.HistorySize,
	}

	questRuntime := &quest.Runtime{
		Store:           store,
		Chronicle:       chronicle,
		StepRunner:      buildQuestStepRunner(exec),
		Arcs:            cfg.Quest.Arcs,
		CooldownSeconds: cfg.Quest.CooldownSeconds,
	}
	if cfg.Quest.Cron != "" {
		questRuntime.Cron = quest.NewCronGate(cfg.Quest.Cron)
	}
	chronicle.Hook = chainHooks(questRuntime.OnChronicleAppend, chronicle.Hook)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	questRuntime.Start(ctx)
	defer questRuntime.Stop()

	adapters, err := buildTransports(h, store)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("starting transport: %w", err)
		}
		defer a.Stop()
	}

	logging.InfoCF("main", "orchestrator running", logging.Fields{"transports": len(adapters)})
	<-ctx.Done()
	logging.InfoCF("main", "shutting down", nil)
	return nil
}

// buildProviders wires Claude (default) and OpenAI behind a RouterAgent so
// "@openai:<model>" overrides and the proactive validation ensemble can
// address either provider by a "provider:model" string, then wraps the
// router in a RefusalFallbackAgent so refused prompts rerun on
// fallbackModel. serious is the default "serious" mode model; validation is
// the configured validation-model list, each still routed through the same
// RouterAgent. openaiProvider is returned separately for the
// image-generation tool; nil when no key is configured.
func buildProviders(env config.EnvOverrides) (agent chatengine.AgentRunner, openaiProvider *providers.OpenAIProvider, serious, fallbackModel string, validation []string) {
	claude := providers.NewClaudeProvider(env.AnthropicAPIKey)
	router := &providers.RouterAgent{
		Default: claude,
		Providers: map[string]chatengine.AgentRunner{
			"anthropic": claude,
		},
	}
	if env.OpenAIAPIKey != "" {
		openaiProvider = providers.NewOpenAIProvider(env.OpenAIAPIKey)
		router.Providers["openai"] = openaiProvider
		fallbackModel = "openai:gpt-4o"
	}
	return &providers.RefusalFallbackAgent{Inner: router}, openaiProvider, "claude-sonnet-4-5", fallbackModel, []string{"claude-haiku-4-5", "openai:gpt-4o-mini"}
}

func buildToolRegistry(env config.EnvOverrides, chronicle chatengine.ChronicleStore, recall *memory.Recall, agent chatengine.AgentRunner, seriousModel string, publisher *artifacts.FilePublisher, imageGen *providers.OpenAIProvider) *tools.Registry {
	ts := []tools.Tool{
		tools.NewVisitWebpageTool(),
		tools.NewDocReadTool(),
		&tools.ShareArtifactTool{Store: publisher},
		&tools.EditArtifactTool{Store: publisher},
		&tools.ChronicleReadTool{Chronicle: chronicle},
		&tools.ChronicleAppendTool{Chronicle: chronicle},
		&tools.QuestStartTool{Chronicle: chronicle},
		&tools.SubquestStartTool{Chronicle: chronicle},
		&tools.QuestSnoozeTool{Chronicle: chronicle},
		&tools.ProgressReportTool{Chronicle: chronicle},
		&tools.MakePlanTool{Chronicle: chronicle},
	}
	if env.BraveAPIKey != "" {
		ts = append(ts, tools.NewWebSearchTool(env.BraveAPIKey))
	}
	if imageGen != nil {
		ts = append(ts, &tools.GenerateImageTool{Generator: imageGen})
	}
	if execTool, err := tools.NewExecuteCodeTool("python:3.12-slim"); err == nil {
		ts = append(ts, execTool)
	} else {
		logging.WarnCF("main", "code execution tool disabled", logging.Fields{"err": err.Error()})
	}

	defs := make([]chatengine.ToolDefinition, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, t.Definition())
	}
	ts = append(ts, &tools.OracleTool{
		Recall: recall,
		Agent:  agent,
		Model:  seriousModel,
		Tools:  tools.WithoutOracleRecursion(defs),
	})
	return tools.NewRegistry(ts...)
}

// chainHooks composes two chatengine.ChronicleHooks so both run on every
// AppendParagraph: the quest lifecycle parse and the vector-recall index.
func chainHooks(a, b chatengine.ChronicleHook) chatengine.ChronicleHook {
	return func(ctx context.Context, arc, text string, paragraphID int64, paragraphTime time.Time) error {
		if a != nil {
			if err := a(ctx, arc, text, paragraphID, paragraphTime); err != nil {
				return err
			}
		}
		if b != nil {
			return b(ctx, arc, text, paragraphID, paragraphTime)
		}
		return nil
	}
}

// resolveEmbeddingFunc picks the embedding backend for recall; recall is
// simply disabled when no key is configured.
func resolveEmbeddingFunc(env config.EnvOverrides) chromem.EmbeddingFunc {
	if env.OpenAIAPIKey == "" {
		return nil
	}
	return chromem.NewEmbeddingFuncOpenAI(env.OpenAIAPIKey, chromem.EmbeddingModelOpenAI("text-embedding-3-small"))
}

// buildQuestStepRunner adapts the command executor into a quest.StepRunner:
// one proactive-shaped turn, scoped to the quest via chatengine.WithQuestID
// (set by quest.Runtime.runStep before calling this), whose final reply text
// becomes the quest's next chronicled paragraph.
func buildQuestStepRunner(exec *executor.Executor) quest.StepRunner {
	return func(ctx context.Context, arc, questID, lastState string) (string, error) {
		server, channel := splitArc(arc)
		msg := chatengine.RoomMessage{
			ServerTag:   server,
			ChannelName: channel,
			Content:     lastState,
		}
		item := chatengine.NewQueuedInboundMessage(chatengine.KindPassive, msg, 0, false, nil)
		stepContext := []chatengine.ContextMessage{{
			Role:    "user",
			Content: "Continue quest " + questID + ". Current state: " + lastState,
		}}
		result := exec.ExecuteProactive(ctx, item, stepContext)
		if result == nil || !result.HasResponse {
			return "", nil
		}
		return result.Response, nil
	}
}

// splitArc reverses RoomMessage.Arc()'s "server_tag#channel_name" join.
func splitArc(arc string) (server, channel string) {
	if idx := strings.Index(arc, "#"); idx >= 0 {
		return arc[:idx], arc[idx+1:]
	}
	return arc, ""
}

func buildTransports(h *handler.Handler, history chatengine.HistoryStore) ([]transport.Adapter, error) {
	var adapters []transport.Adapter

	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		d, err := discordtransport.New(token, "discord", "bot", h)
		if err != nil {
			return nil, fmt.Errorf("constructing discord adapter: %w", err)
		}
		d.History = history
		adapters = append(adapters, d)
	}

	if botToken, appToken := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_APP_TOKEN"); botToken != "" && appToken != "" {
		s := slacktransport.New(botToken, appToken, "slack", "bot", h)
		s.History = history
		adapters = append(adapters, s)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no transport configured: set DISCORD_BOT_TOKEN or SLACK_BOT_TOKEN/SLACK_APP_TOKEN")
	}
	return adapters, nil
}

func toSet(arcs []string) map[string]bool {
	set := make(map[string]bool, len(arcs))
	for _, a := range arcs {
		set[a] = true
	}
	return set
}
