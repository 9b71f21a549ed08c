package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/gateway"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Default argument rules applied on top of the allowlist.
var defaultDenyPatterns = []string{
	`rm\s+-rf`,
	`mkfs`,
	`shutdown`,
	`reboot`,
}

type app struct {
	orch    *agent.Orchestrator
	history *store.HistoryStore
	cancel  context.CancelFunc
}

func (a *app) Close() {
	a.cancel()
	if err := a.history.Close(); err != nil {
		logger.Warn("failed to close history store", zap.Error(err))
	}
}

func newModel() (llms.Model, error) {
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return nil, fmt.Errorf("no enabled provider found in config")
	}

	switch pName {
	case "openai", "openrouter", "ollama":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s is not supported", pName)
	}
}

func newApp(ctx context.Context, console *gateway.Console) (*app, error) {
	obs := observability.NewLogger(logger, cfg.Logging.LLMLogPath)

	model, err := newModel()
	if err != nil {
		return nil, err
	}

	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		return nil, err
	}

	allowlist, err := governance.NewAllowlistStore(cfg.Agent.AllowlistPath)
	if err != nil {
		history.Close()
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	if cfg.Agent.WatchAllowlist {
		if err := governance.WatchAllowlist(watchCtx, allowlist, obs); err != nil {
			obs.Warn("allowlist hot reload disabled", zap.Error(err))
		}
	}

	policy := governance.NewDefaultPolicyEngine()
	for _, name := range cfg.Agent.DenyExecutables {
		policy.DenyExecutable(name)
	}
	for _, pattern := range append(defaultDenyPatterns, cfg.Agent.DenyPatterns...) {
		if err := policy.DenyArguments(pattern); err != nil {
			cancel()
			history.Close()
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
	}

	var prompter governance.Prompter
	if gateway.Interactive() {
		prompter = governance.NewCLIPrompter(console, console.Writer())
	}
	gate := governance.NewGate(allowlist, governance.NewSessionApprovals(), prompter, obs)
	gate.SetPolicy(policy)
	gate.SetAutoApprove(cfg.Agent.AutoApprove)

	executor := tools.NewExecutor(obs)
	executor.TempRoot = cfg.Execution.TempDir
	executor.KillGrace = time.Duration(cfg.Execution.KillGraceSec) * time.Second
	executor.HeadLines = cfg.Execution.HeadLines
	executor.TruncateLines = cfg.Execution.TailLines
	reader, err := tools.NewWorkspaceReader(cfg.App.Workspace)
	if err != nil {
		cancel()
		history.Close()
		return nil, err
	}
	executor.Workspace = reader.Root

	orch, err := agent.NewOrchestrator(agent.Deps{
		Model:     model,
		Gate:      gate,
		Tools:     tools.NewRegistry(executor, reader),
		History:   history,
		Snapshots: history,
		Prompts:   agent.NewPromptManager(cfg.Agent.PromptsDir, obs),
		Messenger: console,
		Logger:    obs,
		Status:    observability.NewStatus(),
	}, agent.Options{
		SessionID:     sessionID,
		MaxPasses:     cfg.Agent.MaxPasses,
		ReminderLimit: cfg.Agent.ReminderLimit,
		HistoryLimit:  cfg.Memory.HistoryLimit,
	})
	if err != nil {
		cancel()
		history.Close()
		return nil, err
	}

	obs.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("workspace", cfg.App.Workspace),
		zap.Bool("auto_approve", cfg.Agent.AutoApprove))
	return &app{orch: orch, history: history, cancel: cancel}, nil
}

func printPlan(w io.Writer) error {
	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		return err
	}
	defer history.Close()

	snap, ok, err := history.LatestPlanSnapshot(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "no plan persisted for session %s\n", sessionID)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
