// Package app wires the agent's components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	"github.com/therenovatio/teleton-agent-sub000/internal/api"
	"github.com/therenovatio/teleton-agent-sub000/internal/channels/telegram"
	"github.com/therenovatio/teleton-agent-sub000/internal/compaction"
	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/cron"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/memory"
	"github.com/therenovatio/teleton-agent-sub000/internal/metrics"
	"github.com/therenovatio/teleton-agent-sub000/internal/persona"
	"github.com/therenovatio/teleton-agent-sub000/internal/plugins"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
	"github.com/therenovatio/teleton-agent-sub000/internal/session"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/toolrag"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools/builtin"
)

const shutdownTimeout = 30 * time.Second

// App owns every long-lived component
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Version string

	Store      *store.Store
	Sessions   *session.Manager
	Memory     *memory.Service
	Compaction *compaction.Manager
	Registry   *tools.Registry
	ToolIndex  *toolrag.Index
	Plugins    *plugins.Loader
	Provider   llm.Provider
	Persona    *persona.Manager
	Agent      *agent.Agent
	Queue      *queue.ChatQueue
	Metrics    *metrics.Metrics

	TelegramBot *telegram.Bot
	API         *api.Server
	CronRunner  *cron.Runner

	headless bool
}

// Option customizes New
type Option func(*App)

// WithProvider replaces the configured model providers
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.Provider = p }
}

// WithStore uses st instead of opening the configured storage
func WithStore(st *store.Store) Option {
	return func(a *App) { a.Store = st }
}

// Headless skips the Telegram bot, HTTP API and cron runner. Used by the
// local chat command.
func Headless() Option {
	return func(a *App) { a.headless = true }
}

// New builds the application. Nothing is started until Run.
func New(cfg *config.Config, logger *zap.Logger, version string, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Version: version}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.build(); err != nil {
		if a.Store != nil {
			a.Store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config
	logger := a.Logger
	loc := cfg.Session.Location()

	if a.Store == nil {
		st, err := store.New(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.Store = st
	}

	a.Sessions = session.NewManager(a.Store, session.PolicyFromConfig(cfg.Session), logger.Named("session"))
	a.Memory = memory.NewService(a.Store, logger.Named("memory"))
	a.Sessions.SetSummaryWriter(a.Memory)

	if a.Provider == nil {
		p, err := buildProvider(cfg, logger)
		if err != nil {
			return err
		}
		a.Provider = p
	}

	if cfg.Compaction.Enabled {
		a.Compaction = compaction.New(a.Store, a.Provider, cfg.Compaction, logger.Named("compaction"))
		a.Memory.SetSummarizer(a.Compaction)
	}

	a.Registry = tools.NewRegistry(cfg.Agent.ToolTimeout, logger.Named("tools"))
	a.Metrics = metrics.New()
	a.Registry.SetObserver(a.Metrics.ObserveTool)

	basePrompt := cfg.Agent.SystemPrompt
	if basePrompt == "" {
		basePrompt = agent.DefaultSystemPrompt
	}
	pm, err := persona.NewManager(cfg.Workspace, basePrompt, loc, logger.Named("persona"))
	if err != nil {
		return err
	}
	a.Persona = pm

	defaultProvider, _ := cfg.DefaultProvider()
	deps := agent.Deps{
		Store:        a.Store,
		Sessions:     a.Sessions,
		Registry:     a.Registry,
		Provider:     a.Provider,
		Memory:       a.Memory,
		Overflow:     a.Memory,
		Observer:     a.Metrics,
		SystemPrompt: func(msg agent.Message) string { return pm.SystemPrompt(msg.IsGroup) },
		Admins:       cfg.Telegram.Admins,
		Location:     loc,
		ToolLimit:    defaultProvider.ToolLimit,
		UseToolRAG:   cfg.Tools.RAG.Enabled,
		DataBearing:  cfg.Tools.DataBearingCategories,
		MaxTokens:    defaultProvider.MaxTokens,
	}
	// a nil *compaction.Manager must not become a non-nil interface
	if a.Compaction != nil {
		deps.Compactor = a.Compaction
	}
	a.Agent, err = agent.New(cfg.Agent, deps, logger.Named("agent"))
	if err != nil {
		return err
	}

	if err := a.registerTools(); err != nil {
		return err
	}

	a.Queue = queue.New(cfg.Agent.QueueWarnDepth, logger.Named("queue"))
	a.Metrics.WatchQueue(a.Queue.Stats)

	if a.headless {
		return nil
	}
	return a.buildSurfaces()
}

// registerTools fills the registry: built-ins, plugins, persisted
// overrides, then the optional relevance index.
func (a *App) registerTools() error {
	cfg := a.Config

	if err := builtin.Register(a.Registry, builtin.Deps{
		Memory:           a.Memory,
		Sessions:         a.Sessions,
		Resets:           a.Agent,
		WebFetchMaxBytes: cfg.Tools.WebFetchMaxBytes,
	}); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}

	a.Plugins = plugins.NewLoader(cfg.Plugins.Dir, a.Registry, a.Logger.Named("plugins"))
	if err := a.Plugins.Sync(); err != nil {
		a.Logger.Warn("Failed to load plugins", zap.Error(err))
	}

	if err := a.Registry.LoadConfig(a.Store); err != nil {
		a.Logger.Warn("Failed to load tool overrides", zap.Error(err))
	}
	for _, name := range cfg.Tools.Disabled {
		if err := a.Registry.SetEnabled(nil, name, false); err != nil {
			a.Logger.Warn("Cannot disable tool", zap.String("tool", name), zap.Error(err))
		}
	}

	if !cfg.Tools.RAG.Enabled {
		return nil
	}
	ix, err := toolrag.New(cfg.Tools.RAG, nil, a.Logger.Named("toolrag"))
	if err != nil {
		return err
	}
	if err := ix.Index(context.Background(), a.Registry.All()); err != nil {
		return fmt.Errorf("failed to index tools: %w", err)
	}
	a.Registry.SetSearcher(ix)
	a.Registry.OnChange(ix.Apply)
	a.ToolIndex = ix
	return nil
}

func (a *App) buildSurfaces() error {
	cfg := a.Config
	chat := &meteredAgent{Agent: a.Agent, metrics: a.Metrics}

	bot, err := telegram.NewBot(telegram.Config{
		Token:     cfg.Telegram.BotToken,
		Enabled:   cfg.Telegram.Enabled,
		AllowList: cfg.Telegram.AllowList,
		GroupMode: cfg.Telegram.GroupMode,
	}, chat, a.Queue, a.Logger)
	if err != nil {
		return err
	}
	if bot != nil {
		a.TelegramBot = bot
		a.Agent.SetPlatform(bot)
	}

	if cfg.Server.Enabled {
		srv, err := api.New(cfg, api.Deps{
			Agent:   chat,
			Queue:   a.Queue,
			Tools:   a.Registry,
			KV:      a.Store,
			Metrics: a.Metrics,
		}, a.Logger.Named("api"))
		if err != nil {
			return err
		}
		a.API = srv
	}

	if cfg.Cron.Enabled {
		a.CronRunner = cron.NewRunner(cfg.Session.Location(), a.Logger)
		if err := cron.RegisterDefaults(a.CronRunner, cfg.Cron, a.Agent.Pending(), a.Sessions, a.Queue, a.Logger); err != nil {
			return err
		}
	}
	return nil
}

// buildProvider puts the default provider first and the remaining
// configured providers behind it as fallbacks.
func buildProvider(cfg *config.Config, logger *zap.Logger) (llm.Provider, error) {
	opts := llm.ManagerOptions{
		RequestsPerMinute: cfg.LLM.RequestsPerMin,
		BreakerFailures:   cfg.LLM.BreakerFailures,
		BreakerTimeout:    cfg.LLM.BreakerTimeout,
	}
	pm := llm.NewProviderManager(opts, logger.Named("llm"))

	def, err := cfg.DefaultProvider()
	if err != nil {
		return nil, err
	}
	pm.AddProvider(llm.NewOpenAIProvider(cfg.LLM.DefaultProvider, def), 0, opts)

	names := make([]string, 0, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		if name != cfg.LLM.DefaultProvider && p.APIKey != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for i, name := range names {
		pm.AddProvider(llm.NewOpenAIProvider(name, cfg.LLM.Providers[name]), i+1, opts)
	}
	return pm, nil
}

// Run starts every enabled surface and blocks until ctx is cancelled or
// the HTTP server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if a.Config.Plugins.Watch {
		if err := a.Plugins.Watch(ctx); err != nil {
			a.Logger.Warn("Plugin hot reload disabled", zap.Error(err))
		}
	}

	if a.TelegramBot != nil {
		if err := a.TelegramBot.Start(); err != nil {
			return err
		}
		a.Logger.Info("Telegram bot started")
	}

	if a.CronRunner != nil {
		if err := a.CronRunner.Start(); err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	if a.API != nil {
		go func() {
			serverErr <- a.API.Start()
		}()
		a.Logger.Info("Server started",
			zap.String("address", a.Config.Server.Address),
			zap.Int("port", a.Config.Server.Port),
		)
	}

	a.Logger.Info("Teleton agent running",
		zap.String("version", a.Version),
		zap.String("provider", a.Provider.Name()),
		zap.String("model", a.Provider.Model()),
		zap.Int("tools", len(a.Registry.All())),
		zap.String("persona", a.Persona.GetIdentity().Name),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	a.Logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops intake first, then lets queued work finish before the
// store is closed.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.TelegramBot != nil {
		a.TelegramBot.Stop()
	}
	if a.API != nil {
		if err := a.API.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.CronRunner != nil {
		a.CronRunner.Stop()
	}
	if err := a.Queue.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue drain: %w", err))
	}
	if a.Plugins != nil {
		if err := a.Plugins.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

// meteredAgent counts messages and tokens for every surface
type meteredAgent struct {
	*agent.Agent
	metrics *metrics.Metrics
}

func (m *meteredAgent) ProcessMessage(ctx context.Context, msg agent.Message) (*agent.Response, error) {
	resp, err := m.Agent.ProcessMessage(ctx, msg)
	m.metrics.RecordMessage(err == nil)
	if resp != nil {
		m.metrics.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp, err
}
