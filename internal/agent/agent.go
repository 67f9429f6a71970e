package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/session"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

const (
	fallbackDone  = "Done."
	fallbackEmpty = "Sorry, I couldn't produce a reply this time. Please try again."
)

// Deps are the collaborators an Agent works with. Store, Sessions, Registry
// and Provider are required.
type Deps struct {
	Store     *store.Store
	Sessions  *session.Manager
	Registry  *tools.Registry
	Provider  llm.Provider
	Memory    MemorySearcher
	Overflow  OverflowLogger
	Compactor Compactor
	Observer  Observer
	// SystemPrompt renders the system prompt per message. Nil uses the
	// configured prompt.
	SystemPrompt func(msg Message) string
	Admins       []int64
	Location     *time.Location
	// ToolLimit caps the tool list for providers that limit it; 0 = no cap.
	ToolLimit   int
	UseToolRAG  bool
	DataBearing []string
	MaxTokens   int
}

// Agent orchestrates one message at a time per chat. Callers serialize
// messages for the same chat key through the ChatQueue.
type Agent struct {
	cfg       config.AgentConfig
	store     *store.Store
	sessions  *session.Manager
	registry  *tools.Registry
	provider  llm.Provider
	memory    MemorySearcher
	overflow  OverflowLogger
	compactor Compactor
	observer  Observer
	prompt    func(msg Message) string

	admins      []int64
	loc         *time.Location
	toolLimit   int
	useRAG      bool
	dataBearing map[string]bool
	maxTokens   int

	pending  *PendingBuffer
	platform tools.Platform

	resetMu sync.Mutex
	resets  map[string]bool

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *zap.Logger
}

// New creates an Agent
func New(cfg config.AgentConfig, deps Deps, logger *zap.Logger) (*Agent, error) {
	if deps.Store == nil || deps.Sessions == nil || deps.Registry == nil || deps.Provider == nil {
		return nil, apperrors.New(apperrors.ErrConfigInvalid.Code, "agent requires store, sessions, registry and provider")
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.RateLimitBaseDelay <= 0 {
		cfg.RateLimitBaseDelay = time.Second
	}

	a := &Agent{
		cfg:         cfg,
		store:       deps.Store,
		sessions:    deps.Sessions,
		registry:    deps.Registry,
		provider:    deps.Provider,
		memory:      deps.Memory,
		overflow:    deps.Overflow,
		compactor:   deps.Compactor,
		observer:    deps.Observer,
		prompt:      deps.SystemPrompt,
		admins:      deps.Admins,
		loc:         deps.Location,
		toolLimit:   deps.ToolLimit,
		useRAG:      deps.UseToolRAG,
		dataBearing: make(map[string]bool, len(deps.DataBearing)),
		maxTokens:   deps.MaxTokens,
		pending:     NewPendingBuffer(cfg.PendingMaxMessages, cfg.PendingMaxAge),
		resets:      make(map[string]bool),
		sleep:       sleepContext,
		now:         time.Now,
		logger:      logger,
	}
	for _, c := range deps.DataBearing {
		a.dataBearing[c] = true
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.prompt == nil {
		a.prompt = func(Message) string {
			if cfg.SystemPrompt != "" {
				return cfg.SystemPrompt
			}
			return DefaultSystemPrompt
		}
	}
	return a, nil
}

// SetPlatform sets the platform handle tools use to reach the chat
func (a *Agent) SetPlatform(p tools.Platform) {
	a.platform = p
}

// Pending exposes the group pending buffer
func (a *Agent) Pending() *PendingBuffer {
	return a.pending
}

// RecordPending buffers a group message the bot will not answer directly
func (a *Agent) RecordPending(msg Message) {
	if dropped := a.pending.Add(msg); dropped > 0 {
		a.logger.Debug("Pending buffer full, dropped oldest",
			zap.String("chat", msg.ChatKey),
			zap.Int("dropped", dropped),
		)
	}
}

// RequestReset schedules a fresh session for chatKey once the message
// currently being processed has finished.
func (a *Agent) RequestReset(chatKey string) {
	a.resetMu.Lock()
	a.resets[chatKey] = true
	a.resetMu.Unlock()
}

func (a *Agent) takeReset(chatKey string) bool {
	a.resetMu.Lock()
	defer a.resetMu.Unlock()
	if !a.resets[chatKey] {
		return false
	}
	delete(a.resets, chatKey)
	return true
}

// ClearHistory archives the chat's transcript and starts a new session.
// Buffered pending messages are dropped too.
func (a *Agent) ClearHistory(ctx context.Context, chatKey string) error {
	a.pending.Clear(chatKey)
	_, err := a.sessions.Reset(ctx, chatKey, session.ReasonManual)
	return err
}

// ActiveChatIDs lists every chat key with a session
func (a *Agent) ActiveChatIDs() ([]string, error) {
	return a.sessions.ActiveChatKeys()
}

func (a *Agent) isAdmin(msg Message) bool {
	if msg.IsAdmin {
		return true
	}
	for _, id := range a.admins {
		if id == msg.SenderID {
			return true
		}
	}
	return false
}

// ProcessMessage runs the full pipeline for one message. Errors are fatal
// loop outcomes (repeated overflow, exhausted rate-limit retries, provider
// failure, storage failure); the user turn stays persisted either way.
func (a *Agent) ProcessMessage(ctx context.Context, msg Message) (*Response, error) {
	if msg.ChatKey == "" {
		return nil, apperrors.New(apperrors.ErrBadRequest.Code, "message has no chat key")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now()
	}
	start := time.Now()

	sess, reset, err := a.sessions.Resolve(ctx, msg.ChatKey, msg.IsGroup)
	if err != nil {
		return nil, err
	}
	if reset {
		a.logger.Info("Session reset by policy", zap.String("chat", msg.ChatKey), zap.String("session", sess.ID))
	}

	turns, err := a.store.ReadTurns(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	var prev time.Time
	if sess.LastMessageAt != nil {
		prev = *sess.LastMessageAt
	}
	var pending []Message
	if msg.IsGroup {
		pending = a.pending.Drain(msg.ChatKey)
	}
	userText := composeUserTurn(msg, pending, prev, a.loc)

	memoryNote := a.recall(ctx, msg)

	if a.compactor != nil {
		if next, err := a.compactor.CheckAndCompact(ctx, sess.ID, msg.ChatKey, turns); err != nil {
			a.logger.Warn("Preemptive compaction failed", zap.String("chat", msg.ChatKey), zap.Error(err))
		} else if next != "" {
			if sess, turns, err = a.switchSession(msg.ChatKey, next); err != nil {
				return nil, err
			}
		}
	}

	userTurn := store.Turn{Role: llm.RoleUser, Content: userText}
	if err := a.store.AppendTurn(sess.ID, &userTurn); err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}

	run := &loopRun{
		msg:          msg,
		sess:         sess,
		turns:        append(turns, userTurn),
		userTurn:     userTurn,
		memoryNote:   memoryNote,
		systemPrompt: a.prompt(msg),
		ec: &tools.ExecContext{
			ChatKey:    msg.ChatKey,
			SessionID:  sess.ID,
			IsGroup:    msg.IsGroup,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			IsAdmin:    a.isAdmin(msg),
			Admins:     a.admins,
			MessageID:  msg.MessageID,
			Platform:   msg.Platform,
		},
	}
	if run.ec.Platform == nil {
		run.ec.Platform = a.platform
	}
	run.tools = a.toolsFor(ctx, run)

	err = a.runLoop(ctx, run)
	if a.observer != nil {
		a.observer.ObserveLoop(run.iterations, len(run.records))
	}
	if err != nil {
		a.logger.Warn("Agent loop failed",
			zap.String("chat", msg.ChatKey),
			zap.String("session", run.sess.ID),
			zap.Int("iterations", run.iterations),
			zap.Error(err),
		)
		return nil, err
	}

	resp := &Response{
		Content:    a.finalize(run),
		ToolCalls:  run.records,
		SessionID:  run.sess.ID,
		Iterations: run.iterations,
		Usage:      run.usage,
	}

	a.bookkeep(ctx, run)

	a.logger.Info("Message processed",
		zap.String("chat", msg.ChatKey),
		zap.String("session", resp.SessionID),
		zap.Int("iterations", resp.Iterations),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

// finalize picks the reply text once the loop has stopped
func (a *Agent) finalize(run *loopRun) string {
	switch {
	case run.text != "":
		return run.text
	case len(run.records) > 0 && run.delivered:
		return ""
	case len(run.records) > 0:
		return fallbackDone
	case run.usage.TotalTokens == 0:
		a.logger.Warn("Model returned nothing and reported no usage", zap.String("chat", run.msg.ChatKey))
		return fallbackEmpty
	}
	return ""
}

// bookkeep updates session counters, compacts against the final transcript
// and honors reset requests made during the loop. All of it is best-effort.
func (a *Agent) bookkeep(ctx context.Context, run *loopRun) {
	chatKey := run.msg.ChatKey
	update := store.SessionUpdate{
		MessageCountDelta: 1,
		TokensDelta:       int64(run.usage.TotalTokens),
		Model:             run.model,
		Provider:          run.providerName,
	}
	if update.Model == "" {
		update.Model = a.provider.Model()
	}
	if update.Provider == "" {
		update.Provider = a.provider.Name()
	}
	if err := a.sessions.Update(chatKey, update); err != nil {
		a.logger.Warn("Failed to update session", zap.String("chat", chatKey), zap.Error(err))
	}

	if a.compactor != nil {
		turns, err := a.store.ReadTurns(run.sess.ID)
		if err == nil {
			var next string
			next, err = a.compactor.CheckAndCompact(ctx, run.sess.ID, chatKey, turns)
			if err == nil && next != "" {
				err = a.sessions.Switch(chatKey, next)
			}
		}
		if err != nil {
			a.logger.Warn("Post-loop compaction failed", zap.String("chat", chatKey), zap.Error(err))
		}
	}

	if a.takeReset(chatKey) {
		if _, err := a.sessions.Reset(ctx, chatKey, session.ReasonManual); err != nil {
			a.logger.Warn("Requested session reset failed", zap.String("chat", chatKey), zap.Error(err))
		}
	}
}

func (a *Agent) switchSession(chatKey, sessionID string) (*store.Session, []store.Turn, error) {
	if err := a.sessions.Switch(chatKey, sessionID); err != nil {
		return nil, nil, fmt.Errorf("failed to switch session: %w", err)
	}
	sess, err := a.store.GetSessionByID(sessionID)
	if err != nil {
		return nil, nil, err
	}
	turns, err := a.store.ReadTurns(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	return sess, turns, nil
}

func (a *Agent) toolsFor(ctx context.Context, run *loopRun) []llm.Tool {
	msg := run.msg
	var defs []tools.Tool
	if a.useRAG {
		defs = a.registry.ForContextWithRAG(ctx, msg.Text, nil, msg.IsGroup, a.toolLimit, msg.ChatKey, run.ec.IsAdmin)
	} else {
		defs = a.registry.ForContext(msg.IsGroup, a.toolLimit, msg.ChatKey, run.ec.IsAdmin)
	}
	return toLLMTools(defs)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsFatal reports whether err is one of the loop's terminal outcomes
func IsFatal(err error) bool {
	return errors.Is(err, apperrors.ErrContextOverflowRepeated) ||
		errors.Is(err, apperrors.ErrRateLimitExhausted) ||
		errors.Is(err, apperrors.ErrProviderFailed)
}
