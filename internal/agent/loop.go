package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/security"
	"github.com/therenovatio/teleton-agent-sub000/internal/session"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

// loopRun is the working state of one ProcessMessage call
type loopRun struct {
	msg          Message
	sess         *store.Session
	turns        []store.Turn
	userTurn     store.Turn
	memoryNote   string
	systemPrompt string
	tools        []llm.Tool
	ec           *tools.ExecContext

	overflowed   bool
	iterations   int
	text         string
	usage        llm.Usage
	records      []ToolCallRecord
	delivered    bool
	model        string
	providerName string
}

// runLoop alternates model calls and tool execution until the model stops
// asking for tools or the iteration cap is hit. An overflow reset restarts
// the loop without spending an iteration.
func (a *Agent) runLoop(ctx context.Context, run *loopRun) error {
	for run.iterations < a.cfg.MaxIterations {
		run.iterations++

		resp, err := a.callModel(ctx, run)
		if err != nil {
			if !errors.Is(err, apperrors.ErrContextOverflow) {
				return err
			}
			if run.overflowed {
				return apperrors.WithCause(apperrors.ErrContextOverflowRepeated, err)
			}
			run.overflowed = true
			run.iterations--
			if err := a.resetForOverflow(ctx, run); err != nil {
				return err
			}
			continue
		}

		run.usage.PromptTokens += resp.Usage.PromptTokens
		run.usage.CompletionTokens += resp.Usage.CompletionTokens
		run.usage.TotalTokens += resp.Usage.TotalTokens
		if resp.Model != "" {
			run.model = resp.Model
		}
		if resp.Provider != "" {
			run.providerName = resp.Provider
		}
		text := resp.Text
		if text == "" {
			text = resp.Message.Content
		}
		if text != "" {
			run.text = text
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			if text != "" {
				a.appendTurn(run, store.Turn{Role: llm.RoleAssistant, Content: text})
			}
			return nil
		}

		a.appendTurn(run, store.Turn{
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: store.ToJSON(calls),
		})
		for _, tc := range calls {
			if err := a.executeTool(ctx, run, tc); err != nil {
				return err
			}
		}

		if run.iterations >= a.cfg.MaxIterations {
			a.logger.Warn("Iteration cap reached with tool calls pending, finalizing",
				zap.String("chat", run.msg.ChatKey),
				zap.Int("max_iterations", a.cfg.MaxIterations),
			)
		}
	}
	return nil
}

// callModel makes one model call, retrying rate limits with exponential
// backoff. Overflows come back as ErrContextOverflow for runLoop to handle.
func (a *Agent) callModel(ctx context.Context, run *loopRun) (*llm.Response, error) {
	lctx := a.buildContext(run)
	opts := llm.CallOptions{
		Model:     a.provider.Model(),
		MaxTokens: a.maxTokens,
		SessionID: run.sess.ID,
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err := a.provider.Call(ctx, lctx, run.tools, opts)

		var msg string
		var status int
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			msg = err.Error()
			if resp != nil {
				status = resp.StatusCode
			}
		case resp == nil:
			msg = "provider returned no response"
		case resp.Failed():
			msg = resp.ErrorMessage
			status = resp.StatusCode
		default:
			a.observe(CallSuccess, time.Since(start))
			return resp, nil
		}
		cause := errors.New(msg)

		switch {
		case llm.IsContextOverflow(msg):
			a.observe(CallOverflow, time.Since(start))
			return nil, apperrors.WithCause(apperrors.ErrContextOverflow, cause)

		case llm.IsRateLimit(status, msg):
			a.observe(CallRateLimit, time.Since(start))
			if attempt >= a.cfg.RateLimitMaxRetries {
				return nil, apperrors.WithCause(apperrors.ErrRateLimitExhausted, cause)
			}
			delay := a.cfg.RateLimitBaseDelay << attempt
			a.logger.Warn("Rate limited, backing off",
				zap.String("chat", run.msg.ChatKey),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", a.cfg.RateLimitMaxRetries),
				zap.Duration("delay", delay),
			)
			if a.observer != nil {
				a.observer.ObserveRateLimitRetry()
			}
			if err := a.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			a.observe(CallError, time.Since(start))
			return nil, apperrors.WithCause(apperrors.ErrProviderFailed, cause)
		}
	}
}

func (a *Agent) observe(outcome string, elapsed time.Duration) {
	if a.observer != nil {
		a.observer.ObserveModelCall(outcome, elapsed)
	}
}

// resetForOverflow logs the tail of the transcript durably, replaces the
// session and seeds the new one with only the current user turn.
func (a *Agent) resetForOverflow(ctx context.Context, run *loopRun) error {
	chatKey := run.msg.ChatKey
	old := run.sess.ID

	if a.overflow != nil {
		tail := run.turns
		if n := a.cfg.OverflowSummaryTurns; n > 0 && len(tail) > n {
			tail = tail[len(tail)-n:]
		}
		if err := a.overflow.LogOverflow(ctx, chatKey, old, tail); err != nil {
			a.logger.Warn("Failed to log overflowed turns", zap.String("chat", chatKey), zap.Error(err))
		}
	}

	next, err := a.sessions.Reset(ctx, chatKey, session.ReasonOverflow)
	if err != nil {
		return err
	}

	userTurn := store.Turn{Role: llm.RoleUser, Content: run.userTurn.Content}
	if err := a.store.AppendTurn(next.ID, &userTurn); err != nil {
		return err
	}

	run.sess = next
	run.ec.SessionID = next.ID
	run.userTurn = userTurn
	run.turns = []store.Turn{userTurn}
	run.text = ""
	run.records = nil
	run.delivered = false

	if a.observer != nil {
		a.observer.ObserveOverflowReset()
	}
	a.logger.Warn("Context overflow, started a fresh session",
		zap.String("chat", chatKey),
		zap.String("previous", old),
		zap.String("session", next.ID),
	)
	return nil
}

// executeTool runs one call and records its result turn. Tool failures are
// results for the model; only a missing registry or context is fatal.
func (a *Agent) executeTool(ctx context.Context, run *loopRun, tc llm.ToolCall) error {
	if a.registry == nil || run.ec == nil {
		return apperrors.WithCause(apperrors.ErrToolContextMissing, fmt.Errorf("tool %s in chat %s", tc.Name, run.msg.ChatKey))
	}

	start := time.Now()
	var raw json.RawMessage
	if tc.Arguments != "" {
		raw = json.RawMessage(tc.Arguments)
	}
	res := a.registry.Execute(ctx, tools.Call{ID: tc.ID, Name: tc.Name, Arguments: raw}, run.ec)

	run.records = append(run.records, ToolCallRecord{
		ID:        tc.ID,
		Name:      tc.Name,
		Arguments: tc.Arguments,
		Success:   res.Success,
		Error:     res.Error,
		Duration:  time.Since(start),
	})
	if res.Success && a.registry.DeliversReply(tc.Name) {
		run.delivered = true
	}

	success := res.Success
	a.appendTurn(run, store.Turn{
		Role:       llm.RoleTool,
		Content:    security.RedactSecrets(serializeResult(res, a.cfg.ToolResultMaxBytes)),
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Category:   a.registry.Category(tc.Name),
		Success:    &success,
	})
	return nil
}

// appendTurn persists t and adds it to the working context. A failed write
// is logged; the in-memory context still carries the turn for this loop.
func (a *Agent) appendTurn(run *loopRun, t store.Turn) {
	if err := a.store.AppendTurn(run.sess.ID, &t); err != nil {
		a.logger.Warn("Failed to persist turn",
			zap.String("chat", run.msg.ChatKey),
			zap.String("role", t.Role),
			zap.Error(err),
		)
	}
	run.turns = append(run.turns, t)
}
