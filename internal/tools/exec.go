package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// Execute outcomes reported to the observer
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeNotFound = "not_found"
)

// Execute resolves and runs a call. It never returns nil and never panics:
// every failure becomes a Result with Success false.
func (r *Registry) Execute(ctx context.Context, call Call, ec *ExecContext) *Result {
	start := time.Now()
	res, outcome := r.execute(ctx, call, ec)
	if observe := r.observer.Load(); observe != nil {
		(*observe)(call.Name, outcome, time.Since(start))
	}
	return res
}

func (r *Registry) execute(ctx context.Context, call Call, ec *ExecContext) (*Result, string) {
	if ec == nil {
		return Fail("Tool execution context is missing"), OutcomeRejected
	}

	e, ok := r.current.Load().tools[call.Name]
	if !ok {
		return Fail(fmt.Sprintf("Unknown tool: %s", call.Name)), OutcomeNotFound
	}

	if reason := r.denyReason(e.def, ec.ChatKey, ec.IsGroup, ec.IsAdmin); reason != "" {
		r.logger.Info("Tool call rejected",
			zap.String("tool", call.Name),
			zap.String("chat", ec.ChatKey),
			zap.String("reason", reason),
		)
		return Fail(reason), OutcomeRejected
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return Fail(fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)), OutcomeRejected
	}
	if err := validateArgs(e.schema, args); err != nil {
		return Fail(fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)), OutcomeRejected
	}

	return r.runWithTimeout(ctx, e, args, ec)
}

// denyReason applies, in order, the enabled flag, the effective scope and
// the chat's module permission. It returns "" when the call may proceed.
func (r *Registry) denyReason(def Tool, chatKey string, isGroup, isAdmin bool) string {
	if r.overrides.isDisabled(def.Name) {
		return fmt.Sprintf("Tool %s is disabled", def.Name)
	}

	scope := def.Scope
	if s, ok := r.overrides.scope(def.Name); ok {
		scope = s
	}
	switch scope {
	case ScopeDMOnly:
		if isGroup {
			return fmt.Sprintf("Tool %s is only available in direct messages", def.Name)
		}
	case ScopeGroupOnly:
		if !isGroup {
			return fmt.Sprintf("Tool %s is only available in groups", def.Name)
		}
	case ScopeAdminOnly:
		if !isAdmin {
			return fmt.Sprintf("Tool %s is restricted to admins", def.Name)
		}
	}

	switch r.overrides.permission(chatKey, def.Module) {
	case PermissionDisabled:
		return fmt.Sprintf("Module %s is disabled in this chat", def.Module)
	case PermissionAdmin:
		if !isAdmin {
			return fmt.Sprintf("Module %s is restricted to admins in this chat", def.Module)
		}
	}
	return ""
}

type execOutcome struct {
	res *Result
	err error
}

// runWithTimeout races the executor against the registry timeout. A
// timed-out executor keeps running in its goroutine with a cancelled ctx.
func (r *Registry) runWithTimeout(ctx context.Context, e *entry, args map[string]interface{}, ec *ExecContext) (*Result, string) {
	toolCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Tool panicked",
					zap.String("tool", e.def.Name),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- execOutcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		res, err := e.exec(toolCtx, args, ec)
		done <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.logger.Warn("Tool execution failed",
				zap.String("tool", e.def.Name),
				zap.Error(out.err),
			)
			return Fail(out.err.Error()), OutcomeFailed
		}
		if out.res == nil {
			return &Result{Success: true}, OutcomeSuccess
		}
		if !out.res.Success {
			if out.res.Error == "" {
				out.res.Error = "Tool reported failure"
			}
			return out.res, OutcomeFailed
		}
		return out.res, OutcomeSuccess

	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("Tool execution timed out",
				zap.String("tool", e.def.Name),
				zap.Duration("timeout", r.timeout),
			)
			return Fail(fmt.Sprintf("Tool %s timed out after %s", e.def.Name, r.timeout)), OutcomeTimeout
		}
		return Fail(fmt.Sprintf("Tool %s cancelled: %v", e.def.Name, toolCtx.Err())), OutcomeFailed
	}
}
