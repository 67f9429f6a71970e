package cron

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

// Default schedules
const (
	DefaultPendingPrune = "@every 10m"
	DefaultSessionSweep = "*/5 * * * *"

	JobPendingPrune = "pending_prune"
	JobSessionSweep = "session_sweep"
)

// Pruner drops stale pending group messages
type Pruner interface {
	Prune(now time.Time) int
}

// Sessions is the session surface the sweep needs
type Sessions interface {
	ExpiredChatKeys() ([]string, error)
	Resolve(ctx context.Context, chatKey string, isGroup bool) (*store.Session, bool, error)
}

// Enqueuer serializes work per chat
type Enqueuer interface {
	Enqueue(key string, task queue.Task) (*queue.Handle, error)
}

// PendingPruneJob returns a job that ages out buffered group messages
func PendingPruneJob(p Pruner, logger *zap.Logger) JobFunc {
	return func(ctx context.Context) error {
		if dropped := p.Prune(time.Now()); dropped > 0 {
			logger.Debug("Pruned pending messages", zap.Int("dropped", dropped))
		}
		return nil
	}
}

// SessionSweepJob returns a job that resets sessions the policy considers
// expired, so the summary of a quiet chat is written without waiting for
// its next message. Each reset runs on the chat's queue lane.
func SessionSweepJob(sessions Sessions, q Enqueuer, logger *zap.Logger) JobFunc {
	return func(ctx context.Context) error {
		keys, err := sessions.ExpiredChatKeys()
		if err != nil {
			return err
		}

		handles := make([]*queue.Handle, 0, len(keys))
		for _, key := range keys {
			key := key
			h, err := q.Enqueue(key, func(ctx context.Context) error {
				// re-checked on the lane; a message may have refreshed the session
				_, reset, err := sessions.Resolve(ctx, key, false)
				if err == nil && reset {
					logger.Info("Swept expired session", zap.String("chat", key))
				}
				return err
			})
			if errors.Is(err, apperrors.ErrQueueClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}

		var errs []error
		for _, h := range handles {
			if err := h.Wait(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// RegisterDefaults wires the housekeeping jobs using the configured
// schedules, falling back to the defaults.
func RegisterDefaults(r *Runner, cfg config.CronConfig, pending Pruner, sessions Sessions, q Enqueuer, logger *zap.Logger) error {
	prune := cfg.PendingPrune
	if prune == "" {
		prune = DefaultPendingPrune
	}
	sweep := cfg.SessionSweep
	if sweep == "" {
		sweep = DefaultSessionSweep
	}

	if err := r.AddJob(JobPendingPrune, prune, PendingPruneJob(pending, logger)); err != nil {
		return err
	}
	return r.AddJob(JobSessionSweep, sweep, SessionSweepJob(sessions, q, logger))
}
