// Package cron runs the agent's housekeeping jobs on cron schedules
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is a scheduled unit of work. ctx is cancelled on Stop.
type JobFunc func(ctx context.Context) error

// Entry describes a registered job
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

// Runner manages scheduled job execution
type Runner struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	running   bool
	entryIDs  map[string]cron.EntryID
	schedules map[string]string
}

// NewRunner creates a runner evaluating schedules in loc (nil means local)
func NewRunner(loc *time.Location, logger *zap.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	logger = logger.Named("cron")
	adapter := zapCronLogger{logger.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		entryIDs:  make(map[string]cron.EntryID),
		schedules: make(map[string]string),
	}
}

// AddJob registers fn under name. Re-adding a name replaces the old entry.
func (r *Runner) AddJob(name, schedule string, fn JobFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.cron.AddFunc(schedule, func() {
		r.execute(name, fn)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}

	if old, ok := r.entryIDs[name]; ok {
		r.cron.Remove(old)
	}
	r.entryIDs[name] = id
	r.schedules[name] = schedule
	return nil
}

// RemoveJob unregisters a job; unknown names are ignored
func (r *Runner) RemoveJob(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entryIDs[name]; ok {
		r.cron.Remove(id)
		delete(r.entryIDs, name)
		delete(r.schedules, name)
	}
}

// RunNow executes a registered job synchronously, outside its schedule
func (r *Runner) RunNow(name string) error {
	r.mu.RLock()
	id, ok := r.entryIDs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	r.cron.Entry(id).Job.Run()
	return nil
}

func (r *Runner) execute(name string, fn JobFunc) {
	start := time.Now()
	if err := fn(r.ctx); err != nil {
		r.logger.Error("Job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("Job completed",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Start starts the scheduler
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cron runner already running")
	}
	r.running = true
	r.cron.Start()
	r.logger.Info("Cron runner started", zap.Int("jobs", len(r.entryIDs)))
	return nil
}

// Stop cancels running jobs and waits for them to return
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("Cron runner stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Entries lists registered jobs sorted by name
func (r *Runner) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entryIDs))
	for name, id := range r.entryIDs {
		e := r.cron.Entry(id)
		out = append(out, Entry{Name: name, Schedule: r.schedules[name], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// zapCronLogger adapts zap to cron.Logger
type zapCronLogger struct {
	s *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
