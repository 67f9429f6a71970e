// Package queue serializes work per chat key: tasks for one key run strictly
// in arrival order, tasks for different keys run concurrently.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
)

// Task is one unit of work for a chat key
type Task func(ctx context.Context) error

// Handle resolves when its task finishes
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed once the task has finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error; only valid after Done is closed
func (h *Handle) Err() error {
	return h.err
}

// Wait blocks until the task finishes or ctx ends. It returns the task's own
// error, or ctx's error if ctx ended first (the task still runs).
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	task   Task
	handle *Handle
}

// chain is owned by a single worker goroutine for as long as it has entries
type chain struct {
	pending []*entry
	running bool
}

// ChatQueue runs at most one task per key at a time
type ChatQueue struct {
	mu        sync.Mutex
	chains    map[string]*chain
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	warnDepth int
	logger    *zap.Logger
}

// New creates a ChatQueue. warnDepth > 0 logs a warning whenever a key's
// backlog grows past it; the backlog itself is not capped.
func New(warnDepth int, logger *zap.Logger) *ChatQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatQueue{
		chains:    make(map[string]*chain),
		ctx:       ctx,
		cancel:    cancel,
		warnDepth: warnDepth,
		logger:    logger,
	}
}

// Enqueue appends task to key's chain
func (q *ChatQueue) Enqueue(key string, task Task) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, apperrors.ErrQueueClosed
	}

	c, ok := q.chains[key]
	if !ok {
		c = &chain{}
		q.chains[key] = c
	}
	c.pending = append(c.pending, &entry{task: task, handle: h})
	q.wg.Add(1)

	if depth := len(c.pending); q.warnDepth > 0 && depth > q.warnDepth {
		q.logger.Warn("Chat queue backlog growing",
			zap.String("chat", key),
			zap.Int("depth", depth),
		)
	}

	if !c.running {
		c.running = true
		go q.work(key, c)
	}
	return h, nil
}

// work drains one key's chain, removing it from the map once empty
func (q *ChatQueue) work(key string, c *chain) {
	for {
		q.mu.Lock()
		if len(c.pending) == 0 {
			c.running = false
			delete(q.chains, key)
			q.mu.Unlock()
			return
		}
		e := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		q.mu.Unlock()

		e.handle.err = q.run(key, e.task)
		close(e.handle.done)
		q.wg.Done()
	}
}

func (q *ChatQueue) run(key string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Chat task panicked",
				zap.String("chat", key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(q.ctx)
}

// Drain stops admitting work and waits for every chained task to finish.
// If ctx ends first, in-flight tasks see their context cancelled.
func (q *ChatQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// Depth returns the number of queued (not yet started) tasks for key
func (q *ChatQueue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.chains[key]; ok {
		return len(c.pending)
	}
	return 0
}

// Stats returns the number of keys with live chains and the total backlog
func (q *ChatQueue) Stats() (keys, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.chains {
		pending += len(c.pending)
	}
	return len(q.chains), pending
}

// ActiveKeys lists keys with queued or running work
func (q *ChatQueue) ActiveKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.chains))
	for k := range q.chains {
		keys = append(keys, k)
	}
	return keys
}
