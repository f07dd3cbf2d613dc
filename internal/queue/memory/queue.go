// Package memory provides the in-process brand task queue.
//
// Each named queue is a FIFO with at most one consumer. A single drain
// goroutine serves every queue of a TaskQueue, so at most one task is being
// handled at any time. Nothing is persisted: a restart loses queued tasks.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/logging"
	"github.com/JakeFAU/bulk-brand-fetcher/internal/metrics"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("queue closed")

// Envelope wraps a task with its queue bookkeeping.
type Envelope struct {
	ID    string            `json:"id"`
	Queue string            `json:"queue"`
	Task  catalog.BrandTask `json:"task"`
	// Retries counts how many times the envelope was re-appended after a
	// handler failure.
	Retries int `json:"retries"`
}

// Handler processes one envelope. A returned error triggers an in-place retry
// while the retry policy allows it.
type Handler func(ctx context.Context, env Envelope) error

// FailureHandler receives envelopes dropped after their last retry.
type FailureHandler func(ctx context.Context, env Envelope, err error)

// Status describes one named queue.
type Status struct {
	Pending    int  `json:"pending"`
	Processing bool `json:"processing"`
	HasHandler bool `json:"hasHandler"`
}

// Config tunes the queue.
type Config struct {
	// TaskDelay is waited between two tasks.
	TaskDelay time.Duration
	Retry     catalog.RetryPolicy
	// BaseContext is handed to handlers; defaults to context.Background.
	BaseContext context.Context
}

type named struct {
	pending    []Envelope
	handler    Handler
	processing bool
}

// TaskQueue is the in-memory queue.
type TaskQueue struct {
	cfg    Config
	ids    catalog.IDGenerator
	logger *zap.Logger

	mu        sync.Mutex
	queues    map[string]*named
	onFailure FailureHandler
	closed    bool

	draining atomic.Bool
	wg       sync.WaitGroup
	done     chan struct{}
}

// New constructs a TaskQueue.
func New(cfg Config, ids catalog.IDGenerator, logger *zap.Logger) *TaskQueue {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &TaskQueue{
		cfg:    cfg,
		ids:    ids,
		logger: logging.OrNop(logger).Named("task_queue"),
		queues: make(map[string]*named),
		done:   make(chan struct{}),
	}
}

// OnFailure registers the handler for envelopes that exhausted their retries.
func (q *TaskQueue) OnFailure(fn FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = fn
}

func (q *TaskQueue) queue(name string) *named {
	n, ok := q.queues[name]
	if !ok {
		n = &named{}
		q.queues[name] = n
	}
	return n
}

// Publish appends task to queueName and returns the envelope id.
func (q *TaskQueue) Publish(_ context.Context, queueName string, task catalog.BrandTask) (string, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	n := q.queue(queueName)
	n.pending = append(n.pending, Envelope{ID: id, Queue: queueName, Task: task})
	depth := len(n.pending)
	q.mu.Unlock()

	metrics.SetQueueDepth(queueName, depth)
	q.kick()
	return id, nil
}

// Consume registers the single handler for queueName.
func (q *TaskQueue) Consume(queueName string, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	n := q.queue(queueName)
	if n.handler != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue %q already has a consumer", queueName)
	}
	n.handler = handler
	q.mu.Unlock()

	q.logger.Info("consumer registered", zap.String("queue", queueName))
	q.kick()
	return nil
}

// Status reports every known queue.
func (q *TaskQueue) Status() map[string]Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Status, len(q.queues))
	for name, n := range q.queues {
		out[name] = Status{Pending: len(n.pending), Processing: n.processing, HasHandler: n.handler != nil}
	}
	return out
}

// Close stops the drain loop after the task in progress and waits for it.
func (q *TaskQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue close: %w", ctx.Err())
	}
}

// kick starts the drain goroutine unless one is already running.
func (q *TaskQueue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.draining.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go q.drain()
}

func (q *TaskQueue) drain() {
	defer q.wg.Done()
	for {
		env, handler, ok := q.next()
		if !ok {
			q.draining.Store(false)
			// A publish may have raced the flag reset.
			if !q.hasWork() || !q.draining.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		q.process(env, handler)
		if !q.pause() {
			q.draining.Store(false)
			return
		}
	}
}

// next pops the head of the first queue, by name, that has both work and a
// handler.
func (q *TaskQueue) next() (Envelope, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Envelope{}, nil, false
	}
	for _, name := range q.sortedNames() {
		n := q.queues[name]
		if n.handler == nil || len(n.pending) == 0 {
			continue
		}
		env := n.pending[0]
		n.pending = n.pending[1:]
		n.processing = true
		metrics.SetQueueDepth(name, len(n.pending))
		return env, n.handler, true
	}
	return Envelope{}, nil, false
}

func (q *TaskQueue) hasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for _, n := range q.queues {
		if n.handler != nil && len(n.pending) > 0 {
			return true
		}
	}
	return false
}

func (q *TaskQueue) sortedNames() []string {
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (q *TaskQueue) process(env Envelope, handler Handler) {
	ctx := q.cfg.BaseContext
	log := q.logger.With(
		zap.String("queue", env.Queue),
		zap.String("task_id", env.ID),
		zap.String("job_id", env.Task.JobID),
		zap.Int("brand_index", env.Task.BrandIndex),
	)
	err := invoke(ctx, handler, env)

	q.mu.Lock()
	n := q.queue(env.Queue)
	n.processing = false
	if err == nil {
		q.mu.Unlock()
		return
	}
	if q.cfg.Retry.ShouldRetry(err, env.Retries) && !q.closed {
		env.Retries++
		n.pending = append(n.pending, env)
		depth := len(n.pending)
		q.mu.Unlock()
		metrics.SetQueueDepth(env.Queue, depth)
		log.Warn("task failed, requeued", zap.Int("retries", env.Retries), zap.Error(err))
		return
	}
	onFailure := q.onFailure
	q.mu.Unlock()

	metrics.ObserveQueueTaskFailure(env.Queue)
	log.Error("task dropped", zap.Int("retries", env.Retries), zap.Error(err))
	if onFailure != nil {
		onFailure(ctx, env, err)
	}
}

func invoke(ctx context.Context, handler Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

// pause waits TaskDelay between tasks; false means the queue was closed.
func (q *TaskQueue) pause() bool {
	if q.cfg.TaskDelay <= 0 {
		select {
		case <-q.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(q.cfg.TaskDelay)
	defer t.Stop()
	select {
	case <-q.done:
		return false
	case <-t.C:
		return true
	}
}
