// Copyright 2025 The OpenStream Gallery Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskengine runs pipeline tasks on a fixed-size worker pool fed by
// a single FIFO queue. Task records live in the catalog; the engine owns
// their state transitions, progress persistence, retry, and cancellation.
package taskengine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sungreong/openstream-gallery/internal/model"
	"github.com/sungreong/openstream-gallery/internal/store"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 2

// MaxAttempts bounds how often a task whose failures are transient is run.
const MaxAttempts = 3

// ProgressFunc reports task progress. Current is monotonic within a phase; a
// phase switch may reset Current and change Total. A zero Total means the
// phase length is unknown.
type ProgressFunc func(current, total int, message string)

// Runner executes one task kind. It must observe ctx at every blocking call
// and still run its cleanup when ctx is canceled. A nil or wrapped
// ErrCanceled return marks the task revoked rather than failed. Runners can
// read Attempt from ctx to tell whether a transient failure will be retried.
type Runner func(ctx context.Context, task *model.Task, report ProgressFunc) error

type attemptKey struct{}

// Attempt returns the 1-based attempt number the engine is running the
// current task under. Outside an engine-run task it returns 1.
func Attempt(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}

// Engine is the task engine. Enqueue is safe for concurrent use once Start
// has been called.
type Engine struct {
	store   store.Store
	queue   chan string
	workers int
	backoff time.Duration

	mu       sync.Mutex
	handlers map[model.TaskKind]Runner
	cancels  map[string]context.CancelFunc

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithBackoff overrides the base retry delay. The delay doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// New returns an Engine with the given pool size (DefaultWorkers when
// workers < 1). Handlers must be registered before Start.
func New(st store.Store, workers int, opts ...Option) *Engine {
	if workers < 1 {
		workers = DefaultWorkers
	}
	e := &Engine{
		store:    st,
		queue:    make(chan string, 256),
		workers:  workers,
		backoff:  time.Second,
		handlers: make(map[model.TaskKind]Runner),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the runner for a task kind.
func (e *Engine) Register(kind model.TaskKind, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = r
}

// Start launches the worker pool. Workers exit when Shutdown is called.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.work(ctx)
		}()
	}
}

// Shutdown stops accepting signals to workers and waits for in-flight tasks.
func (e *Engine) Shutdown() {
	if e.stop != nil {
		e.stop()
	}
	e.wg.Wait()
}

// Enqueue claims the app's task slot for kind, persisting a pending task
// with params in the same atomic step, and queues it. A non-terminal task of
// the same kind for the same app fails with ErrConflict and leaves no record
// behind.
func (e *Engine) Enqueue(ctx context.Context, kind model.TaskKind, appID int64, params map[string]string) (string, error) {
	task := &model.Task{ID: uuid.NewString(), Kind: kind, AppID: appID, State: model.TaskPending, Params: params}
	if err := e.store.ClaimTask(ctx, task); err != nil {
		return "", err
	}
	select {
	case e.queue <- task.ID:
	default:
		// Queue saturated. Surface as transient so callers may retry.
		e.finalize(ctx, task, model.TaskFailure, "task queue full")
		return "", errors.Wrap(model.ErrTransient, "task queue full")
	}
	return task.ID, nil
}

// Cancel requests cancellation. Pending tasks are revoked immediately;
// running tasks get their context canceled and revoke themselves once the
// runner observes it.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return nil
	}
	e.mu.Lock()
	cancel, running := e.cancels[taskID]
	e.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	if task.State == model.TaskPending {
		e.finalize(ctx, task, model.TaskRevoked, "canceled before start")
	}
	return nil
}

// Status returns the task's current state and last progress.
func (e *Engine) Status(ctx context.Context, taskID string) (*model.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-e.queue:
			e.run(ctx, taskID)
		}
	}
}

func (e *Engine) run(ctx context.Context, taskID string) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("task %s vanished from catalog: %v", taskID, err)
		return
	}
	if task.State != model.TaskPending && task.State != model.TaskRetry {
		// Revoked while queued.
		e.clearSlot(ctx, task)
		return
	}
	e.mu.Lock()
	runner, ok := e.handlers[task.Kind]
	e.mu.Unlock()
	if !ok {
		e.finalize(ctx, task, model.TaskFailure, "no handler for kind "+string(task.Kind))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[task.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, task.ID)
		e.mu.Unlock()
	}()

	now := time.Now().UTC()
	task.State = model.TaskRunning
	task.StartedAt = &now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		log.Printf("marking task %s running: %v", task.ID, err)
	}

	report := e.progressFunc(task.ID)
	var runErr error
	for attempt := 1; ; attempt++ {
		runErr = runner(context.WithValue(taskCtx, attemptKey{}, attempt), task, report)
		if runErr == nil || !model.Transient(runErr) || attempt >= MaxAttempts {
			break
		}
		if taskCtx.Err() != nil {
			break
		}
		delay := e.backoff << (attempt - 1)
		log.Printf("task %s attempt %d failed (%v), retrying in %s", task.ID, attempt, runErr, delay)
		task.State = model.TaskRetry
		if err := e.store.UpdateTask(ctx, task); err != nil {
			log.Printf("marking task %s retry: %v", task.ID, err)
		}
		select {
		case <-taskCtx.Done():
		case <-time.After(delay):
		}
		if taskCtx.Err() != nil {
			break
		}
		task.State = model.TaskRunning
		if err := e.store.UpdateTask(ctx, task); err != nil {
			log.Printf("marking task %s running: %v", task.ID, err)
		}
	}

	switch {
	case runErr == nil:
		e.finalize(ctx, task, model.TaskSuccess, "")
	case errors.Is(runErr, model.ErrCanceled) || errors.Is(runErr, context.Canceled) || taskCtx.Err() == context.Canceled:
		e.finalize(ctx, task, model.TaskRevoked, "canceled")
	default:
		e.finalize(ctx, task, model.TaskFailure, model.TruncateLog(runErr.Error()))
	}
}

// progressFunc persists progress updates, keeping Current monotonic within a
// phase. A changed Total starts a new phase and may reset Current.
func (e *Engine) progressFunc(taskID string) ProgressFunc {
	return func(current, total int, message string) {
		ctx := context.Background()
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return
		}
		if total == task.Progress.Total && current < task.Progress.Current {
			return
		}
		task.Progress = model.Progress{Current: current, Total: total, Message: message}
		if err := e.store.UpdateTask(ctx, task); err != nil {
			log.Printf("persisting progress for task %s: %v", taskID, err)
		}
	}
}

// finalize records the terminal state and releases the app's task slot.
func (e *Engine) finalize(ctx context.Context, task *model.Task, state model.TaskState, errMsg string) {
	now := time.Now().UTC()
	task.State = state
	task.ErrorMessage = errMsg
	task.FinishedAt = &now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		log.Printf("finalizing task %s: %v", task.ID, err)
	}
	e.clearSlot(ctx, task)
}

func (e *Engine) clearSlot(ctx context.Context, task *model.Task) {
	if err := e.store.ClearTaskID(ctx, task.AppID, task.Kind, task.ID); err != nil {
		log.Printf("releasing task slot for app %d: %v", task.AppID, err)
	}
}
