// Package workflow provides the durable-execution contract required by the
// provisioning sagas and an in-process engine that satisfies it: one logical
// thread of control per workflow id, at-most-one active run per id, and
// bounded retry with exponential backoff around every activity. A hosted
// engine can replace it behind the same interfaces; all real side effects
// live inside activities, never in workflow control logic.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Run statuses observable through Engine.Status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrDuplicateWorkflow is returned when Start is called for an id that
	// already has an active run. Surfaced to callers as "already in
	// progress"; never an error to retry.
	ErrDuplicateWorkflow = errors.New("workflow already in progress")

	// ErrUnknownWorkflow is returned for ids the engine has never seen.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrUnregisteredKind is returned when Start names a kind no workflow
	// function was registered for.
	ErrUnregisteredKind = errors.New("unregistered workflow kind")
)

// ActivityError wraps the underlying failure after an activity's retry budget
// is exhausted. It is the signal that triggers saga compensation.
type ActivityError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// permanentError marks a failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so activity execution escalates immediately instead of
// burning the retry budget. Used for failures retrying cannot fix, such as a
// rejected identifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryPolicy bounds an activity's retries. Infinite retry is forbidden:
// every failure must eventually surface to the compensation path.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy is used when ActivityOptions leaves the policy zero.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxAttempts:     4,
}

// ActivityOptions carries the per-activity execution bounds.
type ActivityOptions struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// Func is a workflow entry point. It must be side-effect-free outside of the
// activities it executes through run.
type Func func(ctx context.Context, run *Run, input any) error

// Run is the handle a workflow function uses to execute activities.
type Run struct {
	id     string
	kind   string
	logger *zap.Logger
}

// ID returns the durable workflow identifier of this run.
func (r *Run) ID() string { return r.id }

// Execute runs one activity with a per-attempt timeout and the bounded
// backoff policy, returning *ActivityError once the budget is exhausted.
func (r *Run) Execute(ctx context.Context, name string, opts ActivityOptions, activity func(context.Context) error) error {
	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.MaxElapsedTime = 0 // attempts bound the budget, not wall clock

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := activity(attemptCtx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(perm.err)
		}

		r.logger.Warn("activity attempt failed",
			zap.String("workflow_id", r.id),
			zap.String("activity", name),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return err
	}

	retries := uint64(policy.MaxAttempts - 1)
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx))
	if err != nil {
		return &ActivityError{Name: name, Attempts: attempts, Err: err}
	}
	return nil
}

// Handle tracks one run from start to completion.
type Handle struct {
	id   string
	kind string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the workflow identifier.
func (h *Handle) ID() string { return h.id }

// Await blocks until the run finishes or ctx is done, returning the run's
// terminal error.
func (h *Handle) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	}
}

func (h *Handle) status() string {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.err != nil {
			return StatusFailed
		}
		return StatusCompleted
	default:
		return StatusRunning
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Engine is the in-process durable-execution engine.
type Engine struct {
	logger *zap.Logger

	mu        sync.Mutex
	workflows map[string]Func
	runs      map[string]*Handle
	wg        sync.WaitGroup
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		panic("engine requires logger")
	}
	return &Engine{
		logger:    logger,
		workflows: make(map[string]Func),
		runs:      make(map[string]*Handle),
	}
}

// Register binds a workflow kind to its function. Must be called before Start.
func (e *Engine) Register(kind string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[kind] = fn
}

// Start launches a run for id unless one is already active. A finished run
// for the same id may be restarted; the ledger governs whether a restart is
// legitimate. The run is detached from the caller's cancellation: a saga past
// its first side effect must fail and compensate, never abort abruptly.
func (e *Engine) Start(ctx context.Context, id, kind string, input any) (*Handle, error) {
	e.mu.Lock()
	fn, ok := e.workflows[kind]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredKind, kind)
	}
	if existing, ok := e.runs[id]; ok && existing.status() == StatusRunning {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorkflow, id)
	}

	handle := &Handle{id: id, kind: kind, done: make(chan struct{})}
	e.runs[id] = handle
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	run := &Run{id: id, kind: kind, logger: e.logger}

	go func() {
		defer e.wg.Done()
		err := fn(runCtx, run, input)
		if err != nil {
			e.logger.Error("workflow failed",
				zap.String("workflow_id", id),
				zap.String("kind", kind),
				zap.Error(err),
			)
		} else {
			e.logger.Info("workflow completed",
				zap.String("workflow_id", id),
				zap.String("kind", kind),
			)
		}
		handle.finish(err)
	}()

	return handle, nil
}

// Status reports the engine's view of a run. This is a secondary source;
// callers read the execution ledger first.
func (e *Engine) Status(id string) (string, error) {
	e.mu.Lock()
	handle, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return handle.status(), nil
}

// Drain waits for all active runs to finish. Used on shutdown.
func (e *Engine) Drain() {
	e.wg.Wait()
}
