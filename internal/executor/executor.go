// Package executor implements the step executor registry and the built-in
// step executors.
//
// A step executor receives the action configuration and a read-only view of
// the conversation, and returns a Result. Executors never touch the session:
// everything they want to change travels back in the Result and is applied by
// the engine. The Registry maps executor tags to implementations and applies
// the per-call timeout and retry policy.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Context is the conversation view handed to an executor.
type Context struct {
	SessionID     string
	Platform      string
	FlowID        string
	StateID       string
	Action        models.Action
	Input         string
	Intent        string
	Module        string
	Language      string
	Data          map[string]any // copy of the collected data, safe to read
	Attempt       int            // failed attempts already recorded for this state
	Authenticated bool
}

// Result is everything an executor wants the engine to apply.
type Result struct {
	Text          string
	Elements      []models.Element
	Signal        string
	Data          map[string]any
	Output        any // stored under Action.Output when set
	Complete      bool
	Authenticated bool
	Err           error
}

// Executor runs one action.
type Executor interface {
	Execute(ctx context.Context, cfg map[string]any, ec *Context) Result
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, cfg map[string]any, ec *Context) Result

// Execute calls f.
func (f Func) Execute(ctx context.Context, cfg map[string]any, ec *Context) Result {
	return f(ctx, cfg, ec)
}

// Policy controls how the registry calls an executor.
type Policy struct {
	// Idempotent executors are retried on error.
	Idempotent bool
	// KeyedRetry executors are retried only when their config carries an
	// idempotencyKey.
	KeyedRetry bool
	// Timeout overrides the registry default when non-zero.
	Timeout time.Duration
}

// Defaults for the registry's call policy.
const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
	DefaultBackoff = 200 * time.Millisecond
)

type entry struct {
	exec   Executor
	policy Policy
}

// Registry maps executor tags to executors.
type Registry struct {
	mu      sync.RWMutex
	entries map[models.ExecutorType]entry
	timeout time.Duration
	retries int
	backoff time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetries sets how many times an idempotent executor is retried after the
// first failure.
func WithRetries(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithBackoff sets the pause between retries; the pause grows linearly with the attempt.
func WithBackoff(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.backoff = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[models.ExecutorType]entry),
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the executor for tag.
func (r *Registry) Register(tag models.ExecutorType, exec Executor, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tag] = entry{exec: exec, policy: policy}
	slog.Debug("Executor registered", "tag", tag, "idempotent", policy.Idempotent, "keyedRetry", policy.KeyedRetry)
}

// Has reports whether tag has a registered executor.
func (r *Registry) Has(tag models.ExecutorType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tag]
	return ok
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []models.ExecutorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]models.ExecutorType, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Run executes ec.Action. An unregistered tag yields a Result whose Err is a
// *models.UnknownStepTypeError. Failures that survive the retry policy come
// back with the "error" signal and a *models.StepExecutionError.
func (r *Registry) Run(ctx context.Context, ec *Context) Result {
	tag := ec.Action.Executor
	r.mu.RLock()
	e, ok := r.entries[tag]
	r.mu.RUnlock()
	if !ok {
		return Result{Err: &models.UnknownStepTypeError{Executor: tag, ActionID: ec.Action.ID}}
	}

	timeout := r.timeout
	if e.policy.Timeout > 0 {
		timeout = e.policy.Timeout
	}
	attempts := 1
	if retriable(e.policy, ec.Action.Config) {
		attempts += r.retries
	}

	var last Result
	for i := 1; i <= attempts; i++ {
		last = r.runOnce(ctx, e.exec, timeout, ec)
		if last.Err == nil {
			return last
		}
		slog.Warn("Executor Run attempt failed", "tag", tag, "actionID", ec.Action.ID, "attempt", i, "of", attempts, "error", last.Err)
		if i == attempts || ctx.Err() != nil {
			break
		}
		if err := sleep(ctx, r.backoff*time.Duration(i)); err != nil {
			break
		}
	}

	return Result{
		Text:   last.Text,
		Signal: models.SignalError,
		Err: &models.StepExecutionError{
			Executor: tag,
			ActionID: ec.Action.ID,
			Attempts: attempts,
			Cause:    last.Err,
		},
	}
}

// runOnce calls the executor under a deadline. The executor is abandoned, not
// waited for, when it ignores its context past the deadline.
func (r *Registry) runOnce(ctx context.Context, exec Executor, timeout time.Duration, ec *Context) Result {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		done <- exec.Execute(cctx, models.CloneMap(ec.Action.Config), ec)
	}()

	select {
	case res := <-done:
		return res
	case <-cctx.Done():
		return Result{Err: fmt.Errorf("step timed out after %s: %w", timeout, cctx.Err())}
	}
}

func retriable(p Policy, cfg map[string]any) bool {
	if p.Idempotent {
		return true
	}
	if p.KeyedRetry {
		key, _ := cfg["idempotencyKey"].(string)
		return key != ""
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
