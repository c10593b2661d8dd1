// Package async runs blocking operations in the background, with an explicit
// cancellation and a completion channel for the caller to select on.
//
// A control loop starts a Task with Go, and either selects on Done, or polls
// with Poll on each iteration of its loop, after which it retrieves the result
// with Wait. Cancel stops the task through its context. The result of a
// canceled task is discarded, even if the function returned a value.
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/mjl-/imapmirror/metrics"
	"github.com/mjl-/imapmirror/mlog"
)

// ErrCanceled is returned by Wait for a task that was canceled.
var ErrCanceled = errors.New("task canceled")

// ErrPending is returned by Result for a task that has not completed.
var ErrPending = errors.New("task still pending")

// Task is a background operation returning a T.
type Task[T any] struct {
	name     string
	cancel   context.CancelFunc
	done     chan struct{}
	canceled atomic.Bool

	// Set before done is closed.
	result T
	err    error
}

// Go starts fn in a new goroutine. The context passed to fn is canceled when
// ctx is canceled or the task is canceled. A panic in fn is recovered, logged
// and returned as error.
func Go[T any](ctx context.Context, log mlog.Log, name string, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			log.Error("unhandled panic in task", slog.String("task", name), slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc("async")
			t.err = fmt.Errorf("task %s: panic: %v", name, x)
		}()

		t.result, t.err = fn(ctx)
	}()
	return t
}

// Name returns the name the task was started with.
func (t *Task[T]) Name() string {
	return t.name
}

// Done returns a channel that is closed when the task has completed.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Poll returns whether the task has completed, without blocking.
func (t *Task[T]) Poll() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Cancel requests the task to stop. It does not wait for the task to finish.
func (t *Task[T]) Cancel() {
	t.canceled.Store(true)
	t.cancel()
}

// Wait waits for the task to complete, or for ctx to be done, and returns its
// result. For a canceled task, the zero value and ErrCanceled are returned.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return t.Result()
}

// Result returns the result of a completed task without blocking. ErrPending is
// returned if the task has not completed yet.
func (t *Task[T]) Result() (T, error) {
	var zero T
	if !t.Poll() {
		return zero, ErrPending
	}
	if t.canceled.Load() {
		return zero, ErrCanceled
	}
	return t.result, t.err
}
