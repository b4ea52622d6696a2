package workerpool

import (
	"context"
	"fmt"
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Task is the awaitable handle of a submitted function.
type Task[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  T
	err    error
}

// Submit schedules fn on pool and returns a handle to its result. The
// context passed to fn is cancelled when ctx is cancelled or Cancel is called.
// A task whose context is already done when a worker picks it up is not run.
func Submit[T any](ctx context.Context, pool *Pool, fn func(context.Context) (T, error)) (*Task[T], error) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task[T]{done: make(chan struct{}), cancel: cancel}

	job := func() {
		defer close(task.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				task.err = &PanicError{Value: r}
			}
		}()

		if err := taskCtx.Err(); err != nil {
			task.err = err
			return
		}
		task.value, task.err = fn(taskCtx)
	}

	if err := pool.Go(job); err != nil {
		cancel()
		return nil, err
	}
	return task, nil
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the task has finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Cancel cancels the task's context.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Run submits fn and waits for it. It is the common case for leaf work.
func Run[T any](ctx context.Context, pool *Pool, fn func(context.Context) (T, error)) (T, error) {
	task, err := Submit(ctx, pool, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return task.Wait(ctx)
}
