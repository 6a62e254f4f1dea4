package scheduler

import (
	"context"
	"time"
)

// TaskContext is handed to every task step. It is the only way a step can
// give up the run token without returning.
type TaskContext struct {
	s *Scheduler
	t *task

	// ctx is cancelled when the task is cancelled or misses its
	// deadline.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// grant receives the run token after a suspension.
	grant chan struct{}
}

// ID returns the id of the running task.
func (tc *TaskContext) ID() TaskID {
	return tc.t.id
}

// Name returns the name of the running task.
func (tc *TaskContext) Name() string {
	return tc.t.name
}

// Context returns a context that is cancelled with ErrTaskCancelled or
// ErrTimeout as cause when the task is aborted.
func (tc *TaskContext) Context() context.Context {
	return tc.ctx
}

// Await suspends the task while f runs, letting other tasks take the run
// token. f gets a context that is never cancelled, so I/O in flight always
// completes. If the task was aborted meanwhile, Await returns the abort cause
// and f's error is discarded.
func (tc *TaskContext) Await(f func(ctx context.Context) error) error {
	return tc.suspend(func() error {
		return f(context.WithoutCancel(tc.ctx))
	})
}

// Sleep suspends the task for d on the scheduler's clock. Unlike Await it
// ends early when the task is aborted.
func (tc *TaskContext) Sleep(d time.Duration) error {
	return tc.suspend(func() error {
		select {
		case <-tc.s.cfg.Clock.TickAfter(d):
		case <-tc.ctx.Done():
		}

		return nil
	})
}

// suspend releases the run token, runs wait and takes the token back.
func (tc *TaskContext) suspend(wait func() error) error {
	if err := tc.s.abortErr(tc.t); err != nil {
		return err
	}

	tc.s.suspend(tc.t)
	err := wait()
	tc.s.resume(tc.t)

	<-tc.grant

	if abort := tc.s.abortErr(tc.t); abort != nil {
		return abort
	}

	return err
}

// Await runs f like TaskContext.Await and returns its value.
func Await[T any](tc *TaskContext, f func(ctx context.Context) (T,
	error)) (T, error) {

	var result T
	err := tc.Await(func(ctx context.Context) error {
		var err error
		result, err = f(ctx)

		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}
