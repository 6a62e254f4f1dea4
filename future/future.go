package future

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future is the read side of a single asynchronous result. A Future resolves
// exactly once and every caller of Await observes the same result.
type Future[T any] interface {
	// Await blocks until the result is available or the passed context
	// expires. In the latter case the context error is returned and the
	// underlying operation is left untouched.
	Await(ctx context.Context) fn.Result[T]

	// Done returns a channel that is closed once the result is available.
	Done() <-chan struct{}

	// ThenApply returns a new Future holding f applied to a successful
	// result. Errors are passed through without calling f.
	ThenApply(ctx context.Context, f func(T) T) Future[T]

	// OnComplete calls f with the result from a new goroutine once the
	// future resolves, or with the context error if ctx expires first.
	OnComplete(ctx context.Context, f func(fn.Result[T]))
}

// Promise is the write side of a Future.
type Promise[T any] interface {
	// Future returns the Future tied to this promise.
	Future() Future[T]

	// Complete resolves the promise. Only the first call has an effect,
	// the returned boolean reports whether this call won.
	Complete(result fn.Result[T]) bool
}

// promiseImpl implements both Promise and Future.
type promiseImpl[T any] struct {
	once   sync.Once
	done   chan struct{}
	result fn.Result[T]
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{
		done: make(chan struct{}),
	}
}

// Resolved returns a future that already holds result.
func Resolved[T any](result fn.Result[T]) Future[T] {
	p := &promiseImpl[T]{
		done: make(chan struct{}),
	}
	p.Complete(result)

	return p
}

// Future returns the Future tied to this promise.
func (p *promiseImpl[T]) Future() Future[T] {
	return p
}

// Complete resolves the promise.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		won = true
	})

	return won
}

// Done returns a channel that is closed once the result is available.
func (p *promiseImpl[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the result is available or ctx expires.
func (p *promiseImpl[T]) Await(ctx context.Context) fn.Result[T] {
	// A resolved future always wins over an expired context.
	select {
	case <-p.done:
		return p.result
	default:
	}

	select {
	case <-p.done:
		return p.result
	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply returns a new Future holding f applied to a successful result.
func (p *promiseImpl[T]) ThenApply(ctx context.Context,
	f func(T) T) Future[T] {

	next := NewPromise[T]()
	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			next.Complete(fn.Err[T](ctx.Err()))
			return
		}

		val, err := p.result.Unpack()
		if err != nil {
			next.Complete(fn.Err[T](err))
			return
		}

		next.Complete(fn.Ok(f(val)))
	}()

	return next.Future()
}

// OnComplete calls f with the result once the future resolves.
func (p *promiseImpl[T]) OnComplete(ctx context.Context,
	f func(fn.Result[T])) {

	go func() {
		f(p.Await(ctx))
	}()
}

// AwaitAll waits for every future and returns the first error observed in
// slice order. It always waits for all futures, even after an error.
func AwaitAll[T any](ctx context.Context, futs ...Future[T]) ([]T, error) {
	var (
		vals     = make([]T, 0, len(futs))
		firstErr error
	)
	for _, f := range futs {
		val, err := f.Await(ctx).Unpack()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		vals = append(vals, val)
	}

	return vals, firstErr
}
