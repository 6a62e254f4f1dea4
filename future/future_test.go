package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestAwaitContextCancellation asserts that Await returns the context error
// when the future never resolves.
func TestAwaitContextCancellation(t *testing.T) {
	t.Parallel()

	prom := NewPromise[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := prom.Future().Await(ctx).Unpack()
	require.ErrorIs(t, err, context.Canceled)

	// Resolving afterwards still works and wins over the dead context.
	require.True(t, prom.Complete(fn.Ok(3)))
	val, err := prom.Future().Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, 3, val)
}

// TestCompleteOnce asserts that only the first completion is observed, no
// matter how many goroutines race to resolve the promise.
func TestCompleteOnce(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(t, "completers")

		prom := NewPromise[int]()

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if prom.Complete(fn.Ok(i)) {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("expected one winner, got %d", wins.Load())
		}

		first := prom.Future().Await(context.Background())
		second := prom.Future().Await(context.Background())
		if first.UnwrapOr(-1) != second.UnwrapOr(-2) {
			t.Fatalf("futures disagree")
		}
	})
}

// TestThenApply asserts that ThenApply maps values and passes errors through.
func TestThenApply(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		val := rapid.Int().Draw(t, "val")

		var origErr error
		if rapid.Bool().Draw(t, "have_error") {
			origErr = fmt.Errorf("original error")
		}

		prom := NewPromise[int]()

		var called atomic.Bool
		next := prom.Future().ThenApply(
			context.Background(), func(i int) int {
				called.Store(true)
				return i * 2
			},
		)

		go func() {
			if origErr != nil {
				prom.Complete(fn.Err[int](origErr))
				return
			}
			prom.Complete(fn.Ok(val))
		}()

		got, err := next.Await(context.Background()).Unpack()
		if origErr != nil {
			if !errors.Is(err, origErr) || called.Load() {
				t.Fatalf("expected pass-through error, got %v",
					err)
			}
			return
		}

		if err != nil || got != val*2 {
			t.Fatalf("expected %d, got %d (%v)", val*2, got, err)
		}
	})
}

// TestOnComplete asserts that the callback receives the resolved result.
func TestOnComplete(t *testing.T) {
	t.Parallel()

	prom := NewPromise[string]()

	results := make(chan fn.Result[string], 1)
	prom.Future().OnComplete(context.Background(),
		func(r fn.Result[string]) {
			results <- r
		},
	)

	prom.Complete(fn.Ok("done"))

	val, err := (<-results).Unpack()
	require.NoError(t, err)
	require.Equal(t, "done", val)
}

// TestAwaitAll asserts that AwaitAll collects values and reports the first
// error in slice order.
func TestAwaitAll(t *testing.T) {
	t.Parallel()

	errA := errors.New("a")
	errB := errors.New("b")

	vals, err := AwaitAll(
		context.Background(),
		Resolved(fn.Ok(1)),
		Resolved(fn.Err[int](errA)),
		Resolved(fn.Ok(3)),
		Resolved(fn.Err[int](errB)),
	)
	require.ErrorIs(t, err, errA)
	require.Equal(t, []int{1, 3}, vals)

	vals, err = AwaitAll[int](context.Background())
	require.NoError(t, err)
	require.Empty(t, vals)
}
