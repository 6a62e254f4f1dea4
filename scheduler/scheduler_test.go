package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnwasm/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 5 * time.Second
	waitTick    = time.Millisecond
)

var (
	testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	errTest = errors.New("test error")
)

type testHarness struct {
	s           *Scheduler
	clock       *clock.TestClock
	housekeeper *ticker.Force
}

func newTestHarness(t *testing.T, start bool) *testHarness {
	t.Helper()

	return newHarnessWithClock(t, start, clock.NewTestClock(testTime))
}

func newHarnessWithClock(t *testing.T, start bool,
	testClock *clock.TestClock) *testHarness {

	t.Helper()

	h := &testHarness{
		clock:       testClock,
		housekeeper: ticker.NewForce(time.Hour),
	}
	h.s = New(Config{
		Clock:          h.clock,
		Housekeeping:   h.housekeeper,
		BackoffInitial: time.Second,
		BackoffMax:     8 * time.Second,
	})

	if start {
		require.NoError(t, h.s.Start())
	}
	t.Cleanup(func() {
		require.NoError(t, h.s.Stop())
	})

	return h
}

// advance moves the test clock forward and nudges the loop.
func (h *testHarness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
	h.housekeeper.Force <- h.clock.Now()
}

func (h *testHarness) waitState(t *testing.T, id TaskID, state State) {
	t.Helper()

	require.Eventually(t, func() bool {
		info, err := h.s.Info(id)
		return err == nil && info.State == state
	}, waitTimeout, waitTick)
}

func await[T any](t *testing.T, h *Handle[T]) (T, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	return h.Await(ctx).Unpack()
}

func TestOneShot(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	handle, err := SubmitOneShot(h.s, OneShot[int]{
		Name: "answer",
		Handler: func(tc *TaskContext) (int, error) {
			return Await(tc, func(context.Context) (int, error) {
				return 42, nil
			})
		},
	})
	require.NoError(t, err)

	v, err := await(t, handle)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	info, err := h.s.Info(handle.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, info.State)
	require.EqualValues(t, 1, info.Runs)

	failing, err := SubmitOneShot(h.s, OneShot[int]{
		Name: "failing",
		Handler: func(*TaskContext) (int, error) {
			return 0, errTest
		},
	})
	require.NoError(t, err)

	_, err = await(t, failing)
	require.ErrorIs(t, err, errTest)
	h.waitState(t, failing.ID, StateFailed)

	_, err = h.s.Info(TaskID{})
	require.ErrorIs(t, err, ErrUnknownTask)
}

// TestSingleRunToken asserts that task code never runs concurrently, while a
// suspended task lets others run.
func TestSingleRunToken(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	var active, maxActive atomic.Int32
	enter := func() {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
	}
	leave := func() {
		active.Add(-1)
	}

	// The first task suspends until the second one ran.
	secondRan := make(chan struct{})
	first, err := SubmitOneShot(h.s, OneShot[struct{}]{
		Name: "first",
		Handler: func(tc *TaskContext) (struct{}, error) {
			enter()
			leave()

			err := tc.Await(func(context.Context) error {
				<-secondRan
				return nil
			})

			enter()
			defer leave()

			return struct{}{}, err
		},
	})
	require.NoError(t, err)

	var handles []*Handle[struct{}]
	for i := 0; i < 20; i++ {
		handle, err := SubmitOneShot(h.s, OneShot[struct{}]{
			Name: "worker",
			Handler: func(tc *TaskContext) (struct{}, error) {
				enter()
				time.Sleep(time.Millisecond)
				leave()

				if i == 0 {
					close(secondRan)
				}

				err := tc.Await(func(context.Context) error {
					time.Sleep(time.Millisecond)
					return nil
				})

				enter()
				defer leave()

				return struct{}{}, err
			},
		})
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	_, err = await(t, first)
	require.NoError(t, err)
	for _, handle := range handles {
		_, err := await(t, handle)
		require.NoError(t, err)
	}

	require.EqualValues(t, 1, maxActive.Load())
}

// TestPriorityOrder asserts that ready tasks run by priority, then by
// submission order.
func TestPriorityOrder(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	_, err := h.s.AddRecurring(Recurring{
		Name:     "background",
		Interval: time.Hour,
		Handler: func(*TaskContext) error {
			record("background")
			return nil
		},
	})
	require.NoError(t, err)

	var handles []*Handle[struct{}]
	submit := func(name string, p Priority) {
		handle, err := SubmitOneShot(h.s, OneShot[struct{}]{
			Name:     name,
			Priority: p,
			Handler: func(*TaskContext) (struct{}, error) {
				record(name)
				return struct{}{}, nil
			},
		})
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	submit("remote-1", PriorityRemote)
	submit("interactive-1", PriorityInteractive)
	submit("remote-2", PriorityRemote)
	submit("interactive-2", PriorityInteractive)

	require.NoError(t, h.s.Start())
	for _, handle := range handles {
		_, err := await(t, handle)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, waitTimeout, waitTick)

	require.Equal(t, []string{
		"interactive-1", "interactive-2", "remote-1", "remote-2",
		"background",
	}, order)
}

// TestRecurringBackoff drives a failing recurring task through its retry
// delays and checks the attempt counter resets on success.
func TestRecurringBackoff(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	var runs atomic.Int32
	id, err := h.s.AddRecurring(Recurring{
		Name:     "flaky",
		Interval: time.Minute,
		Handler: func(*TaskContext) error {
			if runs.Add(1) <= 3 {
				return errTest
			}
			return nil
		},
	})
	require.NoError(t, err)

	waitRuns := func(n uint64) TaskInfo {
		var info TaskInfo
		require.Eventually(t, func() bool {
			info, err = h.s.Info(id)
			return err == nil && info.Runs == n &&
				info.State == StateQueued
		}, waitTimeout, waitTick)

		return info
	}

	// Each failure doubles the delay from the initial second.
	for i, delay := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
	} {
		info := waitRuns(uint64(i + 1))
		require.ErrorIs(t, info.LastErr, errTest)
		require.EqualValues(t, i+1, info.Attempts)
		require.Equal(t, h.clock.Now().Add(delay), info.Due)

		h.advance(delay)
	}

	info := waitRuns(4)
	require.NoError(t, info.LastErr)
	require.Zero(t, info.Attempts)
	require.Equal(t, h.clock.Now().Add(time.Minute), info.Due)
}

func TestRecurringPermanent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	id, err := h.s.AddRecurring(Recurring{
		Name:     "doomed",
		Interval: time.Minute,
		Handler: func(*TaskContext) error {
			return backoff.Permanent(errTest)
		},
	})
	require.NoError(t, err)

	h.waitState(t, id, StateFailed)

	info, err := h.s.Info(id)
	require.NoError(t, err)
	require.ErrorIs(t, info.LastErr, errTest)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)

	var ran atomic.Bool
	handle, err := SubmitOneShot(h.s, OneShot[int]{
		Name: "never",
		Handler: func(*TaskContext) (int, error) {
			ran.Store(true)
			return 1, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.s.Cancel(handle.ID))
	require.NoError(t, h.s.Cancel(handle.ID))

	_, err = await(t, handle)
	require.ErrorIs(t, err, ErrTaskCancelled)

	require.NoError(t, h.s.Start())

	info, err := h.s.Info(handle.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, info.State)
	require.False(t, ran.Load())

	require.ErrorIs(t, h.s.Cancel(TaskID{}), ErrUnknownTask)
}

// TestCancelSuspended asserts that a suspended task finishes its I/O before
// it observes the cancellation.
func TestCancelSuspended(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	release := make(chan struct{})
	var ioDone atomic.Bool
	var awaitErr atomic.Value
	handle, err := SubmitOneShot(h.s, OneShot[int]{
		Name: "suspended",
		Handler: func(tc *TaskContext) (int, error) {
			err := tc.Await(func(ctx context.Context) error {
				<-release
				ioDone.Store(true)

				// The I/O context is never cancelled.
				return ctx.Err()
			})
			awaitErr.Store(err)

			return 7, err
		},
	})
	require.NoError(t, err)

	h.waitState(t, handle.ID, StateSuspended)
	require.NoError(t, h.s.Cancel(handle.ID))

	select {
	case <-handle.Done():
		t.Fatal("task resolved before its I/O finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	_, err = await(t, handle)
	require.ErrorIs(t, err, ErrTaskCancelled)
	require.True(t, ioDone.Load())
	h.waitState(t, handle.ID, StateCancelled)
	require.ErrorIs(t, awaitErr.Load().(error), ErrTaskCancelled)
}

// TestDeadlineNeverStarted asserts that a one-shot whose deadline passes
// while it waits for the token is failed without running.
func TestDeadlineNeverStarted(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	// The hog holds the run token until released.
	release := make(chan struct{})
	hog, err := SubmitOneShot(h.s, OneShot[struct{}]{
		Name: "hog",
		Handler: func(*TaskContext) (struct{}, error) {
			<-release
			return struct{}{}, nil
		},
	})
	require.NoError(t, err)
	h.waitState(t, hog.ID, StateRunning)

	var ran atomic.Bool
	late, err := SubmitOneShot(h.s, OneShot[struct{}]{
		Name:     "late",
		Priority: PriorityInteractive,
		Timeout:  5 * time.Second,
		Handler: func(*TaskContext) (struct{}, error) {
			ran.Store(true)
			return struct{}{}, nil
		},
	})
	require.NoError(t, err)

	h.advance(10 * time.Second)

	_, err = await(t, late)
	require.ErrorIs(t, err, ErrTimeout)

	close(release)
	_, err = await(t, hog)
	require.NoError(t, err)
	require.False(t, ran.Load())

	info, err := h.s.Info(late.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, info.State)
}

// TestDeadlineWhileSuspended asserts that a suspended one-shot past its
// deadline fails with ErrTimeout only after its I/O finished.
func TestDeadlineWhileSuspended(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	release := make(chan struct{})
	var ioDone atomic.Bool
	handle, err := SubmitOneShot(h.s, OneShot[int]{
		Name:    "slow",
		Timeout: 5 * time.Second,
		Handler: func(tc *TaskContext) (int, error) {
			err := tc.Await(func(context.Context) error {
				<-release
				ioDone.Store(true)
				return nil
			})

			return 1, err
		},
	})
	require.NoError(t, err)

	h.waitState(t, handle.ID, StateSuspended)
	h.advance(6 * time.Second)

	select {
	case <-handle.Done():
		t.Fatal("task resolved before its I/O finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	_, err = await(t, handle)
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, ioDone.Load())
}

func TestSleep(t *testing.T) {
	t.Parallel()

	// Sleep registers its timer from the task goroutine, so the test
	// waits for the registration before moving the clock.
	tickSignal := make(chan time.Duration, 16)
	h := newHarnessWithClock(
		t, true, clock.NewTestClockWithTickSignal(testTime, tickSignal),
	)
	waitTimer := func(d time.Duration) {
		t.Helper()

		timeout := time.After(waitTimeout)
		for {
			select {
			case got := <-tickSignal:
				if got == d {
					return
				}
			case <-timeout:
				t.Fatalf("no %v timer registered", d)
			}
		}
	}

	handle, err := SubmitOneShot(h.s, OneShot[time.Time]{
		Name: "sleeper",
		Handler: func(tc *TaskContext) (time.Time, error) {
			if err := tc.Sleep(time.Minute); err != nil {
				return time.Time{}, err
			}
			return h.clock.Now(), nil
		},
	})
	require.NoError(t, err)

	waitTimer(time.Minute)
	h.advance(time.Minute)

	woke, err := await(t, handle)
	require.NoError(t, err)
	require.Equal(t, testTime.Add(time.Minute), woke)

	// An aborted sleep ends early.
	sleeper, err := SubmitOneShot(h.s, OneShot[struct{}]{
		Name: "aborted",
		Handler: func(tc *TaskContext) (struct{}, error) {
			return struct{}{}, tc.Sleep(time.Hour)
		},
	})
	require.NoError(t, err)

	h.waitState(t, sleeper.ID, StateSuspended)
	require.NoError(t, h.s.Cancel(sleeper.ID))

	_, err = await(t, sleeper)
	require.ErrorIs(t, err, ErrTaskCancelled)
}

// TestStopDrains asserts that Stop waits for suspended I/O and cancels the
// rest.
func TestStopDrains(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)

	release := make(chan struct{})
	var ioDone atomic.Bool
	suspended, err := SubmitOneShot(h.s, OneShot[struct{}]{
		Name: "io",
		Handler: func(tc *TaskContext) (struct{}, error) {
			return struct{}{}, tc.Await(func(context.Context) error {
				<-release
				ioDone.Store(true)
				return nil
			})
		},
	})
	require.NoError(t, err)
	h.waitState(t, suspended.ID, StateSuspended)

	recurring, err := h.s.AddRecurring(Recurring{
		Name:     "idle",
		Interval: time.Hour,
		Delay:    time.Hour,
		Handler: func(*TaskContext) error {
			return nil
		},
	})
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() {
		stopped <- h.s.Stop()
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned before suspended I/O finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	require.True(t, ioDone.Load())

	_, err = await(t, suspended)
	require.ErrorIs(t, err, ErrTaskCancelled)

	info, err := h.s.Info(recurring)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, info.State)

	_, err = SubmitOneShot(h.s, OneShot[int]{
		Handler: func(*TaskContext) (int, error) { return 0, nil },
	})
	require.ErrorIs(t, err, ErrSchedulerStopped)
	require.ErrorIs(t, h.s.Start(), ErrSchedulerStopped)
}

func TestTasksSnapshot(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)

	first, err := h.s.AddRecurring(Recurring{
		Name:     "a",
		Interval: time.Minute,
		Handler:  func(*TaskContext) error { return nil },
	})
	require.NoError(t, err)

	second, err := SubmitOneShot(h.s, OneShot[int]{
		Name:     "b",
		Priority: PriorityRemote,
		Timeout:  time.Minute,
		Handler:  func(*TaskContext) (int, error) { return 0, nil },
	})
	require.NoError(t, err)

	infos := h.s.Tasks()
	require.Len(t, infos, 2)
	require.Equal(t, first, infos[0].ID)
	require.True(t, infos[0].Recurring)
	require.Equal(t, second.ID, infos[1].ID)
	require.Equal(t, PriorityRemote, infos[1].Priority)
	require.Equal(t, testTime.Add(time.Minute), infos[1].Deadline.UnwrapOr(
		time.Time{},
	))

	_, err = h.s.AddRecurring(Recurring{Name: "bad"})
	require.Error(t, err)
	_, err = SubmitOneShot(h.s, OneShot[int]{Name: "bad"})
	require.Error(t, err)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics, err := monitoring.New(reg)
	require.NoError(t, err)

	s := New(Config{
		Clock:        clock.NewTestClock(testTime),
		Housekeeping: ticker.NewForce(time.Hour),
		Metrics:      metrics,
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	handle, err := SubmitOneShot(s, OneShot[int]{
		Name:    "measured",
		Handler: func(*TaskContext) (int, error) { return 1, nil },
	})
	require.NoError(t, err)
	_, err = await(t, handle)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	var runs float64
	for _, family := range families {
		if family.GetName() != "lnwasm_scheduler_task_runs_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			runs += m.GetCounter().GetValue()
		}
	}
	require.Equal(t, 1.0, runs)
}
