package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnwasm/future"
	"github.com/lightningnetwork/lnwasm/monitoring"
)

const (
	// DefaultBackoffInitial is the first retry delay of a failed
	// recurring task.
	DefaultBackoffInitial = time.Second

	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 5 * time.Minute

	// DefaultBackoffMultiplier is the growth factor of the retry delay.
	DefaultBackoffMultiplier = 2.0

	// DefaultHousekeepingInterval is how often deadlines are checked when
	// nothing else wakes the loop.
	DefaultHousekeepingInterval = time.Second

	// maxFinished is the number of terminal tasks kept for Info.
	maxFinished = 1024
)

var (
	// ErrTimeout is the outcome of a one-shot that missed its deadline.
	ErrTimeout = errors.New("task deadline exceeded")

	// ErrTaskCancelled is the outcome of a cancelled task.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrUnknownTask is returned for ids the scheduler does not know.
	ErrUnknownTask = errors.New("unknown task")

	// ErrSchedulerStopped is returned for submissions after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Config holds the scheduler's parameters.
type Config struct {
	// Clock drives due times, deadlines and backoff.
	Clock clock.Clock

	// Housekeeping wakes the loop to check deadlines.
	Housekeeping ticker.Ticker

	// BackoffInitial, BackoffMax and BackoffMultiplier shape the retry
	// delay of failed recurring tasks.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Scheduler interleaves recurring and one-shot tasks on a single run token:
// exactly one task step executes at a time. A task gives up the token only
// by returning or by suspending in TaskContext.Await or TaskContext.Sleep.
type Scheduler struct {
	cfg Config

	gm *fn.GoroutineManager

	// signal wakes the loop after any state change.
	signal chan struct{}

	// loopDone is closed when the loop exits.
	loopDone chan struct{}

	mu       sync.Mutex
	seq      uint64
	tasks    map[TaskID]*task
	finished []TaskID
	ready    *taskQueue
	timers   *taskQueue

	// running holds the run token.
	running *task

	// live counts non-terminal tasks.
	live int

	started  bool
	stopping bool
}

// New creates a scheduler. Zero values in cfg are replaced by defaults.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Housekeeping == nil {
		cfg.Housekeeping = ticker.New(DefaultHousekeepingInterval)
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}

	return &Scheduler{
		cfg:      cfg,
		gm:       fn.NewGoroutineManager(),
		signal:   make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		tasks:    make(map[TaskID]*task),
		ready:    newTaskQueue(readyLess),
		timers:   newTaskQueue(timerLess),
	}
}

// Start launches the scheduling loop. Tasks added before Start wait for it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.cfg.Housekeeping.Resume()

	if !s.gm.Go(context.Background(), func(context.Context) {
		s.loop()
	}) {
		return ErrSchedulerStopped
	}

	log.Info("Scheduler started")

	return nil
}

// Stop cancels every task, waits for suspended tasks to finish their I/O and
// stops the loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.loopDone
		return nil
	}
	s.stopping = true
	started := s.started

	log.Infof("Scheduler stopping, cancelling %d live tasks", s.live)

	for _, t := range s.tasks {
		s.cancelLocked(t, ErrTaskCancelled)
	}
	s.mu.Unlock()

	if !started {
		close(s.loopDone)
		s.gm.Stop()

		return nil
	}

	s.poke()
	<-s.loopDone

	s.cfg.Housekeeping.Stop()
	s.gm.Stop()

	log.Info("Scheduler stopped")

	return nil
}

// AddRecurring registers a recurring task.
func (s *Scheduler) AddRecurring(r Recurring) (TaskID, error) {
	if r.Handler == nil || r.Interval <= 0 {
		return TaskID{}, fmt.Errorf("recurring task %q needs a handler "+
			"and a positive interval", r.Name)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          s.cfg.BackoffMultiplier,
		MaxInterval:         s.cfg.BackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               s.cfg.Clock,
	}
	b.Reset()

	t := &task{
		name:      r.Name,
		priority:  PriorityBackground,
		recurring: true,
		interval:  r.Interval,
		run:       r.Handler,
		finish:    func(error) {},
		backoff:   b,
	}

	return s.add(t, r.Delay)
}

// SubmitOneShot queues a one-shot task. The handle's future resolves with
// the handler's value, ErrTimeout or ErrTaskCancelled.
func SubmitOneShot[T any](s *Scheduler, o OneShot[T]) (*Handle[T], error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("one-shot task %q needs a handler", o.Name)
	}

	var (
		promise = future.NewPromise[T]()
		result  T
	)
	t := &task{
		name:     o.Name,
		priority: o.Priority,
		run: func(tc *TaskContext) error {
			v, err := o.Handler(tc)
			result = v

			return err
		},
		finish: func(err error) {
			if err != nil {
				promise.Complete(fn.Err[T](err))
				return
			}
			promise.Complete(fn.Ok(result))
		},
	}
	if o.Timeout > 0 {
		t.deadline = fn.Some(s.cfg.Clock.Now().Add(o.Timeout))
	}

	id, err := s.add(t, 0)
	if err != nil {
		return nil, err
	}

	return &Handle[T]{
		ID:     id,
		Future: promise.Future(),
	}, nil
}

func (s *Scheduler) add(t *task, delay time.Duration) (TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return TaskID{}, ErrSchedulerStopped
	}

	s.seq++
	t.id = TaskID(uuid.New())
	t.seq = s.seq
	t.state = StateQueued
	t.due = s.cfg.Clock.Now().Add(delay)
	t.index = -1

	s.tasks[t.id] = t
	s.live++
	s.enqueueLocked(t)

	log.DebugS(context.Background(), "Task added",
		"task", t.name,
		"id", t.id.String(),
		"priority", t.priority.String(),
		"recurring", t.recurring)

	s.poke()

	return t.id, nil
}

// Cancel cancels a task. A task that never started is dropped right away. A
// suspended task finishes its I/O first and its result is discarded.
// Cancelling a finished task is a no-op.
func (s *Scheduler) Cancel(id TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownTask, id)
	}

	s.cancelLocked(t, ErrTaskCancelled)
	s.poke()

	return nil
}

// Info returns a snapshot of one task.
func (s *Scheduler) Info(id TaskID) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %v", ErrUnknownTask, id)
	}

	return t.info(), nil
}

// Tasks returns a snapshot of every known task in submission order.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].seq < all[j].seq
	})

	infos := make([]TaskInfo, 0, len(all))
	for _, t := range all {
		infos = append(infos, t.info())
	}
	s.mu.Unlock()

	return infos
}

// poke wakes the loop without blocking.
func (s *Scheduler) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// enqueueLocked puts a queued task in the ready or timer queue.
func (s *Scheduler) enqueueLocked(t *task) {
	if t.due.After(s.cfg.Clock.Now()) {
		s.timers.push(t)
		return
	}
	s.ready.push(t)
}

// dequeueLocked removes t from whichever queue holds it.
func (s *Scheduler) dequeueLocked(t *task) {
	switch {
	case s.ready.contains(t):
		s.ready.remove(t)
	case s.timers.contains(t):
		s.timers.remove(t)
	}
}

// cancelLocked aborts t with cause. A task without a live step is finished
// immediately, otherwise the step is told to wind down.
func (s *Scheduler) cancelLocked(t *task, cause error) {
	if t.state.IsTerminal() || t.abort != nil {
		return
	}

	t.abort = cause
	if t.tc == nil {
		s.dequeueLocked(t)
		s.terminateLocked(t, cause)

		return
	}

	t.tc.cancel(cause)
}

// terminateLocked moves t to its terminal state for err and resolves it.
func (s *Scheduler) terminateLocked(t *task, err error) {
	switch {
	case err == nil:
		t.state = StateCompleted
	case errors.Is(err, ErrTaskCancelled):
		t.state = StateCancelled
	default:
		t.state = StateFailed
	}
	t.lastErr = err
	s.live--

	s.finished = append(s.finished, t.id)
	if len(s.finished) > maxFinished {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}

	if err != nil && !errors.Is(err, ErrTaskCancelled) {
		log.WarnS(context.Background(), "Task failed", err,
			"task", t.name,
			"id", t.id.String())
	} else {
		log.DebugS(context.Background(), "Task finished",
			"task", t.name,
			"id", t.id.String(),
			"state", t.state.String())
	}

	t.finish(err)
}

// loop hands out the run token until the scheduler stops and every live
// task drained.
func (s *Scheduler) loop() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		now := s.cfg.Clock.Now()

		s.promoteLocked(now)
		s.expireLocked(now)

		if s.running == nil {
			if t := s.ready.pop(); t != nil {
				s.dispatchLocked(t)
			}
		}

		s.reportLocked()

		if s.stopping && s.live == 0 && s.running == nil {
			s.mu.Unlock()
			return
		}

		wake := s.nextWakeLocked(now)
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-wake:
		case <-s.cfg.Housekeeping.Ticks():
		}
	}
}

// promoteLocked moves due tasks from the timer queue to the ready queue.
func (s *Scheduler) promoteLocked(now time.Time) {
	for {
		t := s.timers.peek()
		if t == nil || t.due.After(now) {
			return
		}
		s.timers.pop()
		s.ready.push(t)
	}
}

// expireLocked fails one-shots past their deadline. Tasks with a live step
// are aborted and finish once their I/O resolves.
func (s *Scheduler) expireLocked(now time.Time) {
	for _, t := range s.tasks {
		if t.state.IsTerminal() || t.abort != nil ||
			t.deadline.IsNone() {

			continue
		}
		if now.Before(t.deadline.UnwrapOr(now)) {
			continue
		}

		log.Debugf("Task %v (%s) missed its deadline", t.id, t.name)
		s.cancelLocked(t, ErrTimeout)
	}
}

// nextWakeLocked returns a channel firing at the next due time or deadline.
func (s *Scheduler) nextWakeLocked(now time.Time) <-chan time.Time {
	var next fn.Option[time.Time]
	earlier := func(at time.Time) {
		if next.IsNone() || at.Before(next.UnwrapOr(at)) {
			next = fn.Some(at)
		}
	}

	if t := s.timers.peek(); t != nil {
		earlier(t.due)
	}
	for _, t := range s.tasks {
		if t.state.IsTerminal() || t.abort != nil {
			continue
		}
		t.deadline.WhenSome(earlier)
	}

	if next.IsNone() {
		return nil
	}

	return s.cfg.Clock.TickAfter(next.UnwrapOr(now).Sub(now))
}

// dispatchLocked gives the run token to t.
func (s *Scheduler) dispatchLocked(t *task) {
	s.running = t
	t.state = StateRunning

	// A step that suspended earlier waits for the grant.
	if t.tc != nil {
		t.tc.grant <- struct{}{}
		return
	}

	tc := newStepContext(s, t)
	t.tc = tc

	log.TraceS(context.Background(), "Task step started",
		"task", t.name,
		"id", t.id.String())

	started := s.gm.Go(context.Background(), func(context.Context) {
		s.stepDone(tc, t.run(tc))
	})
	if !started {
		t.tc = nil
		s.running = nil
		t.abort = ErrSchedulerStopped
		s.terminateLocked(t, ErrSchedulerStopped)
	}
}

// suspend releases the run token held by t.
func (s *Scheduler) suspend(t *task) {
	s.mu.Lock()
	if s.running == t {
		s.running = nil
	}
	t.state = StateSuspended
	s.mu.Unlock()

	s.poke()
}

// resume re-queues a suspended task at its original priority and sequence.
func (s *Scheduler) resume(t *task) {
	s.mu.Lock()
	t.state = StateQueued
	s.ready.push(t)
	s.mu.Unlock()

	s.poke()
}

// abortErr returns the abort cause of t, if any.
func (s *Scheduler) abortErr(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return t.abort
}

// stepDone is called when a step's handler returned.
func (s *Scheduler) stepDone(tc *TaskContext, err error) {
	t := tc.t

	s.mu.Lock()
	defer s.poke()
	defer s.mu.Unlock()

	if s.running == t {
		s.running = nil
	}
	t.tc = nil
	tc.cancel(nil)

	if t.abort != nil {
		s.cfg.Metrics.ObserveTaskRun(t.name, t.abort)
		s.terminateLocked(t, t.abort)

		return
	}

	t.runs++
	s.cfg.Metrics.ObserveTaskRun(t.name, err)

	if !t.recurring {
		s.terminateLocked(t, err)
		return
	}

	now := s.cfg.Clock.Now()

	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		t.attempts = 0
		t.lastErr = nil
		t.backoff.Reset()
		t.due = now.Add(t.interval)
		s.cfg.Metrics.SetTaskBackoff(t.name, 0)

	case errors.As(err, &permanent):
		s.terminateLocked(t, permanent.Err)
		return

	default:
		t.attempts++
		t.lastErr = err

		delay := t.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.BackoffMax
		}
		t.due = now.Add(delay)
		s.cfg.Metrics.SetTaskBackoff(t.name, delay)

		log.WarnS(context.Background(), "Recurring task failed", err,
			"task", t.name,
			"attempt", t.attempts,
			"retry_in", delay)
	}

	t.state = StateQueued
	s.enqueueLocked(t)
}

// reportLocked publishes task counts by state.
func (s *Scheduler) reportLocked() {
	if s.cfg.Metrics == nil {
		return
	}

	counts := make(map[string]int)
	for _, state := range []State{
		StateQueued, StateRunning, StateSuspended,
	} {
		counts[state.String()] = 0
	}
	for _, t := range s.tasks {
		if !t.state.IsTerminal() {
			counts[t.state.String()]++
		}
	}
	s.cfg.Metrics.SetTaskStates(counts)
}
