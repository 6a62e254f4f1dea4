package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/future"
)

// TaskID uniquely identifies a task.
type TaskID uuid.UUID

// String returns the canonical uuid form of the id.
func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// Priority orders ready tasks, lower values run first.
type Priority uint8

const (
	// PriorityInteractive is used for calls made by the local user.
	PriorityInteractive Priority = iota

	// PriorityRemote is used for admitted remote requests.
	PriorityRemote

	// PriorityBackground is used for recurring tasks.
	PriorityBackground
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityRemote:
		return "remote"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// State is the lifecycle state of a task.
type State uint8

const (
	// StateQueued tasks wait for the run token, possibly for their due
	// time first.
	StateQueued State = iota

	// StateRunning is the task holding the run token.
	StateRunning

	// StateSuspended tasks wait for I/O or a timer without the token.
	StateSuspended

	// StateCompleted is terminal for one-shots.
	StateCompleted

	// StateFailed is terminal for one-shots and for recurring tasks that
	// failed permanently.
	StateFailed

	// StateCancelled is terminal and only reached between steps.
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsTerminal reports whether the task will never run again.
func (s State) IsTerminal() bool {
	return s >= StateCompleted
}

// Recurring describes a background task run every Interval. A failed run is
// retried with exponential backoff instead. Returning a backoff.Permanent
// error stops the task.
type Recurring struct {
	// Name identifies the task in logs and metrics.
	Name string

	// Interval is the delay between the end of a successful run and the
	// next one.
	Interval time.Duration

	// Delay postpones the first run.
	Delay time.Duration

	// Handler runs one step of the task.
	Handler func(tc *TaskContext) error
}

// OneShot describes a task that runs once and produces a value.
type OneShot[T any] struct {
	// Name identifies the task in logs and metrics.
	Name string

	// Priority orders the task against other ready tasks.
	Priority Priority

	// Timeout bounds the task from submission to completion, zero means
	// no deadline.
	Timeout time.Duration

	// Handler runs the task.
	Handler func(tc *TaskContext) (T, error)
}

// Handle tracks a submitted one-shot.
type Handle[T any] struct {
	// ID identifies the task for Cancel and Info.
	ID TaskID

	// Future resolves with the task outcome.
	future.Future[T]
}

// TaskInfo is a snapshot of a task.
type TaskInfo struct {
	ID        TaskID
	Name      string
	Priority  Priority
	Recurring bool
	State     State

	// Due is when the task becomes ready.
	Due time.Time

	// Deadline is set for one-shots with a timeout.
	Deadline fn.Option[time.Time]

	// Runs counts completed steps, Attempts the failures since the last
	// success.
	Runs     uint64
	Attempts uint32

	// LastErr is the error of the most recent run.
	LastErr error
}

// task is the scheduler's bookkeeping for one Recurring or OneShot.
type task struct {
	id        TaskID
	name      string
	priority  Priority
	recurring bool
	interval  time.Duration

	// run executes one step and finish resolves a one-shot's future.
	run    func(tc *TaskContext) error
	finish func(err error)

	due      time.Time
	deadline fn.Option[time.Time]
	seq      uint64
	state    State

	backoff  *backoff.ExponentialBackOff
	runs     uint64
	attempts uint32
	lastErr  error

	// tc is set while a step's goroutine is alive.
	tc *TaskContext

	// abort, once set, is the outcome of the task whatever its handler
	// returns.
	abort error

	// index is the position in whichever queue holds the task, -1 if
	// none.
	index int
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:        t.id,
		Name:      t.name,
		Priority:  t.priority,
		Recurring: t.recurring,
		State:     t.state,
		Due:       t.due,
		Deadline:  t.deadline,
		Runs:      t.runs,
		Attempts:  t.attempts,
		LastErr:   t.lastErr,
	}
}

// newStepContext returns the context of the task's next step. Cancelling the
// task cancels it with the abort cause.
func newStepContext(s *Scheduler, t *task) *TaskContext {
	ctx, cancel := context.WithCancelCause(context.Background())

	return &TaskContext{
		s:      s,
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		grant:  make(chan struct{}, 1),
	}
}
