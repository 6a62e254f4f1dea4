package scheduler

import "container/heap"

// taskQueue is a binary heap of tasks ordered by less. It implements
// heap.Interface and keeps task.index current.
type taskQueue struct {
	tasks []*task
	less  func(a, b *task) bool
}

// readyLess orders tasks waiting for the run token: priority,
// then due time, then submission order.
func readyLess(a, b *task) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}

	return a.seq < b.seq
}

// timerLess orders not yet due tasks by due time.
func timerLess(a, b *task) bool {
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}

	return a.seq < b.seq
}

func newTaskQueue(less func(a, b *task) bool) *taskQueue {
	return &taskQueue{less: less}
}

func (q *taskQueue) Len() int { return len(q.tasks) }

func (q *taskQueue) Less(i, j int) bool {
	return q.less(q.tasks[i], q.tasks[j])
}

func (q *taskQueue) Swap(i, j int) {
	q.tasks[i], q.tasks[j] = q.tasks[j], q.tasks[i]
	q.tasks[i].index = i
	q.tasks[j].index = j
}

// Push is part of heap.Interface, use push instead.
func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(q.tasks)
	q.tasks = append(q.tasks, t)
}

// Pop is part of heap.Interface, use pop instead.
func (q *taskQueue) Pop() any {
	n := len(q.tasks)
	t := q.tasks[n-1]
	q.tasks[n-1] = nil
	q.tasks = q.tasks[:n-1]
	t.index = -1

	return t
}

func (q *taskQueue) push(t *task) {
	heap.Push(q, t)
}

func (q *taskQueue) pop() *task {
	if len(q.tasks) == 0 {
		return nil
	}

	return heap.Pop(q).(*task)
}

func (q *taskQueue) peek() *task {
	if len(q.tasks) == 0 {
		return nil
	}

	return q.tasks[0]
}

// remove drops t, which must be in q.
func (q *taskQueue) remove(t *task) {
	heap.Remove(q, t.index)
}

// contains reports whether t is queued in q.
func (q *taskQueue) contains(t *task) bool {
	return t.index >= 0 && t.index < len(q.tasks) && q.tasks[t.index] == t
}
