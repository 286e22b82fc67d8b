package engine

import (
	"sync"

	"github.com/roach88/unirep/internal/ir"
)

// TaskKind distinguishes work items handed to the Run loop.
type TaskKind int

const (
	// TaskBatch asks a worker to pull and process unprocessed events.
	TaskBatch TaskKind = iota + 1
	// TaskPass asks a worker to run a propagation pass for specific targets.
	TaskPass
)

// Task is one unit of work for the Run loop.
type Task struct {
	Kind     TaskKind
	TenantID string
	Targets  []ir.TargetID
}

// taskQueue is a thread-safe FIFO of tasks.
//
// Ingestion enqueues TaskBatch so workers do not wait for the next poll;
// consecutive batch tasks coalesce since one pull drains what is there.
//
// The queue uses a buffered signal channel for context-aware waiting in
// the Run loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue. Returns false if the queue
// is closed.
func (q *taskQueue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if t.Kind == TaskBatch && len(q.tasks) > 0 && q.tasks[len(q.tasks)-1].Kind == TaskBatch {
		q.notify()
		return true
	}
	q.tasks = append(q.tasks, t)
	q.notify()
	return true
}

// notify signals availability. Caller must hold q.mu.
func (q *taskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = Task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns a channel that signals when tasks may be available. It is
// closed when the queue closes.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes all waiters.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
