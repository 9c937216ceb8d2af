package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/yllada/tunnelctl/common"
)

// ErrCancelled is reported by Handle.Err for tasks removed by
// CancelPending or Close.
var ErrCancelled = errors.New("task cancelled")

// Handle tracks one enqueued task until it completes or is cancelled.
type Handle struct {
	id   string
	task Task
	done chan struct{}
	err  error

	// Guarded by the owning queue's mutex.
	cancel      context.CancelFunc
	cancelled   bool
	rescheduled bool
}

// ID returns the unique identifier assigned at enqueue time.
func (h *Handle) ID() string { return h.id }

// Name returns the task name.
func (h *Handle) Name() string { return h.task.Name() }

// Done is closed once the task has finished or been cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task result. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue runs tasks one at a time in FIFO order.
type Queue struct {
	mu      sync.Mutex
	pending []*Handle
	running *Handle
	closed  bool
	base    context.Context
	stop    context.CancelFunc
	logger  common.Logger
}

// NewQueue creates an empty queue. A nil logger uses the application logger.
func NewQueue(logger common.Logger) *Queue {
	if logger == nil {
		logger = common.GetLogger().Named("tasks")
	}
	base, stop := context.WithCancel(context.Background())
	return &Queue{
		base:   base,
		stop:   stop,
		logger: logger,
	}
}

// Enqueue appends task and starts it right away if the queue is idle.
func (q *Queue) Enqueue(task Task) *Handle {
	h := &Handle{
		id:   uuid.NewString(),
		task: task,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		h.err = ErrCancelled
		close(h.done)
		return h
	}

	q.logger.Debug("Enqueue %s (%s, %s)", task.Name(), task.DeletePolicy(), h.id)
	q.pending = append(q.pending, h)
	q.startNextLocked()
	return h
}

func (q *Queue) startNextLocked() {
	if q.running != nil || len(q.pending) == 0 {
		return
	}

	h := q.pending[0]
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(q.base)
	h.cancel = cancel
	h.cancelled = false
	h.rescheduled = false
	q.running = h

	go q.run(ctx, h)
}

func (q *Queue) run(ctx context.Context, h *Handle) {
	q.logger.Debug("Running %s (%s)", h.task.Name(), h.id)
	err := h.task.Run(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	h.cancel()
	q.running = nil

	switch {
	case h.rescheduled:
		// Already back in pending; it will run again from the tail.
		q.logger.Debug("Task %s yielded and was rescheduled", h.task.Name())
	case h.cancelled:
		q.finishLocked(h, ErrCancelled)
	default:
		if err != nil {
			q.logger.Warn("Task %s failed: %v", h.task.Name(), err)
		}
		q.finishLocked(h, err)
	}

	q.startNextLocked()
}

func (q *Queue) finishLocked(h *Handle, err error) {
	h.err = err
	close(h.done)
}

// CancelPending applies each task's delete policy to the pending tasks
// and to the running one. With force set every task is cancelled.
//
// A cancelled running task keeps its slot until its Run returns, so no
// two tasks ever run at the same time.
func (q *Queue) CancelPending(force bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelLocked(force)
}

func (q *Queue) cancelLocked(force bool) {
	kept := make([]*Handle, 0, len(q.pending))
	var moved []*Handle

	for _, h := range q.pending {
		switch policy := h.task.DeletePolicy(); {
		case force || policy == Deletable:
			q.logger.Debug("Cancelling pending %s", h.task.Name())
			q.finishLocked(h, ErrCancelled)
		case policy == Reschedulable:
			moved = append(moved, h)
		default:
			kept = append(kept, h)
		}
	}

	if h := q.running; h != nil && !h.cancelled && !h.rescheduled {
		switch policy := h.task.DeletePolicy(); {
		case force || policy == Deletable:
			q.logger.Debug("Cancelling running %s", h.task.Name())
			h.cancelled = true
			h.cancel()
		case policy == Reschedulable:
			h.rescheduled = true
			h.cancel()
			moved = append(moved, h)
		}
	}

	q.pending = append(kept, moved...)
}

// Running returns the name of the running task, if any.
func (q *Queue) Running() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil {
		return "", false
	}
	return q.running.task.Name(), true
}

// Pending returns the names of the waiting tasks in run order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, len(q.pending))
	for i, h := range q.pending {
		names[i] = h.task.Name()
	}
	return names
}

// Close cancels every task, waits for the running one to return and
// rejects further work.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cancelLocked(true)
	running := q.running
	q.mu.Unlock()

	q.stop()
	if running != nil {
		<-running.done
	}
}
