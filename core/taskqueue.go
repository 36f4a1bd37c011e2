package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/livepeer/swarm-ingest/clog"
	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
)

// Task is one unit of work run by a TaskQueue.
type Task func(ctx context.Context) error

type queuedTask struct {
	ctx  context.Context
	name string
	run  Task
}

// TaskQueue runs tasks on at most concurrency workers. Enqueue never blocks.
// A task error or panic is handed to the reporter tagged "<queue>.<task>" and
// does not affect other tasks.
type TaskQueue struct {
	name        string
	concurrency int
	reporter    monitor.Reporter

	mu      sync.Mutex
	pending []queuedTask
	running int
	closed  bool
	// idle is closed whenever nothing is pending or running
	idle chan struct{}
}

func NewTaskQueue(name string, concurrency int, reporter monitor.Reporter) *TaskQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	if reporter == nil {
		reporter = monitor.LogReporter{}
	}
	idle := make(chan struct{})
	close(idle)
	return &TaskQueue{
		name:        name,
		concurrency: concurrency,
		reporter:    reporter,
		idle:        idle,
	}
}

func (q *TaskQueue) Name() string {
	return q.name
}

// Enqueue schedules task. The task runs with a context that keeps ctx's
// values but is never cancelled. A closed queue reports and returns
// ErrQueueClosed.
func (q *TaskQueue) Enqueue(ctx context.Context, name string, task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		err := lperrors.Withf(lperrors.ErrQueueClosed, "queue=%s task=%s", q.name, name)
		q.reporter.Report(ctx, err, q.name+"."+name)
		return err
	}
	if q.running == 0 && len(q.pending) == 0 {
		q.idle = make(chan struct{})
	}
	q.pending = append(q.pending, queuedTask{ctx: context.WithoutCancel(ctx), name: name, run: task})
	if q.running < q.concurrency {
		q.running++
		go q.worker()
	}
	q.mu.Unlock()
	return nil
}

func (q *TaskQueue) worker() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running--
			if q.running == 0 {
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = queuedTask{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.runTask(t)
	}
}

func (q *TaskQueue) runTask(t queuedTask) {
	where := q.name + "." + t.name
	defer func() {
		if r := recover(); r != nil {
			clog.Errorf(t.ctx, "Task panicked where=%s panic=%v stack=%s", where, r, debug.Stack())
			q.reporter.Report(t.ctx, fmt.Errorf("task panicked: %v", r), where)
		}
	}()
	if err := t.run(t.ctx); err != nil {
		q.reporter.Report(t.ctx, err, where)
	}
}

// WaitIdle blocks until no task is pending or running, or ctx is done. Tasks
// enqueued while waiting delay the return.
func (q *TaskQueue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of pending and running tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.running
}

// Close rejects new tasks and waits for queued ones to finish.
func (q *TaskQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.WaitIdle(ctx)
}
