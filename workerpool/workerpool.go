// Package workerpool runs a fixed-size set of workers draining a
// queue.Queue, plus the serial inline fallback used when the
// configured worker count is zero. Grounded on spec §4.2 and the
// teacher's fixed-size-goroutine-pool idiom (fs/mpather/jogger.go).
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package workerpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/queue"
	"github.com/radiocosmology/alpenhornd/task"
	"github.com/radiocosmology/alpenhornd/xerrors"
)

// DefaultGetTimeout is the moderate per-Get timeout a worker waits for
// the next task before re-checking the abort flag (spec §4.2).
const DefaultGetTimeout = 60 * time.Second

// Pool is a fixed-size set of workers draining one queue.Queue.
type Pool struct {
	q          *queue.Queue
	numWorkers int
	getTimeout time.Duration

	abort atomic.Bool
	wg    sync.WaitGroup
}

// New returns a Pool of numWorkers workers for q. getTimeout <= 0
// uses DefaultGetTimeout.
func New(q *queue.Queue, numWorkers int, getTimeout time.Duration) *Pool {
	if getTimeout <= 0 {
		getTimeout = DefaultGetTimeout
	}
	return &Pool{q: q, numWorkers: numWorkers, getTimeout: getTimeout}
}

// Start launches the worker goroutines. ctx cancellation and Abort
// both cause workers to exit promptly between tasks.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.spawnWorker(ctx)
	}
}

// Abort sets the process-wide abort flag; workers exit as soon as
// they next check it, which is between every task.
func (p *Pool) Abort() { p.abort.Store(true) }

// Aborted reports whether Abort has been called.
func (p *Pool) Aborted() bool { return p.abort.Load() }

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) spawnWorker(ctx context.Context) {
	if p.Aborted() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runWorker(ctx)
	}()
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		if p.Aborted() || ctx.Err() != nil {
			return
		}
		item, ok := p.q.GetContext(ctx, p.getTimeout)
		if !ok {
			continue
		}
		t, isTask := item.Value.(*task.Task)
		if !isTask {
			logging.Errorf("workerpool: non-task item dequeued from fifo %q", item.Key)
			_ = p.q.TaskDone(item.Key)
			continue
		}

		outcome, err := t.Invoke(ctx)
		if outcome == task.Yielded {
			continue
		}
		_ = p.q.TaskDone(item.Key)
		if err == nil {
			continue
		}

		logging.Errorf("workerpool: task on fifo %q failed: %v", item.Key, err)
		if !xerrors.IsRetryable(err) {
			continue
		}

		// A retryable database error ends this worker; the pool
		// respawns a replacement immediately (spec §4.2).
		if t.Requeue && t.Spawn != nil {
			if enqErr := t.Spawn().Enqueue(); enqErr != nil {
				logging.Errorf("workerpool: requeue of fifo %q failed: %v", item.Key, enqErr)
			}
		}
		p.spawnWorker(ctx)
		return
	}
}

// SerialIO is the empty-pool variant (spec §4.2 "serial_io(queue)"):
// it runs tasks inline on the calling goroutine until the queue is
// drained of both queued and in-progress work, then returns. The
// update loop calls this when the configured worker count is zero.
func SerialIO(ctx context.Context, q *queue.Queue) {
	const pollTimeout = 50 * time.Millisecond
	for {
		item, ok := q.GetContext(ctx, pollTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			if q.Qsize() == 0 && q.InProgressSize() == 0 {
				return
			}
			continue
		}

		t, isTask := item.Value.(*task.Task)
		if !isTask {
			logging.Errorf("serial_io: non-task item dequeued from fifo %q", item.Key)
			_ = q.TaskDone(item.Key)
			continue
		}

		outcome, err := t.Invoke(ctx)
		if outcome == task.Yielded {
			// A yield re-Puts the task without releasing the
			// in-progress slot Get claimed for it, so InProgressSize
			// stays inflated by one per outstanding cooperative step
			// until that step's eventual Done call catches up. The
			// Qsize/InProgressSize==0 exit check above can only
			// observe completion once every yielded task has finished
			// stepping, not as soon as it's merely re-queued.
			continue
		}
		_ = q.TaskDone(item.Key)
		if err != nil {
			logging.Errorf("serial_io: task on fifo %q failed: %v", item.Key, err)
		}
	}
}
