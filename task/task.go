// Package task implements the unit of work the queue and worker pool
// execute: a callable bound to a FIFO key, run either one-shot or
// cooperatively, with a LIFO cleanup stack. Grounded on
// original_source/alpenhorn/Task.py for the one-shot Task shape, and
// on spec §4.3's own sanctioned fallback for the cooperative mode:
// since Go has no generator/coroutine primitive, a cooperative task is
// an explicit continuation (Stepper) that re-enqueues itself with a
// deferred put on each yield instead of suspending a goroutine stack.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package task

import (
	"context"
	"sync"
	"time"

	"github.com/radiocosmology/alpenhornd/queue"
)

// Outcome is the result of one Invoke call.
type Outcome int

const (
	// Done means the task finished (normally or with error); the
	// worker should call queue.TaskDone for this task's key.
	Done Outcome = iota
	// Yielded means a cooperative task re-enqueued itself; the worker
	// must NOT call queue.TaskDone, per spec §4.2.
	Yielded
)

// Func is a one-shot task body. It receives the Task so it can push
// cleanup functions via OnCleanup.
type Func func(t *Task) error

// Stepper is a cooperative task body: each call to Step runs until the
// next yield point or completion.
type Stepper interface {
	// Step runs until the next yield or until the task finishes.
	// done=true ends the task normally (or with err != nil on
	// failure). Otherwise wait is how long before the task should
	// be resumed with another Step call, per spec §4.3's "yielded
	// number d >= 0" contract.
	Step(ctx context.Context) (wait time.Duration, done bool, err error)
}

// Task binds a callable to a FIFO key and a queue.
type Task struct {
	Key       string
	Exclusive bool

	// Requeue marks this task for re-enqueue as a fresh copy if its
	// worker exits due to a retryable database error (spec §4.2).
	// Spawn must be set when Requeue is true.
	Requeue bool
	Spawn   func() *Task

	q       *queue.Queue
	fn      Func
	stepper Stepper

	mu       sync.Mutex
	cleanups []func()
}

// NewOneShot returns a task that runs fn to completion in a single
// Invoke call.
func NewOneShot(q *queue.Queue, key string, exclusive bool, fn Func) *Task {
	return &Task{Key: key, Exclusive: exclusive, q: q, fn: fn}
}

// NewCooperative returns a task driven by stepper across possibly many
// Invoke calls, yielding between them via deferred re-enqueue.
func NewCooperative(q *queue.Queue, key string, exclusive bool, stepper Stepper) *Task {
	return &Task{Key: key, Exclusive: exclusive, q: q, stepper: stepper}
}

// Enqueue puts this task on its bound queue for the first time.
func (t *Task) Enqueue() error {
	return t.q.Put(t, t.Key, 0, t.Exclusive)
}

// OnCleanup pushes fn onto the cleanup stack. When first is omitted or
// true, fn runs before any previously-pushed cleanup (LIFO, the
// default); when first is false, fn runs after all currently-pushed
// cleanup. Cleanup functions are popped as they run, so a panic or
// abort partway through cleanup does not re-invoke functions that
// already ran.
func (t *Task) OnCleanup(fn func(), first ...bool) {
	runFirst := true
	if len(first) > 0 {
		runFirst = first[0]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if runFirst {
		t.cleanups = append([]func(){fn}, t.cleanups...)
	} else {
		t.cleanups = append(t.cleanups, fn)
	}
}

func (t *Task) runCleanup() {
	for {
		t.mu.Lock()
		if len(t.cleanups) == 0 {
			t.mu.Unlock()
			return
		}
		fn := t.cleanups[0]
		t.cleanups = t.cleanups[1:]
		t.mu.Unlock()
		fn()
	}
}

// Invoke runs one step of the task: the whole body for a one-shot
// task, or one Step call for a cooperative task. The worker must call
// queue.TaskDone(t.Key) when the returned outcome is Done, and must
// NOT call it when the outcome is Yielded (the task already
// re-enqueued itself).
func (t *Task) Invoke(ctx context.Context) (Outcome, error) {
	if t.fn != nil {
		err := t.fn(t)
		t.runCleanup()
		return Done, err
	}

	wait, done, err := t.stepper.Step(ctx)
	if err != nil {
		t.runCleanup()
		return Done, err
	}
	if done {
		t.runCleanup()
		return Done, nil
	}
	if err := t.q.Put(t, t.Key, wait, t.Exclusive); err != nil {
		t.runCleanup()
		return Done, err
	}
	return Yielded, nil
}
