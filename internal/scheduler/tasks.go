package scheduler

import (
	"context"
	"sync"
	"time"
)

// repeatingTask is a background task that runs, then tells the runner how
// long to wait before its next run. A negative delay ends the repetition.
type repeatingTask struct {
	name string
	run  func(ctx context.Context) time.Duration

	// guarded by taskRunner.mu
	stopped   bool
	running   bool
	triggered bool
}

// taskRunner runs repeating tasks one at a time on a single goroutine, in
// due-time order.
type taskRunner struct {
	mu    sync.Mutex
	queue timedQueue[*repeatingTask]
	tasks map[string]*repeatingTask
	wake  chan struct{}
	now   func() time.Time
}

func newTaskRunner(now func() time.Time) *taskRunner {
	return &taskRunner{
		tasks: map[string]*repeatingTask{},
		wake:  make(chan struct{}, 1),
		now:   now,
	}
}

// Schedule registers a task that first runs after delay. A task already
// registered under the same name is replaced. The returned function cancels
// the task; a run in progress completes but is not repeated.
func (r *taskRunner) Schedule(name string, delay time.Duration, run func(ctx context.Context) time.Duration) (cancel func()) {
	t := &repeatingTask{name: name, run: run}

	r.mu.Lock()
	if old, ok := r.tasks[name]; ok {
		old.stopped = true
		r.queue.Remove(name)
	}
	r.tasks[name] = t
	front := r.queue.Push(name, r.now().Add(delay), t)
	r.mu.Unlock()

	if front {
		r.signal()
	}
	return func() { r.cancel(t) }
}

func (r *taskRunner) cancel(t *repeatingTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.stopped = true
	if r.tasks[t.name] == t {
		delete(r.tasks, t.name)
		r.queue.Remove(t.name)
	}
}

// Trigger makes the named task run as soon as possible. If it is running,
// it runs again right after. It returns false for an unknown task.
func (r *taskRunner) Trigger(name string) bool {
	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if t.running {
		t.triggered = true
	} else {
		r.queue.Push(name, r.now(), t)
	}
	r.mu.Unlock()

	r.signal()
	return true
}

// CancelAll stops every task.
func (r *taskRunner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.tasks {
		t.stopped = true
		r.queue.Remove(name)
	}
	clear(r.tasks)
}

func (r *taskRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes due tasks until ctx is done.
func (r *taskRunner) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		_, due, t, ok := r.queue.Peek()
		wait := time.Duration(0)
		if ok {
			wait = due.Sub(r.now())
		}
		if ok && wait <= 0 {
			r.queue.Pop()
			t.running = true
			r.mu.Unlock()

			next := t.run(ctx)

			r.mu.Lock()
			t.running = false
			if t.triggered {
				t.triggered = false
				if next >= 0 {
					next = 0
				}
			}
			if !t.stopped && next >= 0 {
				r.queue.Push(t.name, r.now().Add(next), t)
			} else if r.tasks[t.name] == t {
				delete(r.tasks, t.name)
			}
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		var timerC <-chan time.Time
		if ok {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}
