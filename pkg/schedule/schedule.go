// Package schedule provides cancellable one-shot and periodic tasks.
package schedule

import (
	"sync"
	"time"
)

// Task is a one-shot deferred call.
type Task struct {
	mu       sync.Mutex
	timer    *time.Timer
	state    taskState
	finished chan struct{}
}

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskCancelled
)

// After runs fn once after d unless the task is cancelled first.
func After(d time.Duration, fn func()) *Task {
	t := &Task{finished: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.state != taskPending {
			t.mu.Unlock()
			return
		}
		t.state = taskRunning
		t.mu.Unlock()

		defer close(t.finished)
		fn()
	})
	return t
}

// Cancel prevents a pending task from running. It reports whether the call
// cancelled it; false means fn already started or the task was cancelled
// before. Nil tasks are ignored.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.state = taskCancelled
	t.timer.Stop()
	close(t.finished)
	return true
}

// Done is closed once the task has run or was cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.finished
}

// Periodic calls fn on every tick until stopped.
type Periodic struct {
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// Every starts a periodic task. The first call happens one interval after
// start; ticks missed while fn runs are dropped.
func Every(interval time.Duration, fn func()) *Periodic {
	p := &Periodic{
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.loop(fn)
	return p
}

func (p *Periodic) loop(fn func()) {
	defer close(p.stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case <-p.stop:
				return
			default:
			}
			fn()
		case <-p.stop:
			return
		}
	}
}

// Stop ends the loop and waits for an in-flight call to return. It must not
// be called from inside fn. Nil and repeated stops are no-ops.
func (p *Periodic) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped
}
