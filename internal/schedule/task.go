// Package schedule provides the one delayed-task primitive the sync core
// uses instead of ad hoc timer variables: run fn once, d after the most
// recent Schedule call, unless superseded or stopped first.
package schedule

import (
	"sync"
	"time"
)

type Task struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewTask() *Task {
	return &Task{}
}

// Schedule arms the task to run fn after d. A pending run from an earlier
// Schedule is cancelled; the latest call always wins.
func (t *Task) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fn)
}

// Stop cancels any pending run and rejects future Schedule calls. Safe to
// call more than once.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
