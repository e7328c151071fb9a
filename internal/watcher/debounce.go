package watcher

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of triggers into a single action after a
// quiet period. Editors tend to emit several filesystem events per
// save; the pipeline only wants one reload out of them.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
	wg       sync.WaitGroup
}

// NewDebouncer returns a debouncer that runs action once the given
// duration has passed since the last Trigger.
func NewDebouncer(duration time.Duration, action func()) *Debouncer {
	return &Debouncer{duration: duration, action: action}
}

// Trigger schedules the action, resetting the quiet-period timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	d.seq++
	seq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		// A later Trigger superseded this timer.
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()

		d.action()
	})
}

// Cancel drops any pending action. It does not wait for an action that
// already started.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// CancelAndWait drops any pending action and blocks until an in-flight
// one finishes. Used during shutdown.
func (d *Debouncer) CancelAndWait() {
	d.Cancel()
	d.wg.Wait()
}
