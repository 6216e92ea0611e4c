package watcher

import (
	"sort"
	"sync"
	"time"
)

// Debouncer groups rapid file changes together. Every Trigger cancels the
// pending timer and schedules a new one; when it finally fires, fire
// receives every path seen since the previous flush.
type Debouncer struct {
	delay time.Duration
	fire  func(paths []string)

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]struct{}
	stopped bool
}

// NewDebouncer returns a debouncer calling fire after delay of quiet.
func NewDebouncer(delay time.Duration, fire func(paths []string)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		fire:    fire,
		pending: make(map[string]struct{}),
	}
}

// Trigger records a change to path and restarts the quiet period.
func (d *Debouncer) Trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[path] = struct{}{}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

// Pending returns the number of paths waiting for the next flush.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels any pending flush. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	clear(d.pending)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	clear(d.pending)
	d.timer = nil
	d.mu.Unlock()

	sort.Strings(paths)
	d.fire(paths)
}
