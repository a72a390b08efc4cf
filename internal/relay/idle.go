package relay

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// idleWatch calls onIdle once no activity has been recorded for timeout.
// It rearms itself for the remaining time instead of polling.
type idleWatch struct {
	timeout time.Duration
	last    atomic.Int64 // unix nanos of the last read
	onIdle  func()

	mu      sync.Mutex // guards timer, fired and stopped
	timer   *time.Timer
	fired   bool
	stopped bool
}

func newIdleWatch(timeout time.Duration, onIdle func()) *idleWatch {
	w := &idleWatch{timeout: timeout, onIdle: onIdle}
	w.touch()

	// check may run before AfterFunc returns; it waits for mu.
	w.mu.Lock()
	w.timer = time.AfterFunc(timeout, w.check)
	w.mu.Unlock()
	return w
}

func (w *idleWatch) touch() {
	w.last.Store(time.Now().UnixNano())
}

func (w *idleWatch) check() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	idle := time.Since(time.Unix(0, w.last.Load()))
	if idle < w.timeout {
		w.timer.Reset(w.timeout - idle)
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()

	w.onIdle()
}

// stop disarms the watch. It reports whether the timeout had fired.
func (w *idleWatch) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
	return w.fired
}

// activityReader records every successful read on w.
type activityReader struct {
	r io.Reader
	w *idleWatch
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.w.touch()
	}
	return n, err
}
