package chat

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a stream may stay silent before it is declared failed.
const DefaultIdleTimeout = 15 * time.Second

// Watchdog detects a stalled stream. Arm (re)starts the timer; if it fires before the next Arm or
// Cancel, the channel returned by Done is closed. It fires at most once.
type Watchdog struct {
	timeout time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	fired    bool
	canceled bool
	done     chan struct{}
}

// NewWatchdog creates an unarmed watchdog with the given timeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Watchdog{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Arm starts the timer, replacing any running one. It does nothing once the watchdog fired or was
// canceled.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fired || w.canceled {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

// Cancel stops the watchdog for good.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.canceled = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Done returns a channel closed when the watchdog fires.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Fired reports whether the watchdog fired.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A timer replaced by a later Arm may still run its callback.
	if w.fired || w.canceled || gen != w.gen {
		return
	}
	w.fired = true
	close(w.done)
}
