// Package shutdown models the apply engine's three cooperative signal
// flags and the interruptible sleep every suspension point in the
// engine uses instead of a plain time.Sleep.
package shutdown

import (
	"context"
	"sync/atomic"
	"time"
)

// pollInterval is how often an interruptible sleep rechecks the flags
// and the context while waiting out its duration.
const pollInterval = 50 * time.Millisecond

// Flags are the three independent shutdown signals the apply engine
// polls at every suspension point: a graceful stop (finish the current
// file, then exit), a fast stop (exit without waiting out the current
// sleep), and a full process quit. They are equivalent from the
// perspective of a caller checking Requested, but kept distinct because
// a process supervisor may want to request them independently.
type Flags struct {
	stop     atomic.Bool
	stopFast atomic.Bool
	quit     atomic.Bool
}

// RequestStop asks the engine to finish its current unit of work and
// exit at the next loop iteration.
func (f *Flags) RequestStop() { f.stop.Store(true) }

// RequestFastStop asks the engine to exit without waiting out any
// in-progress sleep.
func (f *Flags) RequestFastStop() { f.stopFast.Store(true) }

// RequestQuit asks the engine to exit immediately.
func (f *Flags) RequestQuit() { f.quit.Store(true) }

// Requested reports whether any shutdown signal has been raised.
func (f *Flags) Requested() bool {
	if f == nil {
		return false
	}
	return f.stop.Load() || f.stopFast.Load() || f.quit.Load()
}

// Sleep waits out d, rechecking ctx and flags every pollInterval so a
// shutdown signal or context cancellation interrupts the wait. It
// returns false if the sleep was interrupted rather than completed.
func Sleep(ctx context.Context, d time.Duration, flags *Flags) bool {
	if flags.Requested() {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			if flags.Requested() {
				return false
			}
		}
	}
}
