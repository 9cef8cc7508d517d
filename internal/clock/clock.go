// Package clock lets time-driven code (the display agent's reconnect,
// poll and rollover timers) run against a fake clock in tests.
package clock

import "time"

// Clock is the subset of the time package used by long-running loops.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once after d. f runs on its own goroutine for the
	// real clock and synchronously inside Advance for the fake one.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented f from running.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C (capacity 1, late ticks dropped).
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns the Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
