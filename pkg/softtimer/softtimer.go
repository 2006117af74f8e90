// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package softtimer provides cooperative timers whose expiry is detected by
// polling rather than signaled.
package softtimer

import "time"

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

// Now calls f()
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock
var SystemClock Clock = ClockFunc(time.Now)

// Timer is a soft interval timer
type Timer struct {
	clock    Clock
	start    time.Time
	interval time.Duration
}

// New creates a timer on clock. A nil clock uses SystemClock.
func New(clock Clock) *Timer {
	if clock == nil {
		clock = SystemClock
	}
	return &Timer{clock: clock}
}

// Set starts the timer with a new interval from now
func (t *Timer) Set(interval time.Duration) {
	t.interval = interval
	t.start = t.clock.Now()
}

// Reset advances the start by one interval, keeping the time base
// stable when expiry is detected late
func (t *Timer) Reset() {
	t.start = t.start.Add(t.interval)
}

// Restart starts the same interval again from now
func (t *Timer) Restart() {
	t.start = t.clock.Now()
}

// Expired reports whether the interval has elapsed
func (t *Timer) Expired() bool {
	return !t.clock.Now().Before(t.start.Add(t.interval))
}

// TryRestart restarts the timer and returns true if it has expired
func (t *Timer) TryRestart() bool {
	if t.Expired() {
		t.Restart()
		return true
	}
	return false
}

// Remaining returns the time left before expiry, or 0 if expired
func (t *Timer) Remaining() time.Duration {
	left := t.start.Add(t.interval).Sub(t.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Interval returns the configured interval
func (t *Timer) Interval() time.Duration {
	return t.interval
}
