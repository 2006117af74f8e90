// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package actsig drives an activity indicator: a signal that inverts its
// normal level for a short interval whenever network activity is noticed.
package actsig

import (
	"time"

	"github.com/Thermoquad/hygrostat/pkg/softtimer"
)

// Output receives indicator level changes. On hardware this would be an LED.
type Output interface {
	SetLevel(on bool)
}

// OutputFunc adapts a function to Output
type OutputFunc func(on bool)

// SetLevel calls f(on)
func (f OutputFunc) SetLevel(on bool) {
	f(on)
}

// Signal is an activity indicator
type Signal struct {
	out           Output
	timer         *softtimer.Timer
	normal        bool
	signaling     bool
	notifications uint64
}

// New creates a signal that stays active for interval after Notify
func New(clock softtimer.Clock, interval time.Duration, out Output) *Signal {
	s := &Signal{
		out:   out,
		timer: softtimer.New(clock),
	}
	s.timer.Set(interval)
	s.apply()
	return s
}

// Notify starts signaling unless already signaling
func (s *Signal) Notify() {
	s.notifications++
	if s.signaling {
		return
	}
	s.signaling = true
	s.timer.Restart()
	s.apply()
}

// Process ends the signaling interval once it has elapsed
func (s *Signal) Process() {
	if s.signaling && s.timer.TryRestart() {
		s.signaling = false
		s.apply()
	}
}

// SetNormal sets the idle level, e.g. on while the broker link is up
func (s *Signal) SetNormal(on bool) {
	s.normal = on
	s.apply()
}

// Level returns the current output level
func (s *Signal) Level() bool {
	return s.normal != s.signaling
}

// Active reports whether the signal is currently signaling
func (s *Signal) Active() bool {
	return s.signaling
}

// Count returns the number of notifications received
func (s *Signal) Count() uint64 {
	return s.notifications
}

func (s *Signal) apply() {
	if s.out != nil {
		s.out.SetLevel(s.Level())
	}
}
