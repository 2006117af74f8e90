// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sensor

import (
	"math/rand"
	"sync"
)

// Simulated produces readings that wander around a base value.
// ErrorRate is the probability (0..1) that a read fails.
type Simulated struct {
	mu        sync.Mutex
	rng       *rand.Rand
	current   Reading
	ErrorRate float64
}

// NewSimulated creates a simulated sensor starting at base
func NewSimulated(base Reading, seed int64) *Simulated {
	return &Simulated{
		rng:     rand.New(rand.NewSource(seed)),
		current: base,
	}
}

var simulatedErrors = []error{ErrChecksum, ErrTimeout, ErrConnect, ErrAckLow, ErrAckHigh}

// Read returns the next simulated reading
func (s *Simulated) Read() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorRate > 0 && s.rng.Float64() < s.ErrorRate {
		return Reading{}, simulatedErrors[s.rng.Intn(len(simulatedErrors))]
	}

	s.current.Humidity = clamp(s.current.Humidity+int16(s.rng.Intn(5)-2), 0, 1000)
	s.current.Temperature = clamp(s.current.Temperature+int16(s.rng.Intn(3)-1), -400, 800)
	return s.current, nil
}

func clamp(v, lo, hi int16) int16 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
