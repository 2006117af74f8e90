// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"fmt"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/session"
)

// Statistics tracks session counters relative to a baseline and derives
// rates from them
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters since StartTime
	Counters session.Counters
	Samples  uint64

	// Rates (calculated)
	PublishRate float64 // publishes/min
	ErrorRate   float64 // errors/min

	base    session.Counters
	last    session.Counters
	hasBase bool
	now     func() time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return newStatistics(time.Now)
}

func newStatistics(now func() time.Time) *Statistics {
	t := now()
	return &Statistics{
		StartTime:      t,
		LastUpdateTime: t,
		hasBase:        true,
		now:            now,
	}
}

// Update records the latest cumulative counters. The first update after a
// Reset becomes the new baseline.
func (s *Statistics) Update(c session.Counters) {
	if !s.hasBase {
		s.base = c
		s.hasBase = true
	}
	// A restarted node reports smaller counters
	if c.Segments < s.last.Segments || c.ConnectAttempts < s.last.ConnectAttempts {
		s.base = session.Counters{}
	}
	s.last = c
	s.Counters = diff(c, s.base)
	s.Samples++
	s.LastUpdateTime = s.now()
}

// Errors is the number of failures of any kind
func (s *Statistics) Errors() uint64 {
	return s.Counters.ConnackFailures + s.Counters.LinkLosses + s.Counters.SensorErrors
}

// CalculateRates calculates publish and error rates
func (s *Statistics) CalculateRates() {
	elapsed := s.now().Sub(s.StartTime).Minutes()
	if elapsed > 0 {
		s.PublishRate = float64(s.Counters.Publishes) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	c := s.Counters
	var sensorErrorPercent float64
	if c.SensorReads > 0 {
		sensorErrorPercent = float64(c.SensorErrors) * 100.0 / float64(c.SensorReads)
	}

	elapsed := s.now().Sub(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Connect Attempts:%8d\n", c.ConnectAttempts)
	result += fmt.Sprintf("Broker Sessions: %8d\n", c.Connected)
	result += fmt.Sprintf("Publishes:       %8d\n", c.Publishes)
	result += fmt.Sprintf("Pings:           %8d\n", c.Pings)
	result += fmt.Sprintf("Sensor Reads:    %8d\n", c.SensorReads)

	if c.SensorErrors > 0 {
		result += fmt.Sprintf("Sensor Errors:   %8d (%.1f%%)\n", c.SensorErrors, sensorErrorPercent)
	}
	if c.ConnackFailures > 0 {
		result += fmt.Sprintf("CONNACK Refused: %8d\n", c.ConnackFailures)
	}
	if c.LinkLosses > 0 {
		result += fmt.Sprintf("Link Losses:     %8d\n", c.LinkLosses)
	}
	if c.Retransmits > 0 {
		result += fmt.Sprintf("Retransmits:     %8d\n", c.Retransmits)
	}
	if c.TxOverflowBytes > 0 || c.RxOverflowBytes > 0 {
		result += "Buffer Overflow:\n"
		if c.TxOverflowBytes > 0 {
			result += fmt.Sprintf("  TX bytes lost:    %5d\n", c.TxOverflowBytes)
		}
		if c.RxOverflowBytes > 0 {
			result += fmt.Sprintf("  RX bytes lost:    %5d\n", c.RxOverflowBytes)
		}
	}
	if c.MessagesReceived > 0 {
		result += fmt.Sprintf("Messages In:     %8d\n", c.MessagesReceived)
	}

	result += fmt.Sprintf("Traffic:         %8d B out, %d B in\n", c.BytesSent, c.BytesReceived)
	result += fmt.Sprintf("Publish Rate:    %8.1f msgs/min\n", s.PublishRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/min\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset restarts the statistics from the next update
func (s *Statistics) Reset() {
	t := s.now()
	s.StartTime = t
	s.LastUpdateTime = t
	s.Counters = session.Counters{}
	s.Samples = 0
	s.last = session.Counters{}
	s.PublishRate = 0
	s.ErrorRate = 0
	s.hasBase = false
}

func diff(c, base session.Counters) session.Counters {
	return session.Counters{
		ConnectAttempts:  c.ConnectAttempts - base.ConnectAttempts,
		ConnectsSent:     c.ConnectsSent - base.ConnectsSent,
		Connected:        c.Connected - base.Connected,
		ConnackFailures:  c.ConnackFailures - base.ConnackFailures,
		LinkLosses:       c.LinkLosses - base.LinkLosses,
		Pings:            c.Pings - base.Pings,
		Publishes:        c.Publishes - base.Publishes,
		SensorReads:      c.SensorReads - base.SensorReads,
		SensorErrors:     c.SensorErrors - base.SensorErrors,
		Subscribes:       c.Subscribes - base.Subscribes,
		MessagesReceived: c.MessagesReceived - base.MessagesReceived,
		Segments:         c.Segments - base.Segments,
		Retransmits:      c.Retransmits - base.Retransmits,
		BytesSent:        c.BytesSent - base.BytesSent,
		BytesReceived:    c.BytesReceived - base.BytesReceived,
		TxOverflowBytes:  c.TxOverflowBytes - base.TxOverflowBytes,
		RxOverflowBytes:  c.RxOverflowBytes - base.RxOverflowBytes,
	}
}
