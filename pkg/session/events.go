// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/Thermoquad/hygrostat/pkg/sensor"
)

// State is the client session state
type State int

const (
	StateDisconnected State = iota
	StateDisconnectedWait
	StateConnecting
	StateConnectionEstablished
	StateDisconnecting
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateDisconnectedWait:
		return "DISCONNECTED_WAIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnectionEstablished:
		return "CONNECTION_ESTABLISHED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// EventKind identifies a transport event
type EventKind int

const (
	EventPoll EventKind = iota
	EventConnected
	EventAborted
	EventTimedOut
	EventClosed
	EventNewData
	EventAcked
	EventRexmit
)

// String implements fmt.Stringer
func (k EventKind) String() string {
	switch k {
	case EventPoll:
		return "poll"
	case EventConnected:
		return "connected"
	case EventAborted:
		return "aborted"
	case EventTimedOut:
		return "timedout"
	case EventClosed:
		return "closed"
	case EventNewData:
		return "new_data"
	case EventAcked:
		return "acked"
	case EventRexmit:
		return "rexmit"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one transport callback. Data is only set for EventNewData.
type Event struct {
	Kind EventKind
	Data []byte
}

// IsLoss reports whether the event ends the transport connection
func (e Event) IsLoss() bool {
	return e.Kind == EventAborted || e.Kind == EventTimedOut || e.Kind == EventClosed
}

// EventHandler receives transport events
type EventHandler interface {
	HandleEvent(Event)
}

// ErrNotConnected is returned by a Transport that has no open connection
var ErrNotConnected = errors.New("transport not connected")

// Transport is the byte-stream connection to the broker.
//
// Connect starts a connection attempt whose outcome arrives later as an
// EventConnected or a loss event; it returns an error only when no attempt
// could be started. Implementations must not deliver events synchronously
// from within Connect, Send or Close.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	MSS() int
	Close() error
}

// Sensor takes one humidity/temperature measurement
type Sensor interface {
	Read() (sensor.Reading, error)
}
