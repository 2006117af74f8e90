// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package monitor streams live node state over WebSocket.
//
// Every WebSocket binary message is one CBOR array [msg_type, payload]. A
// snapshot message carries the session state and counters; an inbound
// message carries a command received on a subscribed topic.
package monitor

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/hygrostat/pkg/session"
)

// MsgType identifies the payload of a monitor message
type MsgType uint8

const (
	MsgSnapshot MsgType = 0x01
	MsgInbound  MsgType = 0x02
)

// String implements fmt.Stringer
func (t MsgType) String() string {
	switch t {
	case MsgSnapshot:
		return "SNAPSHOT"
	case MsgInbound:
		return "INBOUND"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Frame is the wire form of a session snapshot
type Frame struct {
	Time              int64            `cbor:"0,keyasint"` // unix milliseconds
	State             string           `cbor:"1,keyasint"`
	StateSince        int64            `cbor:"2,keyasint"`
	ConnState         string           `cbor:"3,keyasint"`
	ReturnCode        uint8            `cbor:"4,keyasint"`
	PendingPings      int              `cbor:"5,keyasint"`
	PendingSubscribes int              `cbor:"6,keyasint"`
	Sending           bool             `cbor:"7,keyasint"`
	TxQueued          int              `cbor:"8,keyasint"`
	RxQueued          int              `cbor:"9,keyasint"`
	Dropped           uint64           `cbor:"10,keyasint"`
	Activity          bool             `cbor:"11,keyasint"`
	Humidity          *int16           `cbor:"12,keyasint,omitempty"` // tenths
	Temperature       *int16           `cbor:"13,keyasint,omitempty"` // tenths
	SensorError       string           `cbor:"14,keyasint,omitempty"`
	Stopped           bool             `cbor:"15,keyasint"`
	Counters          session.Counters `cbor:"16,keyasint"`
}

// Inbound is a message received on a subscribed topic
type Inbound struct {
	Time    int64  `cbor:"0,keyasint"`
	Topic   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// Message is one decoded monitor message. Exactly one payload is set.
type Message struct {
	Type     MsgType
	Snapshot *Frame
	Inbound  *Inbound
}

// FrameFromSnapshot converts a session snapshot to its wire form
func FrameFromSnapshot(snap session.Snapshot) Frame {
	f := Frame{
		Time:              snap.Time.UnixMilli(),
		State:             snap.State.String(),
		StateSince:        snap.StateSince.UnixMilli(),
		ConnState:         snap.ConnState.String(),
		ReturnCode:        uint8(snap.ReturnCode),
		PendingPings:      snap.PendingPings,
		PendingSubscribes: snap.PendingSubscribes,
		Sending:           snap.IsSending,
		TxQueued:          snap.TxQueued,
		RxQueued:          snap.RxQueued,
		Dropped:           snap.DroppedPackets,
		Activity:          snap.Activity,
		SensorError:       snap.LastSensorError,
		Stopped:           snap.Stopped,
		Counters:          snap.Counters,
	}
	if snap.LastReading != nil {
		h, t := snap.LastReading.Humidity, snap.LastReading.Temperature
		f.Humidity = &h
		f.Temperature = &t
	}
	return f
}

// Timestamp returns the snapshot time
func (f *Frame) Timestamp() time.Time {
	return time.UnixMilli(f.Time)
}

// Since returns the time the session entered its current state
func (f *Frame) Since() time.Time {
	return time.UnixMilli(f.StateSince)
}

// EncodeSnapshot encodes a snapshot message
func EncodeSnapshot(f Frame) ([]byte, error) {
	return encode(MsgSnapshot, f)
}

// EncodeInbound encodes an inbound message
func EncodeInbound(in Inbound) ([]byte, error) {
	return encode(MsgInbound, in)
}

func encode(t MsgType, payload interface{}) ([]byte, error) {
	data, err := cbor.Marshal([]interface{}{uint8(t), payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return data, nil
}

// DecodeMessage decodes one monitor message
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty CBOR payload")
	}

	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("expected 2-element array, got %d elements", len(raw))
	}

	var t uint8
	if err := cbor.Unmarshal(raw[0], &t); err != nil {
		return nil, fmt.Errorf("expected uint for message type: %w", err)
	}

	msg := &Message{Type: MsgType(t)}
	switch msg.Type {
	case MsgSnapshot:
		msg.Snapshot = &Frame{}
		if err := cbor.Unmarshal(raw[1], msg.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
	case MsgInbound:
		msg.Inbound = &Inbound{}
		if err := cbor.Unmarshal(raw[1], msg.Inbound); err != nil {
			return nil, fmt.Errorf("failed to decode inbound message: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown message type %s", msg.Type)
	}
	return msg, nil
}
