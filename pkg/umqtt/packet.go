// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package umqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIncompletePacket is returned by ParsePacket when b ends mid-packet
var ErrIncompletePacket = errors.New("incomplete packet")

// Packet is a framed MQTT control packet
type Packet struct {
	header byte
	body   []byte
}

// NewPacket creates a packet from a fixed header byte and its body
func NewPacket(header byte, body []byte) *Packet {
	return &Packet{header: header, body: body}
}

// ParsePacket frames one packet from the start of b.
// Returns the packet and the number of bytes it occupies.
func ParsePacket(b []byte) (*Packet, int, error) {
	if len(b) < 2 {
		return nil, 0, ErrIncompletePacket
	}
	length, used, err := DecodeRemainingLength(b[1:])
	if err != nil {
		if errors.Is(err, ErrIncompleteRemainingLength) {
			return nil, 0, ErrIncompletePacket
		}
		return nil, 0, err
	}
	total := 1 + used + length
	if len(b) < total {
		return nil, 0, ErrIncompletePacket
	}
	return NewPacket(b[0], b[1+used:total]), total, nil
}

// Header returns the fixed header byte
func (p *Packet) Header() byte {
	return p.header
}

// Type returns the control packet type
func (p *Packet) Type() PacketType {
	return HeaderType(p.header)
}

// QoS returns the QoS bits of the fixed header
func (p *Packet) QoS() uint8 {
	_, qos, _ := HeaderFlags(p.header)
	return qos
}

// Retain reports the retain bit of the fixed header
func (p *Packet) Retain() bool {
	_, _, retain := HeaderFlags(p.header)
	return retain
}

// Body returns the variable header and payload
func (p *Packet) Body() []byte {
	return p.body
}

// Length returns the remaining length
func (p *Packet) Length() int {
	return len(p.body)
}

// ReturnCode returns the CONNACK return code (byte 1 of the body)
func (p *Packet) ReturnCode() (ReturnCode, error) {
	if p.Type() != PacketConnack {
		return 0, fmt.Errorf("not a CONNACK packet: %s", FormatPacketType(p.Type()))
	}
	if len(p.body) < 2 {
		return 0, fmt.Errorf("CONNACK body too short: %d bytes", len(p.body))
	}
	return ReturnCode(p.body[1]), nil
}

// MessageID returns the leading 2-byte message id of SUBSCRIBE/SUBACK bodies
func (p *Packet) MessageID() (uint16, error) {
	if len(p.body) < 2 {
		return 0, fmt.Errorf("%s body too short for message id", FormatPacketType(p.Type()))
	}
	return binary.BigEndian.Uint16(p.body), nil
}

// Publish splits a PUBLISH body into topic and payload.
// QoS 1 and 2 packets carry a message id after the topic, which is skipped.
func (p *Packet) Publish() (string, []byte, error) {
	if p.Type() != PacketPublish {
		return "", nil, fmt.Errorf("not a PUBLISH packet: %s", FormatPacketType(p.Type()))
	}
	if len(p.body) < 2 {
		return "", nil, fmt.Errorf("PUBLISH body too short: %d bytes", len(p.body))
	}
	topicLen := int(binary.BigEndian.Uint16(p.body))
	offset := 2 + topicLen
	if offset > len(p.body) {
		return "", nil, fmt.Errorf("PUBLISH topic length %d exceeds body length %d", topicLen, len(p.body))
	}
	topic := string(p.body[2:offset])
	if p.QoS() > QoS0 {
		offset += 2
		if offset > len(p.body) {
			return "", nil, fmt.Errorf("PUBLISH missing message id")
		}
	}
	return topic, p.body[offset:], nil
}

// Encode returns the packet in wire format
func (p *Packet) Encode() ([]byte, error) {
	out := make([]byte, 0, 1+maxRemainingLengthBytes+len(p.body))
	out = append(out, p.header)
	out, err := AppendRemainingLength(out, len(p.body))
	if err != nil {
		return nil, err
	}
	return append(out, p.body...), nil
}
