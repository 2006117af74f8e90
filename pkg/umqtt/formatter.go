// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package umqtt

import (
	"fmt"
	"strings"
)

// FormatPacketType returns the human-readable name for a packet type
func FormatPacketType(t PacketType) string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketConnack:
		return "CONNACK"
	case PacketPublish:
		return "PUBLISH"
	case PacketPuback:
		return "PUBACK"
	case PacketPubrec:
		return "PUBREC"
	case PacketPubrel:
		return "PUBREL"
	case PacketPubcomp:
		return "PUBCOMP"
	case PacketSubscribe:
		return "SUBSCRIBE"
	case PacketSuback:
		return "SUBACK"
	case PacketUnsubscribe:
		return "UNSUBSCRIBE"
	case PacketUnsuback:
		return "UNSUBACK"
	case PacketPingreq:
		return "PINGREQ"
	case PacketPingresp:
		return "PINGRESP"
	case PacketDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN_%d", uint8(t))
	}
}

// String implements fmt.Stringer
func (t PacketType) String() string {
	return FormatPacketType(t)
}

// FormatConnState returns the name of a protocol connection state
func FormatConnState(s ConnState) string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// String implements fmt.Stringer
func (s ConnState) String() string {
	return FormatConnState(s)
}

// Error implements the error interface so a rejected CONNACK can be reported
func (r ReturnCode) Error() string {
	switch r {
	case ConnectionAccepted:
		return "connection accepted"
	case UnacceptableProtocolVersion:
		return "unacceptable protocol version"
	case IdentifierRejected:
		return "identifier rejected"
	case ServerUnavailable:
		return "server unavailable"
	case BadUsernameOrPassword:
		return "bad user name or password"
	case NotAuthorized:
		return "not authorized"
	default:
		return fmt.Sprintf("unknown return code %d", uint8(r))
	}
}

// FormatPacket formats a packet into a one-line human-readable summary
func FormatPacket(p *Packet) string {
	result := fmt.Sprintf("%s (0x%02X) len=%d", FormatPacketType(p.Type()), p.Header(), p.Length())

	switch p.Type() {
	case PacketPublish:
		if topic, payload, err := p.Publish(); err == nil {
			if p.Retain() {
				result += " retain"
			}
			result += fmt.Sprintf(" topic=%q payload=%q", topic, payload)
		}
	case PacketConnack:
		if code, err := p.ReturnCode(); err == nil {
			result += fmt.Sprintf(" rc=%d (%s)", uint8(code), code.Error())
		}
	case PacketSubscribe, PacketSuback:
		if id, err := p.MessageID(); err == nil {
			result += fmt.Sprintf(" id=%d", id)
		}
	}

	return result
}

// FormatStream summarizes every complete packet contained in data.
// Trailing partial data is reported as a byte count.
func FormatStream(data []byte) string {
	var parts []string
	for len(data) > 0 {
		p, n, err := ParsePacket(data)
		if err != nil {
			parts = append(parts, fmt.Sprintf("<%d bytes partial>", len(data)))
			break
		}
		parts = append(parts, FormatPacket(p))
		data = data[n:]
	}
	return strings.Join(parts, "; ")
}
