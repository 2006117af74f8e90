// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package umqtt

// PacketType is the 4-bit MQTT control packet type
type PacketType uint8

// Control packet types (MQTT 3.1.1)
const (
	PacketConnect     PacketType = 1
	PacketConnack     PacketType = 2
	PacketPublish     PacketType = 3
	PacketPuback      PacketType = 4
	PacketPubrec      PacketType = 5
	PacketPubrel      PacketType = 6
	PacketPubcomp     PacketType = 7
	PacketSubscribe   PacketType = 8
	PacketSuback      PacketType = 9
	PacketUnsubscribe PacketType = 10
	PacketUnsuback    PacketType = 11
	PacketPingreq     PacketType = 12
	PacketPingresp    PacketType = 13
	PacketDisconnect  PacketType = 14
)

// QoS levels
const (
	QoS0 uint8 = 0
	QoS1 uint8 = 1
	QoS2 uint8 = 2
)

// Protocol constants
const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 0x04

	// MaxRemainingLength is the largest value representable in four
	// remaining-length bytes
	MaxRemainingLength = 268435455

	maxRemainingLengthBytes = 4
	maxFieldLength          = 0xFFFF
)

// CONNECT flag bit positions
const (
	connectFlagCleanSession = 1
	connectFlagWill         = 2
	connectFlagWillRetain   = 5
	connectFlagPassword     = 6
	connectFlagUsername     = 7
)

// Connect flag masks
const (
	FlagCleanSession byte = 1 << connectFlagCleanSession
	FlagWill         byte = 1 << connectFlagWill
	FlagWillRetain   byte = 1 << connectFlagWillRetain
	FlagPassword     byte = 1 << connectFlagPassword
	FlagUsername     byte = 1 << connectFlagUsername
)

// ConnState is the protocol-level state of a Connection
type ConnState int

const (
	StateInit ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

// ReturnCode is a CONNACK return code
type ReturnCode uint8

// CONNACK return codes
const (
	ConnectionAccepted ReturnCode = iota
	UnacceptableProtocolVersion
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)
