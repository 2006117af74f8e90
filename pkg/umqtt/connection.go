// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package umqtt is a small MQTT 3.1.1 client codec that stages all traffic
// in fixed-size ring buffers. It has no knowledge of sockets or timers:
// the caller drains the TX buffer into its transport and feeds received
// bytes into the RX buffer before calling Process.
package umqtt

import "github.com/Thermoquad/hygrostat/pkg/ringbuf"

// Default buffer sizes
const (
	DefaultTxSize = 200
	DefaultRxSize = 150
)

// MessageHandler receives PUBLISH packets that arrive from the broker
type MessageHandler interface {
	OnMessage(topic string, payload []byte)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(topic string, payload []byte)

// OnMessage calls f(topic, payload)
func (f MessageHandlerFunc) OnMessage(topic string, payload []byte) {
	f(topic, payload)
}

// Will is the last-will message published by the broker on unclean disconnect
type Will struct {
	Topic   string
	Message []byte
	Retain  bool
}

// ConnectConfig holds the CONNECT parameters
type ConnectConfig struct {
	KeepAlive uint16 // seconds
	ClientID  string
	Will      *Will
}

// Connection holds the codec state for one broker connection
type Connection struct {
	tx *ringbuf.RingBuffer
	rx *ringbuf.RingBuffer

	state      ConnState
	returnCode ReturnCode
	messageID  uint16

	// Outstanding acknowledgements. nackPublish is never touched since
	// QoS 0 publishes are not acknowledged.
	nackPublish   int
	nackSubscribe int
	nackPing      int

	handler MessageHandler

	// Bytes of an oversized inbound packet still to be dropped
	discard int
	dropped uint64
}

// NewConnection creates a connection with TX and RX buffers of the given sizes
func NewConnection(txSize, rxSize int, handler MessageHandler) *Connection {
	c := &Connection{
		tx:      ringbuf.New(txSize),
		rx:      ringbuf.New(rxSize),
		handler: handler,
	}
	c.Init()
	return c
}

// Init resets protocol state, counters and both buffers
func (c *Connection) Init() {
	c.state = StateInit
	c.returnCode = ConnectionAccepted
	c.messageID = 1 // 0 is reserved
	c.nackPublish = 0
	c.nackSubscribe = 0
	c.nackPing = 0
	c.discard = 0
	c.tx.Init()
	c.rx.Init()
}

// SetHandler replaces the message handler
func (c *Connection) SetHandler(h MessageHandler) {
	c.handler = h
}

// MarkDisconnected returns the protocol state to INIT after transport loss.
// Buffers and counters are left untouched until the next Init.
func (c *Connection) MarkDisconnected() {
	c.state = StateInit
}

// State returns the protocol-level state
func (c *Connection) State() ConnState {
	return c.state
}

// ReturnCode returns the code of the last CONNACK received
func (c *Connection) ReturnCode() ReturnCode {
	return c.returnCode
}

// TX returns the transmit staging buffer
func (c *Connection) TX() *ringbuf.RingBuffer {
	return c.tx
}

// RX returns the receive staging buffer
func (c *Connection) RX() *ringbuf.RingBuffer {
	return c.rx
}

// MessageID returns the id that the next SUBSCRIBE will use
func (c *Connection) MessageID() uint16 {
	return c.messageID
}

// PendingPublishes returns the unacknowledged publish count (always 0)
func (c *Connection) PendingPublishes() int {
	return c.nackPublish
}

// PendingSubscribes returns the number of SUBSCRIBEs awaiting SUBACK
func (c *Connection) PendingSubscribes() int {
	return c.nackSubscribe
}

// PendingPings returns the number of PINGREQs awaiting PINGRESP
func (c *Connection) PendingPings() int {
	return c.nackPing
}

// Dropped returns the number of inbound packets dropped because they could
// never fit in the RX buffer or were malformed
func (c *Connection) Dropped() uint64 {
	return c.dropped
}

// nextMessageID allocates a message id, skipping 0 on wrap
func (c *Connection) nextMessageID() uint16 {
	id := c.messageID
	c.messageID++
	if c.messageID == 0 {
		c.messageID = 1
	}
	return id
}
