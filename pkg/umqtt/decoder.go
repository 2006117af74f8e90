// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package umqtt

import "errors"

// Process decodes and dispatches every complete packet in the RX buffer.
// It returns the number of packets dispatched. A packet whose body has not
// fully arrived is left in the buffer for the next call.
func (c *Connection) Process() int {
	dispatched := 0
	var head [1 + maxRemainingLengthBytes]byte

	for {
		if c.discard > 0 {
			c.discard -= c.rx.Discard(c.discard)
			if c.discard > 0 {
				return dispatched
			}
		}

		if c.rx.Len() < 2 {
			return dispatched
		}

		n := c.rx.Peek(head[:])
		length, used, err := DecodeRemainingLength(head[1:n])
		if errors.Is(err, ErrIncompleteRemainingLength) {
			return dispatched
		}
		if err != nil {
			// Stream framing is lost, nothing after this point can be trusted
			c.dropped++
			c.rx.Init()
			return dispatched
		}

		total := 1 + used + length
		if total > c.rx.Cap() {
			c.dropped++
			c.rx.Discard(1 + used)
			c.discard = length
			continue
		}
		if c.rx.Len() < total {
			return dispatched
		}

		header, _ := c.rx.PopByte()
		c.rx.Discard(used)
		body := make([]byte, length)
		c.rx.Pop(body)

		c.dispatch(NewPacket(header, body))
		dispatched++
	}
}

// dispatch applies one inbound packet to the connection state
func (c *Connection) dispatch(p *Packet) {
	switch p.Type() {
	case PacketConnack:
		code, err := p.ReturnCode()
		if err != nil {
			c.dropped++
			return
		}
		c.returnCode = code
		if code == ConnectionAccepted {
			c.state = StateConnected
		} else {
			c.state = StateFailed
		}

	case PacketSuback:
		c.nackSubscribe--

	case PacketPingresp:
		c.nackPing--

	case PacketPublish:
		topic, payload, err := p.Publish()
		if err != nil {
			c.dropped++
			return
		}
		if c.handler != nil {
			c.handler.OnMessage(topic, payload)
		}
	}
}
