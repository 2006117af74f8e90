// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package umqtt

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/hygrostat/pkg/ringbuf"
)

var (
	// ErrEmptyClientID is returned by Connect when no client id is configured.
	// Nothing is written to the TX buffer in that case.
	ErrEmptyClientID = errors.New("empty client id")

	// ErrFieldTooLong is returned when a length-prefixed field exceeds 65535 bytes
	ErrFieldTooLong = errors.New("field too long")
)

// appendField appends a 2-byte big-endian length prefix followed by data
func appendField(dst []byte, data []byte) ([]byte, error) {
	if len(data) > maxFieldLength {
		return dst, fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(data))
	}
	dst = append(dst, byte(len(data)>>8), byte(len(data)))
	return append(dst, data...), nil
}

// frame prefixes body with the fixed header and remaining length
func frame(header byte, body []byte) ([]byte, error) {
	out := make([]byte, 0, 1+maxRemainingLengthBytes+len(body))
	out = append(out, header)
	out, err := AppendRemainingLength(out, len(body))
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// EncodeConnect builds a CONNECT packet. Clean session is always requested.
func EncodeConnect(cfg ConnectConfig) ([]byte, error) {
	if cfg.ClientID == "" {
		return nil, ErrEmptyClientID
	}

	flags := FlagCleanSession
	hasWill := cfg.Will != nil && cfg.Will.Topic != ""
	if hasWill {
		flags |= FlagWill
		if cfg.Will.Retain {
			flags |= FlagWillRetain
		}
	}

	body := make([]byte, 0, 10+2+len(cfg.ClientID))
	body = append(body, 0x00, byte(len(ProtocolName)))
	body = append(body, ProtocolName...)
	body = append(body, ProtocolLevel, flags, byte(cfg.KeepAlive>>8), byte(cfg.KeepAlive))

	body, err := appendField(body, []byte(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}
	if hasWill {
		if body, err = appendField(body, []byte(cfg.Will.Topic)); err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		if body, err = appendField(body, cfg.Will.Message); err != nil {
			return nil, fmt.Errorf("will message: %w", err)
		}
	}

	return frame(BuildHeader(PacketConnect, false, QoS0, false), body)
}

// EncodePublish builds a QoS 0 PUBLISH packet
func EncodePublish(topic string, payload []byte, retain bool) ([]byte, error) {
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body, err := appendField(body, []byte(topic))
	if err != nil {
		return nil, fmt.Errorf("topic: %w", err)
	}
	body = append(body, payload...)
	return frame(BuildHeader(PacketPublish, false, QoS0, retain), body)
}

// EncodeSubscribe builds a SUBSCRIBE packet requesting QoS 0 for one topic
func EncodeSubscribe(messageID uint16, topic string) ([]byte, error) {
	body := make([]byte, 0, 2+2+len(topic)+1)
	body = append(body, byte(messageID>>8), byte(messageID))
	body, err := appendField(body, []byte(topic))
	if err != nil {
		return nil, fmt.Errorf("topic: %w", err)
	}
	body = append(body, QoS0)
	return frame(BuildHeader(PacketSubscribe, false, QoS1, false), body)
}

// EncodePing builds a PINGREQ packet
func EncodePing() []byte {
	return []byte{BuildHeader(PacketPingreq, false, QoS0, false), 0x00}
}

// EncodeDisconnect builds a DISCONNECT packet
func EncodeDisconnect() []byte {
	return []byte{BuildHeader(PacketDisconnect, false, QoS0, false), 0x00}
}

// Connect queues a CONNECT packet and moves the connection to CONNECTING.
// With an empty client id nothing is queued and the state is unchanged;
// ErrEmptyClientID is returned so the caller can report it.
func (c *Connection) Connect(cfg ConnectConfig) (ringbuf.PushResult, error) {
	data, err := EncodeConnect(cfg)
	if err != nil {
		return ringbuf.PushResult{}, err
	}
	res := c.tx.Push(data)
	c.state = StateConnecting
	return res, nil
}

// Publish queues a QoS 0 PUBLISH packet
func (c *Connection) Publish(topic string, payload []byte, retain bool) (ringbuf.PushResult, error) {
	data, err := EncodePublish(topic, payload, retain)
	if err != nil {
		return ringbuf.PushResult{}, err
	}
	return c.tx.Push(data), nil
}

// Subscribe queues a SUBSCRIBE packet with a fresh message id
func (c *Connection) Subscribe(topic string) (ringbuf.PushResult, error) {
	data, err := EncodeSubscribe(c.messageID, topic)
	if err != nil {
		return ringbuf.PushResult{}, err
	}
	c.nextMessageID()
	res := c.tx.Push(data)
	c.nackSubscribe++
	return res, nil
}

// Ping queues a PINGREQ packet
func (c *Connection) Ping() ringbuf.PushResult {
	res := c.tx.Push(EncodePing())
	c.nackPing++
	return res
}

// Disconnect queues a DISCONNECT packet
func (c *Connection) Disconnect() ringbuf.PushResult {
	return c.tx.Push(EncodeDisconnect())
}
