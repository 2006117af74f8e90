// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ringbuf implements the fixed-capacity byte FIFO used to stage MQTT
// traffic between the protocol codec and the transport.
package ringbuf

import (
	"errors"
	"fmt"
)

// ErrOverflow is reported by PushResult.Err when a push did not fit
var ErrOverflow = errors.New("ring buffer overflow")

// PushResult describes the outcome of a Push
type PushResult struct {
	Written    int
	NotWritten int
}

// OK reports whether every byte was accepted
func (r PushResult) OK() bool {
	return r.NotWritten == 0
}

// Err returns nil when the push was complete, or a wrapped ErrOverflow
func (r PushResult) Err() error {
	if r.NotWritten == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d bytes not written", ErrOverflow, r.NotWritten, r.Written+r.NotWritten)
}

// Add accumulates another result into r
func (r PushResult) Add(o PushResult) PushResult {
	return PushResult{
		Written:    r.Written + o.Written,
		NotWritten: r.NotWritten + o.NotWritten,
	}
}

// RingBuffer is a byte FIFO that never overwrites unread data.
// It is not safe for concurrent use.
type RingBuffer struct {
	storage []byte
	read    int
	used    int
}

// New creates a ring buffer holding at most capacity bytes
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: invalid capacity %d", capacity))
	}
	return &RingBuffer{storage: make([]byte, capacity)}
}

// Init empties the buffer
func (b *RingBuffer) Init() {
	b.read = 0
	b.used = 0
}

// Reset is an alias for Init
func (b *RingBuffer) Reset() {
	b.Init()
}

// Len returns the number of unread bytes
func (b *RingBuffer) Len() int {
	return b.used
}

// Cap returns the buffer capacity
func (b *RingBuffer) Cap() int {
	return len(b.storage)
}

// Free returns the number of bytes that can be pushed without loss
func (b *RingBuffer) Free() int {
	return len(b.storage) - b.used
}

// Push appends data, stopping before any unread byte would be overwritten
func (b *RingBuffer) Push(data []byte) PushResult {
	n := len(data)
	if free := b.Free(); n > free {
		n = free
	}

	pos := (b.read + b.used) % len(b.storage)
	first := copy(b.storage[pos:], data[:n])
	copy(b.storage, data[first:n])
	b.used += n

	return PushResult{Written: n, NotWritten: len(data) - n}
}

// PushByte appends a single byte
func (b *RingBuffer) PushByte(c byte) PushResult {
	return b.Push([]byte{c})
}

// Pop moves up to len(p) unread bytes into p and returns the count
func (b *RingBuffer) Pop(p []byte) int {
	n := b.Peek(p)
	b.read = (b.read + n) % len(b.storage)
	b.used -= n
	return n
}

// PopByte removes and returns the oldest unread byte
func (b *RingBuffer) PopByte() (byte, bool) {
	if b.used == 0 {
		return 0, false
	}
	c := b.storage[b.read]
	b.read = (b.read + 1) % len(b.storage)
	b.used--
	return c, true
}

// Peek copies up to len(p) unread bytes into p without consuming them
func (b *RingBuffer) Peek(p []byte) int {
	n := len(p)
	if n > b.used {
		n = b.used
	}

	end := b.read + n
	if end <= len(b.storage) {
		copy(p, b.storage[b.read:end])
	} else {
		first := copy(p, b.storage[b.read:])
		copy(p[first:n], b.storage[:end-len(b.storage)])
	}
	return n
}

// Discard drops up to n unread bytes and returns the count dropped
func (b *RingBuffer) Discard(n int) int {
	if n > b.used {
		n = b.used
	}
	b.read = (b.read + n) % len(b.storage)
	b.used -= n
	return n
}
