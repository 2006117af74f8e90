// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package umqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrRemainingLengthTooLarge is returned when a length exceeds MaxRemainingLength
	ErrRemainingLengthTooLarge = errors.New("remaining length too large")

	// ErrMalformedRemainingLength is returned when the fourth length byte
	// still has its continuation bit set
	ErrMalformedRemainingLength = errors.New("malformed remaining length")

	// ErrIncompleteRemainingLength is returned when the input ends before
	// the final length byte
	ErrIncompleteRemainingLength = errors.New("incomplete remaining length")
)

// BuildHeader returns the fixed header byte for a packet
func BuildHeader(t PacketType, dup bool, qos uint8, retain bool) byte {
	h := byte(t) << 4
	if dup {
		h |= 1 << 3
	}
	h |= (qos & 0x03) << 1
	if retain {
		h |= 1
	}
	return h
}

// HeaderType extracts the packet type from a fixed header byte
func HeaderType(h byte) PacketType {
	return PacketType(h >> 4)
}

// HeaderFlags extracts dup, QoS and retain from a fixed header byte
func HeaderFlags(h byte) (dup bool, qos uint8, retain bool) {
	return h&0x08 != 0, (h >> 1) & 0x03, h&0x01 != 0
}

// EncodeRemainingLength encodes n in the base-128 remaining-length format.
// The returned count is the number of bytes of buf that are used.
func EncodeRemainingLength(n int) ([maxRemainingLengthBytes]byte, int, error) {
	var buf [maxRemainingLengthBytes]byte
	if n < 0 || n > MaxRemainingLength {
		return buf, 0, fmt.Errorf("%w: %d", ErrRemainingLengthTooLarge, n)
	}

	i := 0
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		buf[i] = digit
		i++
		if n == 0 {
			break
		}
	}
	return buf, i, nil
}

// AppendRemainingLength appends the encoded form of n to dst
func AppendRemainingLength(dst []byte, n int) ([]byte, error) {
	buf, used, err := EncodeRemainingLength(n)
	if err != nil {
		return dst, err
	}
	return append(dst, buf[:used]...), nil
}

// DecodeRemainingLength decodes a remaining-length field from the start of
// b and returns the value and the number of bytes consumed
func DecodeRemainingLength(b []byte) (int, int, error) {
	value := 0
	multiplier := 1
	for i := 0; i < maxRemainingLengthBytes; i++ {
		if i >= len(b) {
			return 0, 0, ErrIncompleteRemainingLength
		}
		value += int(b[i]&0x7F) * multiplier
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
	return 0, 0, ErrMalformedRemainingLength
}
