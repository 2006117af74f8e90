// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sensor reads humidity and temperature from a DHT-style sensor.
package sensor

import (
	"errors"
	"fmt"
)

// FrameSize is the length of a raw sensor frame
const FrameSize = 5

const (
	humidityIntegralMask    = 0x03
	temperatureIntegralMask = 0x83
	negativeTemperatureBit  = 0x80
)

// Read errors
var (
	ErrChecksum = errors.New("sensor checksum mismatch")
	ErrTimeout  = errors.New("sensor timeout")
	ErrConnect  = errors.New("sensor not responding")
	ErrAckLow   = errors.New("sensor ack low not received")
	ErrAckHigh  = errors.New("sensor ack high not received")
)

// Status codes reported by the sensor bridge
const (
	StatusOK       = 0
	StatusChecksum = 1
	StatusTimeout  = 2
	StatusConnect  = 3
	StatusAckLow   = 4
	StatusAckHigh  = 5
)

// Reading is one measurement in tenths of a unit
type Reading struct {
	Humidity    int16 // tenths of %RH
	Temperature int16 // tenths of a degree Celsius
}

// StatusError maps a bridge status code to its error
func StatusError(status byte) error {
	switch status {
	case StatusOK:
		return nil
	case StatusChecksum:
		return ErrChecksum
	case StatusTimeout:
		return ErrTimeout
	case StatusConnect:
		return ErrConnect
	case StatusAckLow:
		return ErrAckLow
	case StatusAckHigh:
		return ErrAckHigh
	default:
		return fmt.Errorf("%w: unknown status %d", ErrConnect, status)
	}
}

// DecodeFrame decodes a raw 5-byte frame:
// humidity integral, humidity decimal, temperature integral,
// temperature decimal, checksum
func DecodeFrame(frame [FrameSize]byte) (Reading, error) {
	hi := frame[0] & humidityIntegralMask
	hd := frame[1]
	ti := frame[2] & temperatureIntegralMask
	td := frame[3]

	sum := hi + hd + ti + td
	if frame[4] != sum {
		return Reading{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, sum, frame[4])
	}

	r := Reading{
		Humidity:    int16(hi)<<8 | int16(hd),
		Temperature: int16(ti&^negativeTemperatureBit)<<8 | int16(td),
	}
	if ti&negativeTemperatureBit != 0 {
		r.Temperature = -r.Temperature
	}
	return r, nil
}

// EncodeFrame is the inverse of DecodeFrame
func EncodeFrame(r Reading) [FrameSize]byte {
	var f [FrameSize]byte
	h := uint16(r.Humidity)
	t := r.Temperature
	neg := t < 0
	if neg {
		t = -t
	}
	f[0] = byte(h>>8) & humidityIntegralMask
	f[1] = byte(h)
	f[2] = byte(uint16(t)>>8) & (temperatureIntegralMask &^ negativeTemperatureBit)
	if neg {
		f[2] |= negativeTemperatureBit
	}
	f[3] = byte(t)
	f[4] = f[0] + f[1] + f[2] + f[3]
	return f
}

// ErrorCode returns the short code published in place of a reading
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrChecksum):
		return "E_CHECKSUM"
	case errors.Is(err, ErrTimeout):
		return "E_TIMEOUT"
	case errors.Is(err, ErrAckLow), errors.Is(err, ErrAckHigh):
		return "E_ACK"
	default:
		return "E_CONNECT"
	}
}

// FormatTenths formats a tenths value as "integral.decimal".
// Negative values keep the sign on the integral part: -125 is "-12.5".
func FormatTenths(v int16) string {
	n := int(v)
	if n < 0 {
		return fmt.Sprintf("-%d.%d", -n/10, -n%10)
	}
	return fmt.Sprintf("%d.%d", n/10, n%10)
}

// HumidityString returns the humidity payload
func (r Reading) HumidityString() string {
	return FormatTenths(r.Humidity)
}

// TemperatureString returns the temperature payload
func (r Reading) TemperatureString() string {
	return FormatTenths(r.Temperature)
}
