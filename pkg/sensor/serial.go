// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sensor

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// RequestByte asks the bridge for one measurement
const RequestByte = 'R'

// Port is the subset of serial.Port used by SerialSensor
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// SerialSensor reads a sensor attached to a microcontroller bridge over a
// serial line. For each request the bridge answers with a status byte,
// followed by a raw frame when the status is OK.
type SerialSensor struct {
	port    Port
	timeout time.Duration
	now     func() time.Time
}

// NewSerialSensor wraps an already opened port. The port read timeout must
// be shorter than timeout.
func NewSerialSensor(port Port, timeout time.Duration) *SerialSensor {
	return &SerialSensor{port: port, timeout: timeout, now: time.Now}
}

// OpenSerialSensor opens a serial port connected to the sensor bridge
func OpenSerialSensor(portName string, baudRate int, timeout time.Duration) (*SerialSensor, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	perRead := timeout / 4
	if perRead <= 0 {
		perRead = 50 * time.Millisecond
	}
	if err := port.SetReadTimeout(perRead); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	return NewSerialSensor(port, timeout), nil
}

// Read requests and decodes one measurement
func (s *SerialSensor) Read() (Reading, error) {
	if err := s.port.ResetInputBuffer(); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if _, err := s.port.Write([]byte{RequestByte}); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	var resp [1 + FrameSize]byte
	got := 0
	deadline := s.now().Add(s.timeout)

	for got < len(resp) {
		n, err := s.port.Read(resp[got:])
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		got += n

		// A non-OK status is not followed by a frame
		if got >= 1 && resp[0] != StatusOK {
			return Reading{}, StatusError(resp[0])
		}
		if n == 0 && !s.now().Before(deadline) {
			break
		}
	}

	switch {
	case got == 0:
		return Reading{}, ErrConnect
	case got < len(resp):
		return Reading{}, fmt.Errorf("%w: received %d of %d frame bytes", ErrTimeout, got-1, FrameSize)
	}

	var frame [FrameSize]byte
	copy(frame[:], resp[1:])
	return DecodeFrame(frame)
}

// Close closes the serial port
func (s *SerialSensor) Close() error {
	return s.port.Close()
}
