// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the bus speed of the controller's RS485 port
const DefaultBaudRate = 115200

// SerialDialer opens a local RS485 adaptor
type SerialDialer struct {
	PortName string
	BaudRate int
}

// NewSerialDialer creates a dialer, applying the default baud rate when baud is 0
func NewSerialDialer(portName string, baud int) *SerialDialer {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &SerialDialer{PortName: portName, BaudRate: baud}
}

func (d *SerialDialer) String() string {
	return fmt.Sprintf("serial://%s@%d", d.PortName, d.BaudRate)
}

// Dial opens the serial port at 8N1
func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.PortName == "" {
		return nil, dialError("serial", errors.New("port is empty"))
	}

	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, dialError("serial", fmt.Errorf("open %s: %w", d.PortName, err))
	}
	return Wrap(&serialConn{port: port}, "serial"), nil
}

// serialConn adapts the port's read timeout to a deadline
type serialConn struct {
	port     serial.Port
	deadline time.Time
}

func (s *serialConn) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func (s *serialConn) Read(p []byte) (int, error) {
	timeout := serial.NoTimeout
	if !s.deadline.IsZero() {
		timeout = time.Until(s.deadline)
		if timeout <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}

	n, err := s.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		// The port reports an expired timeout as an empty read
		return 0, os.ErrDeadlineExceeded
	}
	return n, nil
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) Close() error {
	return s.port.Close()
}
