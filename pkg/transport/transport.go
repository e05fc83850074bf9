// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport carries the raw RS485 byte stream between the spa bus
// and the protocol engine. The bus is reached through a TCP serial bridge,
// a local serial adaptor or a websocket relay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

var (
	// ErrTimeout is returned by Read when the read deadline passes with no
	// data. It is not a connection failure.
	ErrTimeout = errors.New("transport: read timeout")

	// ErrConnectionLost matches every *TransportError
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport: closed")
)

// Conn is an open byte stream to the bus
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Dialer opens connections to one configured endpoint
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

// TransportError is a socket level failure. The connection must be
// dropped and redialled.
type TransportError struct {
	Op        string // dial, read, write
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrConnectionLost so callers need not know the concrete type
func (e *TransportError) Is(target error) bool {
	return target == ErrConnectionLost
}

// IsTimeout reports whether err is a read deadline expiry
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// normalizedConn maps the errors of an underlying connection onto
// ErrTimeout and *TransportError
type normalizedConn struct {
	Conn
	name string
}

// Wrap adapts any deadline-capable stream, such as one end of net.Pipe,
// to report errors the way the dialers in this package do
func Wrap(c Conn, name string) Conn {
	return &normalizedConn{Conn: c, name: name}
}

func (c *normalizedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		return n, c.mapError("read", err)
	}
	return n, nil
}

func (c *normalizedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		return n, c.mapError("write", err)
	}
	return n, nil
}

func (c *normalizedConn) mapError(op string, err error) error {
	if IsTimeout(err) {
		return ErrTimeout
	}
	return &TransportError{Op: op, Transport: c.name, Err: err}
}

func dialError(name string, err error) error {
	return &TransportError{Op: "dial", Transport: name, Err: err}
}
