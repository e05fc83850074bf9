// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultTCPPort is the port of the spa WiFi module's serial bridge
	DefaultTCPPort = 4257

	defaultDialTimeout = 6 * time.Second
)

// TCPDialer connects to a TCP serial bridge. The bridge forwards the bus
// bytes verbatim with no framing of its own.
type TCPDialer struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

// NewTCPDialer creates a dialer, applying the default port when port is 0
func NewTCPDialer(host string, port int) *TCPDialer {
	if port == 0 {
		port = DefaultTCPPort
	}
	return &TCPDialer{Host: host, Port: port, DialTimeout: defaultDialTimeout}
}

func (d *TCPDialer) address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d *TCPDialer) String() string {
	return "tcp://" + d.address()
}

// Dial opens the connection
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Host == "" {
		return nil, dialError("tcp", errors.New("host is empty"))
	}

	dialer := net.Dialer{Timeout: d.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.address())
	if err != nil {
		return nil, dialError("tcp", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Commands are a handful of bytes and timing sensitive
		_ = tcp.SetNoDelay(true)
	}
	return Wrap(conn, "tcp"), nil
}
