// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Thermoquad/spalink/pkg/transport"
)

// ReplayDialer plays a capture back as if it were a live bus. Only frames
// received from the bus are replayed; anything written is discarded.
type ReplayDialer struct {
	Path string
	// Speed scales the recorded gaps between frames. Zero replays as
	// fast as the reader consumes.
	Speed float64
}

func (d *ReplayDialer) String() string {
	return "replay://" + d.Path
}

// Dial opens the capture file
func (d *ReplayDialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, &transport.TransportError{Op: "dial", Transport: "replay", Err: err}
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, &transport.TransportError{Op: "dial", Transport: "replay", Err: err}
	}
	return transport.Wrap(NewReplayConn(r, f, d.Speed), "replay"), nil
}

// ReplayConn emits the inbound records of a capture with their recorded
// timing
type ReplayConn struct {
	r      *Reader
	closer io.Closer
	speed  float64

	started  time.Time // wall clock of the first record
	base     int64     // capture time of the first record
	next     *Record
	pending  []byte
	deadline time.Time

	mu     sync.Mutex
	closed bool
}

// NewReplayConn replays r. closer, if set, is closed with the connection.
func NewReplayConn(r *Reader, closer io.Closer, speed float64) *ReplayConn {
	return &ReplayConn{r: r, closer: closer, speed: speed}
}

func (c *ReplayConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *ReplayConn) Read(p []byte) (int, error) {
	if c.isClosed() {
		return 0, transport.ErrClosed
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	if c.next == nil {
		rec, err := c.nextInbound()
		if err != nil {
			return 0, err
		}
		c.next = rec
	}

	due := c.due(c.next)
	if wait := time.Until(due); wait > 0 {
		if !c.deadline.IsZero() && c.deadline.Before(due) {
			time.Sleep(time.Until(c.deadline))
			return 0, os.ErrDeadlineExceeded
		}
		time.Sleep(wait)
	}

	n := copy(p, c.next.Wire)
	c.pending = c.next.Wire[n:]
	c.next = nil
	return n, nil
}

func (c *ReplayConn) nextInbound() (*Record, error) {
	for {
		rec, err := c.r.Next()
		if err != nil {
			return nil, err
		}
		if !rec.Sent {
			return rec, nil
		}
	}
}

// due maps a record's capture time onto the wall clock
func (c *ReplayConn) due(rec *Record) time.Time {
	if c.started.IsZero() {
		c.started = time.Now()
		c.base = rec.Time
	}
	if c.speed <= 0 {
		return c.started
	}
	offset := time.Duration(float64(rec.Time-c.base) / c.speed)
	return c.started.Add(offset)
}

// Write discards commands; a recording cannot answer them
func (c *ReplayConn) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, transport.ErrClosed
	}
	return len(p), nil
}

func (c *ReplayConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *ReplayConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
