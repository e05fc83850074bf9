// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"bytes"
	"time"
)

// Decoder extracts frames from a byte stream.
//
// Bytes are buffered with Write and frames are pulled with Next. A candidate
// that fails length, marker or CRC validation is dropped by skipping to the
// next marker after its start, so a valid frame that follows is never lost.
type Decoder struct {
	buf         []byte
	lastByte    time.Time
	idleTimeout time.Duration
	discarded   uint64
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{idleTimeout: DefaultIdleTimeout}
}

// SetIdleTimeout changes how long a partial frame may wait for its remaining bytes
func (d *Decoder) SetIdleTimeout(timeout time.Duration) {
	d.idleTimeout = timeout
}

// Write buffers bytes received at the current time. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.Feed(p, time.Now())
	return len(p), nil
}

// Feed buffers bytes received at the given time
func (d *Decoder) Feed(p []byte, now time.Time) {
	if len(p) == 0 {
		return
	}
	d.buf = append(d.buf, p...)
	d.lastByte = now
}

// Buffered returns the number of bytes waiting to be decoded
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Discarded returns the total number of bytes dropped as noise or corruption
func (d *Decoder) Discarded() uint64 {
	return d.discarded
}

// Reset drops all buffered bytes
func (d *Decoder) Reset() {
	d.discarded += uint64(len(d.buf))
	d.buf = d.buf[:0]
}

// Next returns the next complete frame. It returns (nil, nil) when more
// bytes are needed and a *CorruptFrameError when a candidate was rejected;
// decoding may continue after an error.
func (d *Decoder) Next() (*Frame, error) {
	for {
		start := bytes.IndexByte(d.buf, Marker)
		if start < 0 {
			d.drop(len(d.buf))
			return nil, nil
		}
		d.drop(start)

		if len(d.buf) < 2 {
			return nil, nil
		}

		length := d.buf[1]
		if length == Marker {
			// The first marker closed an earlier frame
			d.drop(1)
			continue
		}
		if length < MinFrameLength || length > MaxFrameLength {
			n := d.resync()
			return nil, &CorruptFrameError{Reason: CorruptLength, Length: length, Discarded: n}
		}

		total := int(length) + frameOverhead
		if len(d.buf) < total {
			return nil, nil
		}

		if d.buf[total-1] != Marker {
			n := d.resync()
			return nil, &CorruptFrameError{Reason: CorruptFraming, Length: length, Discarded: n}
		}

		expected := CalculateCRC(d.buf[1:length])
		received := d.buf[length]
		if expected != received {
			n := d.resync()
			return nil, &CorruptFrameError{
				Reason:    CorruptChecksum,
				Length:    length,
				Expected:  expected,
				Received:  received,
				Discarded: n,
			}
		}

		frame := &Frame{
			Channel:   d.buf[2],
			PF:        d.buf[3],
			Type:      d.buf[4],
			Payload:   append([]byte(nil), d.buf[5:length]...),
			Timestamp: d.lastByte,
		}
		d.buf = d.buf[total:]
		return frame, nil
	}
}

// Expire drops a partial frame once no byte has arrived for the idle
// timeout. It returns a *CorruptFrameError when something was dropped.
// Bytes after the stale start marker are kept and rescanned.
func (d *Decoder) Expire(now time.Time) error {
	if len(d.buf) == 0 || d.idleTimeout <= 0 {
		return nil
	}
	if now.Sub(d.lastByte) < d.idleTimeout {
		return nil
	}
	var length uint8
	if len(d.buf) > 1 {
		length = d.buf[1]
	}
	if d.buf[0] != Marker {
		n := len(d.buf)
		d.drop(n)
		return &CorruptFrameError{Reason: CorruptTruncated, Discarded: n}
	}
	n := d.resync()
	return &CorruptFrameError{Reason: CorruptTruncated, Length: length, Discarded: n}
}

// resync drops the current start marker and everything up to the next one
func (d *Decoder) resync() int {
	next := bytes.IndexByte(d.buf[1:], Marker)
	n := len(d.buf)
	if next >= 0 {
		n = next + 1
	}
	d.drop(n)
	return n
}

func (d *Decoder) drop(n int) {
	if n <= 0 {
		return
	}
	d.discarded += uint64(n)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}
