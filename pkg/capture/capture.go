// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records bus frames to a file and plays them back.
//
// A capture is a CBOR sequence: one Header followed by any number of
// Records. Each record holds a complete wire frame, so a capture can be
// fed back through the frame decoder exactly as it was received.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/fxamacker/cbor/v2"
)

// Magic identifies a capture file
const Magic = "spalink-capture"

// Version is the record layout written by this package
const Version = 1

// ErrNotCapture is returned when a file does not start with a capture header
var ErrNotCapture = errors.New("capture: not a capture file")

// Header opens every capture
type Header struct {
	Magic   string `cbor:"1,keyasint"`
	Version uint   `cbor:"2,keyasint"`
	Source  string `cbor:"3,keyasint,omitempty"`
	Started int64  `cbor:"4,keyasint"` // unix nanoseconds
}

// Record is one frame seen on the bus
type Record struct {
	Time int64  `cbor:"1,keyasint"` // unix nanoseconds
	Sent bool   `cbor:"2,keyasint,omitempty"`
	Wire []byte `cbor:"3,keyasint"`
}

// Timestamp returns the record time
func (r *Record) Timestamp() time.Time {
	return time.Unix(0, r.Time)
}

// Frame decodes the stored wire bytes
func (r *Record) Frame() (*balboa.Frame, error) {
	d := balboa.NewDecoder()
	d.Feed(r.Wire, r.Timestamp())
	f, err := d.Next()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("capture: incomplete frame (%d bytes)", len(r.Wire))
	}
	return f, nil
}

// ============================================================
// Writer
// ============================================================

// Writer appends records. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	buf   *bufio.Writer
	enc   *cbor.Encoder
	count int
}

// NewWriter writes the header and returns a writer for the records
func NewWriter(w io.Writer, source string, started time.Time) (*Writer, error) {
	buf := bufio.NewWriter(w)
	enc := cbor.NewEncoder(buf)
	h := Header{Magic: Magic, Version: Version, Source: source, Started: started.UnixNano()}
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Writer{buf: buf, enc: enc}, nil
}

// WriteFrame records a frame. The frame's timestamp is used; a zero
// timestamp records the current time.
func (w *Writer) WriteFrame(f *balboa.Frame, sent bool) error {
	wire, err := balboa.EncodeFrame(f)
	if err != nil {
		return err
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(Record{Time: ts.UnixNano(), Sent: sent, Wire: wire}); err != nil {
		return fmt.Errorf("capture: write record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Flush writes buffered records to the underlying writer
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// ============================================================
// Reader
// ============================================================

// Reader iterates over the records of a capture
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the header
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(bufio.NewReader(r))
	var h Header
	if err := dec.Decode(&h); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNotCapture
		}
		return nil, fmt.Errorf("%w: %v", ErrNotCapture, err)
	}
	if h.Magic != Magic {
		return nil, ErrNotCapture
	}
	if h.Version != Version {
		return nil, fmt.Errorf("capture: unsupported version %d", h.Version)
	}
	return &Reader{dec: dec, header: h}, nil
}

// Header returns the capture header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF after the last one
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("capture: read record: %w", err)
	}
	return &rec, nil
}
