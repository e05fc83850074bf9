// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptFrame matches every *CorruptFrameError
	ErrCorruptFrame = errors.New("corrupt frame")

	// ErrMalformedPayload matches every *MalformedPayloadError
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrPayloadTooLarge is returned when encoding a frame that cannot fit
	ErrPayloadTooLarge = errors.New("payload too large")
)

// CorruptReason says why bytes were rejected by the decoder
type CorruptReason uint8

const (
	CorruptLength CorruptReason = iota + 1
	CorruptFraming
	CorruptChecksum
	CorruptTruncated
)

func (r CorruptReason) String() string {
	switch r {
	case CorruptLength:
		return "invalid length"
	case CorruptFraming:
		return "missing end marker"
	case CorruptChecksum:
		return "CRC mismatch"
	case CorruptTruncated:
		return "truncated"
	}
	return "unknown"
}

// CorruptFrameError describes a rejected frame candidate. The decoder has
// already resynchronised when it is returned.
type CorruptFrameError struct {
	Reason    CorruptReason
	Length    uint8 // LEN byte of the candidate
	Expected  uint8 // CRC computed over the candidate
	Received  uint8 // CRC found on the wire
	Discarded int   // bytes dropped while resynchronising
}

func (e *CorruptFrameError) Error() string {
	switch e.Reason {
	case CorruptChecksum:
		return fmt.Sprintf("CRC mismatch: expected 0x%02X, got 0x%02X (len=%d)", e.Expected, e.Received, e.Length)
	case CorruptLength:
		return fmt.Sprintf("invalid length byte 0x%02X (valid %d-%d)", e.Length, MinFrameLength, MaxFrameLength)
	default:
		return fmt.Sprintf("corrupt frame: %s (len=%d, discarded %d bytes)", e.Reason, e.Length, e.Discarded)
	}
}

func (e *CorruptFrameError) Is(target error) bool {
	return target == ErrCorruptFrame
}

// MalformedPayloadError is returned when a known message type carries
// fewer payload bytes than its layout requires.
type MalformedPayloadError struct {
	Type     uint8
	Received int
	Required int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("%s (0x%02X): payload %d bytes, need %d",
		FormatMessageType(e.Type), e.Type, e.Received, e.Required)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func requirePayload(f *Frame, n int) error {
	if len(f.Payload) < n {
		return &MalformedPayloadError{Type: f.Type, Received: len(f.Payload), Required: n}
	}
	return nil
}
