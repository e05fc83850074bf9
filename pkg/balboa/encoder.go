// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import "fmt"

// EncodeFrame creates the wire bytes for a frame, including both markers and the CRC.
func EncodeFrame(f *Frame) ([]byte, error) {
	return EncodeFrameFromValues(f.Channel, f.PF, f.Type, f.Payload)
}

// EncodeFrameFromValues creates a complete wire-formatted frame
func EncodeFrameFromValues(channel, pf, msgType uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	length := len(payload) + MinFrameLength
	out := make([]byte, length+frameOverhead)
	out[0] = Marker
	out[1] = uint8(length)
	out[2] = channel
	out[3] = pf
	out[4] = msgType
	copy(out[5:], payload)
	out[length] = CalculateCRC(out[1:length])
	out[length+1] = Marker

	return out, nil
}

// MustEncodeFrame encodes a frame and panics on error.
// Use only with frames built by this package's constructors.
func MustEncodeFrame(f *Frame) []byte {
	data, err := EncodeFrame(f)
	if err != nil {
		panic(fmt.Sprintf("failed to encode frame: %v", err))
	}
	return data
}

// EncodeMessage encodes a message, using its current field values
func EncodeMessage(m Message) ([]byte, error) {
	h := m.FrameHeader()
	return EncodeFrameFromValues(h.Channel, h.PF, m.Type(), m.MarshalPayload())
}
