// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import "time"

// Frame is one checksum-valid unit of the wire protocol
type Frame struct {
	Channel   uint8
	PF        uint8
	Type      uint8
	Payload   []byte
	Timestamp time.Time
}

// NewFrame creates a frame stamped with the current time
func NewFrame(channel, pf, msgType uint8, payload []byte) *Frame {
	return &Frame{
		Channel:   channel,
		PF:        pf,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Length returns the LEN byte value for this frame
func (f *Frame) Length() uint8 {
	return uint8(len(f.Payload) + MinFrameLength)
}

// WireSize returns the number of bytes the frame occupies on the bus
func (f *Frame) WireSize() int {
	return len(f.Payload) + MinFrameLength + frameOverhead
}

// IsBroadcast returns true if the frame is addressed to every listener
func (f *Frame) IsBroadcast() bool {
	return f.Channel == ChannelBroadcast
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := *f
	c.Payload = append([]byte(nil), f.Payload...)
	return &c
}
