// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package balboa implements the RS485 wire protocol spoken by Balboa-family
// spa controllers and their WiFi modules.
//
// Frames are delimited by 0x7E markers and carry a one byte length, a bus
// channel, a packet format byte, a message type and a CRC-8. There is no
// byte stuffing: the length byte alone determines where a frame ends. This
// package provides stream decoding with resynchronisation, frame encoding,
// message decoding into typed variants, command builders and formatting.
package balboa

import "time"

// Protocol framing byte. The same value opens and closes every frame.
const Marker = 0x7E

// Frame size limits. Length is the value of the LEN byte, which counts
// itself, channel, PF, type, payload and CRC.
const (
	MinFrameLength = 5
	MaxFrameLength = 128
	MaxPayloadSize = MaxFrameLength - MinFrameLength
	frameOverhead  = 2 // start and end markers around LEN bytes
)

// CRC-8 configuration (poly 0x07, init 0x02, xorout 0x02)
const (
	crcPolynomial = 0x07
	crcInitial    = 0x02
	crcFinalXor   = 0x02
)

// DefaultIdleTimeout drops a partially received frame when the line goes quiet.
const DefaultIdleTimeout = 500 * time.Millisecond

// DefaultPort is the TCP port exposed by the WiFi module.
const DefaultPort = 4257

// Bus channels
const (
	ChannelWiFi        = 0x0A // WiFi module
	ChannelClientFirst = 0x10
	ChannelClientLast  = 0x2F
	ChannelUnassigned  = 0xFE // clients without a channel
	ChannelBroadcast   = 0xFF
)

// Packet format bytes
const (
	PFBroadcast = 0xAF
	PFAddressed = 0xBF
)

// Message types - bus channel management (0x00-0x07)
const (
	MsgNewClientClearToSend     = 0x00
	MsgChannelAssignmentRequest = 0x01
	MsgChannelAssignmentResp    = 0x02
	MsgChannelAssignmentAck     = 0x03
	MsgExistingClientRequest    = 0x04
	MsgExistingClientResponse   = 0x05
	MsgClearToSend              = 0x06
	MsgNothingToSend            = 0x07
)

// MsgModuleIdentRequest shares its type byte with MsgExistingClientRequest;
// the WiFi module channel tells them apart.
const MsgModuleIdentRequest = 0x04

// Message types - controller traffic
const (
	MsgControlRequest      = 0x11
	MsgStatusUpdate        = 0x13
	MsgSetTemperature      = 0x20 // outbound request and inbound acknowledgement
	MsgSetTime             = 0x21
	MsgPanelRequest        = 0x22
	MsgFilterCycles        = 0x23
	MsgSystemInformation   = 0x24
	MsgSetupParameters     = 0x25
	MsgSetTemperatureScale = 0x27
	MsgFaultLog            = 0x28
	MsgDeviceConfiguration = 0x2E
	MsgModuleIdentResponse = 0x94
)

// channelAssignmentMagic follows the assigned channel in assignment
// requests and responses.
var channelAssignmentMagic = [2]byte{0xF1, 0x73}

// ControlItem identifies a button on the virtual topside panel. A control
// request toggles the item, it never sets an absolute value.
type ControlItem uint8

const (
	ItemPump1     ControlItem = 0x04
	ItemPump2     ControlItem = 0x05
	ItemPump3     ControlItem = 0x06
	ItemPump4     ControlItem = 0x07
	ItemPump5     ControlItem = 0x08
	ItemPump6     ControlItem = 0x09
	ItemBlower    ControlItem = 0x0C
	ItemMister    ControlItem = 0x0E
	ItemLight1    ControlItem = 0x11
	ItemLight2    ControlItem = 0x12
	ItemAux1      ControlItem = 0x16
	ItemAux2      ControlItem = 0x17
	ItemTempRange ControlItem = 0x50
	ItemHeatMode  ControlItem = 0x51
)

// PanelRequest is the three byte payload of a panel (0x22) request.
type PanelRequest [3]byte

var (
	PanelDeviceConfiguration = PanelRequest{0x00, 0x00, 0x01}
	PanelFilterCycles        = PanelRequest{0x01, 0x00, 0x00}
	PanelSystemInformation   = PanelRequest{0x02, 0x00, 0x00}
	PanelSetupParameters     = PanelRequest{0x04, 0x00, 0x00}
	PanelFaultLog            = PanelRequest{0x20, 0xFF, 0x00}
)

// ResponseType returns the message type the controller answers a panel
// request with, or 0 when unknown.
func (r PanelRequest) ResponseType() uint8 {
	switch r {
	case PanelDeviceConfiguration:
		return MsgDeviceConfiguration
	case PanelFilterCycles:
		return MsgFilterCycles
	case PanelSystemInformation:
		return MsgSystemInformation
	case PanelSetupParameters:
		return MsgSetupParameters
	case PanelFaultLog:
		return MsgFaultLog
	}
	return 0
}

// MaxPumps is the number of pump slots a status update carries.
const MaxPumps = 6

// MaxLights is the number of light slots a status update carries.
const MaxLights = 2

// PumpItem returns the control item for pump n (0-based).
func PumpItem(n int) (ControlItem, bool) {
	if n < 0 || n >= MaxPumps {
		return 0, false
	}
	return ItemPump1 + ControlItem(n), true
}

// LightItem returns the control item for light n (0-based).
func LightItem(n int) (ControlItem, bool) {
	switch n {
	case 0:
		return ItemLight1, true
	case 1:
		return ItemLight2, true
	}
	return 0, false
}
