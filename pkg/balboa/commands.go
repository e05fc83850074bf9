// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import "time"

// Command builders for client to controller traffic. The channel is the
// client's own bus channel: ChannelWiFi when talking through the WiFi
// module, or the channel granted by channel assignment.

// NewSetTemperature creates a set point request. raw is in the
// controller's current scale, see CelsiusToRaw.
func NewSetTemperature(channel, raw uint8) *Frame {
	return NewFrame(channel, PFAddressed, MsgSetTemperature, []byte{raw})
}

// NewControlRequest creates a request that toggles a panel item
func NewControlRequest(channel uint8, item ControlItem) *Frame {
	return NewFrame(channel, PFAddressed, MsgControlRequest, []byte{uint8(item), 0x00})
}

// NewPanelRequest asks the controller for a configuration page
func NewPanelRequest(channel uint8, req PanelRequest) *Frame {
	return NewFrame(channel, PFAddressed, MsgPanelRequest, req[:])
}

// NewModuleIdentRequest asks the WiFi module to identify itself
func NewModuleIdentRequest() *Frame {
	return NewFrame(ChannelWiFi, PFAddressed, MsgModuleIdentRequest, nil)
}

// NewSetTime sets the controller clock
func NewSetTime(channel, hour, minute uint8, clock24h bool) *Frame {
	return NewFrame(channel, PFAddressed, MsgSetTime, []byte{bit(clock24h)<<7 | hour&0x1F, minute})
}

// NewSetTemperatureScale switches the controller display scale
func NewSetTemperatureScale(channel uint8, scale Scale) *Frame {
	return NewFrame(channel, PFAddressed, MsgSetTemperatureScale, []byte{0x01, uint8(scale)})
}

// ============================================================
// Jacuzzi requests
// ============================================================

// NewJacuzziPanelRequest asks a Jacuzzi controller for a page. The
// Jacuzzi form drops the middle byte of the Balboa page.
func NewJacuzziPanelRequest(channel uint8, req PanelRequest) *Frame {
	return NewFrame(channel, PFAddressed, MsgJacuzziPanelRequest, []byte{req[0], req[2]})
}

// NewJacuzziPumpRequest presses the button of pump n (1-based)
func NewJacuzziPumpRequest(channel uint8, n int) *Frame {
	msgType := uint8(MsgJacuzziPumpRequest)
	if n > JacuzziMaxPumps {
		msgType = MsgJacuzziPumpRequestExt
	}
	return NewFrame(channel, PFAddressed, msgType, []byte{uint8(n + 3)})
}

// NewJacuzziLightRequest selects a light program. The controller only
// accepts the request with full brightness in the level field.
func NewJacuzziLightRequest(channel uint8, mode LightMode) *Frame {
	return NewFrame(channel, PFAddressed, MsgJacuzziLightRequest,
		[]byte{0x1F, uint8(mode), 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00})
}

// NewJacuzziSetTime sets the controller date and clock. Jacuzzi
// controllers always run a 24 hour clock, and ignore the request unless
// the high nibble of the month byte is set.
func NewJacuzziSetTime(channel uint8, t time.Time) *Frame {
	year := t.Year() - 2000
	if year < 0 {
		year = 0
	}
	payload := []byte{uint8(t.Month()) | 0xF0, uint8(t.Day()), uint8(year), uint8(t.Hour()), uint8(t.Minute())}
	return NewFrame(channel, PFAddressed, MsgJacuzziSetTime, payload)
}

// NewChannelAssignmentRequest asks the controller for a client channel.
// It is sent in response to a new client clear to send.
func NewChannelAssignmentRequest() *Frame {
	payload := []byte{0x02, channelAssignmentMagic[0], channelAssignmentMagic[1]}
	return NewFrame(ChannelUnassigned, PFAddressed, MsgChannelAssignmentRequest, payload)
}

// NewChannelAssignmentAck confirms a granted channel
func NewChannelAssignmentAck(channel uint8) *Frame {
	return NewFrame(channel, PFAddressed, MsgChannelAssignmentAck, nil)
}

// NewExistingClientResponse answers the controller's presence poll
func NewExistingClientResponse(channel uint8) *Frame {
	return NewFrame(channel, PFAddressed, MsgExistingClientResponse, []byte{0x04, 0x08, 0x00})
}

// NewNothingToSend yields a clear to send slot
func NewNothingToSend(channel uint8) *Frame {
	return NewFrame(channel, PFAddressed, MsgNothingToSend, nil)
}
