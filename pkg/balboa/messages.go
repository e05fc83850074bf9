// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Header carries the routing fields every message is framed with
type Header struct {
	Channel   uint8
	PF        uint8
	Timestamp time.Time
}

// FrameHeader returns the routing fields
func (h Header) FrameHeader() Header {
	return h
}

// Message is a decoded frame. The concrete type is one of the variants
// below; unrecognised types decode to *Unknown.
//
// MarshalPayload rebuilds the payload from the typed fields. Bytes a
// variant does not model are carried over from the decoded frame, so
// decoding and re-encoding a frame reproduces it exactly.
type Message interface {
	Type() uint8
	FrameHeader() Header
	MarshalPayload() []byte
}

// Payload sizes. Min is what decoding requires, default is what a freshly
// constructed message encodes to.
const (
	statusMinPayload     = 21
	statusPayloadSize    = 24
	configMinPayload     = 5
	configPayloadSize    = 6
	setupMinPayload      = 8
	setupPayloadSize     = 9
	sysInfoMinPayload    = 21
	modIdentMinPayload   = 25
	faultLogMinPayload   = 10
	filterMinPayload     = 8
	setTempAckMinPayload = 1
	modelNameOffset      = 4
	modelNameLength      = 8
)

// Decode maps a validated frame to its message variant
func Decode(f *Frame) (Message, error) {
	h := Header{Channel: f.Channel, PF: f.PF, Timestamp: f.Timestamp}
	p := f.Payload

	var err error
	switch f.Type {
	case MsgStatusUpdate:
		if err = requirePayload(f, statusMinPayload); err == nil {
			return decodeStatusUpdate(h, p), nil
		}
	case MsgDeviceConfiguration:
		if err = requirePayload(f, configMinPayload); err == nil {
			return decodeConfigurationInfo(h, p), nil
		}
	case MsgSetupParameters:
		if err = requirePayload(f, setupMinPayload); err == nil {
			return decodeSetupParameters(h, p), nil
		}
	case MsgSystemInformation:
		if err = requirePayload(f, sysInfoMinPayload); err == nil {
			return decodeSystemInformation(h, p), nil
		}
	case MsgModuleIdentResponse:
		if err = requirePayload(f, modIdentMinPayload); err == nil {
			return decodeModuleIdentification(h, p), nil
		}
	case MsgFaultLog:
		if err = requirePayload(f, faultLogMinPayload); err == nil {
			return decodeFaultLog(h, p), nil
		}
	case MsgFilterCycles:
		if err = requirePayload(f, filterMinPayload); err == nil {
			return decodeFilterCycleInfo(h, p), nil
		}
	case MsgSetTemperature:
		if err = requirePayload(f, setTempAckMinPayload); err == nil {
			return &SetTemperatureAck{Header: h, Raw: p[0], raw: clone(p)}, nil
		}
	case MsgNewClientClearToSend, MsgChannelAssignmentRequest, MsgChannelAssignmentResp,
		MsgChannelAssignmentAck, MsgExistingClientRequest, MsgExistingClientResponse,
		MsgClearToSend, MsgNothingToSend:
		return &ChannelControl{Header: h, Kind: f.Type, Payload: clone(p)}, nil
	case MsgControlRequest, MsgSetTime, MsgPanelRequest, MsgSetTemperatureScale:
		return &Request{Header: h, MsgType: f.Type, Payload: clone(p)}, nil
	default:
		return &Unknown{Header: h, MsgType: f.Type, Payload: clone(p)}, nil
	}
	return nil, err
}

// ============================================================
// Status Update (0x13)
// ============================================================

// StatusUpdate is broadcast by the controller several times a second.
// Dialect records which layout it was decoded from.
type StatusUpdate struct {
	Header
	Dialect        Dialect
	SpaState       uint8
	InitMode       uint8
	CurrentTempRaw uint8 // TempUnknown when not measured
	Hour           uint8
	Minute         uint8
	HeatMode       HeatMode
	Scale          Scale
	Clock24h       bool
	FilterMode     uint8 // bit 0 cycle 1 running, bit 1 cycle 2 running
	HeatState      HeatState
	TempRange      TempRange
	Pumps          [MaxPumps]uint8 // 0 off, 1 low, 2 high
	CircPump       bool
	Blower         uint8
	Lights         [MaxLights]bool
	Mister         bool
	Aux            [2]bool
	TargetTempRaw  uint8

	// Jacuzzi only
	Day       uint8
	Month     uint8
	Year      uint8 // years since 2000
	ErrorCode uint8

	raw []byte
}

func (s *StatusUpdate) Type() uint8 { return s.Dialect.StatusType() }

// CurrentTemperature returns the water temperature in Celsius, if known
func (s *StatusUpdate) CurrentTemperature() (float64, bool) {
	if s.CurrentTempRaw == TempUnknown {
		return 0, false
	}
	return RawToCelsius(s.CurrentTempRaw, s.Scale), true
}

// TargetTemperature returns the set point in Celsius
func (s *StatusUpdate) TargetTemperature() float64 {
	return RawToCelsius(s.TargetTempRaw, s.Scale)
}

func decodeStatusUpdate(h Header, p []byte) *StatusUpdate {
	s := &StatusUpdate{
		Header:         h,
		SpaState:       p[0],
		InitMode:       p[1],
		CurrentTempRaw: p[2],
		Hour:           p[3],
		Minute:         p[4],
		HeatMode:       HeatMode(p[5] & 0x03),
		Scale:          Scale(p[9] & 0x01),
		Clock24h:       p[9]&0x02 != 0,
		FilterMode:     (p[9] & 0x0C) >> 2,
		HeatState:      HeatState((p[10] & 0x30) >> 4),
		TempRange:      TempRange((p[10] & 0x04) >> 2),
		CircPump:       p[13]&0x02 != 0,
		Blower:         (p[13] & 0x0C) >> 2,
		Mister:         p[15]&0x01 != 0,
		TargetTempRaw:  p[20],
		raw:            clone(p),
	}
	for i := 0; i < 4; i++ {
		s.Pumps[i] = (p[11] >> (i * 2)) & 0x03
	}
	for i := 4; i < MaxPumps; i++ {
		s.Pumps[i] = (p[12] >> ((i - 4) * 2)) & 0x03
	}
	for i := 0; i < MaxLights; i++ {
		s.Lights[i] = (p[14]>>(i*2))&0x02 != 0
	}
	s.Aux[0] = p[15]&0x08 != 0
	s.Aux[1] = p[15]&0x10 != 0
	return s
}

func (s *StatusUpdate) MarshalPayload() []byte {
	if s.Dialect == DialectJacuzzi {
		return s.marshalJacuzzi()
	}
	p := basePayload(s.raw, statusPayloadSize)
	p[0] = s.SpaState
	p[1] = s.InitMode
	p[2] = s.CurrentTempRaw
	p[3] = s.Hour
	p[4] = s.Minute
	p[5] = p[5]&^0x03 | uint8(s.HeatMode)&0x03
	p[9] = p[9]&^0x0F | uint8(s.Scale)&0x01 | bit(s.Clock24h)<<1 | (s.FilterMode&0x03)<<2
	p[10] = p[10]&^0x34 | (uint8(s.HeatState)&0x03)<<4 | (uint8(s.TempRange)&0x01)<<2

	p[11] = 0
	for i := 0; i < 4; i++ {
		p[11] |= (s.Pumps[i] & 0x03) << (i * 2)
	}
	p[12] &^= 0x0F
	for i := 4; i < MaxPumps; i++ {
		p[12] |= (s.Pumps[i] & 0x03) << ((i - 4) * 2)
	}

	p[13] = p[13]&^0x0E | bit(s.CircPump)<<1 | (s.Blower&0x03)<<2
	p[14] = p[14]&^0x0A | bit(s.Lights[0])<<1 | bit(s.Lights[1])<<3
	p[15] = p[15]&^0x19 | bit(s.Mister) | bit(s.Aux[0])<<3 | bit(s.Aux[1])<<4
	p[20] = s.TargetTempRaw
	return p
}

// ============================================================
// Device Configuration (0x2E)
// ============================================================

// ConfigurationInfo lists the equipment fitted to the spa. Pump and light
// values count the speeds available in addition to off.
type ConfigurationInfo struct {
	Header
	Pumps    [MaxPumps]uint8
	Lights   [MaxLights]uint8
	CircPump bool
	Blower   uint8
	Mister   uint8
	Aux      [2]bool

	raw []byte
}

func (*ConfigurationInfo) Type() uint8 { return MsgDeviceConfiguration }

// HasPump reports whether pump n (0-based) is fitted
func (c *ConfigurationInfo) HasPump(n int) bool {
	return n >= 0 && n < MaxPumps && c.Pumps[n] > 0
}

// HasLight reports whether light n (0-based) is fitted
func (c *ConfigurationInfo) HasLight(n int) bool {
	return n >= 0 && n < MaxLights && c.Lights[n] > 0
}

func decodeConfigurationInfo(h Header, p []byte) *ConfigurationInfo {
	c := &ConfigurationInfo{
		Header:   h,
		CircPump: p[3]&0x80 != 0,
		Blower:   p[3] & 0x03,
		Mister:   (p[4] & 0x30) >> 4,
		raw:      clone(p),
	}
	for i := 0; i < 4; i++ {
		c.Pumps[i] = (p[0] >> (i * 2)) & 0x03
	}
	c.Pumps[4] = p[1] & 0x03
	c.Pumps[5] = (p[1] & 0xC0) >> 6
	c.Lights[0] = p[2] & 0x03
	c.Lights[1] = (p[2] >> 2) & 0x03
	c.Aux[0] = p[4]&0x01 != 0
	c.Aux[1] = p[4]&0x02 != 0
	return c
}

func (c *ConfigurationInfo) MarshalPayload() []byte {
	p := basePayload(c.raw, configPayloadSize)
	p[0] = 0
	for i := 0; i < 4; i++ {
		p[0] |= (c.Pumps[i] & 0x03) << (i * 2)
	}
	p[1] = p[1]&^0xC3 | c.Pumps[4]&0x03 | (c.Pumps[5]&0x03)<<6
	p[2] = p[2]&^0x0F | c.Lights[0]&0x03 | (c.Lights[1]&0x03)<<2
	p[3] = p[3]&^0x83 | bit(c.CircPump)<<7 | c.Blower&0x03
	p[4] = p[4]&^0x33 | (c.Mister&0x03)<<4 | bit(c.Aux[0]) | bit(c.Aux[1])<<1
	return p
}

// ============================================================
// Setup Parameters (0x25)
// ============================================================

// SetupParameters carries the set point limits. Limits are always
// reported in Fahrenheit regardless of the display scale.
type SetupParameters struct {
	Header
	LowRangeMinF  uint8
	LowRangeMaxF  uint8
	HighRangeMinF uint8
	HighRangeMaxF uint8
	PumpMask      uint8

	raw []byte
}

func (*SetupParameters) Type() uint8 { return MsgSetupParameters }

// Bounds returns the set point limits for a range in Celsius
func (s *SetupParameters) Bounds(r TempRange) (lo, hi float64) {
	if r == TempRangeHigh {
		return FahrenheitToHalfCelsius(s.HighRangeMinF), FahrenheitToHalfCelsius(s.HighRangeMaxF)
	}
	return FahrenheitToHalfCelsius(s.LowRangeMinF), FahrenheitToHalfCelsius(s.LowRangeMaxF)
}

// PumpCount returns the number of pumps in the pump mask
func (s *SetupParameters) PumpCount() int {
	n := 0
	for i := 0; i < MaxPumps; i++ {
		if s.PumpMask&(1<<i) != 0 {
			n++
		}
	}
	return n
}

func decodeSetupParameters(h Header, p []byte) *SetupParameters {
	return &SetupParameters{
		Header:        h,
		LowRangeMinF:  p[2],
		LowRangeMaxF:  p[3],
		HighRangeMinF: p[4],
		HighRangeMaxF: p[5],
		PumpMask:      p[7],
		raw:           clone(p),
	}
}

func (s *SetupParameters) MarshalPayload() []byte {
	p := basePayload(s.raw, setupPayloadSize)
	p[2] = s.LowRangeMinF
	p[3] = s.LowRangeMaxF
	p[4] = s.HighRangeMinF
	p[5] = s.HighRangeMaxF
	p[7] = s.PumpMask
	return p
}

// ============================================================
// System Information (0x24)
// ============================================================

// SystemInformation identifies the controller board and its firmware
type SystemInformation struct {
	Header
	SSID            [2]uint8
	Version         [2]uint8
	Model           string
	Setup           uint8
	ConfigSignature uint32
	Voltage         uint8
	HeaterType      uint8
	DipSwitch       uint16

	raw []byte
}

func (*SystemInformation) Type() uint8 { return MsgSystemInformation }

// SoftwareVersion returns the firmware version, e.g. "20.0"
func (s *SystemInformation) SoftwareVersion() string {
	return fmt.Sprintf("%d.%d", s.Version[0], s.Version[1])
}

// SSIDString returns the identifier the controller shows on its panel
func (s *SystemInformation) SSIDString() string {
	return fmt.Sprintf("M%d_%d V%s", s.SSID[0], s.SSID[1], s.SoftwareVersion())
}

// Is240V reports whether the heater is wired for 240V
func (s *SystemInformation) Is240V() bool {
	return s.Voltage == 0x01
}

// StandardHeater reports whether the standard heater type is fitted
func (s *SystemInformation) StandardHeater() bool {
	return s.HeaterType == 0x0A
}

func decodeSystemInformation(h Header, p []byte) *SystemInformation {
	model := string(p[modelNameOffset : modelNameOffset+modelNameLength])
	return &SystemInformation{
		Header:          h,
		SSID:            [2]uint8{p[0], p[1]},
		Version:         [2]uint8{p[2], p[3]},
		Model:           strings.TrimRight(model, " \x00"),
		Setup:           p[12],
		ConfigSignature: uint32(p[13])<<24 | uint32(p[14])<<16 | uint32(p[15])<<8 | uint32(p[16]),
		Voltage:         p[17],
		HeaterType:      p[18],
		DipSwitch:       uint16(p[19])<<8 | uint16(p[20]),
		raw:             clone(p),
	}
}

func (s *SystemInformation) MarshalPayload() []byte {
	p := basePayload(s.raw, sysInfoMinPayload)
	p[0], p[1] = s.SSID[0], s.SSID[1]
	p[2], p[3] = s.Version[0], s.Version[1]

	name := p[modelNameOffset : modelNameOffset+modelNameLength]
	if strings.TrimRight(string(name), " \x00") != s.Model {
		for i := range name {
			name[i] = ' '
		}
		copy(name, s.Model)
	}

	p[12] = s.Setup
	p[13] = uint8(s.ConfigSignature >> 24)
	p[14] = uint8(s.ConfigSignature >> 16)
	p[15] = uint8(s.ConfigSignature >> 8)
	p[16] = uint8(s.ConfigSignature)
	p[17] = s.Voltage
	p[18] = s.HeaterType
	p[19] = uint8(s.DipSwitch >> 8)
	p[20] = uint8(s.DipSwitch)
	return p
}

// ============================================================
// Module Identification (0x94)
// ============================================================

// ModuleIdentification is the WiFi module's answer to an ident request
type ModuleIdentification struct {
	Header
	MAC      [6]byte
	DeviceID [16]byte

	raw []byte
}

func (*ModuleIdentification) Type() uint8 { return MsgModuleIdentResponse }

// MACString formats the MAC address as colon separated hex
func (m *ModuleIdentification) MACString() string {
	parts := make([]string, len(m.MAC))
	for i, b := range m.MAC {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// DeviceIDString formats the cloud device id as four dash separated groups
func (m *ModuleIdentification) DeviceIDString() string {
	id := m.DeviceID[:]
	return strings.ToUpper(fmt.Sprintf("%s-%s-%s-%s",
		hex.EncodeToString(id[0:4]), hex.EncodeToString(id[4:8]),
		hex.EncodeToString(id[8:12]), hex.EncodeToString(id[12:16])))
}

func decodeModuleIdentification(h Header, p []byte) *ModuleIdentification {
	m := &ModuleIdentification{Header: h, raw: clone(p)}
	copy(m.MAC[:], p[3:9])
	copy(m.DeviceID[:], p[9:25])
	return m
}

func (m *ModuleIdentification) MarshalPayload() []byte {
	p := basePayload(m.raw, modIdentMinPayload)
	copy(p[3:9], m.MAC[:])
	copy(p[9:25], m.DeviceID[:])
	return p
}

// ============================================================
// Fault Log (0x28)
// ============================================================

// FaultLog is one entry of the controller's fault history
type FaultLog struct {
	Header
	EntryCount  uint8
	EntryNumber uint8
	Code        uint8
	DaysAgo     uint8
	Hour        uint8
	Minute      uint8
	Flags       uint8
	SetTempRaw  uint8
	SensorARaw  uint8
	SensorBRaw  uint8

	raw []byte
}

func (*FaultLog) Type() uint8 { return MsgFaultLog }

// Description returns the panel text for the fault code
func (f *FaultLog) Description() string {
	return FaultDescription(f.Code)
}

// HeatMode returns the heat mode recorded with the fault
func (f *FaultLog) HeatMode() HeatMode {
	return HeatMode(f.Flags & 0x03)
}

func decodeFaultLog(h Header, p []byte) *FaultLog {
	return &FaultLog{
		Header:      h,
		EntryCount:  p[0],
		EntryNumber: p[1],
		Code:        p[2],
		DaysAgo:     p[3],
		Hour:        p[4],
		Minute:      p[5],
		Flags:       p[6],
		SetTempRaw:  p[7],
		SensorARaw:  p[8],
		SensorBRaw:  p[9],
		raw:         clone(p),
	}
}

func (f *FaultLog) MarshalPayload() []byte {
	p := basePayload(f.raw, faultLogMinPayload)
	p[0] = f.EntryCount
	p[1] = f.EntryNumber
	p[2] = f.Code
	p[3] = f.DaysAgo
	p[4] = f.Hour
	p[5] = f.Minute
	p[6] = f.Flags
	p[7] = f.SetTempRaw
	p[8] = f.SensorARaw
	p[9] = f.SensorBRaw
	return p
}

var faultDescriptions = map[uint8]string{
	15: "Sensors are out of sync",
	16: "The water flow is low",
	17: "The water flow has failed",
	18: "The settings have been reset",
	19: "Priming mode",
	20: "The clock has failed",
	21: "The settings have been reset",
	22: "Program memory failure",
	26: "Sensors are out of sync -- call for service",
	27: "The heater is dry",
	28: "The heater may be dry",
	29: "The water is too hot",
	30: "The heater is too hot",
	31: "Sensor A fault",
	32: "Sensor B fault",
	34: "A pump may be stuck on",
	35: "Hot fault",
	36: "The GFCI test failed",
	37: "Standby mode (hold mode)",
}

// FaultDescription returns the panel text for a fault code
func FaultDescription(code uint8) string {
	if d, ok := faultDescriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("Unknown fault %d", code)
}

// ============================================================
// Filter Cycles (0x23)
// ============================================================

// FilterCycle is one scheduled filtration window
type FilterCycle struct {
	StartHour       uint8
	StartMinute     uint8
	DurationHours   uint8
	DurationMinutes uint8
}

// Duration returns the length of the cycle
func (c FilterCycle) Duration() time.Duration {
	return time.Duration(c.DurationHours)*time.Hour + time.Duration(c.DurationMinutes)*time.Minute
}

// FilterCycleInfo carries both filter cycle schedules
type FilterCycleInfo struct {
	Header
	Cycle1        FilterCycle
	Cycle2        FilterCycle
	Cycle2Enabled bool

	raw []byte
}

func (*FilterCycleInfo) Type() uint8 { return MsgFilterCycles }

func decodeFilterCycleInfo(h Header, p []byte) *FilterCycleInfo {
	return &FilterCycleInfo{
		Header:        h,
		Cycle1:        FilterCycle{p[0], p[1], p[2], p[3]},
		Cycle2:        FilterCycle{p[4] & 0x7F, p[5], p[6], p[7]},
		Cycle2Enabled: p[4]&0x80 != 0,
		raw:           clone(p),
	}
}

func (f *FilterCycleInfo) MarshalPayload() []byte {
	p := basePayload(f.raw, filterMinPayload)
	p[0], p[1], p[2], p[3] = f.Cycle1.StartHour, f.Cycle1.StartMinute, f.Cycle1.DurationHours, f.Cycle1.DurationMinutes
	p[4] = f.Cycle2.StartHour&0x7F | bit(f.Cycle2Enabled)<<7
	p[5], p[6], p[7] = f.Cycle2.StartMinute, f.Cycle2.DurationHours, f.Cycle2.DurationMinutes
	return p
}

// ============================================================
// Set Temperature (0x20)
// ============================================================

// SetTemperatureAck is a set point request seen on the bus. It is sent by
// clients, not the controller, so it confirms nothing; only a status update
// reporting the new target does. The value is in the controller's current
// scale, which the frame does not carry.
type SetTemperatureAck struct {
	Header
	Raw uint8

	raw []byte
}

func (*SetTemperatureAck) Type() uint8 { return MsgSetTemperature }

// Celsius converts the accepted set point using the given scale
func (a *SetTemperatureAck) Celsius(scale Scale) float64 {
	return RawToCelsius(a.Raw, scale)
}

func (a *SetTemperatureAck) MarshalPayload() []byte {
	p := basePayload(a.raw, setTempAckMinPayload)
	p[0] = a.Raw
	return p
}

// ============================================================
// Channel management (0x00-0x07)
// ============================================================

// ChannelControl is bus arbitration traffic between the controller and
// its clients. Kind is the message type.
type ChannelControl struct {
	Header
	Kind    uint8
	Payload []byte
}

func (c *ChannelControl) Type() uint8 { return c.Kind }

func (c *ChannelControl) MarshalPayload() []byte { return clone(c.Payload) }

// AssignedChannel returns the channel granted by an assignment response
func (c *ChannelControl) AssignedChannel() (uint8, bool) {
	if c.Kind != MsgChannelAssignmentResp || len(c.Payload) < 1 {
		return 0, false
	}
	return c.Payload[0], true
}

// ============================================================
// Requests and unknown traffic
// ============================================================

// Request is a client command seen on the bus
type Request struct {
	Header
	MsgType uint8
	Payload []byte
}

func (r *Request) Type() uint8 { return r.MsgType }

func (r *Request) MarshalPayload() []byte { return clone(r.Payload) }

// ControlItem returns the toggled item of a control request
func (r *Request) ControlItem() (ControlItem, bool) {
	if r.MsgType != MsgControlRequest || len(r.Payload) < 1 {
		return 0, false
	}
	return ControlItem(r.Payload[0]), true
}

// PanelRequest returns the requested panel page of a panel request
func (r *Request) PanelRequest() (PanelRequest, bool) {
	var pr PanelRequest
	if r.MsgType != MsgPanelRequest || len(r.Payload) < len(pr) {
		return pr, false
	}
	copy(pr[:], r.Payload)
	return pr, true
}

// Unknown preserves a message type this package does not model
type Unknown struct {
	Header
	MsgType uint8
	Payload []byte
}

func (u *Unknown) Type() uint8 { return u.MsgType }

func (u *Unknown) MarshalPayload() []byte { return clone(u.Payload) }

// ============================================================
// Helpers
// ============================================================

func clone(p []byte) []byte {
	if p == nil {
		return nil
	}
	return append(make([]byte, 0, len(p)), p...)
}

// basePayload returns a writable copy of the decoded payload, or a zeroed
// payload of the default size for constructed messages.
func basePayload(raw []byte, size int) []byte {
	if len(raw) > 0 {
		return clone(raw)
	}
	return make([]byte, size)
}

func bit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
