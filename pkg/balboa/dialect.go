// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"fmt"
	"strings"
	"time"
)

// Dialect selects the message catalog a controller speaks. Jacuzzi
// controllers run Balboa derived firmware that keeps the framing and bus
// arbitration but moves most controller traffic to other type bytes and
// reorders the status layout.
type Dialect uint8

const (
	DialectBalboa Dialect = iota
	DialectJacuzzi
)

func (d Dialect) String() string {
	switch d {
	case DialectBalboa:
		return "balboa"
	case DialectJacuzzi:
		return "jacuzzi"
	}
	return fmt.Sprintf("dialect(%d)", uint8(d))
}

// ParseDialect accepts "balboa" or "jacuzzi". An empty string selects Balboa.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balboa":
		return DialectBalboa, nil
	case "jacuzzi":
		return DialectJacuzzi, nil
	}
	return 0, fmt.Errorf("unknown dialect %q (want balboa or jacuzzi)", s)
}

// Message types - Jacuzzi controller traffic
const (
	MsgJacuzziStatusUpdate   = 0x16
	MsgJacuzziPumpRequest    = 0x17 // pumps 1-3; also sent by other panels
	MsgJacuzziSetTime        = 0x18 // date and time
	MsgJacuzziPanelRequest   = 0x19
	MsgJacuzziPumpRequestExt = 0x1A // pumps 4-6
	MsgJacuzziPrimaryFilter  = 0x1B
	MsgJacuzziSecondary      = 0x1C
	MsgJacuzziSetup          = 0x1E
	MsgJacuzziLightRequest   = 0x21
	MsgJacuzziLightStatus    = 0x23
)

// JacuzziMaxPumps is the number of pumps a Jacuzzi status update reports
const JacuzziMaxPumps = 3

// Jacuzzi names for the panel pages it answers
var (
	PanelPrimaryFiltration   = PanelFilterCycles
	PanelSecondaryFiltration = PanelSystemInformation
)

// Payload sizes of the Jacuzzi variants
const (
	jacuzziStatusMinPayload  = 15
	jacuzziStatusPayloadSize = 23
	lightStatusMinPayload    = 6
	primaryFilterMinPayload  = 3
	secondaryMinPayload      = 1
)

// Decode maps a validated frame to its message variant in this dialect.
// Types the dialect shares with Balboa decode as Balboa messages.
func (d Dialect) Decode(f *Frame) (Message, error) {
	if d != DialectJacuzzi {
		return Decode(f)
	}

	h := Header{Channel: f.Channel, PF: f.PF, Timestamp: f.Timestamp}
	p := f.Payload

	var err error
	switch f.Type {
	case MsgJacuzziStatusUpdate:
		if err = requirePayload(f, jacuzziStatusMinPayload); err == nil {
			return decodeJacuzziStatus(h, p), nil
		}
	case MsgJacuzziLightStatus:
		if err = requirePayload(f, lightStatusMinPayload); err == nil {
			return decodeLightStatus(h, p), nil
		}
	case MsgJacuzziPrimaryFilter:
		if err = requirePayload(f, primaryFilterMinPayload); err == nil {
			return decodePrimaryFiltration(h, p), nil
		}
	case MsgJacuzziSecondary:
		if err = requirePayload(f, secondaryMinPayload); err == nil {
			return &SecondaryFiltration{Header: h, Mode: SecondaryFilterMode(p[0]), raw: clone(p)}, nil
		}
	case MsgJacuzziPumpRequest, MsgJacuzziSetTime, MsgJacuzziPanelRequest,
		MsgJacuzziPumpRequestExt, MsgJacuzziLightRequest:
		return &Request{Header: h, MsgType: f.Type, Payload: clone(p)}, nil
	case MsgStatusUpdate:
		// The Balboa status layout is not broadcast here
		return &Unknown{Header: h, MsgType: f.Type, Payload: clone(p)}, nil
	default:
		return Decode(f)
	}
	return nil, err
}

// StatusType returns the type byte of status broadcasts
func (d Dialect) StatusType() uint8 {
	if d == DialectJacuzzi {
		return MsgJacuzziStatusUpdate
	}
	return MsgStatusUpdate
}

// PanelResponse returns the message type a panel request is answered
// with, or 0 when the dialect has no answer for the page.
func (d Dialect) PanelResponse(r PanelRequest) uint8 {
	if d != DialectJacuzzi {
		return r.ResponseType()
	}
	switch r {
	case PanelFilterCycles:
		return MsgJacuzziPrimaryFilter
	case PanelSystemInformation:
		return MsgJacuzziSecondary
	case PanelSetupParameters:
		return MsgJacuzziSetup
	}
	return 0
}

// FormatMessageType names a type byte in this dialect
func (d Dialect) FormatMessageType(msgType uint8) string {
	if d == DialectJacuzzi {
		switch msgType {
		case MsgJacuzziStatusUpdate:
			return "STATUS_UPDATE"
		case MsgJacuzziPumpRequest, MsgJacuzziPumpRequestExt:
			return "PUMP_REQUEST"
		case MsgJacuzziSetTime:
			return "SET_TIME"
		case MsgJacuzziPanelRequest:
			return "PANEL_REQUEST"
		case MsgJacuzziPrimaryFilter:
			return "PRIMARY_FILTRATION"
		case MsgJacuzziSecondary:
			return "SECONDARY_FILTRATION"
		case MsgJacuzziSetup:
			return "SETUP_PARAMETERS"
		case MsgJacuzziLightRequest:
			return "LIGHT_REQUEST"
		case MsgJacuzziLightStatus:
			return "LIGHT_STATUS"
		case MsgStatusUpdate:
			return "UNKNOWN"
		}
	}
	return FormatMessageType(msgType)
}

// FormatFrame formats a frame decoded in this dialect
func (d Dialect) FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] %s (0x%02X) ch=0x%02X pf=0x%02X len=%d\n",
		timestamp, d.FormatMessageType(f.Type), f.Type, f.Channel, f.PF, f.Length())

	msg, err := d.Decode(f)
	if err != nil {
		result += fmt.Sprintf("  Error: %v\n", err)
		result += fmt.Sprintf("  Payload: % X\n", f.Payload)
		return result
	}
	return result + FormatMessage(msg)
}

// ============================================================
// Jacuzzi Status Update (0x16)
// ============================================================

// Jacuzzi controllers have no temperature ranges or Rest mode; their
// status decodes with the heat mode fixed at Ready and the range at High.
func decodeJacuzziStatus(h Header, p []byte) *StatusUpdate {
	s := &StatusUpdate{
		Header:         h,
		Dialect:        DialectJacuzzi,
		Hour:           p[0],
		Minute:         p[1],
		Day:            p[2] & 0x1F,
		Month:          p[3],
		Year:           p[4],
		SpaState:       p[5] & 0x0F,
		HeatState:      HeatState((p[5] & 0x30) >> 4),
		HeatMode:       HeatModeReady,
		ErrorCode:      p[6],
		CurrentTempRaw: p[7],
		TargetTempRaw:  p[9],
		CircPump:       p[10]&0x03 != 0,
		Blower:         (p[11] & 0x0C) >> 2,
		Scale:          Scale(p[13] & 0x01),
		Clock24h:       p[13]&0x06 != 0,
		TempRange:      TempRangeHigh,
		raw:            clone(p),
	}
	if p[11]&0x30 != 0 {
		s.FilterMode |= 0x01
	}
	if p[11]&0xC0 != 0 {
		s.FilterMode |= 0x02
	}
	for i := 0; i < JacuzziMaxPumps; i++ {
		s.Pumps[i] = (p[10] >> ((i + 1) * 2)) & 0x03
	}
	for i := 0; i < MaxLights; i++ {
		s.Lights[i] = (p[14]>>(i*2))&0x02 != 0
	}
	return s
}

func (s *StatusUpdate) marshalJacuzzi() []byte {
	p := basePayload(s.raw, jacuzziStatusPayloadSize)
	p[0] = s.Hour
	p[1] = s.Minute
	p[2] = p[2]&^0x1F | s.Day&0x1F
	p[3] = s.Month
	p[4] = s.Year
	p[5] = p[5]&^0x3F | (uint8(s.HeatState)&0x03)<<4 | s.SpaState&0x0F
	p[6] = s.ErrorCode
	p[7] = s.CurrentTempRaw
	p[9] = s.TargetTempRaw

	// Two bit fields reported as on/off keep their level when unchanged
	p[10] = keepLevel(p[10], 0, s.CircPump)
	for i := 0; i < JacuzziMaxPumps; i++ {
		shift := uint((i + 1) * 2)
		p[10] = p[10]&^(0x03<<shift) | (s.Pumps[i]&0x03)<<shift
	}
	p[11] = p[11]&^0x0C | (s.Blower&0x03)<<2
	p[11] = keepLevel(p[11], 4, s.FilterMode&0x01 != 0)
	p[11] = keepLevel(p[11], 6, s.FilterMode&0x02 != 0)

	p[13] = p[13]&^0x01 | uint8(s.Scale)&0x01
	if s.Clock24h != (p[13]&0x06 != 0) {
		p[13] = p[13]&^0x06 | bit(s.Clock24h)<<1
	}
	p[14] = p[14]&^0x0A | bit(s.Lights[0])<<1 | bit(s.Lights[1])<<3
	return p
}

// keepLevel sets a two bit field to 1 when turning on, clears it when
// turning off, and leaves a non-zero level alone while on
func keepLevel(b uint8, shift uint, on bool) uint8 {
	field := (b >> shift) & 0x03
	switch {
	case !on:
		return b &^ (0x03 << shift)
	case field == 0:
		return b | 0x01<<shift
	}
	return b
}

// ============================================================
// Jacuzzi Light Status (0x23)
// ============================================================

// LightMode is the colour program of a Jacuzzi light
type LightMode uint8

const (
	LightModeOff    LightMode = 0x00
	LightModeBlue   LightMode = 0x02
	LightModeGreen  LightMode = 0x03
	LightModeOrange LightMode = 0x05
	LightModeRed    LightMode = 0x06
	LightModeViolet LightMode = 0x07
	LightModeAqua   LightMode = 0x09
	LightModeBlend  LightMode = 0x80
)

func (m LightMode) String() string {
	switch m {
	case LightModeOff:
		return "Off"
	case LightModeBlue:
		return "Blue"
	case LightModeGreen:
		return "Green"
	case LightModeOrange:
		return "Orange"
	case LightModeRed:
		return "Red"
	case LightModeViolet:
		return "Violet"
	case LightModeAqua:
		return "Aqua"
	case LightModeBlend:
		return "Blend"
	}
	return fmt.Sprintf("Mode 0x%02X", uint8(m))
}

// LightStatus reports the colour program and level of the spa light
type LightStatus struct {
	Header
	Mode       LightMode
	Brightness uint8
	Red        uint8
	Green      uint8
	Blue       uint8

	raw []byte
}

func (*LightStatus) Type() uint8 { return MsgJacuzziLightStatus }

// On reports whether the light is lit
func (l *LightStatus) On() bool {
	return l.Mode != LightModeOff
}

func decodeLightStatus(h Header, p []byte) *LightStatus {
	return &LightStatus{
		Header:     h,
		Mode:       LightMode(p[0]),
		Brightness: p[2],
		Red:        p[3],
		Green:      p[4],
		Blue:       p[5],
		raw:        clone(p),
	}
}

func (l *LightStatus) MarshalPayload() []byte {
	p := basePayload(l.raw, lightStatusMinPayload)
	p[0] = uint8(l.Mode)
	p[2] = l.Brightness
	p[3], p[4], p[5] = l.Red, l.Green, l.Blue
	return p
}

// ============================================================
// Jacuzzi Filtration (0x1B, 0x1C)
// ============================================================

// PrimaryFiltration is the primary filter schedule
type PrimaryFiltration struct {
	Header
	StartHour     uint8
	DurationHours uint8
	Frequency     uint8 // cycles per day

	raw []byte
}

func (*PrimaryFiltration) Type() uint8 { return MsgJacuzziPrimaryFilter }

// Duration returns the length of one cycle
func (f *PrimaryFiltration) Duration() time.Duration {
	return time.Duration(f.DurationHours) * time.Hour
}

func decodePrimaryFiltration(h Header, p []byte) *PrimaryFiltration {
	return &PrimaryFiltration{
		Header:        h,
		StartHour:     p[0],
		DurationHours: p[1],
		Frequency:     p[2],
		raw:           clone(p),
	}
}

func (f *PrimaryFiltration) MarshalPayload() []byte {
	p := basePayload(f.raw, primaryFilterMinPayload)
	p[0], p[1], p[2] = f.StartHour, f.DurationHours, f.Frequency
	return p
}

// SecondaryFilterMode is the secondary filtration program
type SecondaryFilterMode uint8

const (
	SecondaryHoliday SecondaryFilterMode = 0
	SecondaryLight   SecondaryFilterMode = 1
	SecondaryHeavy   SecondaryFilterMode = 2
)

func (m SecondaryFilterMode) String() string {
	switch m {
	case SecondaryHoliday:
		return "Holiday"
	case SecondaryLight:
		return "Light"
	case SecondaryHeavy:
		return "Heavy"
	}
	return "Unknown"
}

// SecondaryFiltration reports the secondary filtration program
type SecondaryFiltration struct {
	Header
	Mode SecondaryFilterMode

	raw []byte
}

func (*SecondaryFiltration) Type() uint8 { return MsgJacuzziSecondary }

func (f *SecondaryFiltration) MarshalPayload() []byte {
	p := basePayload(f.raw, secondaryMinPayload)
	p[0] = uint8(f.Mode)
	return p
}
