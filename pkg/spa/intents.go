// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"fmt"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
)

// Kind groups intents that act on the same logical property
type Kind uint8

const (
	KindSetTemperature Kind = iota + 1
	KindSetMode
	KindTogglePump
	KindToggleLight
	KindPanelRequest
	KindModuleIdent
	KindSetPump
	KindSetLight
	KindSetBlower
	KindSetMister
	KindSetAux
	KindSetTempRange
	KindSetScale
	KindSetTime
)

func (k Kind) String() string {
	switch k {
	case KindSetTemperature:
		return "set_temperature"
	case KindSetMode:
		return "set_mode"
	case KindTogglePump:
		return "toggle_pump"
	case KindToggleLight:
		return "toggle_light"
	case KindPanelRequest:
		return "panel_request"
	case KindModuleIdent:
		return "module_ident"
	case KindSetPump:
		return "set_pump"
	case KindSetLight:
		return "set_light"
	case KindSetBlower:
		return "set_blower"
	case KindSetMister:
		return "set_mister"
	case KindSetAux:
		return "set_aux"
	case KindSetTempRange:
		return "set_temp_range"
	case KindSetScale:
		return "set_scale"
	case KindSetTime:
		return "set_time"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Intent is a high level request the dispatcher turns into frames.
// Intents are encoded against the latest snapshot at each transmission.
type Intent interface {
	Kind() Kind
	String() string

	// key identifies the property; a newer intent with the same key
	// supersedes an outstanding one
	key() string
	// encode builds the frame for the client's bus channel
	encode(to target, s *DeviceState) (*balboa.Frame, error)
	// satisfied reports that the state already matches the intent
	satisfied(s *DeviceState) bool
	// acked reports whether msg confirms the last transmission
	acked(msg balboa.Message, tx transmission) bool
}

// stepper is implemented by intents that reach their goal through several
// button presses. progressed reports that msg moved the item away from the
// baseline without reaching the goal, making the next press due.
type stepper interface {
	progressed(msg balboa.Message, tx transmission) bool
}

// target is where commands are sent and how they are spelled
type target struct {
	channel uint8
	dialect balboa.Dialect
}

// transmission is the last frame sent for a command
type transmission struct {
	frame *balboa.Frame
	to    target
	// baseline is the state when the current press was first sent
	baseline *DeviceState
}

// press builds a Balboa control request, the only form most panel items
// have
func (to target) press(item balboa.ControlItem) (*balboa.Frame, error) {
	if to.dialect != balboa.DialectBalboa {
		return nil, fmt.Errorf("%w: %s on a %s controller", ErrUnsupported, balboa.FormatControlItem(item), to.dialect)
	}
	return balboa.NewControlRequest(to.channel, item), nil
}

// pumpPress builds the button press for pump n (1-based)
func (to target) pumpPress(n int) (*balboa.Frame, error) {
	if to.dialect == balboa.DialectJacuzzi {
		if n < 1 || n > balboa.JacuzziMaxPumps {
			return nil, ErrNoSuchItem
		}
		return balboa.NewJacuzziPumpRequest(to.channel, n), nil
	}
	item, ok := balboa.PumpItem(n - 1)
	if !ok {
		return nil, ErrNoSuchItem
	}
	return balboa.NewControlRequest(to.channel, item), nil
}

// lightSwitch builds the request that turns light n (1-based) on or off.
// Jacuzzi controllers select a program instead of toggling.
func (to target) lightSwitch(n int, on bool) (*balboa.Frame, error) {
	if to.dialect == balboa.DialectJacuzzi {
		if n != 1 {
			return nil, ErrNoSuchItem
		}
		mode := balboa.LightModeOff
		if on {
			mode = balboa.LightModeBlend
		}
		return balboa.NewJacuzziLightRequest(to.channel, mode), nil
	}
	item, ok := balboa.LightItem(n - 1)
	if !ok {
		return nil, ErrNoSuchItem
	}
	return balboa.NewControlRequest(to.channel, item), nil
}

// statusOf returns the status carried by msg
func statusOf(msg balboa.Message) (*balboa.StatusUpdate, bool) {
	m, ok := msg.(*balboa.StatusUpdate)
	return m, ok
}

// changed reports a status whose field differs from the baseline
func changed[T comparable](msg balboa.Message, baseline *DeviceState, field func(*balboa.StatusUpdate) T, base func(*Status) T) bool {
	m, ok := statusOf(msg)
	if !ok || !baseline.Known() {
		return false
	}
	return field(m) != base(baseline.Status)
}

// ============================================================
// Set Temperature
// ============================================================

// SetTemperature changes the set point, in Celsius
type SetTemperature struct {
	Celsius float64
}

func (SetTemperature) Kind() Kind { return KindSetTemperature }

func (i SetTemperature) String() string { return fmt.Sprintf("set temperature %.1f°C", i.Celsius) }

func (SetTemperature) key() string { return KindSetTemperature.String() }

func (i SetTemperature) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	if !s.Known() {
		return nil, errNoStatus
	}
	return balboa.NewSetTemperature(to.channel, balboa.CelsiusToRaw(i.Celsius, s.Status.Scale)), nil
}

func (i SetTemperature) satisfied(s *DeviceState) bool {
	return s.Known() && s.Status.TargetRaw == balboa.CelsiusToRaw(i.Celsius, s.Status.Scale)
}

// acked only trusts the controller's status broadcast. A 0x20 frame on
// the bus is another client's request, not a confirmation.
func (i SetTemperature) acked(msg balboa.Message, tx transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.TargetTempRaw == tx.frame.Payload[0]
}

// ============================================================
// Set Mode
// ============================================================

// SetMode selects Ready or Rest. The controller only offers a toggle, so
// leaving ReadyInRest for Ready takes two presses.
type SetMode struct {
	Mode balboa.HeatMode
}

func (SetMode) Kind() Kind { return KindSetMode }

func (i SetMode) String() string { return "set mode " + i.Mode.String() }

func (SetMode) key() string { return KindSetMode.String() }

func (i SetMode) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	if !s.Known() {
		return nil, errNoStatus
	}
	return to.press(balboa.ItemHeatMode)
}

func (i SetMode) satisfied(s *DeviceState) bool {
	return s.Known() && s.Status.HeatMode == i.Mode
}

func (i SetMode) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.HeatMode == i.Mode
}

func (i SetMode) progressed(msg balboa.Message, tx transmission) bool {
	return changed(msg, tx.baseline,
		func(m *balboa.StatusUpdate) balboa.HeatMode { return m.HeatMode },
		func(s *Status) balboa.HeatMode { return s.HeatMode })
}

// ============================================================
// Pumps
// ============================================================

// TogglePump advances pump N (1-based) to its next speed
type TogglePump struct {
	N int
}

func (TogglePump) Kind() Kind { return KindTogglePump }

func (i TogglePump) String() string { return fmt.Sprintf("toggle pump %d", i.N) }

func (i TogglePump) key() string { return pumpKey(i.N) }

func (i TogglePump) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	f, err := to.pumpPress(i.N)
	if err != nil {
		return nil, err
	}
	if !s.Known() {
		return nil, errNoStatus
	}
	return f, nil
}

func (TogglePump) satisfied(*DeviceState) bool { return false }

func (i TogglePump) acked(msg balboa.Message, tx transmission) bool {
	return changed(msg, tx.baseline,
		func(m *balboa.StatusUpdate) uint8 { return m.Pumps[i.N-1] },
		func(s *Status) uint8 { return s.Pumps[i.N-1] })
}

// SetPump runs pump N (1-based) at Speed, 0 being off. Each press steps
// the pump through off, low and high, so reaching a speed may take more
// than one press; a press is sent each time the status shows the last
// one landed.
type SetPump struct {
	N     int
	Speed uint8
}

func (SetPump) Kind() Kind { return KindSetPump }

func (i SetPump) String() string { return fmt.Sprintf("set pump %d to %d", i.N, i.Speed) }

func (i SetPump) key() string { return pumpKey(i.N) }

func (i SetPump) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	f, err := to.pumpPress(i.N)
	if err != nil {
		return nil, err
	}
	if !s.Known() {
		return nil, errNoStatus
	}
	return f, nil
}

func (i SetPump) satisfied(s *DeviceState) bool {
	return s.Known() && i.N >= 1 && i.N <= balboa.MaxPumps && s.Status.Pumps[i.N-1] == i.Speed
}

func (i SetPump) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.Pumps[i.N-1] == i.Speed
}

func (i SetPump) progressed(msg balboa.Message, tx transmission) bool {
	return changed(msg, tx.baseline,
		func(m *balboa.StatusUpdate) uint8 { return m.Pumps[i.N-1] },
		func(s *Status) uint8 { return s.Pumps[i.N-1] })
}

func pumpKey(n int) string { return fmt.Sprintf("pump:%d", n) }

// ============================================================
// Lights
// ============================================================

// ToggleLight switches light N (1-based)
type ToggleLight struct {
	N int
}

func (ToggleLight) Kind() Kind { return KindToggleLight }

func (i ToggleLight) String() string { return fmt.Sprintf("toggle light %d", i.N) }

func (i ToggleLight) key() string { return lightKey(i.N) }

func (i ToggleLight) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	if i.N < 1 || i.N > balboa.MaxLights {
		return nil, ErrNoSuchItem
	}
	if !s.Known() {
		if _, err := to.lightSwitch(i.N, true); err != nil {
			return nil, err
		}
		return nil, errNoStatus
	}
	return to.lightSwitch(i.N, !s.Status.Lights[i.N-1])
}

func (ToggleLight) satisfied(*DeviceState) bool { return false }

func (i ToggleLight) acked(msg balboa.Message, tx transmission) bool {
	return changed(msg, tx.baseline,
		func(m *balboa.StatusUpdate) bool { return m.Lights[i.N-1] },
		func(s *Status) bool { return s.Lights[i.N-1] })
}

// SetLight turns light N (1-based) on or off
type SetLight struct {
	N  int
	On bool
}

func (SetLight) Kind() Kind { return KindSetLight }

func (i SetLight) String() string { return fmt.Sprintf("set light %d %s", i.N, onOff(i.On)) }

func (i SetLight) key() string { return lightKey(i.N) }

func (i SetLight) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	f, err := to.lightSwitch(i.N, i.On)
	if err != nil {
		return nil, err
	}
	if !s.Known() {
		return nil, errNoStatus
	}
	return f, nil
}

func (i SetLight) satisfied(s *DeviceState) bool {
	return s.Known() && i.N >= 1 && i.N <= balboa.MaxLights && s.Status.Lights[i.N-1] == i.On
}

func (i SetLight) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.Lights[i.N-1] == i.On
}

func lightKey(n int) string { return fmt.Sprintf("light:%d", n) }

// ============================================================
// Other equipment
// ============================================================

// SetBlower runs the blower at Speed (0 off, up to 3)
type SetBlower struct {
	Speed uint8
}

func (SetBlower) Kind() Kind { return KindSetBlower }

func (i SetBlower) String() string { return fmt.Sprintf("set blower to %d", i.Speed) }

func (SetBlower) key() string { return KindSetBlower.String() }

func (i SetBlower) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	return pressWhenKnown(to, s, balboa.ItemBlower)
}

func (i SetBlower) satisfied(s *DeviceState) bool {
	return s.Known() && s.Status.Blower == i.Speed
}

func (i SetBlower) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.Blower == i.Speed
}

func (i SetBlower) progressed(msg balboa.Message, tx transmission) bool {
	return changed(msg, tx.baseline,
		func(m *balboa.StatusUpdate) uint8 { return m.Blower },
		func(s *Status) uint8 { return s.Blower })
}

// SetMister turns the mister on or off
type SetMister struct {
	On bool
}

func (SetMister) Kind() Kind { return KindSetMister }

func (i SetMister) String() string { return "set mister " + onOff(i.On) }

func (SetMister) key() string { return KindSetMister.String() }

func (i SetMister) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	return pressWhenKnown(to, s, balboa.ItemMister)
}

func (i SetMister) satisfied(s *DeviceState) bool {
	return s.Known() && s.Status.Mister == i.On
}

func (i SetMister) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.Mister == i.On
}

// SetAux switches auxiliary output N (1-based)
type SetAux struct {
	N  int
	On bool
}

func (SetAux) Kind() Kind { return KindSetAux }

func (i SetAux) String() string { return fmt.Sprintf("set aux %d %s", i.N, onOff(i.On)) }

func (i SetAux) key() string { return fmt.Sprintf("%s:%d", KindSetAux, i.N) }

func (i SetAux) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	var item balboa.ControlItem
	switch i.N {
	case 1:
		item = balboa.ItemAux1
	case 2:
		item = balboa.ItemAux2
	default:
		return nil, ErrNoSuchItem
	}
	return pressWhenKnown(to, s, item)
}

func (i SetAux) satisfied(s *DeviceState) bool {
	return s.Known() && i.N >= 1 && i.N <= len(s.Status.Aux) && s.Status.Aux[i.N-1] == i.On
}

func (i SetAux) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.Aux[i.N-1] == i.On
}

// pressWhenKnown presses a Balboa panel item once a status is known
func pressWhenKnown(to target, s *DeviceState, item balboa.ControlItem) (*balboa.Frame, error) {
	f, err := to.press(item)
	if err != nil {
		return nil, err
	}
	if !s.Known() {
		return nil, errNoStatus
	}
	return f, nil
}

// ============================================================
// Controller settings
// ============================================================

// SetTempRange selects the low or high set point range
type SetTempRange struct {
	Range balboa.TempRange
}

func (SetTempRange) Kind() Kind { return KindSetTempRange }

func (i SetTempRange) String() string { return "set range " + i.Range.String() }

func (SetTempRange) key() string { return KindSetTempRange.String() }

func (i SetTempRange) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	return pressWhenKnown(to, s, balboa.ItemTempRange)
}

func (i SetTempRange) satisfied(s *DeviceState) bool {
	return s.Known() && s.Status.TempRange == i.Range
}

func (i SetTempRange) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.TempRange == i.Range
}

// SetScale switches the display between Celsius and Fahrenheit
type SetScale struct {
	Scale balboa.Scale
}

func (SetScale) Kind() Kind { return KindSetScale }

func (i SetScale) String() string { return "set scale " + i.Scale.String() }

func (SetScale) key() string { return KindSetScale.String() }

func (i SetScale) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	if to.dialect != balboa.DialectBalboa {
		return nil, fmt.Errorf("%w: scale change on a %s controller", ErrUnsupported, to.dialect)
	}
	if !s.Known() {
		return nil, errNoStatus
	}
	return balboa.NewSetTemperatureScale(to.channel, i.Scale), nil
}

func (i SetScale) satisfied(s *DeviceState) bool {
	return s.Known() && s.Status.Scale == i.Scale
}

func (i SetScale) acked(msg balboa.Message, _ transmission) bool {
	m, ok := statusOf(msg)
	return ok && m.Scale == i.Scale
}

// SetTime sets the controller clock to At. Clock24h selects the display
// format on Balboa controllers; Jacuzzi controllers always show 24 hours
// and also take the date from At.
type SetTime struct {
	At       time.Time
	Clock24h bool
}

func (SetTime) Kind() Kind { return KindSetTime }

func (i SetTime) String() string { return "set time " + i.At.Format("15:04") }

func (SetTime) key() string { return KindSetTime.String() }

func (i SetTime) encode(to target, s *DeviceState) (*balboa.Frame, error) {
	if !s.Known() {
		return nil, errNoStatus
	}
	if to.dialect == balboa.DialectJacuzzi {
		return balboa.NewJacuzziSetTime(to.channel, i.At), nil
	}
	return balboa.NewSetTime(to.channel, uint8(i.At.Hour()), uint8(i.At.Minute()), i.Clock24h), nil
}

func (i SetTime) satisfied(s *DeviceState) bool {
	if !s.Known() {
		return false
	}
	st := s.Status
	return int(st.Hour) == i.At.Hour() && int(st.Minute) == i.At.Minute() &&
		(st.Dialect == balboa.DialectJacuzzi || st.Clock24h == i.Clock24h)
}

// acked accepts the requested minute or the one after, since the clock
// may roll over before the next status
func (i SetTime) acked(msg balboa.Message, tx transmission) bool {
	m, ok := statusOf(msg)
	if !ok {
		return false
	}
	if m.Dialect != balboa.DialectJacuzzi && m.Clock24h != i.Clock24h {
		return false
	}
	sent := i.At.Hour()*60 + i.At.Minute()
	got := int(m.Hour)*60 + int(m.Minute)
	return got == sent || got == (sent+1)%(24*60)
}

// ============================================================
// Configuration requests
// ============================================================

// RequestPanel asks for a configuration page; the matching response
// acknowledges it
type RequestPanel struct {
	Page balboa.PanelRequest
}

func (RequestPanel) Kind() Kind { return KindPanelRequest }

func (i RequestPanel) String() string {
	return "request " + balboa.FormatMessageType(i.Page.ResponseType())
}

func (i RequestPanel) key() string { return fmt.Sprintf("%s:% X", KindPanelRequest, i.Page[:]) }

func (i RequestPanel) encode(to target, _ *DeviceState) (*balboa.Frame, error) {
	if to.dialect == balboa.DialectJacuzzi {
		if to.dialect.PanelResponse(i.Page) == 0 {
			return nil, fmt.Errorf("%w: page % X on a %s controller", ErrUnsupported, i.Page[:], to.dialect)
		}
		return balboa.NewJacuzziPanelRequest(to.channel, i.Page), nil
	}
	return balboa.NewPanelRequest(to.channel, i.Page), nil
}

func (RequestPanel) satisfied(*DeviceState) bool { return false }

func (i RequestPanel) acked(msg balboa.Message, tx transmission) bool {
	return msg.Type() == tx.to.dialect.PanelResponse(i.Page)
}

// RequestModuleIdent asks the WiFi module for its MAC and device id
type RequestModuleIdent struct{}

func (RequestModuleIdent) Kind() Kind { return KindModuleIdent }

func (RequestModuleIdent) String() string { return "request module identification" }

func (RequestModuleIdent) key() string { return KindModuleIdent.String() }

func (RequestModuleIdent) encode(target, *DeviceState) (*balboa.Frame, error) {
	return balboa.NewModuleIdentRequest(), nil
}

func (RequestModuleIdent) satisfied(*DeviceState) bool { return false }

func (RequestModuleIdent) acked(msg balboa.Message, _ transmission) bool {
	_, ok := msg.(*balboa.ModuleIdentification)
	return ok
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
