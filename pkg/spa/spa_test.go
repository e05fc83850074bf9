// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/rs/zerolog"
)

// Setup parameters captured from a BP2000 controller: low range 10-37°C,
// high range 26.5-40°C
const capturedSetupParams = "7E0E0ABF25120432635068290341197E"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func decodeHex(t *testing.T, s string) balboa.Message {
	t.Helper()
	wire, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	d := balboa.NewDecoder()
	d.Feed(wire, t0)
	f, err := d.Next()
	if err != nil || f == nil {
		t.Fatalf("decode frame: %v", err)
	}
	msg, err := balboa.Decode(f)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func statusUpdate(scale balboa.Scale, current, target uint8) *balboa.StatusUpdate {
	return &balboa.StatusUpdate{
		Header:         balboa.Header{Channel: balboa.ChannelBroadcast, PF: balboa.PFBroadcast},
		CurrentTempRaw: current,
		TargetTempRaw:  target,
		Scale:          scale,
		Hour:           12,
		Minute:         30,
		TempRange:      balboa.TempRangeHigh,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 0.05
}

func newTestModel() *Model {
	return NewModel(zerolog.Nop())
}

// liveState returns a snapshot with a status in the given scale
func liveState(scale balboa.Scale, target uint8) *DeviceState {
	m := newTestModel()
	s, _ := m.Apply(statusUpdate(scale, target, target), t0)
	return s
}

// ============================================================
// Device State Model Tests
// ============================================================

func TestModel_UnknownUntilStatus(t *testing.T) {
	m := newTestModel()
	s := m.Snapshot()
	if s.Known() || s.Status != nil {
		t.Fatal("expected unknown state before the first status update")
	}
	if _, _, ok := s.Bounds(); ok {
		t.Error("expected no bounds before setup parameters")
	}

	// Traffic that carries no state leaves the snapshot untouched
	ack := &balboa.SetTemperatureAck{Raw: 70}
	next, diff := m.Apply(ack, t0)
	if next != s || !diff.Empty() {
		t.Error("set temperature ack must not change the state")
	}
}

// TestModel_StatusScenario decodes a Fahrenheit status reporting 76°F with
// a 78°F set point
func TestModel_StatusScenario(t *testing.T) {
	payload := make([]byte, 24)
	payload[2] = 0x4C  // current 76°F
	payload[20] = 0x4E // target 78°F
	wire, err := balboa.EncodeFrameFromValues(balboa.ChannelBroadcast, balboa.PFBroadcast, balboa.MsgStatusUpdate, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	msg := decodeHex(t, hex.EncodeToString(wire))
	m := newTestModel()
	s, diff := m.Apply(msg, t0)

	if !s.Known() || !s.Status.TemperatureKnown {
		t.Fatal("expected known temperature")
	}
	if !approx(s.Status.CurrentTemperature, 24.44) {
		t.Errorf("expected current ≈24.4°C, got %.2f", s.Status.CurrentTemperature)
	}
	if !approx(s.Status.TargetTemperature, 25.56) {
		t.Errorf("expected target ≈25.6°C, got %.2f", s.Status.TargetTemperature)
	}
	if !diff.Has(FieldCurrentTemperature) || !diff.Has(FieldTargetTemperature) {
		t.Errorf("expected both temperatures in diff, got %v", diff)
	}
	if !s.UpdatedAt.Equal(t0) {
		t.Errorf("expected UpdatedAt %v, got %v", t0, s.UpdatedAt)
	}
}

func TestModel_ApplyIdempotent(t *testing.T) {
	m := newTestModel()
	msg := statusUpdate(balboa.ScaleCelsius, 76, 77)

	first, diff := m.Apply(msg, t0)
	if diff.Empty() {
		t.Fatal("expected a diff for the first status update")
	}

	second, diff := m.Apply(msg, t0.Add(time.Second))
	if !diff.Empty() {
		t.Errorf("expected empty diff, got %v", diff)
	}
	if second != first {
		t.Error("expected the same snapshot for an identical update")
	}
	if !second.UpdatedAt.Equal(t0) {
		t.Error("unchanged snapshot must keep its timestamp")
	}

	// Every section is idempotent, not only status
	setup := decodeHex(t, capturedSetupParams)
	m.Apply(setup, t0)
	if _, diff := m.Apply(decodeHex(t, capturedSetupParams), t0); !diff.Empty() {
		t.Errorf("expected empty diff for repeated setup, got %v", diff)
	}
}

func TestModel_DiffFields(t *testing.T) {
	m := newTestModel()
	base := statusUpdate(balboa.ScaleCelsius, 70, 76)
	m.Apply(base, t0)

	tests := []struct {
		name   string
		change func(s *balboa.StatusUpdate)
		want   Field
	}{
		{"current", func(s *balboa.StatusUpdate) { s.CurrentTempRaw = 71 }, FieldCurrentTemperature},
		{"unknown current", func(s *balboa.StatusUpdate) { s.CurrentTempRaw = balboa.TempUnknown }, FieldCurrentTemperature},
		{"target", func(s *balboa.StatusUpdate) { s.TargetTempRaw = 78 }, FieldTargetTemperature},
		{"heat mode", func(s *balboa.StatusUpdate) { s.HeatMode = balboa.HeatModeRest }, FieldHeatMode},
		{"heating", func(s *balboa.StatusUpdate) { s.HeatState = balboa.HeatStateHeating }, FieldHeatState},
		{"pump", func(s *balboa.StatusUpdate) { s.Pumps[1] = 2 }, FieldPumps},
		{"light", func(s *balboa.StatusUpdate) { s.Lights[0] = true }, FieldLights},
		{"blower", func(s *balboa.StatusUpdate) { s.Blower = 1 }, FieldBlower},
		{"clock", func(s *balboa.StatusUpdate) { s.Minute = 31 }, FieldClock},
		{"filter", func(s *balboa.StatusUpdate) { s.FilterMode = 1 }, FieldFilterMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModel()
			m.Apply(base, t0)
			next := *base
			tt.change(&next)
			_, diff := m.Apply(&next, t0)
			if len(diff) != 1 || diff[0] != tt.want {
				t.Errorf("expected diff [%s], got %v", tt.want, diff)
			}
		})
	}
}

func TestModel_BoundsAndClamping(t *testing.T) {
	m := newTestModel()

	// 42°C set point reported before the limits are known
	s, _ := m.Apply(statusUpdate(balboa.ScaleCelsius, 70, 84), t0)
	if !approx(s.Status.TargetTemperature, 42) {
		t.Fatalf("expected unclamped 42°C, got %.1f", s.Status.TargetTemperature)
	}

	s, diff := m.Apply(decodeHex(t, capturedSetupParams), t0)
	lo, hi, ok := s.Bounds()
	if !ok || !approx(lo, 26.5) || !approx(hi, 40) {
		t.Fatalf("expected high range 26.5-40°C, got %.1f-%.1f (%t)", lo, hi, ok)
	}
	if !diff.Has(FieldSetup) || !diff.Has(FieldTargetTemperature) {
		t.Errorf("expected setup and clamped target in diff, got %v", diff)
	}
	if !approx(s.Status.TargetTemperature, 40) {
		t.Errorf("expected target clamped to 40°C, got %.1f", s.Status.TargetTemperature)
	}
	if s.Status.TargetRaw != 84 {
		t.Errorf("raw set point must be preserved, got %d", s.Status.TargetRaw)
	}

	// Later updates are clamped on arrival
	low := statusUpdate(balboa.ScaleCelsius, 70, 10)
	s, _ = m.Apply(low, t0)
	if !approx(s.Status.TargetTemperature, 26.5) {
		t.Errorf("expected target clamped to 26.5°C, got %.1f", s.Status.TargetTemperature)
	}

	// The low range has its own limits
	low.TempRange = balboa.TempRangeLow
	s, _ = m.Apply(low, t0)
	if lo, hi, _ := s.Bounds(); !approx(lo, 10) || !approx(hi, 37) {
		t.Errorf("expected low range 10-37°C, got %.1f-%.1f", lo, hi)
	}
	if !approx(s.Status.TargetTemperature, 10) {
		t.Errorf("expected 5°C reported as 10°C, got %.1f", s.Status.TargetTemperature)
	}
}

func TestModel_StaleAndReset(t *testing.T) {
	m := newTestModel()
	live, _ := m.Apply(statusUpdate(balboa.ScaleCelsius, 70, 76), t0)
	m.Apply(decodeHex(t, capturedSetupParams), t0)

	stale, diff := m.MarkStale(t0.Add(time.Second))
	if !stale.Stale || len(diff) != 1 || diff[0] != FieldStale {
		t.Fatalf("expected stale flag, got %v", diff)
	}
	if stale.Status != live.Status {
		t.Error("stale snapshot must keep the last known status")
	}
	if again, diff := m.MarkStale(t0); again != stale || !diff.Empty() {
		t.Error("marking stale twice must be a no-op")
	}

	reset, diff := m.Reset(t0.Add(2 * time.Second))
	if reset.Known() || reset.Setup != nil || reset.Stale {
		t.Error("reset must make every section unknown")
	}
	for _, f := range []Field{FieldTargetTemperature, FieldSetup, FieldStale} {
		if !diff.Has(f) {
			t.Errorf("expected %s in reset diff %v", f, diff)
		}
	}
	if again, diff := m.Reset(t0); again != reset || !diff.Empty() {
		t.Error("resetting an unknown state must be a no-op")
	}
}

func TestModel_StaleClearedByUpdate(t *testing.T) {
	m := newTestModel()
	m.Apply(statusUpdate(balboa.ScaleCelsius, 70, 76), t0)
	m.MarkStale(t0)

	s, diff := m.Apply(statusUpdate(balboa.ScaleCelsius, 71, 76), t0)
	if s.Stale || !diff.Has(FieldStale) || !diff.Has(FieldCurrentTemperature) {
		t.Errorf("expected fresh state, got stale=%t diff=%v", s.Stale, diff)
	}
}

func TestModel_SnapshotsAreIndependent(t *testing.T) {
	m := newTestModel()
	first, _ := m.Apply(statusUpdate(balboa.ScaleCelsius, 70, 76), t0)
	m.Apply(statusUpdate(balboa.ScaleCelsius, 72, 78), t0)

	if first.Status.TargetRaw != 76 {
		t.Error("earlier snapshot was modified by a later update")
	}
}

// ============================================================
// Dispatcher Tests
// ============================================================

func TestDispatcher_TimeoutAfterMaxAttempts(t *testing.T) {
	d := NewDispatcher(2*time.Second, 3)
	s := liveState(balboa.ScaleCelsius, 76)
	h := d.Request(SetTemperature{Celsius: 38.5}, s)

	now := t0
	transmissions := 0
	for i := 0; i < 10 && h.Result().Outcome == Pending; i++ {
		if f := d.Next(now, balboa.ChannelWiFi, s); f != nil {
			transmissions++
			if f.Type != balboa.MsgSetTemperature || f.Payload[0] != 77 {
				t.Fatalf("unexpected frame %s % X", balboa.FormatMessageType(f.Type), f.Payload)
			}
		}
		// Nothing is retransmitted inside the ack window
		if f := d.Next(now.Add(time.Second), balboa.ChannelWiFi, s); f != nil {
			t.Fatal("retransmitted before the ack window lapsed")
		}
		now = now.Add(2 * time.Second)
		d.Tick(now)
	}

	r := h.Result()
	if r.Outcome != Failed || !errors.Is(r.Err, ErrCommandTimeout) {
		t.Fatalf("expected Failed(timeout), got %s %v", r.Outcome, r.Err)
	}
	if transmissions != 3 {
		t.Errorf("expected exactly 3 transmissions, got %d", transmissions)
	}
	if d.Len() != 0 {
		t.Errorf("expected empty queue, got %d", d.Len())
	}
}

func TestDispatcher_SetTemperatureIgnoresBusRequests(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)
	h := d.Request(SetTemperature{Celsius: 38.5}, s)

	// A status before transmission is not ours
	if d.Resolve(statusUpdate(balboa.ScaleCelsius, 76, 77)) != 0 {
		t.Fatal("untransmitted command must not be acked")
	}

	d.Next(t0, balboa.ChannelWiFi, s)

	tests := []struct {
		name string
		msg  balboa.Message
	}{
		{"same value from the WiFi channel", &balboa.SetTemperatureAck{Header: balboa.Header{Channel: balboa.ChannelWiFi}, Raw: 77}},
		{"same value from a client", &balboa.SetTemperatureAck{Header: balboa.Header{Channel: 0x10}, Raw: 77}},
		{"status with the old set point", statusUpdate(balboa.ScaleCelsius, 76, 76)},
	}
	for _, tt := range tests {
		if n := d.Resolve(tt.msg); n != 0 {
			t.Errorf("%s: resolved %d commands", tt.name, n)
		}
	}
	if r := d.Poll(h); r.Outcome != Pending {
		t.Fatalf("expected Pending, got %s %v", r.Outcome, r.Err)
	}

	if n := d.Resolve(statusUpdate(balboa.ScaleCelsius, 76, 77)); n != 1 {
		t.Fatalf("expected one ack, got %d", n)
	}
	if r := d.Poll(h); r.Outcome != Acked || r.Err != nil {
		t.Errorf("expected Acked, got %s %v", r.Outcome, r.Err)
	}
}

func TestDispatcher_AckedByStatus(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleFahrenheit, 100)
	h := d.Request(SetTemperature{Celsius: 38.5}, s)

	f := d.Next(t0, balboa.ChannelWiFi, s)
	if f == nil || f.Payload[0] != 101 {
		t.Fatalf("expected 101°F set point, got %v", f)
	}
	d.Resolve(statusUpdate(balboa.ScaleFahrenheit, 100, 101))
	if h.Result().Outcome != Acked {
		t.Errorf("expected Acked, got %s", h.Result().Outcome)
	}
}

func TestDispatcher_Coalescing(t *testing.T) {
	d := NewDispatcher(2*time.Second, 3)
	s := liveState(balboa.ScaleCelsius, 76)

	first := d.Request(SetTemperature{Celsius: 37}, s)
	second := d.Request(SetTemperature{Celsius: 38.5}, s)

	r := first.Result()
	if r.Outcome != Cancelled || !errors.Is(r.Err, ErrSuperseded) {
		t.Fatalf("expected first Cancelled(superseded), got %s %v", r.Outcome, r.Err)
	}
	if d.Len() != 1 {
		t.Fatalf("expected one outstanding command, got %d", d.Len())
	}

	// Only the latest value ever reaches the bus, including retries
	now := t0
	for second.Result().Outcome == Pending {
		if f := d.Next(now, balboa.ChannelWiFi, s); f != nil && f.Payload[0] != 77 {
			t.Fatalf("transmitted superseded value %d", f.Payload[0])
		}
		now = now.Add(2 * time.Second)
		d.Tick(now)
	}
	if first.Result().Outcome != Cancelled {
		t.Error("superseded handle must never become Failed")
	}
}

func TestDispatcher_CoalescingInFlight(t *testing.T) {
	d := NewDispatcher(2*time.Second, 3)
	s := liveState(balboa.ScaleCelsius, 76)

	first := d.Request(SetTemperature{Celsius: 37}, s)
	d.Next(t0, balboa.ChannelWiFi, s)
	second := d.Request(SetTemperature{Celsius: 38.5}, s)

	if first.Result().Outcome != Cancelled {
		t.Fatal("transmitted command must still be superseded")
	}
	f := d.Next(t0, balboa.ChannelWiFi, s)
	if f == nil || f.Payload[0] != 77 {
		t.Fatalf("expected the newer value to be sent, got %v", f)
	}

	// A status with the stale value does not resolve the newer command
	d.Resolve(statusUpdate(balboa.ScaleCelsius, 76, 74))
	if second.Result().Outcome != Pending {
		t.Error("newer command resolved by a stale ack")
	}
}

func TestDispatcher_DistinctKeysDoNotCoalesce(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)

	p1 := d.Request(TogglePump{N: 1}, s)
	p2 := d.Request(TogglePump{N: 2}, s)
	temp := d.Request(SetTemperature{Celsius: 30}, s)

	for _, h := range []*Handle{p1, p2, temp} {
		if h.Result().Outcome != Pending {
			t.Errorf("%s: expected Pending, got %s", h.Intent(), h.Result().Outcome)
		}
	}
	if d.Len() != 3 {
		t.Errorf("expected 3 outstanding, got %d", d.Len())
	}
}

func TestDispatcher_Cancel(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)
	h := d.Request(SetTemperature{Celsius: 30}, s)

	if !d.Cancel(h) {
		t.Fatal("expected cancel to succeed")
	}
	r := h.Result()
	if r.Outcome != Cancelled || !errors.Is(r.Err, ErrCancelled) {
		t.Errorf("expected Cancelled, got %s %v", r.Outcome, r.Err)
	}
	if d.Cancel(h) {
		t.Error("second cancel must report false")
	}
	if d.Next(t0, balboa.ChannelWiFi, s) != nil {
		t.Error("cancelled command was transmitted")
	}
}

func TestDispatcher_AlreadySatisfied(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 77)

	h := d.Request(SetTemperature{Celsius: 38.5}, s)
	if h.Result().Outcome != Acked {
		t.Errorf("expected immediate ack, got %s", h.Result().Outcome)
	}
	if d.Next(t0, balboa.ChannelWiFi, s) != nil {
		t.Error("satisfied intent must not be transmitted")
	}

	h = d.Request(SetMode{Mode: balboa.HeatModeReady}, s)
	if h.Result().Outcome != Acked {
		t.Errorf("expected immediate ack for current mode, got %s", h.Result().Outcome)
	}
}

func TestDispatcher_WaitsForStatus(t *testing.T) {
	d := NewDispatcher(0, 0)
	unknown := &DeviceState{}

	temp := d.Request(SetTemperature{Celsius: 30}, unknown)
	panel := d.Request(RequestPanel{Page: balboa.PanelSetupParameters}, unknown)

	f := d.Next(t0, balboa.ChannelWiFi, unknown)
	if f == nil || f.Type != balboa.MsgPanelRequest {
		t.Fatalf("expected the panel request to go first, got %v", f)
	}
	if d.Next(t0, balboa.ChannelWiFi, unknown) != nil {
		t.Fatal("set point cannot be encoded without a scale")
	}

	d.Resolve(decodeHex(t, capturedSetupParams))
	if panel.Result().Outcome != Acked {
		t.Errorf("expected panel request acked by its response, got %s", panel.Result().Outcome)
	}
	if temp.Result().Outcome != Pending {
		t.Errorf("expected set point still pending, got %s", temp.Result().Outcome)
	}
}

func TestDispatcher_SetModeFromReadyInRest(t *testing.T) {
	d := NewDispatcher(time.Second, 3)
	m := newTestModel()
	rnr := statusUpdate(balboa.ScaleCelsius, 70, 76)
	rnr.HeatMode = balboa.HeatModeReadyInRest
	s, _ := m.Apply(rnr, t0)

	h := d.Request(SetMode{Mode: balboa.HeatModeReady}, s)
	f := d.Next(t0, balboa.ChannelWiFi, s)
	if f == nil || f.Type != balboa.MsgControlRequest || balboa.ControlItem(f.Payload[0]) != balboa.ItemHeatMode {
		t.Fatalf("expected heat mode toggle, got %v", f)
	}

	// First toggle lands in Rest, which is not what was asked for
	rest := *rnr
	rest.HeatMode = balboa.HeatModeRest
	d.Resolve(&rest)
	if h.Result().Outcome != Pending {
		t.Fatal("Rest must not ack a request for Ready")
	}

	d.Tick(t0.Add(time.Second))
	if d.Next(t0.Add(time.Second), balboa.ChannelWiFi, s) == nil {
		t.Fatal("expected a second toggle")
	}
	ready := *rnr
	ready.HeatMode = balboa.HeatModeReady
	d.Resolve(&ready)
	if h.Result().Outcome != Acked {
		t.Errorf("expected Acked, got %s", h.Result().Outcome)
	}
}

func TestDispatcher_ToggleAckedByChange(t *testing.T) {
	d := NewDispatcher(0, 0)
	m := newTestModel()
	base := statusUpdate(balboa.ScaleCelsius, 70, 76)
	s, _ := m.Apply(base, t0)

	pump := d.Request(TogglePump{N: 2}, s)
	light := d.Request(ToggleLight{N: 1}, s)
	f1 := d.Next(t0, balboa.ChannelWiFi, s)
	f2 := d.Next(t0, balboa.ChannelWiFi, s)
	if f1 == nil || balboa.ControlItem(f1.Payload[0]) != balboa.ItemPump2 {
		t.Fatalf("expected pump 2 toggle, got %v", f1)
	}
	if f2 == nil || balboa.ControlItem(f2.Payload[0]) != balboa.ItemLight1 {
		t.Fatalf("expected light 1 toggle, got %v", f2)
	}

	// An unrelated change acks nothing
	other := *base
	other.Pumps[0] = 1
	d.Resolve(&other)
	if pump.Result().Outcome != Pending || light.Result().Outcome != Pending {
		t.Fatal("unrelated change resolved a toggle")
	}

	changed := *base
	changed.Pumps[1] = 1
	changed.Lights[0] = true
	if n := d.Resolve(&changed); n != 2 {
		t.Errorf("expected both toggles acked, got %d", n)
	}
}

func TestDispatcher_InvalidItemFails(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)
	h := d.Request(TogglePump{N: 9}, s)

	if d.Next(t0, balboa.ChannelWiFi, s) != nil {
		t.Fatal("invalid toggle was transmitted")
	}
	if r := h.Result(); r.Outcome != Failed || !errors.Is(r.Err, ErrNoSuchItem) {
		t.Errorf("expected Failed(no such item), got %s %v", r.Outcome, r.Err)
	}
}

func TestDispatcher_FailAllAndClose(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)

	var resolved []Result
	d.OnResolve(func(_ *Handle, r Result) { resolved = append(resolved, r) })

	a := d.Request(SetTemperature{Celsius: 30}, s)
	b := d.Request(TogglePump{N: 1}, s)
	d.Next(t0, balboa.ChannelWiFi, s)

	if n := d.FailAll(ErrConnectionLost); n != 2 {
		t.Fatalf("expected 2 failed, got %d", n)
	}
	for _, h := range []*Handle{a, b} {
		if r := h.Result(); r.Outcome != Failed || !errors.Is(r.Err, ErrConnectionLost) {
			t.Errorf("expected Failed(connection lost), got %s %v", r.Outcome, r.Err)
		}
	}
	if len(resolved) != 2 {
		t.Errorf("expected 2 resolve callbacks, got %d", len(resolved))
	}

	c := d.Request(SetTemperature{Celsius: 31}, s)
	d.Close()
	if r := c.Result(); r.Outcome != Failed || !errors.Is(r.Err, ErrCancelled) {
		t.Errorf("expected Failed(cancelled) on close, got %s %v", r.Outcome, r.Err)
	}
	if r := d.Request(SetTemperature{Celsius: 32}, s).Result(); !errors.Is(r.Err, ErrEngineClosed) {
		t.Errorf("expected request after close to fail, got %v", r.Err)
	}
}

func TestDispatcher_Disconnected(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)

	queued := d.Request(SetTemperature{Celsius: 30}, s)
	if n := d.SetConnected(false); n != 1 {
		t.Fatalf("expected 1 failed on disconnect, got %d", n)
	}
	if r := queued.Result(); r.Outcome != Failed || !errors.Is(r.Err, ErrConnectionLost) {
		t.Errorf("queued: expected Failed(connection lost), got %s %v", r.Outcome, r.Err)
	}

	// Requests made while offline never reach the queue
	late := d.Request(SetTemperature{Celsius: 31}, s)
	if r := late.Result(); r.Outcome != Failed || !errors.Is(r.Err, ErrConnectionLost) {
		t.Errorf("offline: expected Failed(connection lost), got %s %v", r.Outcome, r.Err)
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", d.Len())
	}

	d.SetConnected(true)
	if f := d.Next(t0, balboa.ChannelWiFi, s); f != nil {
		t.Fatalf("offline request transmitted after reconnect: % X", f.Payload)
	}
	h := d.Request(SetTemperature{Celsius: 32}, s)
	if h.Result().Outcome != Pending || d.Len() != 1 {
		t.Errorf("expected a queued request once connected, got %s", h.Result().Outcome)
	}
}

func TestDispatcher_RequestRacingDisconnect(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)

	var wg sync.WaitGroup
	handles := make(chan *Handle, 400)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				handles <- d.Request(TogglePump{N: g + 1}, s)
			}
		}(g)
	}
	d.SetConnected(false)
	wg.Wait()
	close(handles)

	// Whichever side won the lock, nothing is left queued for the next session
	if d.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", d.Len())
	}
	for h := range handles {
		if h.Result().Outcome == Pending {
			t.Fatalf("%s left pending after disconnect", h.Intent())
		}
	}
}

func TestHandle_Wait(t *testing.T) {
	d := NewDispatcher(0, 0)
	s := liveState(balboa.ScaleCelsius, 76)
	h := d.Request(SetTemperature{Celsius: 30}, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r, err := h.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || r.Outcome != Pending {
		t.Fatalf("expected wait to time out while pending, got %s %v", r.Outcome, err)
	}

	go d.Cancel(h)
	r, err = h.Wait(context.Background())
	if err != nil || r.Outcome != Cancelled {
		t.Errorf("expected Cancelled, got %s %v", r.Outcome, err)
	}
}

// ============================================================
// Stepping Tests
// ============================================================

func TestDispatcher_SetPumpSteps(t *testing.T) {
	d := NewDispatcher(time.Second, 3)
	m := newTestModel()
	base := statusUpdate(balboa.ScaleCelsius, 70, 76)
	s, _ := m.Apply(base, t0)

	h := d.Request(SetPump{N: 1, Speed: 2}, s)
	if f := d.Next(t0, balboa.ChannelWiFi, s); f == nil || balboa.ControlItem(f.Payload[0]) != balboa.ItemPump1 {
		t.Fatalf("expected pump 1 press, got %v", f)
	}
	if d.Next(t0, balboa.ChannelWiFi, s) != nil {
		t.Fatal("second press sent before the first landed")
	}

	low := *base
	low.Pumps[0] = 1
	s, _ = m.Apply(&low, t0)
	d.Resolve(&low)
	if h.Result().Outcome != Pending {
		t.Fatal("low speed acked a request for high")
	}
	if d.Next(t0, balboa.ChannelWiFi, s) == nil {
		t.Fatal("expected the next press as soon as the first landed")
	}

	// A repeated broadcast of the same speed is not progress
	d.Resolve(&low)
	if d.Next(t0, balboa.ChannelWiFi, s) != nil {
		t.Fatal("press sent for an unchanged status")
	}

	high := *base
	high.Pumps[0] = 2
	d.Resolve(&high)
	if r := h.Result(); r.Outcome != Acked {
		t.Errorf("expected Acked, got %s %v", r.Outcome, r.Err)
	}
}

func TestDispatcher_SetPumpAlreadyAtSpeed(t *testing.T) {
	d := NewDispatcher(0, 0)
	m := newTestModel()
	base := statusUpdate(balboa.ScaleCelsius, 70, 76)
	base.Pumps[0] = 2
	s, _ := m.Apply(base, t0)

	tests := []SetPump{{N: 1, Speed: 2}, {N: 2, Speed: 0}}
	for _, intent := range tests {
		if r := d.Request(intent, s).Result(); r.Outcome != Acked {
			t.Errorf("%s: expected Acked without transmitting, got %s", intent, r.Outcome)
		}
	}
	if f := d.Next(t0, balboa.ChannelWiFi, s); f != nil {
		t.Errorf("transmitted % X for a satisfied speed", f.Payload)
	}
}

func TestDispatcher_StepLimit(t *testing.T) {
	d := NewDispatcher(time.Second, 3)
	m := newTestModel()
	st := statusUpdate(balboa.ScaleCelsius, 70, 76)
	s, _ := m.Apply(st, t0)

	// A two speed blower never reaches speed 3
	h := d.Request(SetBlower{Speed: 3}, s)
	presses := 0
	for presses < 10 && h.Result().Outcome == Pending {
		if d.Next(t0, balboa.ChannelWiFi, s) == nil {
			t.Fatal("expected a press")
		}
		presses++
		next := *st
		next.Blower = (st.Blower + 1) % 3
		st = &next
		s, _ = m.Apply(st, t0)
		d.Resolve(st)
	}
	if r := h.Result(); r.Outcome != Failed || !errors.Is(r.Err, ErrCommandTimeout) {
		t.Errorf("expected Failed(timeout), got %s %v", r.Outcome, r.Err)
	}
	if presses != maxSteps {
		t.Errorf("pressed %d times, want %d", presses, maxSteps)
	}
}

// ============================================================
// Intent Encoding Tests
// ============================================================

func TestDispatcher_Encoding(t *testing.T) {
	at := time.Date(2025, time.June, 15, 19, 42, 0, 0, time.UTC)
	tests := []struct {
		name    string
		dialect balboa.Dialect
		intent  Intent
		msgType uint8
		payload []byte
		err     error
	}{
		{"blower", balboa.DialectBalboa, SetBlower{Speed: 2}, balboa.MsgControlRequest, []byte{0x0C, 0x00}, nil},
		{"mister", balboa.DialectBalboa, SetMister{On: true}, balboa.MsgControlRequest, []byte{0x0E, 0x00}, nil},
		{"aux 2", balboa.DialectBalboa, SetAux{N: 2, On: true}, balboa.MsgControlRequest, []byte{0x17, 0x00}, nil},
		{"aux 3", balboa.DialectBalboa, SetAux{N: 3, On: true}, 0, nil, ErrNoSuchItem},
		{"range", balboa.DialectBalboa, SetTempRange{Range: balboa.TempRangeLow}, balboa.MsgControlRequest, []byte{0x50, 0x00}, nil},
		{"scale", balboa.DialectBalboa, SetScale{Scale: balboa.ScaleFahrenheit}, balboa.MsgSetTemperatureScale, []byte{0x01, 0x00}, nil},
		{"time", balboa.DialectBalboa, SetTime{At: at, Clock24h: true}, balboa.MsgSetTime, []byte{0x93, 42}, nil},
		{"light 2", balboa.DialectBalboa, SetLight{N: 2, On: true}, balboa.MsgControlRequest, []byte{0x12, 0x00}, nil},
		{"pump 6", balboa.DialectBalboa, SetPump{N: 6, Speed: 1}, balboa.MsgControlRequest, []byte{0x09, 0x00}, nil},

		{"jacuzzi set point", balboa.DialectJacuzzi, SetTemperature{Celsius: 30}, balboa.MsgSetTemperature, []byte{60}, nil},
		{"jacuzzi pump 1", balboa.DialectJacuzzi, TogglePump{N: 1}, balboa.MsgJacuzziPumpRequest, []byte{0x04}, nil},
		{"jacuzzi pump 3", balboa.DialectJacuzzi, SetPump{N: 3, Speed: 1}, balboa.MsgJacuzziPumpRequest, []byte{0x06}, nil},
		{"jacuzzi pump 4", balboa.DialectJacuzzi, TogglePump{N: 4}, 0, nil, ErrNoSuchItem},
		{"jacuzzi light toggle", balboa.DialectJacuzzi, ToggleLight{N: 1}, balboa.MsgJacuzziLightRequest,
			[]byte{0x1F, 0x80, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00}, nil},
		{"jacuzzi light on", balboa.DialectJacuzzi, SetLight{N: 1, On: true}, balboa.MsgJacuzziLightRequest,
			[]byte{0x1F, 0x80, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00}, nil},
		{"jacuzzi light 2", balboa.DialectJacuzzi, SetLight{N: 2, On: true}, 0, nil, ErrNoSuchItem},
		{"jacuzzi time", balboa.DialectJacuzzi, SetTime{At: at}, balboa.MsgJacuzziSetTime, []byte{0xF6, 15, 25, 19, 42}, nil},
		{"jacuzzi filtration", balboa.DialectJacuzzi, RequestPanel{Page: balboa.PanelPrimaryFiltration},
			balboa.MsgJacuzziPanelRequest, []byte{0x01, 0x00}, nil},
		{"jacuzzi fault log", balboa.DialectJacuzzi, RequestPanel{Page: balboa.PanelFaultLog}, 0, nil, ErrUnsupported},
		{"jacuzzi mode", balboa.DialectJacuzzi, SetMode{Mode: balboa.HeatModeRest}, 0, nil, ErrUnsupported},
		{"jacuzzi blower", balboa.DialectJacuzzi, SetBlower{Speed: 1}, 0, nil, ErrUnsupported},
		{"jacuzzi mister", balboa.DialectJacuzzi, SetMister{On: true}, 0, nil, ErrUnsupported},
		{"jacuzzi aux", balboa.DialectJacuzzi, SetAux{N: 1, On: true}, 0, nil, ErrUnsupported},
		{"jacuzzi range", balboa.DialectJacuzzi, SetTempRange{Range: balboa.TempRangeLow}, 0, nil, ErrUnsupported},
		{"jacuzzi scale", balboa.DialectJacuzzi, SetScale{Scale: balboa.ScaleFahrenheit}, 0, nil, ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(0, 0)
			d.SetDialect(tt.dialect)
			st := statusUpdate(balboa.ScaleCelsius, 70, 76)
			st.Dialect = tt.dialect
			s, _ := newTestModel().Apply(st, t0)

			h := d.Request(tt.intent, s)
			f := d.Next(t0, 0x10, s)
			if tt.err != nil {
				if f != nil {
					t.Fatalf("transmitted % X", f.Payload)
				}
				if r := h.Result(); r.Outcome != Failed || !errors.Is(r.Err, tt.err) {
					t.Errorf("expected Failed(%v), got %s %v", tt.err, r.Outcome, r.Err)
				}
				return
			}
			if f == nil {
				t.Fatalf("nothing transmitted, handle %s %v", h.Result().Outcome, h.Result().Err)
			}
			if f.Channel != 0x10 || f.Type != tt.msgType || !bytes.Equal(f.Payload, tt.payload) {
				t.Errorf("frame ch=0x%02X type=0x%02X payload % X, want type 0x%02X payload % X",
					f.Channel, f.Type, f.Payload, tt.msgType, tt.payload)
			}
		})
	}
}

func TestDispatcher_SettingAcks(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		change func(s *balboa.StatusUpdate)
		acked  bool
	}{
		{"mister", SetMister{On: true}, func(s *balboa.StatusUpdate) { s.Mister = true }, true},
		{"aux", SetAux{N: 1, On: true}, func(s *balboa.StatusUpdate) { s.Aux[0] = true }, true},
		{"other aux", SetAux{N: 1, On: true}, func(s *balboa.StatusUpdate) { s.Aux[1] = true }, false},
		{"range", SetTempRange{Range: balboa.TempRangeLow}, func(s *balboa.StatusUpdate) { s.TempRange = balboa.TempRangeLow }, true},
		{"scale", SetScale{Scale: balboa.ScaleFahrenheit}, func(s *balboa.StatusUpdate) { s.Scale = balboa.ScaleFahrenheit }, true},
		{"light", SetLight{N: 1, On: true}, func(s *balboa.StatusUpdate) { s.Lights[0] = true }, true},
		{"blower", SetBlower{Speed: 1}, func(s *balboa.StatusUpdate) { s.Blower = 1 }, true},
		{"time", SetTime{At: time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC)}, func(s *balboa.StatusUpdate) { s.Hour, s.Minute = 18, 5 }, true},
		{"time rolled over", SetTime{At: time.Date(2025, 6, 1, 18, 59, 0, 0, time.UTC)}, func(s *balboa.StatusUpdate) { s.Hour, s.Minute = 19, 0 }, true},
		{"time format", SetTime{At: time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC), Clock24h: true}, func(s *balboa.StatusUpdate) { s.Hour, s.Minute = 18, 5 }, false},
		{"time elsewhere", SetTime{At: time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC)}, func(s *balboa.StatusUpdate) { s.Hour, s.Minute = 18, 7 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(0, 0)
			base := statusUpdate(balboa.ScaleCelsius, 70, 76)
			s, _ := newTestModel().Apply(base, t0)

			h := d.Request(tt.intent, s)
			if d.Next(t0, balboa.ChannelWiFi, s) == nil {
				t.Fatal("nothing transmitted")
			}
			next := *base
			tt.change(&next)
			d.Resolve(&next)
			if got := h.Result().Outcome == Acked; got != tt.acked {
				t.Errorf("acked = %t, want %t", got, tt.acked)
			}
		})
	}
}

func TestDispatcher_JacuzziPanelAckedByResponse(t *testing.T) {
	d := NewDispatcher(0, 0)
	d.SetDialect(balboa.DialectJacuzzi)
	s := liveState(balboa.ScaleCelsius, 76)

	h := d.Request(RequestPanel{Page: balboa.PanelPrimaryFiltration}, s)
	if f := d.Next(t0, 0x10, s); f == nil || f.Type != balboa.MsgJacuzziPanelRequest {
		t.Fatalf("expected a Jacuzzi panel request, got %v", f)
	}

	d.Resolve(&balboa.FilterCycleInfo{})
	if h.Result().Outcome != Pending {
		t.Fatal("Balboa filter cycles acked a Jacuzzi filtration request")
	}
	d.Resolve(&balboa.PrimaryFiltration{StartHour: 20, DurationHours: 2, Frequency: 1})
	if h.Result().Outcome != Acked {
		t.Errorf("expected Acked, got %s", h.Result().Outcome)
	}
}

func TestDispatcher_JacuzziClockIgnoresFormat(t *testing.T) {
	m := newTestModel()
	st := statusUpdate(balboa.ScaleCelsius, 70, 76)
	st.Dialect = balboa.DialectJacuzzi
	st.Hour, st.Minute, st.Clock24h = 18, 5, true
	s, _ := m.Apply(st, t0)

	d := NewDispatcher(0, 0)
	d.SetDialect(balboa.DialectJacuzzi)
	at := time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC)
	if r := d.Request(SetTime{At: at, Clock24h: false}, s).Result(); r.Outcome != Acked {
		t.Errorf("expected Acked for a matching clock, got %s", r.Outcome)
	}
}

// ============================================================
// Jacuzzi State Tests
// ============================================================

func TestModel_JacuzziSections(t *testing.T) {
	m := newTestModel()
	msgs := []struct {
		msg   balboa.Message
		field Field
	}{
		{&balboa.LightStatus{Mode: balboa.LightModeBlend, Brightness: 100}, FieldLighting},
		{&balboa.PrimaryFiltration{StartHour: 20, DurationHours: 2, Frequency: 1}, FieldPrimaryFilter},
		{&balboa.SecondaryFiltration{Mode: balboa.SecondaryLight}, FieldSecondaryFilter},
	}
	for _, tt := range msgs {
		_, diff := m.Apply(tt.msg, t0)
		if !diff.Has(tt.field) {
			t.Errorf("%T: diff %v missing %s", tt.msg, diff, tt.field)
		}
		if _, diff := m.Apply(tt.msg, t0); !diff.Empty() {
			t.Errorf("%T: repeated message changed %v", tt.msg, diff)
		}
	}

	s := m.Snapshot()
	if s.Lighting == nil || !s.Lighting.On() || s.PrimaryFilter.StartHour != 20 || s.SecondaryFilter.Mode != balboa.SecondaryLight {
		t.Fatalf("unexpected sections %+v", s)
	}

	_, diff := m.Reset(t0)
	for _, tt := range msgs {
		if !diff.Has(tt.field) {
			t.Errorf("reset diff %v missing %s", diff, tt.field)
		}
	}
}
