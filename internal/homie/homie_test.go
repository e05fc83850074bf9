// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package homie

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var testTopics = Topics{Prefix: "homie", Device: "hot_tub"}

// ============================================================
// Fakes
// ============================================================

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type recordingPublisher struct {
	mu       sync.Mutex
	retained map[string]string
	order    []string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{retained: map[string]string{}}
}

func (p *recordingPublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retained[topic] = payload.(string)
	p.order = append(p.order, topic)
	return doneToken{}
}

func (p *recordingPublisher) get(topic string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.retained[topic]
	return v, ok
}

type call struct {
	op  string
	n   int
	arg float64
}

type fakeSpa struct {
	state  *spa.DeviceState
	status spa.ConnectionStatus
	calls  []call
	err    error

	onState  func(spa.StateChange)
	onStatus func(spa.ConnectionStatus)
}

func (f *fakeSpa) State() *spa.DeviceState                { return f.state }
func (f *fakeSpa) ConnectionStatus() spa.ConnectionStatus { return f.status }

func (f *fakeSpa) SubscribeStateChanges(fn func(spa.StateChange)) func() {
	f.onState = fn
	return func() { f.onState = nil }
}

func (f *fakeSpa) SubscribeConnectionStatus(fn func(spa.ConnectionStatus)) func() {
	f.onStatus = fn
	return func() { f.onStatus = nil }
}

func (f *fakeSpa) SetTargetTemperature(c float64) (*spa.Handle, error) {
	f.calls = append(f.calls, call{op: "temperature", arg: c})
	return nil, f.err
}

func (f *fakeSpa) SetMode(m balboa.HeatMode) (*spa.Handle, error) {
	f.calls = append(f.calls, call{op: "mode", arg: float64(m)})
	return nil, f.err
}

func (f *fakeSpa) SetPump(n int, speed uint8) (*spa.Handle, error) {
	f.calls = append(f.calls, call{op: "pump", n: n, arg: float64(speed)})
	return nil, f.err
}

func (f *fakeSpa) SetLight(n int, on bool) (*spa.Handle, error) {
	arg := 0.0
	if on {
		arg = 1
	}
	f.calls = append(f.calls, call{op: "light", n: n, arg: arg})
	return nil, f.err
}

func liveState() *spa.DeviceState {
	return &spa.DeviceState{
		Status: &spa.Status{
			CurrentTemperature: 37.5,
			TemperatureKnown:   true,
			TargetTemperature:  38.5,
			TargetRaw:          77,
			Scale:              balboa.ScaleCelsius,
			HeatMode:           balboa.HeatModeRest,
			HeatState:          balboa.HeatStateHeating,
			TempRange:          balboa.TempRangeHigh,
			Pumps:              [balboa.MaxPumps]uint8{2, 0},
			Lights:             [balboa.MaxLights]bool{true, false},
		},
	}
}

// ============================================================
// Topic Mapping Tests
// ============================================================

func TestTopics(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{testTopics.Attribute("state"), "homie/hot_tub/$state"},
		{testTopics.Node("properties"), "homie/hot_tub/spa/$properties"},
		{testTopics.Property("set_temperature"), "homie/hot_tub/spa/set_temperature"},
		{testTopics.PropertyAttribute("temperature", "unit"), "homie/hot_tub/spa/temperature/$unit"},
		{testTopics.SetFilter(), "homie/hot_tub/spa/+/set"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseSet(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"homie/hot_tub/spa/set_temperature/set", "set_temperature", true},
		{"homie/hot_tub/spa/light1/set", "light1", true},
		{"homie/hot_tub/spa/set_temperature", "", false},
		{"homie/other/spa/heat_mode/set", "", false},
		{"homie/hot_tub/spa//set", "", false},
		{"homie/hot_tub/spa/a/b/set", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := testTopics.ParseSet(tt.topic)
			if got != tt.want || ok != tt.ok {
				t.Errorf("got (%q, %t), want (%q, %t)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestValues(t *testing.T) {
	s := liveState()
	values := map[string]string{}
	for _, m := range testTopics.Values(s, nil) {
		values[m.Topic] = m.Payload
	}

	want := map[string]string{
		"temperature":      "37.5",
		"set_temperature":  "38.5",
		"heat_mode":        "rest",
		"heating":          "true",
		"temp_range":       "high",
		"circulation_pump": "false",
		"pump1":            "2",
		"pump2":            "0",
		"light1":           "true",
		"light2":           "false",
	}
	for id, v := range want {
		if got := values[testTopics.Property(id)]; got != v {
			t.Errorf("%s: got %q, want %q", id, got, v)
		}
	}

	// A diff limits the output to the properties it touches
	msgs := testTopics.Values(s, spa.Diff{spa.FieldTargetTemperature})
	if len(msgs) != 1 || msgs[0].Topic != testTopics.Property("set_temperature") {
		t.Errorf("expected only the set point, got %v", msgs)
	}

	// Unknown temperature is not published
	s.Status.TemperatureKnown = false
	if msgs := testTopics.Values(s, spa.Diff{spa.FieldCurrentTemperature}); len(msgs) != 0 {
		t.Errorf("expected nothing for an unknown temperature, got %v", msgs)
	}

	if msgs := testTopics.Values(&spa.DeviceState{}, nil); len(msgs) != 0 {
		t.Errorf("expected nothing before the first status, got %v", msgs)
	}
}

func TestDescriptionFollowsEquipment(t *testing.T) {
	// Two pumps and one light fitted
	cfg := &balboa.ConfigurationInfo{
		Pumps:  [balboa.MaxPumps]uint8{2, 1},
		Lights: [balboa.MaxLights]uint8{1, 0},
	}
	desc := map[string]string{}
	for _, m := range testTopics.Description("Hot Tub", cfg) {
		desc[m.Topic] = m.Payload
	}

	if desc[testTopics.Attribute("homie")] != "3.0" || desc[testTopics.Attribute("name")] != "Hot Tub" {
		t.Errorf("unexpected device attributes %v", desc)
	}
	props := desc[testTopics.Node("properties")]
	wantProps := "temperature,set_temperature,heat_mode,heating,temp_range,circulation_pump,pump1,pump2,light1"
	if props != wantProps {
		t.Errorf("properties\n got %s\nwant %s", props, wantProps)
	}
	if desc[testTopics.PropertyAttribute("set_temperature", "settable")] != "true" {
		t.Error("set_temperature must be settable")
	}
	if desc[testTopics.PropertyAttribute("temperature", "settable")] != "false" {
		t.Error("temperature must not be settable")
	}
	if desc[testTopics.PropertyAttribute("temperature", "unit")] != "°C" {
		t.Error("expected Celsius unit")
	}
}

func TestDeviceState(t *testing.T) {
	tests := map[spa.ConnectionStatus]string{
		spa.Disconnected:  StateLost,
		spa.Connecting:    StateInit,
		spa.Synchronizing: StateInit,
		spa.Live:          StateReady,
	}
	for status, want := range tests {
		if got := DeviceState(status); got != want {
			t.Errorf("%s: got %q, want %q", status, got, want)
		}
	}
}

// ============================================================
// Bridge Tests
// ============================================================

func newTestBridge() (*Bridge, *fakeSpa, *recordingPublisher) {
	s := &fakeSpa{state: liveState(), status: spa.Live}
	pub := newRecordingPublisher()
	return New(s, pub, testTopics, "Hot Tub", zerolog.Nop()), s, pub
}

func TestBridgeAnnounceAndUpdates(t *testing.T) {
	b, s, pub := newTestBridge()
	b.Start()
	b.Announce()

	if v, _ := pub.get(testTopics.Attribute("state")); v != StateReady {
		t.Errorf("expected ready, got %q", v)
	}
	if v, _ := pub.get(testTopics.Property("set_temperature")); v != "38.5" {
		t.Errorf("expected 38.5, got %q", v)
	}

	next := liveState()
	next.Status.TargetTemperature = 39
	s.onState(spa.StateChange{State: next, Diff: spa.Diff{spa.FieldTargetTemperature}})
	if v, _ := pub.get(testTopics.Property("set_temperature")); v != "39.0" {
		t.Errorf("expected 39.0, got %q", v)
	}

	s.onStatus(spa.Disconnected)
	if v, _ := pub.get(testTopics.Attribute("state")); v != StateLost {
		t.Errorf("expected lost, got %q", v)
	}

	b.Stop()
	if v, _ := pub.get(testTopics.Attribute("state")); v != StateDisconnected {
		t.Errorf("expected disconnected, got %q", v)
	}
	if s.onState != nil || s.onStatus != nil {
		t.Error("Stop must unsubscribe")
	}
}

func TestBridgeHandleSet(t *testing.T) {
	tests := []struct {
		id      string
		payload string
		want    []call
		wantErr bool
	}{
		{"set_temperature", " 38.5 ", []call{{op: "temperature", arg: 38.5}}, false},
		{"set_temperature", "warm", nil, true},
		{"heat_mode", "Ready", []call{{op: "mode", arg: float64(balboa.HeatModeReady)}}, false},
		{"heat_mode", "ready_in_rest", nil, true},
		{"pump2", "0", []call{{op: "pump", n: 2, arg: 0}}, false},
		{"pump1", " 2 ", []call{{op: "pump", n: 1, arg: 2}}, false},
		{"pump1", "", nil, true},
		{"pump1", "high", nil, true},
		{"light1", "false", []call{{op: "light", n: 1, arg: 0}}, false},
		{"light2", "true", []call{{op: "light", n: 2, arg: 1}}, false},
		{"light2", "on", nil, true},
		{"temperature", "30", nil, true},
		{"pumpx", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.id+"="+tt.payload, func(t *testing.T) {
			b, s, _ := newTestBridge()
			err := b.HandleSet(tt.id, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %t", err, tt.wantErr)
			}
			if len(s.calls) != len(tt.want) {
				t.Fatalf("calls %v, want %v", s.calls, tt.want)
			}
			for i := range tt.want {
				if s.calls[i] != tt.want[i] {
					t.Errorf("call %d: %v, want %v", i, s.calls[i], tt.want[i])
				}
			}
		})
	}
}

func TestBridgeHandleSetPropagatesEngineErrors(t *testing.T) {
	b, s, _ := newTestBridge()
	s.err = spa.ErrOutOfRange
	if err := b.HandleSet("set_temperature", "60"); !errors.Is(err, spa.ErrOutOfRange) {
		t.Errorf("expected out of range, got %v", err)
	}
	if err := b.HandleSet("bogus", "1"); !errors.Is(err, ErrUnknownProperty) {
		t.Errorf("expected unknown property, got %v", err)
	}
}
