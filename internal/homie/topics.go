// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package homie

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
)

// NodeID is the single node the spa is published under
const NodeID = "spa"

// Device $state values
const (
	StateInit         = "init"
	StateReady        = "ready"
	StateLost         = "lost"
	StateDisconnected = "disconnected"
)

// Topics builds topic names for one device
type Topics struct {
	Prefix string
	Device string
}

func (t Topics) base() string {
	return t.Prefix + "/" + t.Device
}

// Attribute returns a device attribute topic such as homie/spa/$state
func (t Topics) Attribute(name string) string {
	return t.base() + "/$" + name
}

// Node returns a node attribute topic
func (t Topics) Node(attr string) string {
	return t.base() + "/" + NodeID + "/$" + attr
}

// Property returns the value topic of a property
func (t Topics) Property(id string) string {
	return t.base() + "/" + NodeID + "/" + id
}

// PropertyAttribute returns a property attribute topic such as .../$unit
func (t Topics) PropertyAttribute(id, attr string) string {
	return t.Property(id) + "/$" + attr
}

// SetFilter matches the command topic of every property
func (t Topics) SetFilter() string {
	return t.base() + "/" + NodeID + "/+/set"
}

// ParseSet returns the property a command topic addresses
func (t Topics) ParseSet(topic string) (string, bool) {
	prefix := t.base() + "/" + NodeID + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/set") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Message is one publication
type Message struct {
	Topic   string
	Payload string
}

// property describes one Homie property and how its value is read from
// the device state
type property struct {
	id       string
	name     string
	datatype string
	unit     string
	format   string
	settable bool
	fields   []spa.Field
	value    func(s *spa.DeviceState) (string, bool)
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func heatModeValue(m balboa.HeatMode) string {
	switch m {
	case balboa.HeatModeReady:
		return "ready"
	case balboa.HeatModeRest:
		return "rest"
	case balboa.HeatModeReadyInRest:
		return "ready_in_rest"
	}
	return "unknown"
}

func statusValue(f func(st *spa.Status) string) func(s *spa.DeviceState) (string, bool) {
	return func(s *spa.DeviceState) (string, bool) {
		if !s.Known() {
			return "", false
		}
		return f(s.Status), true
	}
}

func pumpProperty(n int) property {
	return property{
		id:       fmt.Sprintf("pump%d", n),
		name:     fmt.Sprintf("Pump %d", n),
		datatype: "integer",
		format:   "0:2",
		settable: true,
		fields:   []spa.Field{spa.FieldPumps},
		value: statusValue(func(st *spa.Status) string {
			return strconv.Itoa(int(st.Pumps[n-1]))
		}),
	}
}

func lightProperty(n int) property {
	return property{
		id:       fmt.Sprintf("light%d", n),
		name:     fmt.Sprintf("Light %d", n),
		datatype: "boolean",
		settable: true,
		fields:   []spa.Field{spa.FieldLights},
		value: statusValue(func(st *spa.Status) string {
			return strconv.FormatBool(st.Lights[n-1])
		}),
	}
}

// properties lists what is published for a spa with the given equipment.
// Before the configuration is known every pump and light is listed.
func properties(cfg *balboa.ConfigurationInfo) []property {
	props := []property{
		{
			id: "temperature", name: "Temperature", datatype: "float", unit: "°C",
			fields: []spa.Field{spa.FieldCurrentTemperature},
			value: func(s *spa.DeviceState) (string, bool) {
				if !s.Known() || !s.Status.TemperatureKnown {
					return "", false
				}
				return formatTemp(s.Status.CurrentTemperature), true
			},
		},
		{
			id: "set_temperature", name: "Set Temperature", datatype: "float", unit: "°C", settable: true,
			fields: []spa.Field{spa.FieldTargetTemperature, spa.FieldSetup},
			value: statusValue(func(st *spa.Status) string {
				return formatTemp(st.TargetTemperature)
			}),
		},
		{
			id: "heat_mode", name: "Heat Mode", datatype: "enum", format: "ready,rest,ready_in_rest", settable: true,
			fields: []spa.Field{spa.FieldHeatMode},
			value: statusValue(func(st *spa.Status) string {
				return heatModeValue(st.HeatMode)
			}),
		},
		{
			id: "heating", name: "Heating", datatype: "boolean",
			fields: []spa.Field{spa.FieldHeatState},
			value: statusValue(func(st *spa.Status) string {
				return strconv.FormatBool(st.HeatState == balboa.HeatStateHeating)
			}),
		},
		{
			id: "temp_range", name: "Temperature Range", datatype: "enum", format: "low,high",
			fields: []spa.Field{spa.FieldTempRange},
			value: statusValue(func(st *spa.Status) string {
				if st.TempRange == balboa.TempRangeHigh {
					return "high"
				}
				return "low"
			}),
		},
		{
			id: "circulation_pump", name: "Circulation Pump", datatype: "boolean",
			fields: []spa.Field{spa.FieldCircPump},
			value: statusValue(func(st *spa.Status) string {
				return strconv.FormatBool(st.CircPump)
			}),
		},
	}

	for n := 1; n <= balboa.MaxPumps; n++ {
		if cfg == nil || cfg.HasPump(n-1) {
			props = append(props, pumpProperty(n))
		}
	}
	for n := 1; n <= balboa.MaxLights; n++ {
		if cfg == nil || cfg.HasLight(n-1) {
			props = append(props, lightProperty(n))
		}
	}
	return props
}

// Description returns the device, node and property attributes
func (t Topics) Description(name string, cfg *balboa.ConfigurationInfo) []Message {
	props := properties(cfg)
	ids := make([]string, len(props))
	for i, p := range props {
		ids[i] = p.id
	}

	msgs := []Message{
		{t.Attribute("homie"), "3.0"},
		{t.Attribute("name"), name},
		{t.Attribute("nodes"), NodeID},
		{t.Node("name"), "Spa"},
		{t.Node("type"), "Balboa controller"},
		{t.Node("properties"), strings.Join(ids, ",")},
	}
	for _, p := range props {
		msgs = append(msgs,
			Message{t.PropertyAttribute(p.id, "name"), p.name},
			Message{t.PropertyAttribute(p.id, "datatype"), p.datatype},
			Message{t.PropertyAttribute(p.id, "settable"), strconv.FormatBool(p.settable)},
		)
		if p.unit != "" {
			msgs = append(msgs, Message{t.PropertyAttribute(p.id, "unit"), p.unit})
		}
		if p.format != "" {
			msgs = append(msgs, Message{t.PropertyAttribute(p.id, "format"), p.format})
		}
	}
	return msgs
}

// Values returns the property values touched by diff. A nil diff selects
// every property with a known value.
func (t Topics) Values(s *spa.DeviceState, diff spa.Diff) []Message {
	var msgs []Message
	for _, p := range properties(s.Config) {
		if diff != nil && !touches(diff, p.fields) {
			continue
		}
		if v, ok := p.value(s); ok {
			msgs = append(msgs, Message{t.Property(p.id), v})
		}
	}
	return msgs
}

func touches(diff spa.Diff, fields []spa.Field) bool {
	for _, f := range fields {
		if diff.Has(f) {
			return true
		}
	}
	return false
}

// DeviceState maps the engine lifecycle onto $state
func DeviceState(status spa.ConnectionStatus) string {
	switch status {
	case spa.Live:
		return StateReady
	case spa.Disconnected:
		return StateLost
	}
	return StateInit
}
