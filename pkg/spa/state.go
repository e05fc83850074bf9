// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"bytes"
	"math"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/rs/zerolog"
)

// Status is the live state reported by the last status update.
// Temperatures are Celsius.
type Status struct {
	Dialect            balboa.Dialect
	CurrentTemperature float64 // valid when TemperatureKnown
	TemperatureKnown   bool
	TargetTemperature  float64
	TargetRaw          uint8 // set point as reported, in Scale units
	Scale              balboa.Scale
	HeatMode           balboa.HeatMode
	HeatState          balboa.HeatState
	TempRange          balboa.TempRange
	Pumps              [balboa.MaxPumps]uint8
	Lights             [balboa.MaxLights]bool
	CircPump           bool
	Blower             uint8
	Mister             bool
	Aux                [2]bool
	FilterMode         uint8
	Hour               uint8
	Minute             uint8
	Clock24h           bool
	SpaState           uint8
	InitMode           uint8
}

func statusFromUpdate(u *balboa.StatusUpdate) Status {
	s := Status{
		Dialect:           u.Dialect,
		TargetTemperature: u.TargetTemperature(),
		TargetRaw:         u.TargetTempRaw,
		Scale:             u.Scale,
		HeatMode:          u.HeatMode,
		HeatState:         u.HeatState,
		TempRange:         u.TempRange,
		Pumps:             u.Pumps,
		Lights:            u.Lights,
		CircPump:          u.CircPump,
		Blower:            u.Blower,
		Mister:            u.Mister,
		Aux:               u.Aux,
		FilterMode:        u.FilterMode,
		Hour:              u.Hour,
		Minute:            u.Minute,
		Clock24h:          u.Clock24h,
		SpaState:          u.SpaState,
		InitMode:          u.InitMode,
	}
	s.CurrentTemperature, s.TemperatureKnown = u.CurrentTemperature()
	return s
}

// DeviceState is an immutable snapshot of the spa. Nil sections have not
// been reported since the connection was established. Snapshots are
// shared between readers and must not be modified.
type DeviceState struct {
	Status  *Status
	Config  *balboa.ConfigurationInfo
	Setup   *balboa.SetupParameters
	System  *balboa.SystemInformation
	Module  *balboa.ModuleIdentification
	Filters *balboa.FilterCycleInfo
	Fault   *balboa.FaultLog

	// Jacuzzi controllers only
	Lighting        *balboa.LightStatus
	PrimaryFilter   *balboa.PrimaryFiltration
	SecondaryFilter *balboa.SecondaryFiltration

	// Stale is set while the connection is down
	Stale     bool
	UpdatedAt time.Time
}

// Known reports whether a status update has been received
func (s *DeviceState) Known() bool {
	return s != nil && s.Status != nil
}

// Bounds returns the set point limits of the active temperature range
func (s *DeviceState) Bounds() (lo, hi float64, ok bool) {
	if s == nil || s.Setup == nil || s.Status == nil {
		return 0, 0, false
	}
	lo, hi = s.Setup.Bounds(s.Status.TempRange)
	return lo, hi, true
}

func (s *DeviceState) clone() *DeviceState {
	c := *s
	return &c
}

// Field names a part of DeviceState that changed
type Field string

const (
	FieldCurrentTemperature Field = "current_temperature"
	FieldTargetTemperature  Field = "target_temperature"
	FieldScale              Field = "scale"
	FieldHeatMode           Field = "heat_mode"
	FieldHeatState          Field = "heat_state"
	FieldTempRange          Field = "temp_range"
	FieldPumps              Field = "pumps"
	FieldLights             Field = "lights"
	FieldCircPump           Field = "circ_pump"
	FieldBlower             Field = "blower"
	FieldMister             Field = "mister"
	FieldAux                Field = "aux"
	FieldFilterMode         Field = "filter_mode"
	FieldClock              Field = "clock"
	FieldSpaState           Field = "spa_state"
	FieldConfig             Field = "config"
	FieldSetup              Field = "setup"
	FieldSystem             Field = "system"
	FieldModule             Field = "module"
	FieldFilterCycles       Field = "filter_cycles"
	FieldFault              Field = "fault"
	FieldLighting           Field = "lighting"
	FieldPrimaryFilter      Field = "primary_filter"
	FieldSecondaryFilter    Field = "secondary_filter"
	FieldStale              Field = "stale"
)

// Diff lists the fields changed by one update
type Diff []Field

// Has reports whether f changed
func (d Diff) Has(f Field) bool {
	for _, x := range d {
		if x == f {
			return true
		}
	}
	return false
}

// Empty reports whether nothing changed
func (d Diff) Empty() bool {
	return len(d) == 0
}

func diffStatus(prev *Status, next *Status) Diff {
	var d Diff
	add := func(changed bool, f Field) {
		if changed || prev == nil {
			d = append(d, f)
		}
	}
	if prev == nil {
		prev = &Status{}
	}
	add(prev.TemperatureKnown != next.TemperatureKnown || prev.CurrentTemperature != next.CurrentTemperature, FieldCurrentTemperature)
	add(prev.TargetTemperature != next.TargetTemperature || prev.TargetRaw != next.TargetRaw, FieldTargetTemperature)
	add(prev.Scale != next.Scale, FieldScale)
	add(prev.HeatMode != next.HeatMode, FieldHeatMode)
	add(prev.HeatState != next.HeatState, FieldHeatState)
	add(prev.TempRange != next.TempRange, FieldTempRange)
	add(prev.Pumps != next.Pumps, FieldPumps)
	add(prev.Lights != next.Lights, FieldLights)
	add(prev.CircPump != next.CircPump, FieldCircPump)
	add(prev.Blower != next.Blower, FieldBlower)
	add(prev.Mister != next.Mister, FieldMister)
	add(prev.Aux != next.Aux, FieldAux)
	add(prev.FilterMode != next.FilterMode, FieldFilterMode)
	add(prev.Hour != next.Hour || prev.Minute != next.Minute || prev.Clock24h != next.Clock24h, FieldClock)
	add(prev.SpaState != next.SpaState || prev.InitMode != next.InitMode, FieldSpaState)
	return d
}

// Model owns the device state. Apply is called from one goroutine; any
// number of goroutines may read snapshots.
type Model struct {
	current atomic.Pointer[DeviceState]
	log     zerolog.Logger
}

// NewModel creates a model in the unknown state
func NewModel(log zerolog.Logger) *Model {
	m := &Model{log: log}
	m.current.Store(&DeviceState{})
	return m
}

// Snapshot returns the current state
func (m *Model) Snapshot() *DeviceState {
	return m.current.Load()
}

// Apply folds a message into the state. It returns the new snapshot and
// the fields that changed; an empty diff means the snapshot was not
// replaced. Messages that carry no device state leave it untouched.
func (m *Model) Apply(msg balboa.Message, now time.Time) (*DeviceState, Diff) {
	prev := m.current.Load()
	next := prev.clone()
	var diff Diff

	switch v := msg.(type) {
	case *balboa.StatusUpdate:
		status := statusFromUpdate(v)
		clamped := clampTarget(&status, prev.Setup)
		diff = diffStatus(prev.Status, &status)
		if len(diff) > 0 {
			next.Status = &status
		}
		if clamped && diff.Has(FieldTargetTemperature) {
			m.logClamp(v.TargetTemperature(), prev.Setup, status.TempRange)
		}

	case *balboa.ConfigurationInfo:
		if prev.Config == nil || !samePayload(prev.Config, v) {
			c := *v
			next.Config = &c
			diff = Diff{FieldConfig}
		}

	case *balboa.SetupParameters:
		if prev.Setup == nil || !samePayload(prev.Setup, v) {
			s := *v
			next.Setup = &s
			diff = Diff{FieldSetup}
			if prev.Status != nil {
				status := *prev.Status
				if clampTarget(&status, next.Setup) {
					m.logClamp(prev.Status.TargetTemperature, next.Setup, status.TempRange)
					next.Status = &status
					diff = append(diff, FieldTargetTemperature)
				}
			}
		}

	case *balboa.SystemInformation:
		if prev.System == nil || !samePayload(prev.System, v) {
			s := *v
			next.System = &s
			diff = Diff{FieldSystem}
		}

	case *balboa.ModuleIdentification:
		if prev.Module == nil || !samePayload(prev.Module, v) {
			mi := *v
			next.Module = &mi
			diff = Diff{FieldModule}
		}

	case *balboa.FilterCycleInfo:
		if prev.Filters == nil || !samePayload(prev.Filters, v) {
			f := *v
			next.Filters = &f
			diff = Diff{FieldFilterCycles}
		}

	case *balboa.FaultLog:
		if prev.Fault == nil || !samePayload(prev.Fault, v) {
			f := *v
			next.Fault = &f
			diff = Diff{FieldFault}
		}

	case *balboa.LightStatus:
		if prev.Lighting == nil || !samePayload(prev.Lighting, v) {
			l := *v
			next.Lighting = &l
			diff = Diff{FieldLighting}
		}

	case *balboa.PrimaryFiltration:
		if prev.PrimaryFilter == nil || !samePayload(prev.PrimaryFilter, v) {
			f := *v
			next.PrimaryFilter = &f
			diff = Diff{FieldPrimaryFilter}
		}

	case *balboa.SecondaryFiltration:
		if prev.SecondaryFilter == nil || !samePayload(prev.SecondaryFilter, v) {
			f := *v
			next.SecondaryFilter = &f
			diff = Diff{FieldSecondaryFilter}
		}
	}

	if prev.Stale && len(diff) > 0 {
		next.Stale = false
		diff = append(diff, FieldStale)
	}
	if len(diff) == 0 {
		return prev, nil
	}

	next.UpdatedAt = now
	m.current.Store(next)
	return next, diff
}

// clampTarget keeps the set point within the advertised limits
func clampTarget(s *Status, setup *balboa.SetupParameters) bool {
	if setup == nil {
		return false
	}
	lo, hi := setup.Bounds(s.TempRange)
	if lo > hi {
		return false
	}
	clamped := math.Min(math.Max(s.TargetTemperature, lo), hi)
	if clamped == s.TargetTemperature {
		return false
	}
	s.TargetTemperature = clamped
	return true
}

func (m *Model) logClamp(reported float64, setup *balboa.SetupParameters, r balboa.TempRange) {
	lo, hi := setup.Bounds(r)
	m.log.Warn().
		Float64("reported", reported).
		Float64("min", lo).
		Float64("max", hi).
		Msg("Set point outside advertised range, clamping")
}

// MarkStale flags the state as outdated while keeping its contents
func (m *Model) MarkStale(now time.Time) (*DeviceState, Diff) {
	prev := m.current.Load()
	if prev.Stale {
		return prev, nil
	}
	next := prev.clone()
	next.Stale = true
	next.UpdatedAt = now
	m.current.Store(next)
	return next, Diff{FieldStale}
}

// Reset replaces the state with an unknown one. The diff lists every
// section that was known before.
func (m *Model) Reset(now time.Time) (*DeviceState, Diff) {
	prev := m.current.Load()
	var diff Diff
	if prev.Status != nil {
		diff = append(diff, diffStatus(nil, prev.Status)...)
	}
	sections := []struct {
		known bool
		field Field
	}{
		{prev.Config != nil, FieldConfig},
		{prev.Setup != nil, FieldSetup},
		{prev.System != nil, FieldSystem},
		{prev.Module != nil, FieldModule},
		{prev.Filters != nil, FieldFilterCycles},
		{prev.Fault != nil, FieldFault},
		{prev.Lighting != nil, FieldLighting},
		{prev.PrimaryFilter != nil, FieldPrimaryFilter},
		{prev.SecondaryFilter != nil, FieldSecondaryFilter},
		{prev.Stale, FieldStale},
	}
	for _, s := range sections {
		if s.known {
			diff = append(diff, s.field)
		}
	}
	if len(diff) == 0 {
		return prev, nil
	}

	next := &DeviceState{UpdatedAt: now}
	m.current.Store(next)
	return next, diff
}

func samePayload(a, b balboa.Message) bool {
	return bytes.Equal(a.MarshalPayload(), b.MarshalPayload())
}
