// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import "math"

// Scale is the temperature unit the controller is configured for.
// Celsius values travel as half degrees, Fahrenheit values as whole degrees.
type Scale uint8

const (
	ScaleFahrenheit Scale = 0
	ScaleCelsius    Scale = 1
)

func (s Scale) String() string {
	if s == ScaleCelsius {
		return "Celsius"
	}
	return "Fahrenheit"
}

// TempUnknown is reported for the current temperature until the
// controller has circulated water past its sensor.
const TempUnknown = 0xFF

// RawToCelsius converts a wire temperature to degrees Celsius
func RawToCelsius(raw uint8, scale Scale) float64 {
	if scale == ScaleCelsius {
		return float64(raw) / 2
	}
	return FahrenheitToCelsius(float64(raw))
}

// CelsiusToRaw converts degrees Celsius to the wire value for the scale,
// rounding to the nearest half degree Celsius or whole degree Fahrenheit.
func CelsiusToRaw(c float64, scale Scale) uint8 {
	var v float64
	if scale == ScaleCelsius {
		v = math.Round(c * 2)
	} else {
		v = math.Round(CelsiusToFahrenheit(c))
	}
	return uint8(math.Max(0, math.Min(254, v)))
}

// FahrenheitToCelsius converts without rounding
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// CelsiusToFahrenheit converts without rounding
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// FahrenheitToHalfCelsius converts and rounds to the nearest half degree,
// the way the controller reports range limits on its own panel.
func FahrenheitToHalfCelsius(f uint8) float64 {
	return 0.5 * math.Round(FahrenheitToCelsius(float64(f))/0.5)
}

// HeatMode is the controller's heating policy
type HeatMode uint8

const (
	HeatModeReady       HeatMode = 0
	HeatModeRest        HeatMode = 1
	HeatModeReadyInRest HeatMode = 2
)

func (m HeatMode) String() string {
	switch m {
	case HeatModeReady:
		return "Ready"
	case HeatModeRest:
		return "Rest"
	case HeatModeReadyInRest:
		return "Ready in Rest"
	}
	return "Unknown"
}

// HeatState reports whether the heater is running
type HeatState uint8

const (
	HeatStateIdle        HeatState = 0
	HeatStateHeating     HeatState = 1
	HeatStateHeatWaiting HeatState = 2
)

func (s HeatState) String() string {
	switch s {
	case HeatStateIdle:
		return "Idle"
	case HeatStateHeating:
		return "Heating"
	case HeatStateHeatWaiting:
		return "Heat Waiting"
	}
	return "Unknown"
}

// TempRange selects which pair of set point limits applies
type TempRange uint8

const (
	TempRangeLow  TempRange = 0
	TempRangeHigh TempRange = 1
)

func (r TempRange) String() string {
	if r == TempRangeHigh {
		return "High"
	}
	return "Low"
}

