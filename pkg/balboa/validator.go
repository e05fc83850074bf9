// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import "fmt"

// AnomalyType classifies implausible values in a checksum-valid message
type AnomalyType int

const (
	AnomalyInvalidTime AnomalyType = iota
	AnomalyInvalidTemp
	AnomalyInvalidHeatMode
	AnomalyInvalidRange
)

// ValidationError describes one anomaly found in a message
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

func (e ValidationError) Error() string {
	return e.Message
}

// Plausible water temperature limits, Celsius
const (
	minPlausibleTemp = 0.0
	maxPlausibleTemp = 50.0
)

// ValidateMessage checks a decoded message for values the controller
// should never report. A CRC only proves the bytes arrived intact, so
// this catches mis-parsed layouts on unfamiliar controller variants.
func ValidateMessage(m Message) []ValidationError {
	var errors []ValidationError

	switch msg := m.(type) {
	case *StatusUpdate:
		if msg.Hour > 23 || msg.Minute > 59 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTime,
				Message: fmt.Sprintf("Invalid clock %02d:%02d", msg.Hour, msg.Minute),
				Details: map[string]interface{}{"hour": msg.Hour, "minute": msg.Minute},
			})
		}
		if c, ok := msg.CurrentTemperature(); ok && !plausibleTemp(c) {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Current temperature %.1f°C out of range", c),
				Details: map[string]interface{}{"value": c, "raw": msg.CurrentTempRaw},
			})
		}
		if t := msg.TargetTemperature(); !plausibleTemp(t) {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Target temperature %.1f°C out of range", t),
				Details: map[string]interface{}{"value": t, "raw": msg.TargetTempRaw},
			})
		}
		if msg.HeatMode > HeatModeReadyInRest {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidHeatMode,
				Message: fmt.Sprintf("Invalid heat mode %d", msg.HeatMode),
				Details: map[string]interface{}{"heat_mode": uint8(msg.HeatMode)},
			})
		}

	case *SetupParameters:
		for _, r := range []TempRange{TempRangeLow, TempRangeHigh} {
			lo, hi := msg.Bounds(r)
			if lo > hi || !plausibleTemp(lo) || !plausibleTemp(hi) {
				errors = append(errors, ValidationError{
					Type:    AnomalyInvalidRange,
					Message: fmt.Sprintf("%s range %.1f-%.1f°C is not usable", r, lo, hi),
					Details: map[string]interface{}{"min": lo, "max": hi},
				})
			}
		}

	case *FilterCycleInfo:
		for i, c := range []FilterCycle{msg.Cycle1, msg.Cycle2} {
			if c.StartHour > 23 || c.StartMinute > 59 || c.DurationMinutes > 59 {
				errors = append(errors, ValidationError{
					Type:    AnomalyInvalidTime,
					Message: fmt.Sprintf("Invalid filter cycle %d schedule", i+1),
					Details: map[string]interface{}{"hour": c.StartHour, "minute": c.StartMinute},
				})
			}
		}
	}

	return errors
}

func plausibleTemp(c float64) bool {
	return c >= minPlausibleTemp && c <= maxPlausibleTemp
}
