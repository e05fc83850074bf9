// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	CRCErrors       uint64
	FramingErrors   uint64 // length, end marker and truncation
	MalformedFrames uint64
	UnknownTypes    uint64
	AnomalousValues uint64
	InvalidTime     uint64
	InvalidTemp     uint64
	InvalidHeatMode uint64
	InvalidRange    uint64
	StatusUpdates   uint64
	BytesDiscarded  uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records one decode outcome: a message with its validation
// errors, or a decode error.
func (s *Statistics) Update(msg Message, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		var corrupt *CorruptFrameError
		switch {
		case errors.As(decodeErr, &corrupt) && corrupt.Reason == CorruptChecksum:
			s.CRCErrors++
		case errors.As(decodeErr, &corrupt):
			s.FramingErrors++
		case errors.Is(decodeErr, ErrMalformedPayload):
			s.MalformedFrames++
		default:
			s.FramingErrors++
		}
		return
	}

	switch msg.(type) {
	case *Unknown:
		s.UnknownTypes++
	case *StatusUpdate:
		s.StatusUpdates++
	}

	if len(validationErrors) == 0 {
		s.ValidFrames++
		return
	}

	s.AnomalousValues++
	for _, err := range validationErrors {
		switch err.Type {
		case AnomalyInvalidTime:
			s.InvalidTime++
		case AnomalyInvalidTemp:
			s.InvalidTemp++
		case AnomalyInvalidHeatMode:
			s.InvalidHeatMode++
		case AnomalyInvalidRange:
			s.InvalidRange++
		}
	}
}

// Errors returns the number of frames that failed to decode or validate
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.FramingErrors + s.MalformedFrames + s.AnomalousValues
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))
	result += fmt.Sprintf("Status Updates:  %8d\n", s.StatusUpdates)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors))
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, percent(s.FramingErrors))
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.MalformedFrames, percent(s.MalformedFrames))
	}
	if s.UnknownTypes > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d (%.1f%%)\n", s.UnknownTypes, percent(s.UnknownTypes))
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d (%.1f%%)\n", s.AnomalousValues, percent(s.AnomalousValues))
		if s.InvalidTime > 0 {
			result += fmt.Sprintf("  Invalid Time:     %5d\n", s.InvalidTime)
		}
		if s.InvalidTemp > 0 {
			result += fmt.Sprintf("  Invalid Temp:     %5d\n", s.InvalidTemp)
		}
		if s.InvalidHeatMode > 0 {
			result += fmt.Sprintf("  Invalid Mode:     %5d\n", s.InvalidHeatMode)
		}
		if s.InvalidRange > 0 {
			result += fmt.Sprintf("  Invalid Range:    %5d\n", s.InvalidRange)
		}
	}
	if s.BytesDiscarded > 0 {
		result += fmt.Sprintf("Bytes Discarded: %8d\n", s.BytesDiscarded)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
