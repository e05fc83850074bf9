// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:     "error_detection",
	Aliases: []string{"stats"},
	Short:   "Detect and analyze corrupt frames and implausible values",
	Long: `Track frame errors, malformed payloads and anomalous values with statistics.

This command validates each frame and detects:
  - Checksum failures and framing errors
  - Payloads too short for their message type
  - Implausible values (clock out of range, water temperature outside
    0-50°C, unknown heat modes, unusable set point limits)
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.

Nothing is transmitted; the bus is only observed.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// frameResult is one decode outcome from the passive monitor
type frameResult struct {
	frame            *balboa.Frame
	msg              balboa.Message
	decodeErr        error
	validationErrors []balboa.ValidationError
}

// inspect decodes and validates a checksum-valid frame
func inspect(f *balboa.Frame) frameResult {
	msg, err := busDialect().Decode(f)
	if err != nil {
		return frameResult{frame: f, decodeErr: err}
	}
	return frameResult{frame: f, msg: msg, validationErrors: balboa.ValidateMessage(msg)}
}

// record adds a result to stats, counting the bytes a corrupt candidate
// cost
func record(stats *balboa.Statistics, r frameResult) {
	stats.Update(r.msg, r.decodeErr, r.validationErrors)
	var corrupt *balboa.CorruptFrameError
	if errors.As(r.decodeErr, &corrupt) {
		stats.BytesDiscarded += uint64(corrupt.Discarded)
	}
}

// monitor reads the bus and reports each result. Corrupt candidates seen
// before the first valid frame are counted but not reported, since the
// stream usually starts mid-frame.
func monitor(ctx context.Context, report func(frameResult), onSync func(skipped int)) error {
	conn, connInfo, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info().Str("connection", connInfo).Msg("Monitoring bus")

	synchronized := false
	skipped := 0

	return readFrames(ctx, conn,
		func(f *balboa.Frame) {
			if !synchronized {
				synchronized = true
				onSync(skipped)
			}
			report(inspect(f))
		},
		func(err error) {
			if !synchronized {
				var corrupt *balboa.CorruptFrameError
				if errors.As(err, &corrupt) {
					skipped += corrupt.Discarded
				}
				return
			}
			report(frameResult{decodeErr: err})
		},
	)
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if useTUI {
		return runTUIMode(ctx)
	}
	return runTextMode(ctx)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DISCARDED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(f *balboa.Frame, errs []balboa.ValidationError) {
	timestamp := f.Timestamp.Format("15:04:05.000")
	msgType := busDialect().FormatMessageType(f.Type)

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, msgType, f.Type)
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		switch err.Type {
		case balboa.AnomalyInvalidTemp:
			if raw, ok := err.Details["raw"].(uint8); ok {
				fmt.Printf("    raw=%d (valid: 0 to 50°C)\n", raw)
			}
		case balboa.AnomalyInvalidRange:
			lo, _ := err.Details["min"].(float64)
			hi, _ := err.Details["max"].(float64)
			fmt.Printf("    min=%.1f°C max=%.1f°C\n", lo, hi)
		}
	}

	fmt.Printf("  Payload: % X\n", f.Payload)
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(ctx context.Context) error {
	m := initialModel(cfg.Connection.Transport, statsInterval, showAll)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	go func() {
		err := monitor(ctx,
			func(r frameResult) { p.Send(busDataMsg(r)) },
			func(skipped int) { p.Send(syncMsg{invalidBytes: skipped}) },
		)
		p.Send(connectionClosedMsg{err: err})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(ctx context.Context) error {
	fmt.Printf("Spalink - Error Detection Mode\n")
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := balboa.NewStatistics()
	results := make(chan frameResult, 64)
	done := make(chan error, 1)

	go func() {
		done <- monitor(ctx,
			func(r frameResult) { results <- r },
			func(skipped int) {
				if skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			},
		)
	}()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case r := <-results:
			record(stats, r)
			switch {
			case r.decodeErr != nil:
				printDecodeError(r.decodeErr)
			case len(r.validationErrors) > 0:
				printValidationErrors(r.frame, r.validationErrors)
			case showAll:
				fmt.Print(busDialect().FormatFrame(r.frame))
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case err := <-done:
			fmt.Println()
			fmt.Print(stats.String())
			return err
		}
	}
}
