// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Thermoquad/spalink/pkg/capture"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/spf13/cobra"
)

var (
	captureDuration time.Duration
	replaySpeed     float64
	replayFrames    bool
	replayDump      bool
)

var captureCmd = &cobra.Command{
	Use:   "capture <file>",
	Short: "Record bus traffic to a capture file",
	Long: `Connect to the spa and record every frame received and sent.

The file can be inspected with "replay --dump" or fed back through the
protocol engine with "replay". Recording stops on Ctrl+C or after
--duration.`,
	Args: cobra.ExactArgs(1),
	RunE: runCapture,
}

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Run the engine against a capture file",
	Long: `Feed a capture file through the protocol engine and print the state
changes it produces, keeping the original timing (scaled by --speed).

Frames the engine would send are discarded. The recording restarts from
the beginning when it ends, the same way a lost connection is redialled.

With --dump the records are printed without running the engine.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(captureCmd, replayCmd)
	captureCmd.Flags().DurationVarP(&captureDuration, "duration", "d", 0, "Stop after this long (0 records until interrupted)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "Playback speed multiplier (0 for no delays)")
	replayCmd.Flags().BoolVar(&replayFrames, "frames", false, "Print each frame as it is replayed")
	replayCmd.Flags().BoolVar(&replayDump, "dump", false, "Print the records and exit")
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	dialer, err := OpenDialer()
	if err != nil {
		return err
	}

	w, err := capture.NewWriter(f, dialer.String(), time.Now())
	if err != nil {
		return err
	}

	engine, err := startEngine(ctx, dialer)
	if err != nil {
		return err
	}
	defer engine.Close()

	var mu sync.Mutex
	var writeErr error
	unsub := engine.SubscribeFrames(func(ev spa.FrameEvent) {
		mu.Lock()
		defer mu.Unlock()
		if writeErr == nil {
			writeErr = w.WriteFrame(ev.Frame, ev.Sent)
		}
	})

	logger.Info().Str("file", args[0]).Str("source", dialer.String()).Msg("Recording")

	var timeout <-chan time.Time
	if captureDuration > 0 {
		timer := time.NewTimer(captureDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	progress := time.NewTicker(10 * time.Second)
	defer progress.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case <-progress.C:
			mu.Lock()
			logger.Info().Int("frames", w.Count()).Msg("Recording")
			mu.Unlock()
		}
	}
	unsub()

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("write capture: %w", writeErr)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	logger.Info().Int("frames", w.Count()).Str("file", args[0]).Msg("Capture saved")
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayDump {
		return dumpCapture(args[0])
	}

	ctx, stop := signalContext()
	defer stop()

	engine, err := startEngine(ctx, &capture.ReplayDialer{Path: args[0], Speed: replaySpeed})
	if err != nil {
		return err
	}
	defer engine.Close()

	unsubState := engine.SubscribeStateChanges(func(c spa.StateChange) {
		fmt.Print(formatChange(c))
	})
	defer unsubState()

	if replayFrames {
		unsubFrames := engine.SubscribeFrames(func(ev spa.FrameEvent) {
			if !ev.Sent {
				fmt.Print(busDialect().FormatFrame(ev.Frame))
			}
		})
		defer unsubFrames()
	}

	<-ctx.Done()
	fmt.Println()
	stats := engine.Statistics()
	fmt.Print(stats.String())
	return nil
}

// dumpCapture prints every record in a capture file
func dumpCapture(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := capture.NewReader(bufio.NewReader(f))
	if err != nil {
		return err
	}
	h := r.Header()
	fmt.Printf("Capture of %s started %s\n\n", h.Source, time.Unix(0, h.Started).Format(time.RFC3339))

	count := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		count++

		frame, err := rec.Frame()
		if err != nil {
			fmt.Printf("[ERROR] record %d: %v\n", count, err)
			continue
		}
		direction := "RX"
		if rec.Sent {
			direction = "TX"
		}
		fmt.Printf("%s ", direction)
		fmt.Print(busDialect().FormatFrame(frame))
	}

	fmt.Printf("\n%d records\n", count)
	return nil
}
