// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/transport"
	"github.com/spf13/cobra"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display Balboa bus frames as they arrive.

Shows each frame with timestamp, message type, channel and decoded payload
fields. Nothing is transmitted, so the log can run alongside other clients.

Supports TCP, serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

// openBus dials the configured connection without starting an engine
func openBus(ctx context.Context) (transport.Conn, string, error) {
	dialer, err := OpenDialer()
	if err != nil {
		return nil, "", err
	}
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, "", err
	}
	return conn, dialer.String(), nil
}

// readFrames feeds everything read from conn through a decoder until the
// connection fails or ctx ends. onFrame sees each frame, onError each
// rejected candidate.
func readFrames(ctx context.Context, conn transport.Conn, onFrame func(*balboa.Frame), onError func(error)) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	decoder := balboa.NewDecoder()
	buf := make([]byte, 256)

	for {
		n, err := conn.Read(buf)
		if transport.IsTimeout(err) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		decoder.Write(buf[:n])
		for {
			frame, err := decoder.Next()
			if err != nil {
				onError(err)
				continue
			}
			if frame == nil {
				break
			}
			onFrame(frame)
		}
	}
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	conn, connInfo, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Spalink - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	err = readFrames(ctx, conn,
		func(f *balboa.Frame) { fmt.Print(busDialect().FormatFrame(f)) },
		func(err error) { fmt.Printf("[ERROR] %v\n", err) },
	)
	if err != nil {
		logger.Warn().Err(err).Msg("Connection closed")
	}
	return nil
}
