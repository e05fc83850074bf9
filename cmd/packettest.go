// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/spf13/cobra"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid Balboa frame",
	Long: `Wait for a valid Balboa frame on the connection until timeout.

This command connects over TCP, serial or WebSocket and waits for any
checksum-valid frame. It ignores noise and waits for a complete frame.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for testing connectivity to the spa WiFi module or an RS485 adaptor.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	timeout := time.Duration(packetTestTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, connInfo, err := openBus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Spalink - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid Balboa frame...\n\n")

	var first *balboa.Frame
	skipped := 0
	readCtx, stop := context.WithCancel(ctx)
	defer stop()

	err = readFrames(readCtx, conn,
		func(f *balboa.Frame) {
			if first == nil {
				first = f
				stop()
			}
		},
		func(err error) {
			var corrupt *balboa.CorruptFrameError
			if errors.As(err, &corrupt) {
				skipped += corrupt.Discarded
			}
		},
	)

	switch {
	case first != nil:
		if skipped > 0 {
			fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
		}
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", busDialect().FormatMessageType(first.Type), first.Type)
		fmt.Printf("  Channel: 0x%02X\n", first.Channel)
		fmt.Printf("  Length: %d bytes\n", first.WireSize())
		os.Exit(0)

	case err != nil:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	default:
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
