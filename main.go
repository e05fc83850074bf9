// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Spalink - Balboa spa bus client
//
// A CLI tool for monitoring, controlling and bridging Balboa spa
// controllers over their RS485 bus.

package main

import (
	"os"

	"github.com/Thermoquad/spalink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
