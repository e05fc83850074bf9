// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/spf13/cobra"
)

var watchStatus bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the spa state",
	Long: `Connect, wait for the first status update and print the spa state.

With --watch the command keeps running and prints every change as it is
reported.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Keep printing changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	engine, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := waitLive(ctx, engine); err != nil {
		return err
	}

	if !watchStatus {
		fmt.Print(formatState(engine.State()))
		return nil
	}

	unsub := engine.SubscribeStateChanges(func(c spa.StateChange) {
		fmt.Print(formatChange(c))
	})
	defer unsub()
	fmt.Print(formatState(engine.State()))

	<-ctx.Done()
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var pumpSpeeds = []string{"off", "low", "high", "?"}

// formatState renders a snapshot for the terminal
func formatState(s *spa.DeviceState) string {
	if !s.Known() {
		return "No status received\n"
	}
	st := s.Status
	var b strings.Builder

	if st.TemperatureKnown {
		fmt.Fprintf(&b, "Temperature:  %.1f°C\n", st.CurrentTemperature)
	} else {
		fmt.Fprintf(&b, "Temperature:  unknown\n")
	}
	fmt.Fprintf(&b, "Set point:    %.1f°C (%d %s)\n", st.TargetTemperature, st.TargetRaw, st.Scale)
	if lo, hi, ok := s.Bounds(); ok {
		fmt.Fprintf(&b, "Limits:       %.1f-%.1f°C (%s range)\n", lo, hi, st.TempRange)
	} else {
		fmt.Fprintf(&b, "Range:        %s\n", st.TempRange)
	}
	fmt.Fprintf(&b, "Heat mode:    %s (%s)\n", st.HeatMode, st.HeatState)
	fmt.Fprintf(&b, "Clock:        %02d:%02d\n", st.Hour, st.Minute)

	for i, speed := range st.Pumps {
		if s.Config != nil && !s.Config.HasPump(i) {
			continue
		}
		if s.Config == nil && speed == 0 {
			continue
		}
		fmt.Fprintf(&b, "Pump %d:       %s\n", i+1, pumpSpeeds[speed&0x03])
	}
	for i, on := range st.Lights {
		if s.Config != nil && !s.Config.HasLight(i) {
			continue
		}
		fmt.Fprintf(&b, "Light %d:      %s\n", i+1, onOff(on))
	}
	fmt.Fprintf(&b, "Circulation:  %s\n", onOff(st.CircPump))

	if s.System != nil {
		fmt.Fprintf(&b, "Controller:   %s (%s)\n", s.System.Model, s.System.SSIDString())
	}
	if s.Module != nil {
		fmt.Fprintf(&b, "WiFi module:  %s\n", s.Module.MACString())
	}
	if s.Fault != nil {
		fmt.Fprintf(&b, "Last fault:   code %d (%s), %d days ago\n", s.Fault.Code, s.Fault.Description(), s.Fault.DaysAgo)
	}
	if s.Stale {
		b.WriteString("(stale: connection lost)\n")
	}
	return b.String()
}

// formatChange renders the fields a change touched on one line
func formatChange(c spa.StateChange) string {
	s := c.State
	parts := make([]string, 0, len(c.Diff))
	for _, f := range c.Diff {
		switch {
		case f == spa.FieldCurrentTemperature && s.Known() && s.Status.TemperatureKnown:
			parts = append(parts, fmt.Sprintf("temperature=%.1f°C", s.Status.CurrentTemperature))
		case f == spa.FieldTargetTemperature && s.Known():
			parts = append(parts, fmt.Sprintf("set_point=%.1f°C", s.Status.TargetTemperature))
		case f == spa.FieldHeatMode && s.Known():
			parts = append(parts, fmt.Sprintf("heat_mode=%s", s.Status.HeatMode))
		case f == spa.FieldHeatState && s.Known():
			parts = append(parts, fmt.Sprintf("heating=%s", s.Status.HeatState))
		default:
			parts = append(parts, string(f))
		}
	}
	return fmt.Sprintf("[%s] %s\n", s.UpdatedAt.Format("15:04:05"), strings.Join(parts, " "))
}
