// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Thermoquad/spalink/internal/config"
	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/spf13/cobra"
)

var (
	discoveryTimeout int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Query the controller's information panels",
	Long: `Request the controller's information panels and print the answers.

The controller is asked for its system information, device configuration,
set point limits, filter cycles and last fault. Over the WiFi channel the
module identification is requested too. Jacuzzi controllers are asked for
their primary and secondary filtration settings.

Exit codes:
  0 - Every panel answered
  1 - Some panels did not answer before the timeout
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 15, "Timeout in seconds for discovery")
}

func discoveryIntents(dialect balboa.Dialect, withModule bool) []spa.Intent {
	if dialect == balboa.DialectJacuzzi {
		return []spa.Intent{
			spa.RequestPanel{Page: balboa.PanelPrimaryFiltration},
			spa.RequestPanel{Page: balboa.PanelSecondaryFiltration},
		}
	}
	intents := []spa.Intent{
		spa.RequestPanel{Page: balboa.PanelSystemInformation},
		spa.RequestPanel{Page: balboa.PanelDeviceConfiguration},
		spa.RequestPanel{Page: balboa.PanelSetupParameters},
		spa.RequestPanel{Page: balboa.PanelFilterCycles},
		spa.RequestPanel{Page: balboa.PanelFaultLog},
	}
	if withModule {
		intents = append(intents, spa.RequestModuleIdent{})
	}
	return intents
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	engine, err := connectEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer engine.Close()

	fmt.Printf("Spalink - Controller Discovery\n")
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	if err := waitLive(ctx, engine); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	channel, _ := config.ParseChannel(cfg.Engine.Channel)
	answered := 0
	intents := discoveryIntents(busDialect(), channel == balboa.ChannelWiFi)
	for _, intent := range intents {
		h, err := engine.Request(intent)
		if err != nil {
			fmt.Printf("%s: %v\n", intent, err)
			continue
		}
		res, err := h.Wait(waitCtx)
		switch {
		case err != nil:
			engine.Cancel(h)
			fmt.Printf("%s: no answer\n", intent)
		case res.Outcome != spa.Acked:
			fmt.Printf("%s: %s (%v)\n", intent, res.Outcome, res.Err)
		default:
			answered++
		}
	}

	fmt.Print(formatPanels(engine.State()))

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Panels answered: %d/%d\n", answered, len(intents))
	if answered < len(intents) {
		os.Exit(1)
	}
	return nil
}

// formatPanels prints every information panel held in the snapshot
func formatPanels(s *spa.DeviceState) string {
	var b strings.Builder
	panels := []struct {
		title string
		msg   balboa.Message
		ok    bool
	}{
		{"System information", s.System, s.System != nil},
		{"Device configuration", s.Config, s.Config != nil},
		{"Set point limits", s.Setup, s.Setup != nil},
		{"Filter cycles", s.Filters, s.Filters != nil},
		{"Last fault", s.Fault, s.Fault != nil},
		{"WiFi module", s.Module, s.Module != nil},
		{"Primary filtration", s.PrimaryFilter, s.PrimaryFilter != nil},
		{"Secondary filtration", s.SecondaryFilter, s.SecondaryFilter != nil},
		{"Lighting", s.Lighting, s.Lighting != nil},
	}
	for _, p := range panels {
		if !p.ok {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n%s", p.title, balboa.FormatMessage(p.msg))
	}
	return b.String()
}
