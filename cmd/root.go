// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"

	"github.com/Thermoquad/spalink/internal/config"
	"github.com/Thermoquad/spalink/internal/logging"
	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	// TCP connection flags
	host    string
	tcpPort int

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	channel string
	dialect string

	// Loaded in PersistentPreRunE
	cfg    config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spalink",
	Short: "Balboa spa bus client",
	Long: `Spalink - A client for the Balboa spa controller bus.

Monitors the RS485 bus, decodes the controller's messages and sends
commands to change the set point, heat mode, pumps and lights. Jacuzzi
controllers, which reuse the Balboa framing with their own message
types, are selected with --dialect jacuzzi.

Connection modes:
  TCP:       --host 192.168.1.50 [--tcp-port 4257]
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings can also be read from a TOML file with --config. Flags override
the file. For WebSocket authentication, the password is read from the
SPALINK_PASSWORD environment variable, or prompted interactively if not
set. The --password flag is intentionally not provided to avoid leaking
credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// TCP connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "", "Spa WiFi module address")
	rootCmd.PersistentFlags().IntVar(&tcpPort, "tcp-port", 4257, "Spa WiFi module TCP port")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&channel, "channel", "", "Bus channel: wifi, auto or 0x10-0x2F")
	rootCmd.PersistentFlags().StringVar(&dialect, "dialect", "", "Controller dialect: balboa or jacuzzi")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}

	applyFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err = logging.New(os.Stderr, "spalink", cfg.LogLevel)
	return err
}

// applyFlags overrides the configuration with the flags given on the
// command line
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	conn := &cfg.Connection

	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("channel") {
		cfg.Engine.Channel = channel
	}
	if flags.Changed("dialect") {
		cfg.Engine.Dialect = dialect
	}

	switch {
	case flags.Changed("url"):
		conn.Transport = config.TransportWebSocket
		conn.URL = wsURL
	case flags.Changed("port"):
		conn.Transport = config.TransportSerial
		conn.SerialPort = portName
	case flags.Changed("host"):
		conn.Transport = config.TransportTCP
		conn.Host = host
	}
	if flags.Changed("tcp-port") {
		conn.Port = tcpPort
	}
	if flags.Changed("baud") {
		conn.BaudRate = baudRate
	}
	if flags.Changed("username") {
		conn.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		conn.SkipSSLVerify = wsNoSSLVerify
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// busDialect returns the configured controller dialect
func busDialect() balboa.Dialect {
	d, _ := balboa.ParseDialect(cfg.Engine.Dialect)
	return d
}
