// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the spalink configuration file. Values left out of
// the file keep their defaults; command line flags override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/Thermoquad/spalink/pkg/transport"
	"github.com/rs/zerolog"
)

// Environment overrides
const (
	EnvLogLevel     = "SPALINK_LOG_LEVEL"
	EnvPassword     = "SPALINK_PASSWORD"
	EnvMQTTPassword = "SPALINK_MQTT_PASSWORD"
)

// Transport kinds
const (
	TransportTCP       = "tcp"
	TransportSerial    = "serial"
	TransportWebSocket = "websocket"
)

// Connection selects how the bus is reached
type Connection struct {
	Transport     string
	Host          string
	Port          int
	SerialPort    string
	BaudRate      int
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Engine holds the protocol timing
type Engine struct {
	Channel        string // "wifi", "auto" or a hex client channel
	Dialect        string // "balboa" or "jacuzzi"
	SyncTime       bool   // keep the controller clock on local time
	SyncInterval   time.Duration
	Turnaround     time.Duration
	AckTimeout     time.Duration
	MaxAttempts    int
	IdleTimeout    time.Duration
	StallTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// MQTT configures the Homie bridge
type MQTT struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	DeviceID string
}

type Config struct {
	Connection Connection
	Engine     Engine
	MQTT       MQTT
	LogLevel   string
}

// Default returns the built-in configuration
func Default() Config {
	backoff := transport.DefaultBackoffConfig()
	return Config{
		Connection: Connection{
			Transport: TransportTCP,
			Port:      transport.DefaultTCPPort,
			BaudRate:  transport.DefaultBaudRate,
		},
		Engine: Engine{
			Channel:        "wifi",
			Dialect:        "balboa",
			SyncInterval:   spa.DefaultClockSyncInterval,
			Turnaround:     spa.DefaultTurnaround,
			AckTimeout:     spa.DefaultAckTimeout,
			MaxAttempts:    spa.DefaultMaxAttempts,
			IdleTimeout:    spa.DefaultIdleTimeout,
			StallTimeout:   spa.DefaultStallTimeout,
			BackoffInitial: backoff.InitialDelay,
			BackoffMax:     backoff.MaxDelay,
		},
		MQTT: MQTT{
			Broker:   "tcp://localhost:1883",
			ClientID: "spalink",
			Prefix:   "homie",
			DeviceID: "spa",
		},
		LogLevel: "info",
	}
}

type fileConfig struct {
	Connection struct {
		Transport     string `toml:"transport"`
		Host          string `toml:"host"`
		Port          int    `toml:"port"`
		SerialPort    string `toml:"serial_port"`
		BaudRate      int    `toml:"baud_rate"`
		URL           string `toml:"url"`
		Username      string `toml:"username"`
		Password      string `toml:"password"`
		SkipSSLVerify bool   `toml:"skip_ssl_verify"`
	} `toml:"connection"`

	Engine struct {
		Channel        string `toml:"channel"`
		Dialect        string `toml:"dialect"`
		SyncTime       bool   `toml:"sync_time"`
		SyncInterval   string `toml:"sync_interval"`
		Turnaround     string `toml:"turnaround"`
		AckTimeout     string `toml:"ack_timeout"`
		MaxAttempts    int    `toml:"max_attempts"`
		IdleTimeout    string `toml:"idle_timeout"`
		StallTimeout   string `toml:"stall_timeout"`
		BackoffInitial string `toml:"backoff_initial"`
		BackoffMax     string `toml:"backoff_max"`
	} `toml:"engine"`

	MQTT struct {
		Broker   string `toml:"broker"`
		ClientID string `toml:"client_id"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		Prefix   string `toml:"prefix"`
		DeviceID string `toml:"device_id"`
	} `toml:"mqtt"`

	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = decodeFile(path, cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config (%s): unknown key %s", path, undecoded[0])
	}

	c := &cfg.Connection
	if meta.IsDefined("connection", "transport") {
		c.Transport = strings.ToLower(strings.TrimSpace(raw.Connection.Transport))
	}
	if meta.IsDefined("connection", "host") {
		c.Host = strings.TrimSpace(raw.Connection.Host)
	}
	if meta.IsDefined("connection", "port") {
		c.Port = raw.Connection.Port
	}
	if meta.IsDefined("connection", "serial_port") {
		c.SerialPort = strings.TrimSpace(raw.Connection.SerialPort)
	}
	if meta.IsDefined("connection", "baud_rate") {
		c.BaudRate = raw.Connection.BaudRate
	}
	if meta.IsDefined("connection", "url") {
		c.URL = strings.TrimSpace(raw.Connection.URL)
	}
	if meta.IsDefined("connection", "username") {
		c.Username = raw.Connection.Username
	}
	if meta.IsDefined("connection", "password") {
		c.Password = raw.Connection.Password
	}
	if meta.IsDefined("connection", "skip_ssl_verify") {
		c.SkipSSLVerify = raw.Connection.SkipSSLVerify
	}

	e := &cfg.Engine
	if meta.IsDefined("engine", "channel") {
		e.Channel = strings.TrimSpace(raw.Engine.Channel)
	}
	if meta.IsDefined("engine", "dialect") {
		e.Dialect = strings.TrimSpace(raw.Engine.Dialect)
	}
	if meta.IsDefined("engine", "sync_time") {
		e.SyncTime = raw.Engine.SyncTime
	}
	if meta.IsDefined("engine", "max_attempts") {
		e.MaxAttempts = raw.Engine.MaxAttempts
	}
	durations := []struct {
		key   string
		value string
		out   *time.Duration
	}{
		{"turnaround", raw.Engine.Turnaround, &e.Turnaround},
		{"ack_timeout", raw.Engine.AckTimeout, &e.AckTimeout},
		{"idle_timeout", raw.Engine.IdleTimeout, &e.IdleTimeout},
		{"stall_timeout", raw.Engine.StallTimeout, &e.StallTimeout},
		{"backoff_initial", raw.Engine.BackoffInitial, &e.BackoffInitial},
		{"backoff_max", raw.Engine.BackoffMax, &e.BackoffMax},
		{"sync_interval", raw.Engine.SyncInterval, &e.SyncInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("engine", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, fmt.Errorf("parse engine.%s: %w", d.key, err)
		}
		*d.out = v
	}

	m := &cfg.MQTT
	if meta.IsDefined("mqtt", "broker") {
		m.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "client_id") {
		m.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	if meta.IsDefined("mqtt", "username") {
		m.Username = raw.MQTT.Username
	}
	if meta.IsDefined("mqtt", "password") {
		m.Password = raw.MQTT.Password
	}
	if meta.IsDefined("mqtt", "prefix") {
		m.Prefix = strings.Trim(strings.TrimSpace(raw.MQTT.Prefix), "/")
	}
	if meta.IsDefined("mqtt", "device_id") {
		m.DeviceID = strings.TrimSpace(raw.MQTT.DeviceID)
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	return cfg, nil
}

// ApplyEnv overrides the log level and passwords from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvPassword); ok && v != "" {
		c.Connection.Password = v
	}
	if v, ok := lookup(EnvMQTTPassword); ok && v != "" {
		c.MQTT.Password = v
	}
}

// Validate checks values that cannot be defaulted
func (c Config) Validate() error {
	switch c.Connection.Transport {
	case TransportTCP, TransportSerial, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q (use tcp, serial or websocket)", c.Connection.Transport)
	}
	if c.Connection.Port < 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Connection.Port)
	}
	if _, err := ParseChannel(c.Engine.Channel); err != nil {
		return err
	}
	if _, err := balboa.ParseDialect(c.Engine.Dialect); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// ParseChannel accepts "wifi", "auto" or a client channel such as "0x11"
func ParseChannel(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wifi":
		return balboa.ChannelWiFi, nil
	case "auto":
		return spa.ChannelAuto, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil || v < balboa.ChannelClientFirst || v > balboa.ChannelClientLast {
		return 0, fmt.Errorf("invalid channel %q (use wifi, auto or 0x10-0x2F)", s)
	}
	return uint8(v), nil
}

// Dialer builds the transport for the connection settings
func (c Config) Dialer() (transport.Dialer, error) {
	conn := c.Connection
	switch conn.Transport {
	case TransportTCP:
		if conn.Host == "" {
			return nil, fmt.Errorf("no host configured for the tcp transport")
		}
		return transport.NewTCPDialer(conn.Host, conn.Port), nil
	case TransportSerial:
		if conn.SerialPort == "" {
			return nil, fmt.Errorf("no serial port configured")
		}
		return transport.NewSerialDialer(conn.SerialPort, conn.BaudRate), nil
	case TransportWebSocket:
		if conn.URL == "" {
			return nil, fmt.Errorf("no URL configured for the websocket transport")
		}
		return &transport.WebSocketDialer{
			URL:           conn.URL,
			Username:      conn.Username,
			Password:      conn.Password,
			SkipSSLVerify: conn.SkipSSLVerify,
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", conn.Transport)
}

// EngineConfig maps the settings onto an engine configuration
func (c Config) EngineConfig(dialer transport.Dialer, log zerolog.Logger) (spa.Config, error) {
	channel, err := ParseChannel(c.Engine.Channel)
	if err != nil {
		return spa.Config{}, err
	}
	dialect, err := balboa.ParseDialect(c.Engine.Dialect)
	if err != nil {
		return spa.Config{}, err
	}
	cfg := spa.DefaultConfig(dialer)
	cfg.Channel = channel
	cfg.Dialect = dialect
	cfg.Turnaround = c.Engine.Turnaround
	cfg.AckTimeout = c.Engine.AckTimeout
	cfg.MaxAttempts = c.Engine.MaxAttempts
	cfg.IdleTimeout = c.Engine.IdleTimeout
	cfg.StallTimeout = c.Engine.StallTimeout
	cfg.Backoff.InitialDelay = c.Engine.BackoffInitial
	cfg.Backoff.MaxDelay = c.Engine.BackoffMax
	cfg.Logger = log
	return cfg, nil
}
