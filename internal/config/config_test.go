// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/Thermoquad/spalink/pkg/transport"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spalink.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[connection]
host = " 192.168.1.40 "

[engine]
channel = "auto"
ack_timeout = "1500ms"
max_attempts = 5

[mqtt]
prefix = "/devices/"

[log]
level = "debug"
`)

	cfg, err := decodeFile(path, Default())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Connection.Host != "192.168.1.40" {
		t.Fatalf("unexpected host: %q", cfg.Connection.Host)
	}
	if cfg.Connection.Port != transport.DefaultTCPPort {
		t.Fatalf("expected default port, got %d", cfg.Connection.Port)
	}
	if cfg.Engine.Channel != "auto" {
		t.Fatalf("unexpected channel: %q", cfg.Engine.Channel)
	}
	if cfg.Engine.AckTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected ack timeout: %v", cfg.Engine.AckTimeout)
	}
	if cfg.Engine.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts: %d", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.Turnaround != spa.DefaultTurnaround {
		t.Fatalf("expected default turnaround, got %v", cfg.Engine.Turnaround)
	}
	if cfg.MQTT.Prefix != "devices" {
		t.Fatalf("unexpected prefix: %q", cfg.MQTT.Prefix)
	}
	if cfg.MQTT.DeviceID != "spa" {
		t.Fatalf("expected default device id, got %q", cfg.MQTT.DeviceID)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "[engine]\nack_timeout = \"soon\"\n", "engine.ack_timeout"},
		{"bad sync interval", "[engine]\nsync_interval = \"daily\"\n", "engine.sync_interval"},
		{"unknown key", "[connection]\nhostname = \"spa\"\n", "unknown key"},
		{"syntax", "[connection\n", "load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFile(writeConfig(t, tt.body), Default())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:     "warn",
		EnvPassword:     "hunter2",
		EnvMQTTPassword: "",
	}
	cfg := Default()
	cfg.MQTT.Password = "from-file"
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.LogLevel != "warn" {
		t.Errorf("unexpected log level: %q", cfg.LogLevel)
	}
	if cfg.Connection.Password != "hunter2" {
		t.Errorf("unexpected password: %q", cfg.Connection.Password)
	}
	if cfg.MQTT.Password != "from-file" {
		t.Errorf("empty variable must not clear the file value, got %q", cfg.MQTT.Password)
	}

	unchanged := Default()
	unchanged.ApplyEnv(noEnv)
	if unchanged != Default() {
		t.Error("no environment must leave the defaults alone")
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"", balboa.ChannelWiFi, false},
		{"wifi", balboa.ChannelWiFi, false},
		{"AUTO", spa.ChannelAuto, false},
		{"0x10", 0x10, false},
		{"0x2F", 0x2F, false},
		{"17", 0x11, false},
		{"0x0A", 0, true},
		{"0x30", 0, true},
		{"0xFE", 0, true},
		{"spa", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChannel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %t", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got 0x%02X, want 0x%02X", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"websocket", func(c *Config) { c.Connection.Transport = TransportWebSocket }, true},
		{"unknown transport", func(c *Config) { c.Connection.Transport = "bluetooth" }, false},
		{"port", func(c *Config) { c.Connection.Port = 70000 }, false},
		{"channel", func(c *Config) { c.Engine.Channel = "0x05" }, false},
		{"jacuzzi", func(c *Config) { c.Engine.Dialect = "Jacuzzi" }, true},
		{"dialect", func(c *Config) { c.Engine.Dialect = "sundance" }, false},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%t", err, tt.ok)
			}
		})
	}
}

func TestDialer(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Dialer(); err == nil {
		t.Error("expected an error without a host")
	}

	cfg.Connection.Host = "spa.local"
	d, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer: %v", err)
	}
	if d.String() != "tcp://spa.local:4257" {
		t.Errorf("unexpected dialer %s", d)
	}

	cfg.Connection.Transport = TransportSerial
	cfg.Connection.SerialPort = "/dev/ttyUSB0"
	if d, err = cfg.Dialer(); err != nil || d.String() != "serial:///dev/ttyUSB0@115200" {
		t.Errorf("unexpected serial dialer %v %v", d, err)
	}

	cfg.Connection.Transport = TransportWebSocket
	cfg.Connection.URL = "ws://relay.local/bus"
	if d, err = cfg.Dialer(); err != nil || d.String() != "ws://relay.local/bus" {
		t.Errorf("unexpected websocket dialer %v %v", d, err)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.Connection.Host = "spa.local"
	cfg.Engine.Channel = "0x11"
	cfg.Engine.BackoffInitial = 2 * time.Second

	d, _ := cfg.Dialer()
	ec, err := cfg.EngineConfig(d, zerolog.Nop())
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if ec.Channel != 0x11 || ec.Dialer != d {
		t.Errorf("unexpected engine config %+v", ec)
	}
	if ec.Backoff.InitialDelay != 2*time.Second || ec.Backoff.Multiplier != 2 {
		t.Errorf("unexpected backoff %+v", ec.Backoff)
	}
	e, err := spa.NewEngine(ec)
	if err != nil {
		t.Fatalf("engine rejected the mapped config: %v", err)
	}
	e.Close()
}

func TestLoadDialectAndClockSync(t *testing.T) {
	path := writeConfig(t, `
[engine]
dialect = "jacuzzi"
sync_time = true
sync_interval = "6h"
`)

	cfg, err := decodeFile(path, Default())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Engine.SyncTime || cfg.Engine.SyncInterval != 6*time.Hour {
		t.Fatalf("unexpected clock sync: %t every %v", cfg.Engine.SyncTime, cfg.Engine.SyncInterval)
	}

	cfg.Connection.Host = "spa.local"
	d, _ := cfg.Dialer()
	ec, err := cfg.EngineConfig(d, zerolog.Nop())
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if ec.Dialect != balboa.DialectJacuzzi {
		t.Errorf("dialect = %s, want jacuzzi", ec.Dialect)
	}

	if Default().Engine.SyncTime {
		t.Error("clock sync enabled by default")
	}
}
