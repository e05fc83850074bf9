// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/transport"
	"github.com/rs/zerolog"
)

// ChannelAuto makes the engine negotiate a client channel with the
// controller instead of using a fixed one
const ChannelAuto uint8 = 0

// Engine timing defaults
const (
	DefaultTurnaround   = 50 * time.Millisecond
	DefaultPollInterval = 20 * time.Millisecond
	DefaultIdleTimeout  = 30 * time.Second
	DefaultStallTimeout = 5 * time.Second
)

// Config is supplied by the caller; the engine owns none of it
type Config struct {
	Dialer  transport.Dialer
	Backoff transport.BackoffConfig

	// Turnaround is the minimum gap between two transmissions
	Turnaround  time.Duration
	AckTimeout  time.Duration
	MaxAttempts int

	// Channel is the client's bus address. ChannelWiFi talks as the WiFi
	// module and may transmit whenever the turnaround allows; ChannelAuto
	// negotiates a channel and transmits only when polled.
	Channel uint8

	// Dialect selects the controller's message set
	Dialect balboa.Dialect

	// FrameTimeout drops a partial frame that stops receiving bytes
	FrameTimeout time.Duration
	// IdleTimeout ends the session when no valid frame arrives
	IdleTimeout time.Duration
	// StallTimeout re-requests the configuration when status updates
	// stop while other traffic continues
	StallTimeout time.Duration
	// PollInterval bounds each blocking read
	PollInterval time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the defaults for talking through the WiFi module
func DefaultConfig(dialer transport.Dialer) Config {
	return Config{
		Dialer:       dialer,
		Backoff:      transport.DefaultBackoffConfig(),
		Turnaround:   DefaultTurnaround,
		AckTimeout:   DefaultAckTimeout,
		MaxAttempts:  DefaultMaxAttempts,
		Channel:      balboa.ChannelWiFi,
		FrameTimeout: balboa.DefaultIdleTimeout,
		IdleTimeout:  DefaultIdleTimeout,
		StallTimeout: DefaultStallTimeout,
		PollInterval: DefaultPollInterval,
		Logger:       zerolog.Nop(),
	}
}

// withDefaults fills zero durations and counts
func (c Config) withDefaults() (Config, error) {
	if c.Dialer == nil {
		return c, errors.New("spa: no dialer configured")
	}
	if c.Channel != ChannelAuto && c.Channel != balboa.ChannelWiFi &&
		(c.Channel < balboa.ChannelClientFirst || c.Channel > balboa.ChannelClientLast) {
		return c, errors.New("spa: channel must be auto, the WiFi module or a client channel")
	}
	if c.Dialect != balboa.DialectBalboa && c.Dialect != balboa.DialectJacuzzi {
		return c, fmt.Errorf("spa: unknown dialect %d", c.Dialect)
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = transport.DefaultBackoffConfig()
	}
	if c.Turnaround <= 0 {
		c.Turnaround = DefaultTurnaround
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = balboa.DefaultIdleTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c, nil
}
