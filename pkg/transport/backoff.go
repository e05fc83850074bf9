// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default reconnect bounds
const (
	DefaultBackoffInitial    = 1 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// jitterFactor spreads a jittered delay over [0.5, 1.5] of the nominal one
const jitterFactor = 0.5

// BackoffConfig bounds the delay between reconnect attempts
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultBackoffConfig returns 1s doubling up to 30s without jitter
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: DefaultBackoffInitial,
		MaxDelay:     DefaultBackoffMax,
		Multiplier:   DefaultBackoffMultiplier,
	}
}

// Backoff counts consecutive failed connects. It never gives up; the
// engine keeps redialling until it is closed.
type Backoff struct {
	exp     *backoff.ExponentialBackOff
	attempt int
}

// NewBackoff creates a backoff counter
func NewBackoff(cfg BackoffConfig) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(1<<63 - 1)
	}
	exp.Multiplier = cfg.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.RandomizationFactor = 0
	if cfg.Jitter {
		exp.RandomizationFactor = jitterFactor
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{exp: exp}
}

// Next records a failure and returns how long to wait before redialling
func (b *Backoff) Next() time.Duration {
	b.attempt++
	if b.exp.InitialInterval <= 0 {
		return 0
	}
	return b.exp.NextBackOff()
}

// Attempts returns the number of failures since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset is called after a successful connect
func (b *Backoff) Reset() {
	b.attempt = 0
	b.exp.Reset()
}
