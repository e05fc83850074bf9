// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"context"
	"time"
)

// DefaultClockSyncInterval is how often SyncClock corrects drift
const DefaultClockSyncInterval = 24 * time.Hour

// SyncClock keeps the controller clock on the host's local time. The time
// is set whenever the engine goes Live and every interval after that,
// keeping the panel's 12 or 24 hour display. It returns when ctx ends or
// the engine closes.
func (e *Engine) SyncClock(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultClockSyncInterval
	}
	live := make(chan struct{}, 1)
	unsub := e.SubscribeConnectionStatus(func(s ConnectionStatus) {
		if s != Live {
			return
		}
		select {
		case live <- struct{}{}:
		default:
		}
	})
	defer unsub()

	if e.ConnectionStatus() == Live {
		e.setClock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.Done():
			return
		case <-live:
			e.setClock()
		case <-ticker.C:
			if e.ConnectionStatus() == Live {
				e.setClock()
			}
		}
	}
}

func (e *Engine) setClock() {
	clock24h := true
	if snap := e.model.Snapshot(); snap.Known() {
		clock24h = snap.Status.Clock24h
	}
	now := time.Now()
	if _, err := e.SetTime(now, clock24h); err != nil {
		e.log.Warn().Err(err).Msg("Clock sync failed")
		return
	}
	e.log.Info().Str("time", now.Format("15:04")).Msg("Setting controller clock")
}
