// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package spa runs the protocol engine for a Balboa spa controller: it
// keeps a device state model current from the bus traffic and delivers
// commands with retry and acknowledgement tracking.
package spa

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/transport"
	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"
)

// ConnectionStatus is the engine's position in the connection lifecycle
type ConnectionStatus uint32

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Synchronizing // connected, waiting for the first status update
	Live
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Synchronizing:
		return "synchronizing"
	case Live:
		return "live"
	}
	return "unknown"
}

// StateChange is published whenever a snapshot replaces the previous one
type StateChange struct {
	State *DeviceState
	Diff  Diff
}

// FrameEvent is one frame seen on or sent to the bus
type FrameEvent struct {
	Frame *balboa.Frame
	Sent  bool
}

const (
	topicState      = "state"
	topicConnection = "connection"
	topicFrames     = "frames"

	busCapacity = 128
)

// Engine owns one connection to the spa bus. All transport access
// happens on the engine goroutine.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	model *Model
	disp  *Dispatcher

	status atomic.Uint32

	busMu     sync.RWMutex
	bus       *pubsub.PubSub
	busClosed bool

	statsMu sync.Mutex
	stats   *balboa.Statistics

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine validates the configuration. Call Start to connect.
func NewEngine(cfg Config) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.With().Str("component", "engine").Logger()
	e := &Engine{
		cfg:   cfg,
		log:   log,
		model: NewModel(cfg.Logger.With().Str("component", "state").Logger()),
		disp:  NewDispatcher(cfg.AckTimeout, cfg.MaxAttempts),
		bus:   pubsub.New(busCapacity),
		stats: balboa.NewStatistics(),
		done:  make(chan struct{}),
	}
	e.disp.SetDialect(cfg.Dialect)
	// Nothing is delivered before the first dial
	e.disp.SetConnected(false)
	e.disp.OnResolve(func(h *Handle, r Result) {
		ev := e.log.Debug()
		if r.Outcome == Failed {
			ev = e.log.Warn()
		}
		ev.Uint64("id", h.ID()).Str("intent", h.Intent().String()).
			Str("outcome", r.Outcome.String()).AnErr("reason", r.Err).Msg("Command resolved")
	})
	return e, nil
}

// Start runs the engine until ctx ends or Close is called
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		go e.run(ctx)
	})
}

// Done is closed when the engine loop has exited
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Close stops the engine. Pending commands fail with ErrCancelled and no
// reconnect is attempted.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.startOnce.Do(func() { close(e.done) })
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		e.disp.Close()
		e.setStatus(Disconnected)
		if snap, diff := e.model.MarkStale(time.Now()); len(diff) > 0 {
			e.publish(StateChange{State: snap, Diff: diff}, topicState)
		}

		e.busMu.Lock()
		e.busClosed = true
		e.bus.Shutdown()
		e.busMu.Unlock()
	})
	return nil
}

// ============================================================
// Consumer API
// ============================================================

// State returns the current snapshot
func (e *Engine) State() *DeviceState {
	return e.model.Snapshot()
}

// ConnectionStatus returns the lifecycle state
func (e *Engine) ConnectionStatus() ConnectionStatus {
	return ConnectionStatus(e.status.Load())
}

// Statistics returns a copy of the frame counters
func (e *Engine) Statistics() balboa.Statistics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.CalculateRates()
	return *e.stats
}

// SubscribeStateChanges calls fn on its own goroutine for every change.
// The returned function unsubscribes; it must not be called from fn.
func (e *Engine) SubscribeStateChanges(fn func(StateChange)) func() {
	return e.subscribe(topicState, func(v interface{}) { fn(v.(StateChange)) })
}

// SubscribeConnectionStatus calls fn on every lifecycle transition
func (e *Engine) SubscribeConnectionStatus(fn func(ConnectionStatus)) func() {
	return e.subscribe(topicConnection, func(v interface{}) { fn(v.(ConnectionStatus)) })
}

// SubscribeFrames taps every valid frame received and every frame sent.
// A slow subscriber delays the engine, so keep fn short.
func (e *Engine) SubscribeFrames(fn func(FrameEvent)) func() {
	return e.subscribe(topicFrames, func(v interface{}) { fn(v.(FrameEvent)) })
}

// Request queues an intent
func (e *Engine) Request(intent Intent) (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.disp.Request(intent, e.model.Snapshot()), nil
}

// SetTargetTemperature requests a new set point in Celsius. The value is
// rounded to the controller's resolution: 0.5°C, or 1°F when the panel
// shows Fahrenheit.
func (e *Engine) SetTargetTemperature(celsius float64) (*Handle, error) {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return nil, ErrOutOfRange
	}

	snap := e.model.Snapshot()
	rounded := math.Round(celsius*2) / 2
	if snap.Known() {
		rounded = balboa.RawToCelsius(balboa.CelsiusToRaw(celsius, snap.Status.Scale), snap.Status.Scale)
	}
	if lo, hi, ok := snap.Bounds(); ok {
		// Fahrenheit rounding may land a hair outside the Celsius limits
		const epsilon = 0.3
		if rounded < lo-epsilon || rounded > hi+epsilon {
			return nil, fmt.Errorf("%w: %.1f°C not in %.1f-%.1f°C", ErrOutOfRange, celsius, lo, hi)
		}
	}
	return e.Request(SetTemperature{Celsius: rounded})
}

// SetMode selects Ready or Rest. ReadyInRest is entered by the controller
// itself and cannot be requested.
func (e *Engine) SetMode(mode balboa.HeatMode) (*Handle, error) {
	if mode != balboa.HeatModeReady && mode != balboa.HeatModeRest {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	if err := e.balboaOnly("heat mode"); err != nil {
		return nil, err
	}
	return e.Request(SetMode{Mode: mode})
}

// TogglePump advances pump n (1-based) to its next speed
func (e *Engine) TogglePump(n int) (*Handle, error) {
	if err := e.checkPump(n); err != nil {
		return nil, err
	}
	return e.Request(TogglePump{N: n})
}

// SetPump runs pump n (1-based) at speed, 0 being off
func (e *Engine) SetPump(n int, speed uint8) (*Handle, error) {
	if err := e.checkPump(n); err != nil {
		return nil, err
	}
	limit := uint8(2)
	if cfg := e.model.Snapshot().Config; cfg != nil {
		limit = cfg.Pumps[n-1]
	}
	if speed > limit {
		return nil, fmt.Errorf("%w: pump %d has %d speeds", ErrInvalidSpeed, n, limit)
	}
	return e.Request(SetPump{N: n, Speed: speed})
}

// ToggleLight switches light n (1-based)
func (e *Engine) ToggleLight(n int) (*Handle, error) {
	if err := e.checkLight(n); err != nil {
		return nil, err
	}
	return e.Request(ToggleLight{N: n})
}

// SetLight turns light n (1-based) on or off
func (e *Engine) SetLight(n int, on bool) (*Handle, error) {
	if err := e.checkLight(n); err != nil {
		return nil, err
	}
	return e.Request(SetLight{N: n, On: on})
}

// SetBlower runs the blower at speed, 0 being off
func (e *Engine) SetBlower(speed uint8) (*Handle, error) {
	if err := e.balboaOnly("blower"); err != nil {
		return nil, err
	}
	cfg := e.model.Snapshot().Config
	if cfg != nil && cfg.Blower == 0 {
		return nil, fmt.Errorf("%w: blower", ErrNoSuchItem)
	}
	limit := uint8(3)
	if cfg != nil {
		limit = cfg.Blower
	}
	if speed > limit {
		return nil, fmt.Errorf("%w: blower has %d speeds", ErrInvalidSpeed, limit)
	}
	return e.Request(SetBlower{Speed: speed})
}

// SetMister turns the mister on or off
func (e *Engine) SetMister(on bool) (*Handle, error) {
	if err := e.balboaOnly("mister"); err != nil {
		return nil, err
	}
	if cfg := e.model.Snapshot().Config; cfg != nil && cfg.Mister == 0 {
		return nil, fmt.Errorf("%w: mister", ErrNoSuchItem)
	}
	return e.Request(SetMister{On: on})
}

// SetAux switches auxiliary output n (1 or 2)
func (e *Engine) SetAux(n int, on bool) (*Handle, error) {
	if err := e.balboaOnly("aux"); err != nil {
		return nil, err
	}
	if n < 1 || n > 2 {
		return nil, fmt.Errorf("%w: aux %d", ErrNoSuchItem, n)
	}
	if cfg := e.model.Snapshot().Config; cfg != nil && !cfg.Aux[n-1] {
		return nil, fmt.Errorf("%w: aux %d", ErrNoSuchItem, n)
	}
	return e.Request(SetAux{N: n, On: on})
}

// SetTempRange selects the low or high set point range
func (e *Engine) SetTempRange(r balboa.TempRange) (*Handle, error) {
	if r != balboa.TempRangeLow && r != balboa.TempRangeHigh {
		return nil, fmt.Errorf("%w: range %d", ErrInvalidMode, r)
	}
	if err := e.balboaOnly("temperature range"); err != nil {
		return nil, err
	}
	return e.Request(SetTempRange{Range: r})
}

// SetScale switches the panel between Celsius and Fahrenheit
func (e *Engine) SetScale(scale balboa.Scale) (*Handle, error) {
	if scale != balboa.ScaleCelsius && scale != balboa.ScaleFahrenheit {
		return nil, fmt.Errorf("%w: scale %d", ErrInvalidMode, scale)
	}
	if err := e.balboaOnly("temperature scale"); err != nil {
		return nil, err
	}
	return e.Request(SetScale{Scale: scale})
}

// SetTime sets the controller clock. clock24h selects the display format
// and is ignored by Jacuzzi controllers.
func (e *Engine) SetTime(at time.Time, clock24h bool) (*Handle, error) {
	return e.Request(SetTime{At: at, Clock24h: clock24h})
}

func (e *Engine) checkPump(n int) error {
	limit := balboa.MaxPumps
	if e.cfg.Dialect == balboa.DialectJacuzzi {
		limit = balboa.JacuzziMaxPumps
	}
	if n < 1 || n > limit {
		return fmt.Errorf("%w: pump %d", ErrNoSuchItem, n)
	}
	if cfg := e.model.Snapshot().Config; cfg != nil && !cfg.HasPump(n-1) {
		return fmt.Errorf("%w: pump %d", ErrNoSuchItem, n)
	}
	return nil
}

func (e *Engine) checkLight(n int) error {
	limit := balboa.MaxLights
	if e.cfg.Dialect == balboa.DialectJacuzzi {
		limit = 1
	}
	if n < 1 || n > limit {
		return fmt.Errorf("%w: light %d", ErrNoSuchItem, n)
	}
	if cfg := e.model.Snapshot().Config; cfg != nil && !cfg.HasLight(n-1) {
		return fmt.Errorf("%w: light %d", ErrNoSuchItem, n)
	}
	return nil
}

func (e *Engine) balboaOnly(what string) error {
	if e.cfg.Dialect != balboa.DialectBalboa {
		return fmt.Errorf("%w: %s on a %s controller", ErrUnsupported, what, e.cfg.Dialect)
	}
	return nil
}

// Cancel withdraws a pending command
func (e *Engine) Cancel(h *Handle) bool {
	return e.disp.Cancel(h)
}

// Poll returns the state of a command
func (e *Engine) Poll(h *Handle) Result {
	return e.disp.Poll(h)
}

// ============================================================
// Internals
// ============================================================

func (e *Engine) subscribe(topic string, fn func(interface{})) func() {
	e.busMu.RLock()
	defer e.busMu.RUnlock()
	if e.busClosed {
		return func() {}
	}

	ch := e.bus.Sub(topic)
	go func() {
		for v := range ch {
			fn(v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.busMu.RLock()
			defer e.busMu.RUnlock()
			if !e.busClosed {
				e.bus.Unsub(ch, topic)
			}
		})
	}
}

func (e *Engine) publish(v interface{}, topic string) {
	e.busMu.RLock()
	defer e.busMu.RUnlock()
	if !e.busClosed {
		e.bus.Pub(v, topic)
	}
}

func (e *Engine) setStatus(s ConnectionStatus) {
	if ConnectionStatus(e.status.Swap(uint32(s))) == s {
		return
	}
	e.log.Info().Str("status", s.String()).Msg("Connection status changed")
	e.publish(s, topicConnection)
}

func (e *Engine) record(msg balboa.Message, err error, anomalies []balboa.ValidationError) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Update(msg, err, anomalies)
}

func (e *Engine) recordDiscarded(n uint64) {
	if n == 0 {
		return
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.BytesDiscarded += n
}

// run is the connection state machine
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	backoff := transport.NewBackoff(e.cfg.Backoff)

	for {
		e.disp.SetConnected(true)
		e.setStatus(Connecting)
		e.log.Info().Str("target", e.cfg.Dialer.String()).Msg("Connecting")

		conn, err := e.cfg.Dialer.Dial(ctx)
		if err == nil {
			backoff.Reset()
			err = newSession(e, conn).serve(ctx)
			conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		e.disconnect(err)
		delay := backoff.Next()
		e.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", backoff.Attempts()).Msg("Connection lost")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// disconnect keeps the last state visible as stale and fails what was
// in flight
func (e *Engine) disconnect(err error) {
	if n := e.disp.SetConnected(false); n > 0 {
		e.log.Warn().Int("commands", n).Msg("Failed pending commands")
	}
	e.setStatus(Disconnected)
	if snap, diff := e.model.MarkStale(time.Now()); len(diff) > 0 {
		e.publish(StateChange{State: snap, Diff: diff}, topicState)
	}
}

// applyChange publishes a non-empty diff
func (e *Engine) applyChange(snap *DeviceState, diff Diff) {
	if len(diff) == 0 {
		return
	}
	e.publish(StateChange{State: snap, Diff: diff}, topicState)
}
