// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
)

// Default acknowledgement handling
const (
	DefaultAckTimeout  = 2 * time.Second
	DefaultMaxAttempts = 3
)

// maxSteps bounds the presses a stepping intent may take
const maxSteps = 4

// Outcome is the lifecycle stage of a command
type Outcome uint8

const (
	Pending Outcome = iota
	Acked
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Acked:
		return "acked"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the state of a handle. Err carries the reason for Cancelled
// and Failed outcomes.
type Result struct {
	Outcome Outcome
	Err     error
}

// Handle tracks one requested intent
type Handle struct {
	id     uint64
	intent Intent
	done   chan struct{}

	mu     sync.Mutex
	result Result
}

func newHandle(id uint64, intent Intent) *Handle {
	return &Handle{id: id, intent: intent, done: make(chan struct{})}
}

// ID returns the dispatcher assigned identifier
func (h *Handle) ID() uint64 { return h.id }

// Intent returns the requested intent
func (h *Handle) Intent() Intent { return h.intent }

// Result returns the current state without blocking
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done is closed once the handle leaves Pending
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the command resolves or ctx ends
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return h.Result(), ctx.Err()
	}
}

// resolve settles the handle once; later calls are ignored
func (h *Handle) resolve(outcome Outcome, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result.Outcome != Pending {
		return false
	}
	h.result = Result{Outcome: outcome, Err: err}
	close(h.done)
	return true
}

// pendingCommand is an intent awaiting transmission or acknowledgement
type pendingCommand struct {
	handle   *Handle
	tx       transmission
	attempts int
	steps    int       // presses that landed without reaching the goal
	deadline time.Time // ack deadline of the last transmission
	due      bool      // ready to transmit
}

// Dispatcher owns the outstanding commands. Request, Cancel and Poll may
// be called from any goroutine; Next, Tick and Resolve are driven by the
// engine loop. The lock is never held across I/O.
type Dispatcher struct {
	ackTimeout  time.Duration
	maxAttempts int
	dialect     balboa.Dialect

	mu        sync.Mutex
	nextID    uint64
	queue     []*pendingCommand
	connected bool
	closed    bool
	onEvent   func(h *Handle, r Result)
}

// NewDispatcher creates a dispatcher. Zero values select the defaults.
func NewDispatcher(ackTimeout time.Duration, maxAttempts int) *Dispatcher {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{ackTimeout: ackTimeout, maxAttempts: maxAttempts, connected: true}
}

// OnResolve registers a callback for every settled handle. It runs with
// the dispatcher lock held and must not call back into the dispatcher.
func (d *Dispatcher) OnResolve(fn func(h *Handle, r Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = fn
}

// SetDialect selects how intents are encoded
func (d *Dispatcher) SetDialect(dialect balboa.Dialect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialect = dialect
}

// SetConnected marks whether a session can deliver commands. Going
// offline fails everything outstanding with ErrConnectionLost.
func (d *Dispatcher) SetConnected(connected bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
	if connected {
		return 0
	}
	return d.failAll(ErrConnectionLost)
}

// Request queues an intent. An outstanding intent for the same property
// is superseded. An intent the snapshot already satisfies is acked
// without being transmitted. While disconnected the handle fails with
// ErrConnectionLost.
func (d *Dispatcher) Request(intent Intent, s *DeviceState) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	h := newHandle(d.nextID, intent)

	if d.closed {
		d.settle(h, Failed, ErrEngineClosed)
		return h
	}
	if !d.connected {
		d.settle(h, Failed, ErrConnectionLost)
		return h
	}

	for i, p := range d.queue {
		if p.handle.intent.key() == intent.key() {
			d.settle(p.handle, Cancelled, ErrSuperseded)
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}

	if intent.satisfied(s) {
		d.settle(h, Acked, nil)
		return h
	}

	d.queue = append(d.queue, &pendingCommand{handle: h, due: true})
	return h
}

// Cancel withdraws a pending command. It returns false if the command
// had already resolved.
func (d *Dispatcher) Cancel(h *Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, p := range d.queue {
		if p.handle == h {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return d.settle(h, Cancelled, ErrCancelled)
		}
	}
	return false
}

// Poll returns the state of a handle
func (d *Dispatcher) Poll(h *Handle) Result {
	return h.Result()
}

// Len returns the number of outstanding commands
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Next returns the frame to transmit now, or nil. Commands are sent in
// request order; a command is due when first queued and again after its
// ack window lapses. The intent is encoded for the given bus channel in
// the dispatcher's dialect against the current snapshot.
func (d *Dispatcher) Next(now time.Time, channel uint8, s *DeviceState) *balboa.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < len(d.queue); i++ {
		p := d.queue[i]
		if !p.due {
			continue
		}
		intent := p.handle.intent

		if intent.satisfied(s) {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.settle(p.handle, Acked, nil)
			i--
			continue
		}

		to := target{channel: channel, dialect: d.dialect}
		frame, err := intent.encode(to, s)
		if errors.Is(err, errNoStatus) {
			continue
		}
		if err != nil {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.settle(p.handle, Failed, err)
			i--
			continue
		}

		if p.attempts == 0 {
			p.tx.baseline = s
		}
		p.tx.frame = frame
		p.tx.to = to
		p.attempts++
		p.deadline = now.Add(d.ackTimeout)
		p.due = false
		return frame
	}
	return nil
}

// Tick expires ack windows. A command whose last permitted transmission
// went unacknowledged fails with ErrCommandTimeout; others become due
// for retransmission.
func (d *Dispatcher) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.queue[:0]
	for _, p := range d.queue {
		if p.attempts > 0 && !p.due && !now.Before(p.deadline) {
			if p.attempts >= d.maxAttempts {
				d.settle(p.handle, Failed, ErrCommandTimeout)
				continue
			}
			p.due = true
		}
		kept = append(kept, p)
	}
	clearTail(d.queue, len(kept))
	d.queue = kept
}

// Resolve matches an inbound message against transmitted commands and
// acks those it confirms. A stepping intent whose press landed short of
// the goal becomes due for the next press. It returns the number acked.
func (d *Dispatcher) Resolve(msg balboa.Message) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	acked := 0
	kept := d.queue[:0]
	for _, p := range d.queue {
		if p.attempts == 0 {
			kept = append(kept, p)
			continue
		}
		intent := p.handle.intent
		if intent.acked(msg, p.tx) {
			d.settle(p.handle, Acked, nil)
			acked++
			continue
		}
		if st, ok := intent.(stepper); ok && !p.due && st.progressed(msg, p.tx) {
			p.steps++
			if p.steps >= maxSteps {
				d.settle(p.handle, Failed, ErrCommandTimeout)
				continue
			}
			p.attempts = 0
			p.due = true
		}
		kept = append(kept, p)
	}
	clearTail(d.queue, len(kept))
	d.queue = kept
	return acked
}

// FailAll fails every outstanding command with err
func (d *Dispatcher) FailAll(err error) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failAll(err)
}

// Close fails outstanding commands with ErrCancelled and rejects new ones
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.connected = false
	d.failAll(ErrCancelled)
}

func (d *Dispatcher) failAll(err error) int {
	n := 0
	for _, p := range d.queue {
		if d.settle(p.handle, Failed, err) {
			n++
		}
	}
	d.queue = nil
	return n
}

func (d *Dispatcher) settle(h *Handle, outcome Outcome, err error) bool {
	if !h.resolve(outcome, err) {
		return false
	}
	if d.onEvent != nil {
		d.onEvent(h, Result{Outcome: outcome, Err: err})
	}
	return true
}

// clearTail drops references past n so settled commands can be collected
func clearTail(q []*pendingCommand, n int) {
	for i := n; i < len(q); i++ {
		q[i] = nil
	}
}
