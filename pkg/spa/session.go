// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/transport"
)

// configRequests are sent on every transition to Live so the limits and
// equipment list are known
var configRequests = map[balboa.Dialect][]balboa.PanelRequest{
	balboa.DialectBalboa: {
		balboa.PanelDeviceConfiguration,
		balboa.PanelSetupParameters,
		balboa.PanelFilterCycles,
		balboa.PanelSystemInformation,
	},
	balboa.DialectJacuzzi: {
		balboa.PanelPrimaryFiltration,
		balboa.PanelSecondaryFiltration,
	},
}

// nudgeRequest restarts status broadcasts after a stall
var nudgeRequest = map[balboa.Dialect]balboa.PanelRequest{
	balboa.DialectBalboa:  balboa.PanelDeviceConfiguration,
	balboa.DialectJacuzzi: balboa.PanelPrimaryFiltration,
}

// assignmentRetry spaces channel assignment requests
const assignmentRetry = time.Second

// session is one connection's worth of engine state. It lives on the
// engine goroutine only.
type session struct {
	e       *Engine
	conn    transport.Conn
	decoder *balboa.Decoder

	// channel is the client's bus address, ChannelAuto until assigned
	channel uint8
	// polled means transmissions wait for a clear to send on channel
	polled bool

	assignRequested time.Time
	lastTx          time.Time
	lastFrame       time.Time
	lastStatus      time.Time
	lastNudge       time.Time
	discarded       uint64
}

func newSession(e *Engine, conn transport.Conn) *session {
	d := balboa.NewDecoder()
	d.SetIdleTimeout(e.cfg.FrameTimeout)
	return &session{
		e:       e,
		conn:    conn,
		decoder: d,
		channel: e.cfg.Channel,
		polled:  e.cfg.Channel != balboa.ChannelWiFi,
	}
}

// serve reads until the connection fails or ctx ends. Decoding, state
// updates and transmissions all happen between reads, so the bus is
// never written while a read is outstanding.
func (s *session) serve(ctx context.Context) error {
	e := s.e
	now := time.Now()
	s.lastFrame = now
	s.lastStatus = now

	e.applyChange(e.model.Reset(now))
	e.setStatus(Synchronizing)
	e.log.Info().Str("target", e.cfg.Dialer.String()).Msg("Connected, waiting for status")

	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(e.cfg.PollInterval)); err != nil {
			return err
		}
		n, err := s.conn.Read(buf)
		now := time.Now()
		if n > 0 {
			s.decoder.Feed(buf[:n], now)
		}
		if err != nil && !transport.IsTimeout(err) {
			return err
		}

		if err := s.drain(now); err != nil {
			return err
		}
		if err := s.decoder.Expire(now); err != nil {
			s.corrupt(err)
			if err := s.drain(now); err != nil {
				return err
			}
		}
		s.trackDiscarded()

		e.disp.Tick(now)

		if now.Sub(s.lastFrame) >= e.cfg.IdleTimeout {
			return fmt.Errorf("%w: no frame for %s", ErrIdleTimeout, e.cfg.IdleTimeout)
		}
		s.nudge(now)

		if err := s.flush(now); err != nil {
			return err
		}
	}
}

// drain handles every complete frame in the buffer
func (s *session) drain(now time.Time) error {
	for {
		f, err := s.decoder.Next()
		if err != nil {
			s.corrupt(err)
			continue
		}
		if f == nil {
			return nil
		}
		if err := s.handle(f, now); err != nil {
			return err
		}
	}
}

func (s *session) corrupt(err error) {
	s.e.record(nil, err, nil)
	s.e.log.Debug().Err(err).Msg("Dropped corrupt frame")
}

func (s *session) trackDiscarded() {
	total := s.decoder.Discarded()
	s.e.recordDiscarded(total - s.discarded)
	s.discarded = total
}

func (s *session) handle(f *balboa.Frame, now time.Time) error {
	e := s.e
	s.lastFrame = now
	e.publish(FrameEvent{Frame: f}, topicFrames)

	dialect := e.cfg.Dialect
	msg, err := dialect.Decode(f)
	if err != nil {
		e.record(nil, err, nil)
		e.log.Debug().Err(err).Str("type", dialect.FormatMessageType(f.Type)).Msg("Undecodable payload")
		return nil
	}
	anomalies := balboa.ValidateMessage(msg)
	e.record(msg, nil, anomalies)
	for _, a := range anomalies {
		e.log.Debug().Str("type", dialect.FormatMessageType(f.Type)).Msg(a.Message)
	}

	switch m := msg.(type) {
	case *balboa.ChannelControl:
		return s.handleChannel(m, now)
	case *balboa.Unknown:
		e.log.Debug().Uint8("type", m.MsgType).Hex("payload", m.Payload).Msg("Unknown message type")
	case *balboa.StatusUpdate:
		s.lastStatus = now
	}

	snap, diff := e.model.Apply(msg, now)
	e.disp.Resolve(msg)
	e.applyChange(snap, diff)

	if _, ok := msg.(*balboa.StatusUpdate); ok && e.ConnectionStatus() == Synchronizing {
		s.goLive()
	}
	return nil
}

func (s *session) goLive() {
	e := s.e
	e.setStatus(Live)
	snap := e.model.Snapshot()
	for _, page := range configRequests[e.cfg.Dialect] {
		e.disp.Request(RequestPanel{Page: page}, snap)
	}
	if s.channel == balboa.ChannelWiFi {
		e.disp.Request(RequestModuleIdent{}, snap)
	}
}

// handleChannel takes part in bus arbitration when the client is polled
func (s *session) handleChannel(m *balboa.ChannelControl, now time.Time) error {
	if !s.polled {
		return nil
	}
	e := s.e

	switch m.Kind {
	case balboa.MsgNewClientClearToSend:
		if s.channel != ChannelAuto || now.Sub(s.assignRequested) < assignmentRetry {
			return nil
		}
		s.assignRequested = now
		e.log.Debug().Msg("Requesting a client channel")
		return s.send(balboa.NewChannelAssignmentRequest(), now)

	case balboa.MsgChannelAssignmentResp:
		if s.channel != ChannelAuto || s.assignRequested.IsZero() {
			return nil
		}
		ch, ok := m.AssignedChannel()
		if !ok || ch < balboa.ChannelClientFirst || ch > balboa.ChannelClientLast {
			e.log.Warn().Hex("payload", m.Payload).Msg("Ignoring invalid channel assignment")
			return nil
		}
		s.channel = ch
		e.log.Info().Str("channel", fmt.Sprintf("0x%02X", ch)).Msg("Client channel assigned")
		return s.send(balboa.NewChannelAssignmentAck(ch), now)

	case balboa.MsgExistingClientRequest:
		if s.channel == ChannelAuto || m.Channel != s.channel {
			return nil
		}
		return s.send(balboa.NewExistingClientResponse(s.channel), now)

	case balboa.MsgClearToSend:
		if s.channel == ChannelAuto || m.Channel != s.channel {
			return nil
		}
		var f *balboa.Frame
		if e.ConnectionStatus() == Live {
			f = e.disp.Next(now, s.channel, e.model.Snapshot())
		}
		if f == nil {
			f = balboa.NewNothingToSend(s.channel)
		}
		return s.send(f, now)
	}
	return nil
}

// nudge asks for the configuration when status updates stop; the
// controller resumes broadcasting after a panel request
func (s *session) nudge(now time.Time) {
	e := s.e
	if e.ConnectionStatus() != Live {
		return
	}
	stall := e.cfg.StallTimeout
	if now.Sub(s.lastStatus) < stall || now.Sub(s.lastNudge) < stall {
		return
	}
	s.lastNudge = now
	e.log.Warn().Dur("silent_for", now.Sub(s.lastStatus)).Msg("Status updates stopped, requesting configuration")
	e.disp.Request(RequestPanel{Page: nudgeRequest[e.cfg.Dialect]}, e.model.Snapshot())
}

// flush transmits at most one pending command once the bus turnaround
// has elapsed. Polled clients transmit from handleChannel instead.
func (s *session) flush(now time.Time) error {
	e := s.e
	if s.polled || e.ConnectionStatus() != Live {
		return nil
	}
	if !s.lastTx.IsZero() && now.Sub(s.lastTx) < e.cfg.Turnaround {
		return nil
	}
	f := e.disp.Next(now, s.channel, e.model.Snapshot())
	if f == nil {
		return nil
	}
	return s.send(f, now)
}

func (s *session) send(f *balboa.Frame, now time.Time) error {
	e := s.e
	wire, err := balboa.EncodeFrame(f)
	if err != nil {
		// Builders never exceed the frame size
		return fmt.Errorf("encode %s: %w", e.cfg.Dialect.FormatMessageType(f.Type), err)
	}
	if _, err := s.conn.Write(wire); err != nil {
		if errors.Is(err, transport.ErrConnectionLost) {
			return err
		}
		return &transport.TransportError{Op: "write", Transport: e.cfg.Dialer.String(), Err: err}
	}
	s.lastTx = now
	f.Timestamp = now
	e.log.Debug().Str("type", e.cfg.Dialect.FormatMessageType(f.Type)).Hex("frame", wire).Msg("Sent")
	e.publish(FrameEvent{Frame: f, Sent: true}, topicFrames)
	return nil
}
