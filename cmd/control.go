// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Thermoquad/spalink/pkg/spa"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling the spa",
	Long: `Control the spa via an interactive terminal UI.

Features:
  - Live temperature, heat mode and equipment display
  - Set point entry (t, then Enter)
  - Heat mode switching (m)
  - Pump and light toggles (1-6 for pumps, l and L for lights)
  - Frame statistics and an event log
  - Automatic reconnection on connection loss

Commands are retried until the spa reports the change. Pressing Esc
withdraws commands still waiting for confirmation.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// engineBridge forwards engine events to the TUI program
type engineBridge struct {
	engine *spa.Engine
	p      *tea.Program
	unsubs []func()
}

func (b *engineBridge) start() {
	b.unsubs = append(b.unsubs,
		b.engine.SubscribeStateChanges(func(c spa.StateChange) {
			b.p.Send(stateChangeMsg(c))
		}),
		b.engine.SubscribeConnectionStatus(func(s spa.ConnectionStatus) {
			b.p.Send(connectionStatusMsg(s))
		}),
	)
}

func (b *engineBridge) stop() {
	for _, unsub := range b.unsubs {
		unsub()
	}
}

// track reports a command's outcome once it resolves
func (b *engineBridge) track(h *spa.Handle) {
	go func() {
		<-h.Done()
		b.p.Send(commandResultMsg{handle: h, result: h.Result()})
	}()
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	dialer, err := OpenDialer()
	if err != nil {
		return err
	}

	// Engine logging goes to the event log instead of the terminal
	logs := &eventLogWriter{}
	logger = logger.Output(zerolog.ConsoleWriter{
		Out:          logs,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	})

	engine, err := startEngine(ctx, dialer)
	if err != nil {
		return err
	}
	defer engine.Close()

	bridge := &engineBridge{engine: engine}
	m := initialControlModel(engine, bridge, dialer.String())

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	bridge.p = p
	logs.attach(p)
	bridge.start()
	defer bridge.stop()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// eventLogWriter turns log lines into event log entries. Lines written
// before a program is attached are dropped.
type eventLogWriter struct {
	mu sync.Mutex
	p  *tea.Program
}

func (w *eventLogWriter) attach(p *tea.Program) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.p = p
}

func (w *eventLogWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	p := w.p
	w.mu.Unlock()
	if p != nil {
		p.Send(logLineMsg(strings.TrimSpace(string(b))))
	}
	return len(b), nil
}
