// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	engine   *spa.Engine
	bridge   *engineBridge
	connInfo string

	state  *spa.DeviceState
	status spa.ConnectionStatus
	stats  balboa.Statistics

	// Commands waiting for confirmation
	pending []*spa.Handle
	spinner spinner.Model

	tempInput   textinput.Model
	editingTemp bool

	errorLog      []errorLogEntry
	maxLogEntries int

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type stateChangeMsg spa.StateChange

type connectionStatusMsg spa.ConnectionStatus

type commandResultMsg struct {
	handle *spa.Handle
	result spa.Result
}

type logLineMsg string

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(engine *spa.Engine, bridge *engineBridge, connInfo string) controlModel {
	ti := textinput.New()
	ti.Placeholder = "38.5"
	ti.CharLimit = 5
	ti.Width = 8

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return controlModel{
		engine:        engine,
		bridge:        bridge,
		connInfo:      connInfo,
		state:         engine.State(),
		status:        engine.ConnectionStatus(),
		spinner:       sp,
		tempInput:     ti,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), m.spinner.Tick)
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case controlTickMsg:
		m.stats = m.engine.Statistics()
		m.stats.CalculateRates()
		return m, controlTickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stateChangeMsg:
		m.state = msg.State
		if msg.Diff.Has(spa.FieldFault) && msg.State.Fault != nil {
			f := msg.State.Fault
			m.addLogEntry(fmt.Sprintf("Fault %d: %s", f.Code, f.Description()), true)
		}

	case connectionStatusMsg:
		prev := m.status
		m.status = spa.ConnectionStatus(msg)
		switch {
		case m.status == spa.Disconnected:
			m.addLogEntry("Connection lost - reconnecting...", true)
		case m.status == spa.Live && prev != spa.Live:
			m.addLogEntry("Receiving status updates", false)
		}

	case commandResultMsg:
		m.removePending(msg.handle)
		intent := msg.handle.Intent()
		switch msg.result.Outcome {
		case spa.Acked:
			m.addLogEntry(fmt.Sprintf("%s: confirmed", intent), false)
		case spa.Cancelled:
			if !errors.Is(msg.result.Err, spa.ErrSuperseded) {
				m.addLogEntry(fmt.Sprintf("%s: cancelled", intent), false)
			}
		default:
			m.addLogEntry(fmt.Sprintf("%s: %v", intent, msg.result.Err), true)
		}

	case logLineMsg:
		m.addLogEntry(string(msg), strings.Contains(string(msg), "ERR") || strings.Contains(string(msg), "WRN"))
	}

	return m, nil
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editingTemp {
		switch msg.String() {
		case "enter":
			m.editingTemp = false
			m.tempInput.Blur()
			value := strings.TrimSpace(m.tempInput.Value())
			m.tempInput.SetValue("")
			celsius, err := strconv.ParseFloat(value, 64)
			if err != nil {
				m.addLogEntry(fmt.Sprintf("Invalid temperature %q", value), true)
				return m, nil
			}
			return m.submit(m.engine.SetTargetTemperature(celsius))
		case "esc":
			m.editingTemp = false
			m.tempInput.Blur()
			m.tempInput.SetValue("")
			return m, nil
		}
		var cmd tea.Cmd
		m.tempInput, cmd = m.tempInput.Update(msg)
		return m, cmd
	}

	switch key := msg.String(); key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "t":
		m.editingTemp = true
		return m, m.tempInput.Focus()

	case "m":
		mode := balboa.HeatModeReady
		if m.state.Known() && m.state.Status.HeatMode == balboa.HeatModeReady {
			mode = balboa.HeatModeRest
		}
		return m.submit(m.engine.SetMode(mode))

	case "1", "2", "3", "4", "5", "6":
		n, _ := strconv.Atoi(key)
		return m.submit(m.engine.TogglePump(n))

	case "l":
		return m.submit(m.engine.ToggleLight(1))

	case "L":
		return m.submit(m.engine.ToggleLight(2))

	case "esc":
		for _, h := range m.pending {
			m.engine.Cancel(h)
		}
	}

	return m, nil
}

// submit tracks a newly requested command
func (m controlModel) submit(h *spa.Handle, err error) (tea.Model, tea.Cmd) {
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Cannot send command: %v", err), true)
		return m, nil
	}
	m.pending = append(m.pending, h)
	m.addLogEntry(fmt.Sprintf("%s: sent", h.Intent()), false)
	m.bridge.track(h)
	return m, nil
}

func (m *controlModel) removePending(h *spa.Handle) {
	for i, p := range m.pending {
		if p == h {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("SPALINK CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	switch m.status {
	case spa.Disconnected, spa.Connecting:
		connStatus = warningStyle.Render("RECONNECTING...")
	case spa.Synchronizing:
		connStatus = warningStyle.Render("SYNCHRONIZING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit t=set point m=mode 1-6=pumps l/L=lights Esc=cancel", connStatus)))
	s.WriteString("\n\n")

	if !m.state.Known() {
		s.WriteString(warningStyle.Render("⏳ Waiting for the first status update..."))
		s.WriteString("\n\n")
	} else {
		left := boxStyle.Render(m.renderStatus())
		right := boxStyle.Render(m.renderEquipment())
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
		s.WriteString("\n")
	}

	if m.editingTemp {
		s.WriteString(statsLabelStyle.Render("New set point (°C): "))
		s.WriteString(m.tempInput.View())
		s.WriteString(headerStyle.Render("  Enter=send Esc=cancel"))
		s.WriteString("\n")
	}
	if len(m.pending) > 0 {
		s.WriteString(m.spinner.View())
		s.WriteString(warningStyle.Render(fmt.Sprintf(" %d command(s) waiting for confirmation", len(m.pending))))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	s.WriteString(boxStyle.Render(renderStatistics(&m.stats)))
	s.WriteString("\n")

	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderEventLog(m.errorLog, m.height-24)))

	return s.String()
}

func (m controlModel) renderStatus() string {
	st := m.state.Status
	var b strings.Builder

	current := "unknown"
	if st.TemperatureKnown {
		current = fmt.Sprintf("%.1f°C", st.CurrentTemperature)
	}
	fmt.Fprintf(&b, "%s %s\n", statsLabelStyle.Render("Water:    "), statsValueStyle.Render(current))
	fmt.Fprintf(&b, "%s %s\n", statsLabelStyle.Render("Set point:"), statsValueStyle.Render(fmt.Sprintf("%.1f°C", st.TargetTemperature)))
	if lo, hi, ok := m.state.Bounds(); ok {
		fmt.Fprintf(&b, "%s %s\n", statsLabelStyle.Render("Limits:   "), headerStyle.Render(fmt.Sprintf("%.1f-%.1f°C (%s)", lo, hi, st.TempRange)))
	}
	heat := statsValueStyle.Render(st.HeatState.String())
	if st.HeatState == balboa.HeatStateHeating {
		heat = warningStyle.Render(st.HeatState.String())
	}
	fmt.Fprintf(&b, "%s %s %s\n", statsLabelStyle.Render("Heat:     "), statsValueStyle.Render(st.HeatMode.String()), heat)
	fmt.Fprintf(&b, "%s %s", statsLabelStyle.Render("Clock:    "), statsValueStyle.Render(fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)))
	if m.state.Stale {
		b.WriteString("\n" + errorStyle.Render("stale"))
	}
	return b.String()
}

func (m controlModel) renderEquipment() string {
	st := m.state.Status
	cfg := m.state.Config
	var lines []string

	for i, speed := range st.Pumps {
		if (cfg != nil && !cfg.HasPump(i)) || (cfg == nil && speed == 0) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s", statsLabelStyle.Render(fmt.Sprintf("Pump %d: ", i+1)), statsValueStyle.Render(pumpSpeeds[speed&0x03])))
	}
	for i, on := range st.Lights {
		if cfg != nil && !cfg.HasLight(i) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s", statsLabelStyle.Render(fmt.Sprintf("Light %d:", i+1)), statsValueStyle.Render(onOff(on))))
	}
	lines = append(lines, fmt.Sprintf("%s %s", statsLabelStyle.Render("Circ:   "), statsValueStyle.Render(onOff(st.CircPump))))
	return strings.Join(lines, "\n")
}
