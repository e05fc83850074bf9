// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Event log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// TUI model
type model struct {
	transport     string
	statsInterval int
	showAll       bool
	stats         *balboa.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	closed        bool
	width         int
	height        int
	quitting      bool
	lastStatus    *balboa.StatusUpdate
	lastStatusAt  time.Time
}

// Messages
type tickMsg time.Time
type busDataMsg frameResult
type syncMsg struct {
	invalidBytes int
}
type connectionClosedMsg struct {
	err error
}

// formatDuration formats a duration as a human-friendly string
func formatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(transport string, statsInterval int, showAll bool) model {
	return model{
		transport:     transport,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         balboa.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case connectionClosedMsg:
		m.closed = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection closed: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection closed", true)
		}

	case busDataMsg:
		r := frameResult(msg)
		record(m.stats, r)

		if r.decodeErr != nil {
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", r.decodeErr), true)
			break
		}
		if status, ok := r.msg.(*balboa.StatusUpdate); ok {
			m.lastStatus = status
			m.lastStatusAt = r.frame.Timestamp
		}

		msgType := busDialect().FormatMessageType(r.frame.Type)
		if len(r.validationErrors) > 0 {
			for _, err := range r.validationErrors {
				m.addLogEntry(fmt.Sprintf("%s: %s", msgType, err.Message), true)
			}
		} else if m.showAll {
			m.addLogEntry(fmt.Sprintf("%s ch=0x%02X (valid)", msgType, r.frame.Channel), false)
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// Styles shared by the monitor and control views
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("SPALINK - ERROR DETECTION"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("Transport: %s | Mode: %s | r=reset stats q=quit", m.transport, mode)))
	s.WriteString("\n\n")

	switch {
	case m.closed:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(renderStatistics(m.stats)))
	s.WriteString("\n\n")

	if m.lastStatus != nil {
		s.WriteString(statsLabelStyle.Render("Latest Status:"))
		s.WriteString(headerStyle.Render(" " + m.lastStatusAt.Format("15:04:05")))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(strings.TrimRight(balboa.FormatMessage(m.lastStatus), "\n")))
		s.WriteString("\n\n")
	}

	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderEventLog(m.errorLog, m.height-20)))

	return s.String()
}

// renderStatistics formats the counters for a stats box
func renderStatistics(stats *balboa.Statistics) string {
	stats.CalculateRates()
	var validPercent, errorPercent float64
	if stats.TotalFrames > 0 {
		validPercent = float64(stats.ValidFrames) * 100.0 / float64(stats.TotalFrames)
		errorPercent = float64(stats.Errors()) * 100.0 / float64(stats.TotalFrames)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", stats.Errors(), errorPercent)),
		statsLabelStyle.Render("Status:"), statsValueStyle.Render(fmt.Sprintf("%d", stats.StatusUpdates)),
	)

	if stats.CRCErrors > 0 || stats.FramingErrors > 0 || stats.MalformedFrames > 0 {
		fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", stats.CRCErrors)),
			statsLabelStyle.Render("Framing:"), errorStyle.Render(fmt.Sprintf("%d", stats.FramingErrors)),
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", stats.MalformedFrames)),
		)
	}

	if stats.AnomalousValues > 0 {
		fmt.Fprintf(&b, "%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", stats.AnomalousValues)),
			headerStyle.Render("time"), stats.InvalidTime,
			headerStyle.Render("temp"), stats.InvalidTemp,
			headerStyle.Render("mode"), stats.InvalidHeatMode,
			headerStyle.Render("range"), stats.InvalidRange,
		)
	}

	if stats.BytesDiscarded > 0 || stats.UnknownTypes > 0 {
		fmt.Fprintf(&b, "%s %s   %s %s\n",
			statsLabelStyle.Render("Discarded:"), warningStyle.Render(fmt.Sprintf("%d bytes", stats.BytesDiscarded)),
			statsLabelStyle.Render("Unknown Types:"), warningStyle.Render(fmt.Sprintf("%d", stats.UnknownTypes)),
		)
	}

	errorRate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
	if stats.ErrorRate > 0 {
		errorRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate))
	}
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), errorRate,
		statsLabelStyle.Render("Elapsed:"), statsValueStyle.Render(formatDuration(time.Since(stats.StartTime))),
	)
	return b.String()
}

// renderEventLog shows the newest entries that fit in height lines
func renderEventLog(entries []errorLogEntry, height int) string {
	if height < 5 {
		height = 5
	}
	if len(entries) == 0 {
		return headerStyle.Render("  (no events yet)")
	}

	start := len(entries) - height
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, entry := range entries[start:] {
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
