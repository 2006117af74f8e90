// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/eclipse/paho.golang/paho"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/hygrostat/internal/config"
	"github.com/Thermoquad/hygrostat/pkg/monitor"
	"github.com/Thermoquad/hygrostat/pkg/sensor"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive TUI for monitoring a running node",
	Long: `Monitor a running node through its WebSocket feed.

The TUI shows the session state, the latest reading, buffer usage and the
session counters, and logs state changes and received commands. Press 'c'
to type a command and publish it to the node's command topic through the
broker.

The connection is re-established automatically when the feed drops.`,
	RunE: runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

//////////////////////////////////////////////////////////////
// Connection Management
//////////////////////////////////////////////////////////////

// feedManager owns the monitor connection and reconnects it
type feedManager struct {
	cfg    *config.Config
	client *monitor.Client
	mu     sync.Mutex
	p      *tea.Program
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// setClient installs a reconnected client. After close it closes c
// instead and returns false.
func (fm *feedManager) setClient(c *monitor.Client) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		c.Close()
		return false
	}
	fm.client = c
	return true
}

func (fm *feedManager) close() {
	fm.cancel()
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.closed = true
	if fm.client != nil {
		fm.client.Close()
	}
}

// readerLoop forwards monitor messages to the TUI until shutdown
func (fm *feedManager) readerLoop() {
	for {
		fm.mu.Lock()
		c := fm.client
		fm.mu.Unlock()

		for {
			msg, err := c.Next()
			if err != nil {
				break
			}
			fm.p.Send(feedMsg{msg: msg})
		}

		if fm.ctx.Err() != nil {
			return
		}
		fm.p.Send(connectionLostMsg{})
		if !fm.reconnect() {
			return
		}
	}
}

// reconnect retries with exponential backoff. Returns false on shutdown.
func (fm *feedManager) reconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-fm.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		c, connInfo, err := OpenMonitor(fm.ctx, fm.cfg)
		if err == nil {
			if !fm.setClient(c) {
				return false
			}
			fm.p.Send(reconnectedMsg{connInfo: connInfo})
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c, connInfo, err := OpenMonitor(ctx, cfg)
	if err != nil {
		cancel()
		return err
	}

	fm := &feedManager{cfg: cfg, client: c, ctx: ctx, cancel: cancel}
	p := tea.NewProgram(initialModel(cfg, connInfo), tea.WithAltScreen())
	fm.p = p

	go fm.readerLoop()

	_, err = p.Run()
	fm.close()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// TUI model
type model struct {
	cfg            *config.Config
	connInfo       string
	frame          *monitor.Frame
	stats          *monitor.Statistics
	eventLog       []logEntry
	maxLogEntries  int
	connectionLost bool
	spinner        spinner.Model
	input          textinput.Model
	editing        bool
	width          int
	height         int
	quitting       bool
}

// Messages
type tickMsg time.Time
type feedMsg struct {
	msg *monitor.Message
}
type connectionLostMsg struct{}
type reconnectedMsg struct {
	connInfo string
}
type commandSentMsg struct {
	payload string
	err     error
}

func initialModel(cfg *config.Config, connInfo string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	ti := textinput.New()
	ti.Placeholder = "command payload"
	ti.CharLimit = 64
	ti.Width = 40

	return model{
		cfg:           cfg,
		connInfo:      connInfo,
		stats:         monitor.NewStatistics(),
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		spinner:       sp,
		input:         ti,
		width:         80,
		height:        24,
	}
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	units := []struct {
		name string
		size int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}

	parts := []string{}
	for _, u := range units {
		n := seconds / u.size
		seconds %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
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

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// publishCommand sends payload to the command topic with a short-lived client
func publishCommand(cfg *config.Config, payload string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Broker.DialTimeout+5*time.Second)
		defer cancel()

		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		cm, err := openBrokerClient(ctx, cfg, quiet, nil, nil)
		if err != nil {
			return commandSentMsg{payload: payload, err: err}
		}
		defer cm.Disconnect(context.Background())

		_, err = cm.Publish(ctx, &paho.Publish{Topic: cfg.Topics.Command, Payload: []byte(payload)})
		return commandSentMsg{payload: payload, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.handleInputKey(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if m.cfg.Topics.Command == "" {
				m.addLogEntry("No command topic configured", true)
				return m, nil
			}
			m.editing = true
			cmd := m.input.Focus()
			return m, cmd
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

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case feedMsg:
		m.processMessage(msg.msg)

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected", false)

	case commandSentMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Command %q failed: %v", msg.payload, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("Command %q sent to %s", msg.payload, m.cfg.Topics.Command), false)
		}
	}

	return m, nil
}

func (m model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil
	case "enter":
		payload := m.input.Value()
		m.editing = false
		m.input.Blur()
		m.input.SetValue("")
		if payload == "" {
			return m, nil
		}
		return m, publishCommand(m.cfg, payload)
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) processMessage(msg *monitor.Message) {
	switch msg.Type {
	case monitor.MsgSnapshot:
		f := msg.Snapshot
		prev := m.frame
		m.frame = f
		m.stats.Update(f.Counters)

		if prev == nil {
			m.addLogEntry(fmt.Sprintf("Node is %s", f.State), false)
			return
		}
		if prev.State != f.State {
			m.addLogEntry(fmt.Sprintf("State %s -> %s", prev.State, f.State), false)
		}
		if prev.ConnState != f.ConnState && f.ConnState == "FAILED" {
			m.addLogEntry("MQTT connection failed, waiting for link loss", true)
		}
		if f.Counters.ConnackFailures > prev.Counters.ConnackFailures {
			m.addLogEntry(fmt.Sprintf("Broker refused connection (return code %d)", f.ReturnCode), true)
		}
		if f.Counters.LinkLosses > prev.Counters.LinkLosses {
			m.addLogEntry("Broker link lost", true)
		}
		if f.SensorError != "" && f.SensorError != prev.SensorError {
			m.addLogEntry(fmt.Sprintf("Sensor error: %s", f.SensorError), true)
		}
		if f.Dropped > prev.Dropped {
			m.addLogEntry(fmt.Sprintf("Dropped %d oversized packets", f.Dropped-prev.Dropped), true)
		}

	case monitor.MsgInbound:
		in := msg.Inbound
		m.addLogEntry(fmt.Sprintf("Received %s: %q", in.Topic, string(in.Payload)), false)
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("HYGROSTAT - NODE MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | 'c' command | 'r' reset stats | 'q' quit", m.connInfo)))
	s.WriteString("\n\n")

	switch {
	case m.connectionLost:
		s.WriteString(m.spinner.View())
		s.WriteString(errorStyle.Render(" Connection lost, reconnecting..."))
		s.WriteString("\n\n")
	case m.frame == nil:
		s.WriteString(m.spinner.View())
		s.WriteString(warningStyle.Render(" Waiting for node snapshot..."))
		s.WriteString("\n\n")
	}

	if m.frame != nil {
		f := m.frame

		// Session
		state := valueStyle.Render(f.State)
		switch f.State {
		case "CONNECTING", "DISCONNECTED_WAIT", "DISCONNECTED":
			state = warningStyle.Render(f.State) + " " + m.spinner.View()
		}
		connState := valueStyle.Render(f.ConnState)
		if f.ConnState == "FAILED" {
			connState = errorStyle.Render(f.ConnState)
		}

		session := strings.Builder{}
		session.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("State:"), state,
			labelStyle.Render("Since:"), valueStyle.Render(formatUptime(f.Timestamp().Sub(f.Since()))),
		))
		session.WriteString(fmt.Sprintf("%s %s   %s %d   %s %d\n",
			labelStyle.Render("MQTT:"), connState,
			labelStyle.Render("Pings:"), f.PendingPings,
			labelStyle.Render("Subscribes:"), f.PendingSubscribes,
		))
		sending := headerStyle.Render("idle")
		if f.Sending {
			sending = warningStyle.Render("awaiting ack")
		}
		led := headerStyle.Render("○")
		if f.Activity {
			led = valueStyle.Render("●")
		}
		session.WriteString(fmt.Sprintf("%s %d/%d   %s %d/%d   %s %s   %s %s",
			labelStyle.Render("TX:"), f.TxQueued, m.cfg.Buffers.TX,
			labelStyle.Render("RX:"), f.RxQueued, m.cfg.Buffers.RX,
			labelStyle.Render("Link:"), sending,
			labelStyle.Render("Activity:"), led,
		))
		if f.Stopped {
			session.WriteString("\n" + warningStyle.Render("Node has shut down"))
		}
		s.WriteString(boxStyle.Render(session.String()))
		s.WriteString("\n\n")

		// Reading
		s.WriteString(labelStyle.Render("Latest Reading:"))
		s.WriteString("\n")
		reading := strings.Builder{}
		if f.Humidity != nil && f.Temperature != nil {
			r := sensor.Reading{Humidity: *f.Humidity, Temperature: *f.Temperature}
			reading.WriteString(fmt.Sprintf("%s %s   %s %s",
				labelStyle.Render("Humidity:"), valueStyle.Render(r.HumidityString()+"%"),
				labelStyle.Render("Temperature:"), valueStyle.Render(r.TemperatureString()+"°C"),
			))
		} else {
			reading.WriteString(headerStyle.Render("(no reading yet)"))
		}
		if f.SensorError != "" {
			reading.WriteString("   " + errorStyle.Render("last error: "+f.SensorError))
		}
		s.WriteString(boxStyle.Render(reading.String()))
		s.WriteString("\n\n")
	}

	// Statistics
	m.stats.CalculateRates()
	c := m.stats.Counters
	stats := strings.Builder{}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Publishes:"), valueStyle.Render(fmt.Sprintf("%d", c.Publishes)),
		labelStyle.Render("Pings:"), valueStyle.Render(fmt.Sprintf("%d", c.Pings)),
		labelStyle.Render("Received:"), valueStyle.Render(fmt.Sprintf("%d", c.MessagesReceived)),
	))
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Segments:"), valueStyle.Render(fmt.Sprintf("%d", c.Segments)),
		labelStyle.Render("Retransmits:"), valueStyle.Render(fmt.Sprintf("%d", c.Retransmits)),
		labelStyle.Render("Bytes:"), valueStyle.Render(fmt.Sprintf("%d out / %d in", c.BytesSent, c.BytesReceived)),
	))
	if m.stats.Errors() > 0 {
		stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("Refused:"), errorStyle.Render(fmt.Sprintf("%d", c.ConnackFailures)),
			labelStyle.Render("Link losses:"), errorStyle.Render(fmt.Sprintf("%d", c.LinkLosses)),
			labelStyle.Render("Sensor errors:"), errorStyle.Render(fmt.Sprintf("%d", c.SensorErrors)),
		))
	}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Publish Rate:"), valueStyle.Render(fmt.Sprintf("%.1f /min", m.stats.PublishRate)),
		labelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f /min", m.stats.ErrorRate))
			}
			return valueStyle.Render(fmt.Sprintf("%.1f /min", m.stats.ErrorRate))
		}(),
	))
	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n\n")

	if m.editing {
		s.WriteString(labelStyle.Render(fmt.Sprintf("Publish to %s:", m.cfg.Topics.Command)))
		s.WriteString(" ")
		s.WriteString(m.input.View())
		s.WriteString(headerStyle.Render("  (enter send, esc cancel)"))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 22 // Reserve space for header and panels
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
