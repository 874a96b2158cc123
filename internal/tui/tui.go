// Package tui provides the terminal interface for serialmon: the channel
// label with its toggle key, a live stream panel, a logs panel and a slash
// command line.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/commands"
	"github.com/roelfdiedericks/serialmon/internal/config"
	"github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/stream"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

const (
	commandTimeout = 30 * time.Second
	eventBuffer    = 256
	logBuffer      = 100
)

// Focus represents which panel has focus
type Focus int

const (
	FocusStream Focus = iota
	FocusLogs
)

// LayoutMode represents the current layout configuration
type LayoutMode int

const (
	LayoutNormal     LayoutMode = iota // 60/40 split
	LayoutLogsHidden                   // Stream fullscreen
	LayoutLogsFull                     // Logs fullscreen
)

// Model is the main TUI model
type Model struct {
	// Components
	streamViewport viewport.Model
	logsViewport   viewport.Model
	input          textinput.Model

	// State
	focus       Focus
	width       int
	height      int
	streamLines []string
	logsLines   []string
	maxLines    int
	latest      map[string]float64 // last value per source/metric
	ready       bool
	layout      LayoutMode

	// Bus events forwarded by subscribe
	eventChan chan bus.Event

	// Log lines forwarded by the exclusive log hook
	logChan chan string

	// Dependencies
	channel  string
	toggles  *toggle.Set
	commands *commands.Manager
	ctx      context.Context
	cancel   context.CancelFunc
}

// Message types
type busEventMsg bus.Event
type logMsg string
type toggleDoneMsg struct {
	name  string
	state toggle.State
}
type commandResultMsg struct {
	line   string
	result *commands.CommandResult
}

// New creates a new TUI model. toggles and cmds may be nil.
func New(toggles *toggle.Set, cmds *commands.Manager, opts Options) Model {
	initialLayout := LayoutNormal
	if !opts.ShowLogs {
		initialLayout = LayoutLogsHidden
	}
	maxLines := opts.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}

	ti := textinput.New()
	ti.Prompt = ""
	ti.Placeholder = "Type /help for commands..."
	ti.CharLimit = 1024
	ti.Focus()

	// Resized on WindowSizeMsg
	streamVP := viewport.New(80, 20)
	logsVP := viewport.New(40, 20)

	ctx, cancel := context.WithCancel(context.Background())

	m := Model{
		streamViewport: streamVP,
		logsViewport:   logsVP,
		input:          ti,
		focus:          FocusStream,
		streamLines:    []string{},
		logsLines:      []string{},
		maxLines:       maxLines,
		latest:         make(map[string]float64),
		layout:         initialLayout,
		eventChan:      make(chan bus.Event, eventBuffer),
		logChan:        make(chan string, logBuffer),
		channel:        opts.Channel,
		toggles:        toggles,
		commands:       cmds,
		ctx:            ctx,
		cancel:         cancel,
	}

	m.streamLines = append(m.streamLines,
		helpStyle.Render("Ctrl+T toggles the channel. Type /help for commands, Ctrl+C to quit."),
		"",
	)
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.waitForEvent(),
		m.waitForLog(),
	)
}

// subscribe forwards the topics the panels show into eventChan.
// A full channel drops the event.
func (m *Model) subscribe() []bus.SubscriptionID {
	forward := func(e bus.Event) {
		select {
		case m.eventChan <- e:
		default:
		}
	}
	return []bus.SubscriptionID{
		bus.SubscribePrefix("toggle.", forward),
		bus.SubscribePrefix("sources.", forward),
		bus.SubscribePrefix(stream.DataStreamPrefix, forward),
		bus.SubscribePrefix(stream.MetricsPrefix, forward),
		bus.SubscribeEvent(config.TopicReloaded, forward),
	}
}

// waitForEvent returns a command that waits for the next bus event
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-m.eventChan:
			return busEventMsg(e)
		case <-m.ctx.Done():
			return nil
		}
	}
}

// waitForLog returns a command that waits for the next log message
func (m *Model) waitForLog() tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-m.logChan:
			return logMsg(line)
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()
			return m, tea.Quit

		case "ctrl+t":
			return m, m.toggleChannel()

		case "tab":
			if m.layout == LayoutNormal {
				if m.focus == FocusStream {
					m.focus = FocusLogs
				} else {
					m.focus = FocusStream
				}
			}
			return m, nil

		case "ctrl+l":
			// Cycle layout: Normal -> LogsHidden -> LogsFull -> Normal
			switch m.layout {
			case LayoutNormal:
				m.layout = LayoutLogsHidden
				m.focus = FocusStream
			case LayoutLogsHidden:
				m.layout = LayoutLogsFull
				m.focus = FocusLogs
			case LayoutLogsFull:
				m.layout = LayoutNormal
				m.focus = FocusStream
			}
			return m, func() tea.Msg {
				return tea.WindowSizeMsg{Width: m.width, Height: m.height}
			}

		case "enter":
			if m.focus == FocusStream {
				text := strings.TrimSpace(m.input.Value())
				if text == "" {
					return m, nil
				}
				m.input.Reset()
				return m.handleLine(text)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

		streamWidth, logsWidth := m.panelWidths()

		// Height: total - input - metrics line - status bar - borders
		contentHeight := max(m.height-9, 1)

		m.streamViewport.Width = max(streamWidth-4, 0) // -4 for borders and padding
		m.streamViewport.Height = contentHeight
		m.logsViewport.Width = max(logsWidth-4, 0)
		m.logsViewport.Height = contentHeight

		m.input.Width = max(streamWidth-8, 1)

		m.refreshStream()
		m.refreshLogs()

	case busEventMsg:
		m.handleEvent(bus.Event(msg))
		cmds = append(cmds, m.waitForEvent())

	case logMsg:
		m.logsLines = appendCapped(m.logsLines, m.maxLines, string(msg))
		m.refreshLogs()
		cmds = append(cmds, m.waitForLog())

	case toggleDoneMsg:
		m.appendStream(systemStyle.Render(fmt.Sprintf("Channel %s: %s", msg.name, msg.state.Label())))

	case commandResultMsg:
		style := helpStyle
		if msg.result.ExitCode != 0 {
			style = errorStyle
		}
		var lines []string
		for _, line := range strings.Split(msg.result.Text, "\n") {
			if line != "" {
				lines = append(lines, style.Render(line))
			}
		}
		m.appendStream(append(lines, "")...)

	case configAppliedMsg:
		if msg.MaxLines > 0 {
			m.maxLines = msg.MaxLines
			m.streamLines = appendCapped(m.streamLines, m.maxLines)
			m.logsLines = appendCapped(m.logsLines, m.maxLines)
		}
		if msg.Channel != "" {
			m.channel = msg.Channel
		}
		m.refreshStream()
		m.refreshLogs()
	}

	// Update focused component
	if m.focus == FocusStream {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.streamViewport, _ = m.streamViewport.Update(msg)
	} else {
		m.logsViewport, _ = m.logsViewport.Update(msg)
	}

	return m, tea.Batch(cmds...)
}

// handleLine runs a line typed into the input
func (m Model) handleLine(text string) (tea.Model, tea.Cmd) {
	switch strings.ToLower(text) {
	case "/exit", "/quit":
		m.cancel()
		return m, tea.Quit
	case "/clear":
		m.streamLines = []string{}
		m.refreshStream()
		return m, nil
	}

	if !commands.IsCommand(text) {
		m.appendStream(helpStyle.Render("Type /help for available commands."), "")
		return m, nil
	}

	m.appendStream(inputPromptStyle.Render("> ") + text)
	return m, m.runCommand(text)
}

// runCommand executes a slash command off the UI goroutine
func (m Model) runCommand(line string) tea.Cmd {
	mgr := m.commands
	parent := m.ctx
	return func() tea.Msg {
		if mgr == nil {
			return commandResultMsg{line: line, result: &commands.CommandResult{
				Text:     "Commands are not available.",
				ExitCode: 1,
			}}
		}
		ctx, cancel := context.WithTimeout(parent, commandTimeout)
		defer cancel()
		return commandResultMsg{line: line, result: mgr.Execute(ctx, line)}
	}
}

// controller returns the channel driven by the toggle key
func (m Model) controller() (*toggle.Controller, bool) {
	if m.toggles == nil {
		return nil, false
	}
	if m.channel != "" {
		return m.toggles.Controller(m.channel)
	}
	all := m.toggles.Controllers()
	if len(all) == 1 {
		return all[0], true
	}
	return nil, false
}

// toggleChannel runs Toggle off the UI goroutine. A press during a
// transition reaches the controller, which drops it.
func (m *Model) toggleChannel() tea.Cmd {
	c, ok := m.controller()
	if !ok {
		m.appendStream(errorStyle.Render("No channel to toggle."))
		return nil
	}
	ctx := m.ctx
	return func() tea.Msg {
		c.Toggle(ctx)
		return toggleDoneMsg{name: c.Name(), state: c.State()}
	}
}

// handleEvent renders a bus event into the stream panel
func (m *Model) handleEvent(e bus.Event) {
	switch {
	case strings.HasPrefix(e.Topic, "toggle."):
		// The status bar reads the controller directly; only problems are shown.
		name := strings.TrimPrefix(e.Topic, "toggle.")
		switch {
		case strings.HasSuffix(name, ".failed"):
			name = strings.TrimSuffix(name, ".failed")
			m.appendStream(errorStyle.Render(fmt.Sprintf("Channel %s: backend not ready: %v", name, e.Data)))
		case strings.HasSuffix(name, ".dropped"):
			name = strings.TrimSuffix(name, ".dropped")
			m.appendStream(systemStyle.Render(fmt.Sprintf("Channel %s is busy, toggle ignored.", name)))
		}

	case strings.HasPrefix(e.Topic, "sources."):
		rest := strings.TrimPrefix(e.Topic, "sources.")
		idx := strings.LastIndex(rest, ".")
		if idx <= 0 {
			return
		}
		id, what := rest[:idx], rest[idx+1:]
		if what == "failed" {
			m.appendStream(errorStyle.Render(fmt.Sprintf("Source %s failed: %v", id, e.Data)))
			return
		}
		m.appendStream(systemStyle.Render(fmt.Sprintf("Source %s %s.", id, what)))

	case e.Topic == config.TopicReloaded:
		m.appendStream(systemStyle.Render("Configuration reloaded."))

	default:
		switch data := e.Data.(type) {
		case types.DataPacket:
			m.appendStream(formatPacket(data)...)
		case types.ParsedEvent:
			m.appendStream(formatEvent(strings.TrimPrefix(e.Topic, stream.DataStreamPrefix), data))
		case types.Metric:
			m.latest[data.SourceID+"/"+data.Name] = data.Value
		}
	}
}

// formatPacket renders one line per text line, or a hex preview for binary data
func formatPacket(p types.DataPacket) []string {
	prefix := timestamp(p.TsMillis) + " " + sourceTagStyle.Render("["+p.SourceID+"]") + " "

	if p.Text == nil {
		preview := p.Raw
		if len(preview) > 16 {
			preview = preview[:16]
		}
		return []string{prefix + packetStyle.Render(fmt.Sprintf("<%d bytes> % x", len(p.Raw), preview))}
	}

	var out []string
	for _, line := range strings.Split(*p.Text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, prefix+packetStyle.Render(line))
	}
	return out
}

func formatEvent(sourceID string, e types.ParsedEvent) string {
	return timestamp(e.TsMillis) + " " + sourceTagStyle.Render("["+sourceID+"]") + " " +
		eventStyle.Render(e.Kind+": "+string(e.Payload))
}

func timestamp(ms int64) string {
	return helpStyle.Render(time.UnixMilli(ms).Format("15:04:05.000"))
}

// appendCapped appends lines and keeps at most limit of the newest ones
func appendCapped(lines []string, limit int, add ...string) []string {
	lines = append(lines, add...)
	if limit > 0 && len(lines) > limit {
		kept := make([]string, limit)
		copy(kept, lines[len(lines)-limit:])
		lines = kept
	}
	return lines
}

func (m *Model) appendStream(lines ...string) {
	m.streamLines = appendCapped(m.streamLines, m.maxLines, lines...)
	m.refreshStream()
}

func (m *Model) refreshStream() {
	m.streamViewport.SetContent(strings.Join(m.streamLines, "\n"))
	m.streamViewport.GotoBottom()
}

func (m *Model) refreshLogs() {
	m.logsViewport.SetContent(strings.Join(m.logsLines, "\n"))
	m.logsViewport.GotoBottom()
}

func (m Model) panelWidths() (streamWidth, logsWidth int) {
	switch m.layout {
	case LayoutLogsHidden:
		return m.width, 0
	case LayoutLogsFull:
		return 0, m.width
	default:
		streamWidth = m.width * 60 / 100
		return streamWidth, m.width - streamWidth - 1
	}
}

// metricsLine summarises the latest value of every metric seen
func (m Model) metricsLine() string {
	if len(m.latest) == 0 {
		return helpStyle.Render("no metrics yet")
	}
	keys := make([]string, 0, len(m.latest))
	for k := range m.latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, m.latest[k]))
	}
	return metricStyle.Render(strings.Join(parts, "  "))
}

// View renders the TUI
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	streamWidth, logsWidth := m.panelWidths()
	panelHeight := max(m.height-3, 1)

	logsPanel := func(title string) string {
		border := unfocusedBorder
		if m.focus == FocusLogs {
			border = focusedBorder
		}
		return border.
			Width(max(logsWidth-2, 0)).
			Height(panelHeight).
			Render(lipgloss.JoinVertical(lipgloss.Left,
				titleStyle.Render(title),
				m.logsViewport.View(),
			))
	}

	var content string
	if m.layout == LayoutLogsFull {
		content = logsPanel("Logs (fullscreen)")
	} else {
		border := unfocusedBorder
		if m.focus == FocusStream {
			border = focusedBorder
		}
		streamPanel := border.
			Width(max(streamWidth-2, 0)).
			Height(panelHeight).
			Render(lipgloss.JoinVertical(lipgloss.Left,
				titleStyle.Render("Stream"),
				m.metricsLine(),
				m.streamViewport.View(),
				"",
				inputPromptStyle.Render("> ")+m.input.View(),
			))

		if m.layout == LayoutNormal {
			content = lipgloss.JoinHorizontal(lipgloss.Top, streamPanel, logsPanel("Logs"))
		} else {
			content = streamPanel
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, content, m.renderStatusBar())
}

// renderStatusBar shows the channel label, recomputed from the controller on every render
func (m Model) renderStatusBar() string {
	var left string
	if c, ok := m.controller(); ok {
		st := c.State().Status()
		left = channelStyle(st).Render(fmt.Sprintf("%s: %s", c.Name(), st))
	} else {
		left = statusBarStyle.Render("no channel")
	}

	var layoutName string
	switch m.layout {
	case LayoutNormal:
		layoutName = "split"
	case LayoutLogsHidden:
		layoutName = "stream"
	case LayoutLogsFull:
		layoutName = "logs"
	}
	help := fmt.Sprintf("Ctrl+T: toggle | Tab: focus | Ctrl+L: layout (%s) | Ctrl+C: quit", layoutName)
	right := statusBarStyle.Render(help)

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	middle := statusBarStyle.Render(strings.Repeat(" ", gap))

	return left + middle + right
}

// Run takes over the terminal until the user quits or ctx is cancelled.
// Log output is redirected into the logs panel while it runs.
func Run(ctx context.Context, toggles *toggle.Set, cmds *commands.Manager, opts Options) error {
	m := New(toggles, cmds, opts)
	subs := m.subscribe()

	// Exclusive hook: stderr would corrupt the alt screen
	logging.SetHookExclusive(func(level, msg string) {
		line := time.Now().Format("15:04:05") + " " + logStyle(level).Render("["+level+"]") + " " + msg
		select {
		case m.logChan <- line:
		default:
			// Drop log if channel is full
		}
	})

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	registerCommands(p)

	defer func() {
		unregisterCommands()
		logging.SetHookExclusive(nil)
		for _, id := range subs {
			bus.UnsubscribeEvent(id)
		}
		m.cancel()
	}()

	logging.L_info("tui: started", "channel", opts.Channel)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
