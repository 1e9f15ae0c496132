package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
	"github.com/darshan-pr/AI-partners-sub000/internal/voice"
)

const (
	meterInterval = 100 * time.Millisecond
	meterCells    = 12
	recentEvents  = 12
)

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGES
// ═══════════════════════════════════════════════════════════════════════════════

// busEventMsg carries a session event into the program.
type busEventMsg struct{ event bus.Event }

// speechStartMsg, speechWordMsg and speechEndMsg stream one utterance from
// the console synthesizer.
type speechStartMsg struct{}

type speechWordMsg struct{ word string }

type speechEndMsg struct{ cut bool }

// controlDoneMsg reports a finished controller call.
type controlDoneMsg struct {
	action string
	err    error
}

type meterTickMsg time.Time

// ═══════════════════════════════════════════════════════════════════════════════
// MODEL
// ═══════════════════════════════════════════════════════════════════════════════

// sessionControl is the slice of *voice.Controller the console drives.
type sessionControl interface {
	Open(ctx context.Context, cfg voice.OpenConfig) error
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Close(ctx context.Context) error
	State() voice.State
}

type keyMap struct {
	Send     key.Binding
	Quit     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Send:     key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "say / run command")),
		Quit:     key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("ctrl+c", "quit")),
		PageUp:   key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "scroll up")),
		PageDown: key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdown", "scroll down")),
	}
}

type consoleOptions struct {
	open       voice.OpenConfig
	autoListen bool
	interim    bool

	// recent returns the last n bus events for /recent.
	recent func(n int) []bus.Event

	// mic feeds the level meter; nil hides it.
	mic audio.LevelSource
}

// consoleModel is the conversation screen: a scrolling transcript, a status
// line and the input box.
type consoleModel struct {
	ctx  context.Context
	ctrl sessionControl
	rec  *consoleRecognizer
	opts consoleOptions
	r    renderer
	keys keyMap

	input    textinput.Model
	viewport viewport.Model
	meter    *audio.Monitor

	lines    []string
	// speaking indexes the line being spoken, -1 when the agent is quiet
	speaking int
	state    string

	width  int
	height int
	ready  bool
}

func newConsoleModel(ctx context.Context, ctrl sessionControl, rec *consoleRecognizer, opts consoleOptions) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "Say something... (/help for commands)"
	ti.Prompt = "› "
	ti.CharLimit = 1000
	ti.Focus()

	m := consoleModel{
		ctx:      ctx,
		ctrl:     ctrl,
		rec:      rec,
		opts:     opts,
		r:        renderer{showInterim: opts.interim},
		keys:     defaultKeyMap(),
		input:    ti,
		viewport: viewport.New(0, 0),
		speaking: -1,
		state:    string(voice.StateIdle),
	}
	if opts.mic != nil {
		m.meter = audio.NewMonitor(opts.mic, meterCells)
	}
	return m
}

func (m consoleModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textinput.Blink,
		m.control("open", func(ctx context.Context) error { return m.ctrl.Open(ctx, m.opts.open) }),
	}
	if m.meter != nil {
		cmds = append(cmds, tickMeter())
	}
	return tea.Batch(cmds...)
}

func tickMeter() tea.Cmd {
	return tea.Tick(meterInterval, func(t time.Time) tea.Msg { return meterTickMsg(t) })
}

// control runs a controller call off the update loop.
func (m consoleModel) control(action string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return controlDoneMsg{action: action, err: fn(ctx)}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// UPDATE
// ═══════════════════════════════════════════════════════════════════════════════

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

		// status line + input line
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-2, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Send):
			line := m.input.Value()
			m.input.Reset()
			return m.submit(line)
		case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case busEventMsg:
		return m.handleEvent(msg.event)

	case speechStartMsg:
		m.lines = append(m.lines, "  ")
		m.speaking = len(m.lines) - 1
		m.refresh()
		return m, nil

	case speechWordMsg:
		if m.speaking < 0 {
			return m, nil
		}
		if strings.TrimSpace(m.lines[m.speaking]) != "" {
			m.lines[m.speaking] += " "
		}
		m.lines[m.speaking] += speechStyle.Render(msg.word)
		m.refresh()
		return m, nil

	case speechEndMsg:
		if m.speaking >= 0 && msg.cut {
			m.lines[m.speaking] += stateStyle.Render(" …")
		}
		m.speaking = -1
		m.refresh()
		return m, nil

	case controlDoneMsg:
		if msg.err == nil {
			return m, nil
		}
		if errors.Is(msg.err, voice.ErrShutdown) {
			return m, tea.Quit
		}
		m.appendLine(errorStyle.Render(fmt.Sprintf("%s: %v", msg.action, msg.err)))
		return m, nil

	case meterTickMsg:
		if m.meter == nil {
			return m, nil
		}
		m.meter.Sample()
		return m, tickMeter()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit dispatches one line of input.
func (m consoleModel) submit(line string) (tea.Model, tea.Cmd) {
	switch parseCommand(line) {
	case cmdSay:
		if m.rec.Say(line) == 0 && strings.TrimSpace(line) != "" {
			m.appendLine(warnStyle.Render(fmt.Sprintf("(not listening, state %s; try /listen)", m.ctrl.State())))
		}
		return m, nil
	case cmdListen:
		return m, m.control("listen", m.ctrl.StartListening)
	case cmdStop:
		return m, m.control("stop", m.ctrl.StopListening)
	case cmdInterrupt:
		return m, m.control("interrupt", m.ctrl.Interrupt)
	case cmdClose:
		return m, m.control("close", m.ctrl.Close)
	case cmdOpen:
		return m, m.control("open", func(ctx context.Context) error { return m.ctrl.Open(ctx, m.opts.open) })
	case cmdRecent:
		if m.opts.recent == nil {
			return m, nil
		}
		for _, e := range m.opts.recent(recentEvents) {
			m.lines = append(m.lines, recentLine(e))
		}
		m.refresh()
		return m, nil
	case cmdQuit:
		return m, tea.Quit
	case cmdHelp:
		m.appendLine(consoleHelp)
		return m, nil
	default:
		m.appendLine(warnStyle.Render("unknown command, try /help"))
		return m, nil
	}
}

func (m consoleModel) handleEvent(e bus.Event) (tea.Model, tea.Cmd) {
	if e.Type == bus.EventStateChanged {
		m.state = e.State
	}
	if text := m.r.line(e); text != "" {
		m.appendLine(text)
	}

	if m.opts.autoListen && e.Type == bus.EventStateChanged &&
		e.State == string(voice.StateReady) && e.Reason == "session_initialized" {
		return m, m.control("listen", m.ctrl.StartListening)
	}
	return m, nil
}

func (m *consoleModel) appendLine(text string) {
	m.lines = append(m.lines, text)
	m.refresh()
}

// refresh re-renders the transcript and keeps the newest line in view.
func (m *consoleModel) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// ═══════════════════════════════════════════════════════════════════════════════
// VIEW
// ═══════════════════════════════════════════════════════════════════════════════

func (m consoleModel) View() string {
	if !m.ready {
		return stateStyle.Render("Starting studyvoice...")
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		m.statusLine(),
		m.input.View(),
	)
}

func (m consoleModel) statusLine() string {
	status := statusStyle.Render("● " + m.state)
	if m.meter != nil {
		status += "  " + stateStyle.Render("mic ") + renderMeter(m.meter.Recent(), m.meter.Peak())
	}
	return status
}

var meterBars = []rune("▁▂▃▄▅▆▇█")

// renderMeter draws recent levels as a sparkline followed by the peak.
func renderMeter(levels []float64, peak float64) string {
	var b strings.Builder
	for i := len(levels); i < meterCells; i++ {
		b.WriteRune(' ')
	}
	for _, l := range levels {
		idx := int(l * float64(len(meterBars)-1))
		idx = min(max(idx, 0), len(meterBars)-1)
		b.WriteRune(meterBars[idx])
	}
	return userStyle.Render(b.String()) + stateStyle.Render(fmt.Sprintf(" %3.0f%%", peak*100))
}
