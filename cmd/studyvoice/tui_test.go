package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/voice"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string
	err   error
	state voice.State
}

func (f *fakeControl) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeControl) Open(context.Context, voice.OpenConfig) error { return f.record("open") }
func (f *fakeControl) StartListening(context.Context) error { return f.record("listen") }
func (f *fakeControl) StopListening(context.Context) error { return f.record("stop") }
func (f *fakeControl) Interrupt(context.Context) error { return f.record("interrupt") }
func (f *fakeControl) Close(context.Context) error { return f.record("close") }
func (f *fakeControl) State() voice.State { return f.state }

func (f *fakeControl) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestModel(t *testing.T, opts consoleOptions) (consoleModel, *fakeControl, *consoleRecognizer) {
	t.Helper()
	ctrl := &fakeControl{state: voice.StateReady}
	rec := newConsoleRecognizer()
	m := newConsoleModel(context.Background(), ctrl, rec, opts)
	m, _ = step(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})
	return m, ctrl, rec
}

func step(t *testing.T, m consoleModel, msg tea.Msg) (consoleModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	cm, ok := next.(consoleModel)
	require.True(t, ok)
	return cm, cmd
}

func enter(t *testing.T, m consoleModel, line string) (consoleModel, tea.Cmd) {
	t.Helper()
	m.input.SetValue(line)
	return step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

func transcript(m consoleModel) string {
	return strings.Join(m.lines, "\n")
}

func TestConsoleModelLayout(t *testing.T) {
	m, _, _ := newTestModel(t, consoleOptions{})
	assert.True(t, m.ready)
	assert.Equal(t, 80, m.viewport.Width)
	assert.Equal(t, 22, m.viewport.Height)
	assert.Contains(t, m.View(), "idle")

	unsized := newConsoleModel(context.Background(), &fakeControl{}, newConsoleRecognizer(), consoleOptions{})
	assert.Contains(t, unsized.View(), "Starting")
}

func TestConsoleModelInitOpens(t *testing.T) {
	m := newConsoleModel(context.Background(), &fakeControl{}, newConsoleRecognizer(), consoleOptions{})
	ctrl := m.ctrl.(*fakeControl)

	batch, ok := m.Init()().(tea.BatchMsg)
	require.True(t, ok)

	var done []controlDoneMsg
	for _, cmd := range batch {
		if cmd == nil {
			continue
		}
		if msg, ok := cmd().(controlDoneMsg); ok {
			done = append(done, msg)
		}
	}
	require.Len(t, done, 1)
	assert.Equal(t, "open", done[0].action)
	assert.Equal(t, []string{"open"}, ctrl.recorded())
}

func TestConsoleModelCommands(t *testing.T) {
	tests := []struct {
		line string
		call string
	}{
		{"/listen", "listen"},
		{"/stop", "stop"},
		{"/i", "interrupt"},
		{"/close", "close"},
		{"/open", "open"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			m, ctrl, _ := newTestModel(t, consoleOptions{})
			m, cmd := enter(t, m, tt.line)
			require.NotNil(t, cmd)
			assert.Empty(t, m.input.Value())

			msg, ok := cmd().(controlDoneMsg)
			require.True(t, ok)
			assert.Equal(t, tt.call, msg.action)
			assert.NoError(t, msg.err)
			assert.Equal(t, []string{tt.call}, ctrl.recorded())
		})
	}
}

func TestConsoleModelLocalCommands(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		contain string
	}{
		{"help", "/help", "/interrupt"},
		{"unknown", "/dance", "unknown command"},
		{"speech nobody hears", "hello there", "not listening, state ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ctrl, _ := newTestModel(t, consoleOptions{})
			m, cmd := enter(t, m, tt.line)
			assert.Nil(t, cmd)
			assert.Contains(t, transcript(m), tt.contain)
			assert.Empty(t, ctrl.recorded())
		})
	}

	m, _, _ := newTestModel(t, consoleOptions{})
	m, _ = enter(t, m, "   ")
	assert.Empty(t, m.lines)
}

func TestConsoleModelQuit(t *testing.T) {
	tests := []struct {
		name string
		msg  tea.Msg
		line string
	}{
		{name: "/quit", line: "/quit"},
		{name: "ctrl+c", msg: tea.KeyMsg{Type: tea.KeyCtrlC}},
		{name: "esc", msg: tea.KeyMsg{Type: tea.KeyEsc}},
		{name: "controller shut down", msg: controlDoneMsg{action: "listen", err: voice.ErrShutdown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestModel(t, consoleOptions{})
			var cmd tea.Cmd
			if tt.line != "" {
				_, cmd = enter(t, m, tt.line)
			} else {
				_, cmd = step(t, m, tt.msg)
			}
			require.NotNil(t, cmd)
			assert.IsType(t, tea.QuitMsg{}, cmd())
		})
	}
}

func TestConsoleModelControlError(t *testing.T) {
	m, _, _ := newTestModel(t, consoleOptions{})
	m, cmd := step(t, m, controlDoneMsg{action: "listen", err: errors.New("boom")})
	assert.Nil(t, cmd)
	assert.Contains(t, transcript(m), "listen: boom")

	m, _ = step(t, m, controlDoneMsg{action: "stop"})
	assert.Len(t, m.lines, 1)
}

func TestConsoleModelTypingIsHeard(t *testing.T) {
	m, _, rec := newTestModel(t, consoleOptions{})
	recognition, err := rec.Start(context.Background(), speech.RecognitionOptions{Interim: true})
	require.NoError(t, err)
	defer recognition.Stop()

	m, cmd := enter(t, m, "what is osmosis")
	assert.Nil(t, cmd)
	assert.Empty(t, m.lines, "the transcript event renders the line, not the keypress")

	res := <-recognition.Results()
	assert.Equal(t, "what is osmosis", res.Text)
	assert.True(t, res.Final)
}

func TestConsoleModelStreamsSpeech(t *testing.T) {
	m, _, _ := newTestModel(t, consoleOptions{})

	m, _ = step(t, m, busEventMsg{event: bus.AgentTurnReceived("s", "t1", "answer", "", 1)})
	m, _ = step(t, m, speechStartMsg{})
	spoken := m.speaking
	require.Equal(t, len(m.lines)-1, spoken)

	m, _ = step(t, m, speechWordMsg{word: "light"})
	m, _ = step(t, m, speechWordMsg{word: "makes"})

	// An event arriving mid-utterance lands below it; the words keep
	// streaming into the spoken line.
	m, _ = step(t, m, busEventMsg{event: bus.AgentStatus("s", "thinking")})
	m, _ = step(t, m, speechWordMsg{word: "sugar"})
	require.Len(t, m.lines, 3)
	for _, word := range []string{"light", "makes", "sugar"} {
		assert.Contains(t, m.lines[spoken], word)
	}
	assert.Contains(t, m.lines[2], "thinking")

	m, _ = step(t, m, speechEndMsg{cut: true})
	assert.Equal(t, -1, m.speaking)
	assert.Contains(t, m.lines[spoken], "…")

	m, _ = step(t, m, speechWordMsg{word: "stray"})
	assert.NotContains(t, transcript(m), "stray")
	assert.Contains(t, m.viewport.View(), "thinking")
}

func TestConsoleModelEvents(t *testing.T) {
	ready := bus.StateChanged("s", "connecting", "ready", "session_initialized", 0)

	t.Run("auto listen", func(t *testing.T) {
		m, ctrl, _ := newTestModel(t, consoleOptions{autoListen: true})
		m, cmd := step(t, m, busEventMsg{event: ready})
		assert.Equal(t, "ready", m.state)
		assert.Contains(t, m.statusLine(), "ready")
		require.NotNil(t, cmd)
		cmd()
		assert.Equal(t, []string{"listen"}, ctrl.recorded())
	})

	t.Run("manual listen", func(t *testing.T) {
		m, _, _ := newTestModel(t, consoleOptions{})
		m, cmd := step(t, m, busEventMsg{event: ready})
		assert.Nil(t, cmd)
		assert.Contains(t, transcript(m), "connecting → ready")
	})

	t.Run("hidden interim", func(t *testing.T) {
		m, _, _ := newTestModel(t, consoleOptions{})
		m, _ = step(t, m, busEventMsg{event: bus.TranscriptUpdate("s", "what is", false, "listening", 0)})
		assert.Empty(t, m.lines)
	})

	t.Run("error", func(t *testing.T) {
		m, _, _ := newTestModel(t, consoleOptions{})
		m, _ = step(t, m, busEventMsg{event: bus.ErrorEvent("s", "transport_error", "connection lost", true)})
		assert.Contains(t, transcript(m), "transport_error: connection lost")
	})
}

func TestConsoleModelRecent(t *testing.T) {
	events := bus.NewWithHistory(20)
	defer events.Close()
	require.NoError(t, events.Publish(bus.StateChanged("s", "idle", "connecting", "open", 0)))
	require.NoError(t, events.Publish(bus.AgentStatus("s", "searching")))

	m, _, _ := newTestModel(t, consoleOptions{recent: events.HistorySlice})
	m, cmd := enter(t, m, "/recent")
	assert.Nil(t, cmd)
	require.Len(t, m.lines, 2)
	assert.Contains(t, m.lines[0], "connecting")
	assert.Contains(t, m.lines[1], "searching")

	bare, _, _ := newTestModel(t, consoleOptions{})
	bare, _ = enter(t, bare, "/recent")
	assert.Empty(t, bare.lines)
}

func TestConsoleModelMeter(t *testing.T) {
	level := audio.NewPCMLevelSource(audio.BitDepth16)
	m, _, _ := newTestModel(t, consoleOptions{mic: level})
	require.NotNil(t, m.meter)

	level.Set(0.5)
	m, cmd := step(t, m, meterTickMsg{})
	assert.NotNil(t, cmd, "meter keeps ticking")
	level.Set(0.1)
	m, _ = step(t, m, meterTickMsg{})

	status := m.statusLine()
	assert.Contains(t, status, "mic")
	assert.Contains(t, status, "50%")

	plain, _, _ := newTestModel(t, consoleOptions{})
	_, cmd = step(t, plain, meterTickMsg{})
	assert.Nil(t, cmd)
	assert.NotContains(t, plain.statusLine(), "mic")
}

func TestRenderMeter(t *testing.T) {
	out := renderMeter([]float64{0, 0.5, 1}, 1)
	assert.Contains(t, out, "▁▄█")
	assert.Contains(t, out, "100%")
	assert.Contains(t, renderMeter(nil, 0), "0%")
}
