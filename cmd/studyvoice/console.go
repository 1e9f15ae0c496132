package main

import (
	"context"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONSOLE RECOGNIZER
// ═══════════════════════════════════════════════════════════════════════════════

// consoleRecognizer turns typed lines into recognition results. Every live
// recognition sees every line, the way a shared microphone would.
type consoleRecognizer struct {
	mu   sync.Mutex
	live map[*consoleRecognition]struct{}
}

func newConsoleRecognizer() *consoleRecognizer {
	return &consoleRecognizer{live: make(map[*consoleRecognition]struct{})}
}

func (r *consoleRecognizer) Start(ctx context.Context, opts speech.RecognitionOptions) (speech.Recognition, error) {
	rec := &consoleRecognition{
		results: make(chan speech.RecognitionResult, 16),
		owner:   r,
	}

	r.mu.Lock()
	r.live[rec] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		rec.Stop()
	}()
	return rec, nil
}

// Say delivers a typed line. A trailing "..." marks the line as an interim
// hypothesis; anything else is final. It returns how many recognitions heard it.
func (r *consoleRecognizer) Say(line string) int {
	text, final := parseSpoken(line)
	if text == "" {
		return 0
	}

	r.mu.Lock()
	targets := make([]*consoleRecognition, 0, len(r.live))
	for rec := range r.live {
		targets = append(targets, rec)
	}
	r.mu.Unlock()

	heard := 0
	for _, rec := range targets {
		if rec.send(speech.RecognitionResult{Text: text, Final: final}) {
			heard++
		}
	}
	return heard
}

func (r *consoleRecognizer) remove(rec *consoleRecognition) {
	r.mu.Lock()
	delete(r.live, rec)
	r.mu.Unlock()
}

func parseSpoken(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if strings.HasSuffix(line, "...") {
		return strings.TrimSpace(strings.TrimSuffix(line, "...")), false
	}
	return line, true
}

type consoleRecognition struct {
	results chan speech.RecognitionResult
	owner   *consoleRecognizer

	mu     sync.Mutex
	closed bool
}

func (r *consoleRecognition) Results() <-chan speech.RecognitionResult { return r.results }

func (r *consoleRecognition) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.results)
	r.owner.remove(r)
}

func (r *consoleRecognition) send(res speech.RecognitionResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.results <- res:
		return true
	default:
		return false
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONSOLE SYNTHESIZER
// ═══════════════════════════════════════════════════════════════════════════════

// consoleSynthesizer "speaks" by streaming one word at a time into the
// console so the user has time to type over it.
type consoleSynthesizer struct {
	send    func(tea.Msg)
	perWord time.Duration
}

func (s *consoleSynthesizer) Speak(ctx context.Context, text string, settings speech.Settings, onStart func()) error {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	delay := s.perWord
	if settings.Rate > 0 {
		delay = time.Duration(float64(delay) / settings.Rate)
	}
	if delay <= 0 {
		delay = time.Millisecond
	}

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	if onStart != nil {
		onStart()
	}
	s.send(speechStartMsg{})

	for i, word := range words {
		if i > 0 {
			select {
			case <-ctx.Done():
				s.send(speechEndMsg{cut: true})
				return ctx.Err()
			case <-ticker.C:
			}
		}
		s.send(speechWordMsg{word: word})
	}
	s.send(speechEndMsg{})
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONSOLE COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

type consoleCommand int

const (
	cmdSay consoleCommand = iota
	cmdListen
	cmdStop
	cmdInterrupt
	cmdClose
	cmdOpen
	cmdQuit
	cmdRecent
	cmdHelp
	cmdUnknown
)

// parseCommand splits slash commands from speech.
func parseCommand(line string) consoleCommand {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return cmdSay
	}
	switch strings.ToLower(strings.Fields(line + " ")[0]) {
	case "/listen":
		return cmdListen
	case "/stop":
		return cmdStop
	case "/interrupt", "/i":
		return cmdInterrupt
	case "/close":
		return cmdClose
	case "/open":
		return cmdOpen
	case "/quit", "/exit", "/q":
		return cmdQuit
	case "/recent":
		return cmdRecent
	case "/help", "/?":
		return cmdHelp
	default:
		return cmdUnknown
	}
}

const consoleHelp = `Type to talk. A line ending in "..." is a partial phrase.
Typing while the agent speaks interrupts it.

  /listen     start listening
  /stop       stop listening
  /interrupt  cut the agent off
  /close      end the session
  /open       start a new session
  /recent     show the latest session events
  /quit       exit

PgUp/PgDn scroll the conversation.`
