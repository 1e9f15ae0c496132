package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
	"github.com/darshan-pr/AI-partners-sub000/internal/journal"
)

var (
	stateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	interimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Faint(true)
	agentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true)
	speechStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// renderer formats bus events as conversation lines.
type renderer struct {
	// interim transcripts are noisy; show them only when asked
	showInterim bool
}

// line formats an event, or returns "" when it should not be shown.
func (r *renderer) line(e bus.Event) string {
	switch e.Type {
	case bus.EventStateChanged:
		return stateStyle.Render(fmt.Sprintf("· %s → %s (%s)", e.PrevState, e.State, e.Reason))

	case bus.EventTranscriptUpdate:
		prefix := "you"
		if e.Source == "interruption" {
			prefix = "you (interrupting)"
		}
		if !e.Final {
			if !r.showInterim {
				return ""
			}
			return interimStyle.Render(fmt.Sprintf("%s: %s…", prefix, e.Transcript))
		}
		return userStyle.Render(prefix+": ") + e.Transcript

	case bus.EventAgentTurnReceived:
		name := "tutor"
		if e.AgentType != "" {
			name = e.AgentType
		}
		return agentStyle.Render(name + ":")

	case bus.EventAgentStatus:
		return statusStyle.Render("… " + e.AgentStatus)

	case bus.EventError:
		if e.Fatal {
			return errorStyle.Render(fmt.Sprintf("✗ %s: %s", e.ErrorKind, e.Error))
		}
		return warnStyle.Render(fmt.Sprintf("! %s: %s", e.ErrorKind, e.Error))
	}
	return ""
}

// recentLine is the terse form /recent uses.
func recentLine(e bus.Event) string {
	detail := e.State
	switch e.Type {
	case bus.EventTranscriptUpdate:
		detail = e.Source
	case bus.EventAgentTurnReceived:
		detail = e.TurnID
	case bus.EventAgentStatus:
		detail = e.AgentStatus
	case bus.EventError:
		detail = e.ErrorKind
	}
	return stateStyle.Render(fmt.Sprintf("%s  %-20s %s", e.Timestamp.Local().Format("15:04:05.000"), e.Type, detail))
}

// renderHistory formats journal summaries as a table.
func renderHistory(sessions []journal.Summary) string {
	if len(sessions) == 0 {
		return "No sessions recorded yet."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-36s  %-19s  %8s  %5s  %5s  %6s  %s",
		"SESSION", "STARTED", "LENGTH", "TURNS", "BARGE", "ERRORS", "END")))
	b.WriteString("\n")

	for _, s := range sessions {
		length := "live"
		end := s.LastState
		if s.Ended() {
			length = s.Duration().Round(time.Second).String()
			end = s.EndReason
		}
		row := fmt.Sprintf("%-36s  %-19s  %8s  %5d  %5d  %6d  %s",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), length,
			s.Turns, s.Interruptions, s.Errors, end)
		if s.Errors > 0 {
			row = warnStyle.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
