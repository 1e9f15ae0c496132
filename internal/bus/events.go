// Package bus carries the observable side effects of a voice session: state
// changes, transcripts, agent turns, agent status and errors.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event flowing through the bus.
type EventType string

const (
	// EventStateChanged fires after every applied state transition.
	EventStateChanged EventType = "state_changed"

	// EventTranscriptUpdate carries interim and final recognition text.
	EventTranscriptUpdate EventType = "transcript_update"

	// EventAgentTurnReceived fires when a voice_response arrives.
	EventAgentTurnReceived EventType = "agent_turn_received"

	// EventAgentStatus relays the remote processing status string.
	EventAgentStatus EventType = "agent_status"

	// EventError carries a classified session error.
	EventError EventType = "error"
)

// Event is a single session event. Fields are populated according to Type.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`

	// state_changed
	State     string `json:"state,omitempty"`
	PrevState string `json:"prev_state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Turn      int    `json:"turn,omitempty"`

	// transcript_update
	Transcript string  `json:"transcript,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// agent_turn_received
	TurnID    string `json:"turn_id,omitempty"`
	AgentText string `json:"agent_text,omitempty"`
	AgentType string `json:"agent_type,omitempty"`

	// agent_status
	AgentStatus string `json:"agent_status,omitempty"`

	// error
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// StateChanged builds a state_changed event.
func StateChanged(sessionID, prev, next, reason string, turn int) Event {
	e := NewEvent(EventStateChanged)
	e.SessionID = sessionID
	e.PrevState = prev
	e.State = next
	e.Reason = reason
	e.Turn = turn
	return e
}

// TranscriptUpdate builds a transcript_update event.
func TranscriptUpdate(sessionID, text string, final bool, source string, confidence float64) Event {
	e := NewEvent(EventTranscriptUpdate)
	e.SessionID = sessionID
	e.Transcript = text
	e.Final = final
	e.Source = source
	e.Confidence = confidence
	return e
}

// AgentTurnReceived builds an agent_turn_received event.
func AgentTurnReceived(sessionID, turnID, text, agentType string, turn int) Event {
	e := NewEvent(EventAgentTurnReceived)
	e.SessionID = sessionID
	e.TurnID = turnID
	e.AgentText = text
	e.AgentType = agentType
	e.Turn = turn
	return e
}

// AgentStatus builds an agent_status event.
func AgentStatus(sessionID, status string) Event {
	e := NewEvent(EventAgentStatus)
	e.SessionID = sessionID
	e.AgentStatus = status
	return e
}

// ErrorEvent builds an error event.
func ErrorEvent(sessionID, kind, msg string, fatal bool) Event {
	e := NewEvent(EventError)
	e.SessionID = sessionID
	e.ErrorKind = kind
	e.Error = msg
	e.Fatal = fatal
	return e
}
