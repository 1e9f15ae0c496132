// Package voice runs a spoken conversation with a remote study agent. A single
// controller goroutine owns the session and reacts to recognizer results,
// synthesis lifecycle, barge-in triggers, transport frames and timers.
package voice

import (
	"context"
	"time"

	"github.com/darshan-pr/AI-partners-sub000/internal/interrupt"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
)

// Connector reaches the remote voice service.
type Connector interface {
	EnsureStarted(ctx context.Context) error
	Dial(ctx context.Context) (*transport.Conn, error)
}

// OpenConfig identifies the user opening a session.
type OpenConfig struct {
	Username       string
	MultiAgentMode bool
}

// InterruptionConfig controls barge-in while the agent speaks.
type InterruptionConfig struct {
	Enabled  bool
	Detector interrupt.Config
}

// Config holds the controller timeouts and channel settings.
type Config struct {
	ConnectTimeout     time.Duration
	SessionInitTimeout time.Duration
	ListenAckTimeout   time.Duration
	ResponseTimeout    time.Duration

	Input        speech.InputConfig
	Speech       speech.Settings
	Interruption InterruptionConfig

	// EventHistory is how many bus events are retained for late subscribers.
	EventHistory int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     10 * time.Second,
		SessionInitTimeout: 10 * time.Second,
		ListenAckTimeout:   5 * time.Second,
		ResponseTimeout:    60 * time.Second,
		Input:              speech.DefaultInputConfig(),
		Speech: speech.Settings{
			Mode:    speech.ModeConversational,
			Rate:    1.0,
			Pitch:   1.0,
			Volume:  1.0,
			Timeout: 2 * time.Minute,
		},
		Interruption: InterruptionConfig{
			Enabled:  true,
			Detector: interrupt.DefaultConfig(),
		},
		EventHistory: 100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SessionInitTimeout <= 0 {
		c.SessionInitTimeout = def.SessionInitTimeout
	}
	if c.ListenAckTimeout <= 0 {
		c.ListenAckTimeout = def.ListenAckTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if !c.Speech.Mode.Valid() {
		c.Speech.Mode = def.Speech.Mode
	}
	if c.Speech.Timeout <= 0 {
		c.Speech.Timeout = def.Speech.Timeout
	}
	return c
}

// Session is a snapshot of the live conversation.
type Session struct {
	ID             string
	Username       string
	MultiAgentMode bool
	Turn           int
	State          State
	OpenedAt       time.Time
}

// AgentTurn is one agent reply being spoken.
type AgentTurn struct {
	ID         string
	Text       string
	AgentType  string // empty unless the session is multi-agent
	Spoken     bool
	ReceivedAt time.Time
}
