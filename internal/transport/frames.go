// Package transport speaks the voice session protocol: JSON text frames with
// a "type" discriminator over a persistent websocket.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the value of a frame's "type" field.
type FrameType string

// Outbound (client to service).
const (
	TypeInitSession    FrameType = "init_session"
	TypeStartListening FrameType = "start_listening"
	TypeStopListening  FrameType = "stop_listening"
	TypeVoiceInput     FrameType = "voice_input"
)

// Inbound (service to client).
const (
	TypeConnected          FrameType = "connected"
	TypeSessionInitialized FrameType = "session_initialized"
	TypeListeningStarted   FrameType = "listening_started"
	TypeListeningStopped   FrameType = "listening_stopped"
	TypeProcessing         FrameType = "processing"
	TypeVoiceResponse      FrameType = "voice_response"
	TypeError              FrameType = "error"
)

// ErrMalformedFrame is returned for payloads that are not a typed JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is any protocol message.
type Frame interface {
	FrameType() FrameType
}

// InitSession opens a logical session on a fresh connection.
type InitSession struct {
	Username       string `json:"username"`
	MultiAgentMode bool   `json:"multiAgentMode"`
}

// StartListening asks the service to accept voice input.
type StartListening struct{}

// StopListening asks the service to stop accepting voice input.
type StopListening struct{}

// VoiceInput carries one final user utterance.
type VoiceInput struct {
	Transcript          string `json:"transcript"`
	Mode                string `json:"mode"`
	InterruptionEnabled bool   `json:"interruptionEnabled"`
}

// Connected carries the session identifier issued by the service.
type Connected struct {
	SessionID string `json:"sessionId"`
}

// SessionInitialized acknowledges InitSession.
type SessionInitialized struct {
	MultiAgentMode bool `json:"multiAgentMode"`
}

// ListeningStarted acknowledges StartListening.
type ListeningStarted struct{}

// ListeningStopped reports that the service stopped accepting input.
type ListeningStopped struct{}

// Processing reports agent progress while a response is being produced.
type Processing struct {
	AgentStatus string `json:"agentStatus"`
}

// VoiceResponse answers the most recent VoiceInput.
type VoiceResponse struct {
	Response  string `json:"response"`
	AgentType string `json:"agentType,omitempty"`
}

// ErrorFrame reports a service-side failure.
type ErrorFrame struct {
	Message string `json:"error"`
}

// Unknown holds a frame whose type this client does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (InitSession) FrameType() FrameType        { return TypeInitSession }
func (StartListening) FrameType() FrameType     { return TypeStartListening }
func (StopListening) FrameType() FrameType      { return TypeStopListening }
func (VoiceInput) FrameType() FrameType         { return TypeVoiceInput }
func (Connected) FrameType() FrameType          { return TypeConnected }
func (SessionInitialized) FrameType() FrameType { return TypeSessionInitialized }
func (ListeningStarted) FrameType() FrameType   { return TypeListeningStarted }
func (ListeningStopped) FrameType() FrameType   { return TypeListeningStopped }
func (Processing) FrameType() FrameType         { return TypeProcessing }
func (VoiceResponse) FrameType() FrameType      { return TypeVoiceResponse }
func (ErrorFrame) FrameType() FrameType         { return TypeError }
func (u Unknown) FrameType() FrameType          { return FrameType(u.Type) }

// Marshal encodes f as a JSON object with its "type" field first.
func Marshal(f Frame) ([]byte, error) {
	if _, ok := f.(Unknown); ok {
		return nil, fmt.Errorf("marshal %q: %w", f.FrameType(), ErrMalformedFrame)
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", f.FrameType(), err)
	}
	typ, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

type envelope struct {
	Type FrameType `json:"type"`
}

func peekType(data []byte) (FrameType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env.Type, nil
}

// DecodeInbound parses a service-to-client frame. Unrecognized types decode
// to Unknown without error.
func DecodeInbound(data []byte) (Frame, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeConnected:
		return decode[Connected](data)
	case TypeSessionInitialized:
		return decode[SessionInitialized](data)
	case TypeListeningStarted:
		return ListeningStarted{}, nil
	case TypeListeningStopped:
		return ListeningStopped{}, nil
	case TypeProcessing:
		return decode[Processing](data)
	case TypeVoiceResponse:
		return decode[VoiceResponse](data)
	case TypeError:
		return decode[ErrorFrame](data)
	default:
		return Unknown{Type: string(typ), Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// DecodeOutbound parses a client-to-service frame.
func DecodeOutbound(data []byte) (Frame, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeInitSession:
		return decode[InitSession](data)
	case TypeStartListening:
		return StartListening{}, nil
	case TypeStopListening:
		return StopListening{}, nil
	case TypeVoiceInput:
		return decode[VoiceInput](data)
	default:
		return Unknown{Type: string(typ), Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decode[T Frame](data []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.FrameType(), err)
	}
	return v, nil
}
