// Package speech wraps the host's recognition, synthesis and microphone
// capabilities behind cancellable channels.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
)

// Common errors
var (
	ErrUnsupported       = errors.New("speech capability unsupported")
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrSynthesisTimeout  = errors.New("synthesis timeout")
	ErrStartTimeout      = errors.New("recognition start timeout")
	ErrRecognitionEnded  = errors.New("recognition ended unexpectedly")
	ErrRecognitionFailed = errors.New("recognition failed")
)

// Source tags where an utterance came from.
type Source string

const (
	SourceListening    Source = "listening"
	SourceInterruption Source = "interruption"
)

// Utterance is one recognized piece of user speech.
type Utterance struct {
	ID         string
	Text       string
	Final      bool
	Source     Source
	Confidence float64
	Timestamp  time.Time
}

// RecognitionOptions configures a recognizer instance.
type RecognitionOptions struct {
	Language   string
	Interim    bool
	Continuous bool
}

// RecognitionResult is a single interim or final hypothesis. A result with
// Err set reports an engine failure and is the last one delivered.
type RecognitionResult struct {
	Text       string
	Confidence float64 // 0 when the engine does not report it
	Final      bool
	Err        error
}

// Recognition is a running recognizer instance. Results is closed when the
// instance ends, whether stopped or on its own.
type Recognition interface {
	Results() <-chan RecognitionResult
	Stop()
}

// Recognizer starts continuous speech recognition. The context bounds the
// lifetime of the returned instance.
type Recognizer interface {
	Start(ctx context.Context, opts RecognitionOptions) (Recognition, error)
}

// DeliveryMode selects how agent text is phrased before synthesis.
type DeliveryMode string

const (
	ModeConversational DeliveryMode = "conversational"
	ModeDetailed       DeliveryMode = "detailed"
)

// Valid reports whether m is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == ModeConversational || m == ModeDetailed
}

// Settings are the synthesis parameters for one utterance.
type Settings struct {
	Mode    DeliveryMode
	Voice   string
	Rate    float64
	Pitch   float64
	Volume  float64
	Timeout time.Duration // 0 disables the playback bound
}

// Synthesizer speaks text. Speak blocks until playback ends and must return
// promptly once ctx is done. onStart is invoked when audio begins.
type Synthesizer interface {
	Speak(ctx context.Context, text string, settings Settings, onStart func()) error
}

// MicStream is an acquired microphone.
type MicStream interface {
	audio.LevelSource
	Release()
}

// Microphone grants exclusive access to the input device.
type Microphone interface {
	Acquire(ctx context.Context) (MicStream, error)
}

// Capabilities groups the host-provided engines. Any of them may be nil.
type Capabilities struct {
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Microphone  Microphone
}
