// Package speechtest provides scriptable in-memory speech capabilities for
// tests and the console runner.
package speechtest

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
)

// Recognizer is a fake speech.Recognizer. Every Start creates a Recognition
// that the test drives through Emit, Fail and End.
type Recognizer struct {
	// StartErr, when set, is returned by Start.
	StartErr error
	// StartDelay delays Start.
	StartDelay time.Duration

	mu        sync.Mutex
	instances []*Recognition
}

// NewRecognizer creates a fake recognizer.
func NewRecognizer() *Recognizer {
	return &Recognizer{}
}

// Start implements speech.Recognizer.
func (r *Recognizer) Start(ctx context.Context, opts speech.RecognitionOptions) (speech.Recognition, error) {
	if r.StartDelay > 0 {
		select {
		case <-time.After(r.StartDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.StartErr != nil {
		return nil, r.StartErr
	}

	rec := &Recognition{
		Options: opts,
		results: make(chan speech.RecognitionResult, 64),
		stopped: make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			rec.Stop()
		case <-rec.stopped:
		}
	}()

	r.mu.Lock()
	r.instances = append(r.instances, rec)
	r.mu.Unlock()
	return rec, nil
}

// Instances returns every recognition started so far.
func (r *Recognizer) Instances() []*Recognition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Recognition, len(r.instances))
	copy(out, r.instances)
	return out
}

// Live returns the recognitions that have not ended.
func (r *Recognizer) Live() []*Recognition {
	var out []*Recognition
	for _, rec := range r.Instances() {
		if !rec.Stopped() {
			out = append(out, rec)
		}
	}
	return out
}

// Last returns the most recent recognition, or nil.
func (r *Recognizer) Last() *Recognition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.instances) == 0 {
		return nil
	}
	return r.instances[len(r.instances)-1]
}

// WaitInstances blocks until at least n recognitions were started or the
// timeout passes. It reports whether the count was reached.
func (r *Recognizer) WaitInstances(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		got := len(r.instances)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Broadcast emits the same result on every live recognition. It returns how
// many received it.
func (r *Recognizer) Broadcast(text string, confidence float64, final bool) int {
	n := 0
	for _, rec := range r.Live() {
		if rec.Emit(text, confidence, final) {
			n++
		}
	}
	return n
}

// Recognition is a fake running recognizer instance.
type Recognition struct {
	Options speech.RecognitionOptions

	mu      sync.Mutex
	results chan speech.RecognitionResult
	stopped chan struct{}
	done    bool
}

// Results implements speech.Recognition.
func (r *Recognition) Results() <-chan speech.RecognitionResult {
	return r.results
}

// Stop implements speech.Recognition.
func (r *Recognition) Stop() {
	r.end()
}

// End simulates the engine ending on its own.
func (r *Recognition) End() {
	r.end()
}

func (r *Recognition) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	close(r.stopped)
	close(r.results)
}

// Stopped reports whether the instance has ended.
func (r *Recognition) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Emit delivers a hypothesis. It returns false if the instance has ended.
func (r *Recognition) Emit(text string, confidence float64, final bool) bool {
	return r.send(speech.RecognitionResult{Text: text, Confidence: confidence, Final: final})
}

// Fail delivers an engine error.
func (r *Recognition) Fail(err error) bool {
	return r.send(speech.RecognitionResult{Err: err})
}

func (r *Recognition) send(res speech.RecognitionResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	select {
	case r.results <- res:
		return true
	default:
		return false
	}
}

// SpeakCall records one Speak invocation.
type SpeakCall struct {
	Text     string
	Settings speech.Settings
}

// Synthesizer is a fake speech.Synthesizer. By default each Speak blocks
// until Finish is called or its context ends.
type Synthesizer struct {
	// Duration, when positive, completes each utterance after this long.
	Duration time.Duration
	// Err, when set, fails each utterance right after it starts.
	Err error
	// StopDelay is how long an utterance keeps playing after its context ends.
	StopDelay time.Duration

	mu        sync.Mutex
	calls     []SpeakCall
	current   chan struct{}
	active    bool
	cancelled atomic.Int32
	completed atomic.Int32
	playing   atomic.Int32
	overlap   atomic.Int32
}

// NewSynthesizer creates a fake synthesizer.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Speak implements speech.Synthesizer.
func (s *Synthesizer) Speak(ctx context.Context, text string, settings speech.Settings, onStart func()) error {
	done := make(chan struct{})

	n := s.playing.Add(1)
	for {
		peak := s.overlap.Load()
		if n <= peak || s.overlap.CompareAndSwap(peak, n) {
			break
		}
	}
	defer s.playing.Add(-1)

	s.mu.Lock()
	s.calls = append(s.calls, SpeakCall{Text: text, Settings: settings})
	s.current = done
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.current == done {
			s.active = false
		}
		s.mu.Unlock()
	}()

	if onStart != nil {
		onStart()
	}
	if s.Err != nil {
		return s.Err
	}

	var timer <-chan time.Time
	if s.Duration > 0 {
		timer = time.After(s.Duration)
	}

	select {
	case <-ctx.Done():
		if s.StopDelay > 0 {
			time.Sleep(s.StopDelay)
		}
		s.cancelled.Add(1)
		return ctx.Err()
	case <-done:
	case <-timer:
	}
	s.completed.Add(1)
	return nil
}

// Finish completes the utterance currently playing.
func (s *Synthesizer) Finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.current == nil {
		return false
	}
	close(s.current)
	s.current = nil
	return true
}

// Calls returns every Speak invocation so far.
func (s *Synthesizer) Calls() []SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpeakCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Speaking reports whether an utterance is playing.
func (s *Synthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cancelled returns how many utterances ended through their context.
func (s *Synthesizer) Cancelled() int { return int(s.cancelled.Load()) }

// Completed returns how many utterances played to the end.
func (s *Synthesizer) Completed() int { return int(s.completed.Load()) }

// MaxConcurrent returns the most utterances ever playing at the same time.
func (s *Synthesizer) MaxConcurrent() int { return int(s.overlap.Load()) }

// Microphone is a fake speech.Microphone.
type Microphone struct {
	// Err, when set, is returned by Acquire.
	Err error

	mu       sync.Mutex
	streams  []*MicStream
	acquired int
	released int
}

// NewMicrophone creates a fake microphone.
func NewMicrophone() *Microphone {
	return &Microphone{}
}

// Acquire implements speech.Microphone.
func (m *Microphone) Acquire(ctx context.Context) (speech.MicStream, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := &MicStream{mic: m}
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.acquired++
	m.mu.Unlock()
	return stream, nil
}

// SetLevel sets the level reported by every stream.
func (m *Microphone) SetLevel(level float64) {
	m.mu.Lock()
	streams := append([]*MicStream(nil), m.streams...)
	m.mu.Unlock()
	for _, s := range streams {
		s.SetLevel(level)
	}
}

// Held reports how many acquired streams have not been released.
func (m *Microphone) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired - m.released
}

// Acquired returns the total number of Acquire calls that succeeded.
func (m *Microphone) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// MicStream is a fake acquired microphone.
type MicStream struct {
	mic      *Microphone
	level    atomic.Uint64
	released atomic.Bool
}

// SetLevel sets the reported level.
func (s *MicStream) SetLevel(level float64) {
	s.level.Store(math.Float64bits(level))
}

// Level implements audio.LevelSource.
func (s *MicStream) Level() float64 {
	if s.released.Load() {
		return 0
	}
	return math.Float64frombits(s.level.Load())
}

// Release implements speech.MicStream.
func (s *MicStream) Release() {
	if s.released.CompareAndSwap(false, true) && s.mic != nil {
		s.mic.mu.Lock()
		s.mic.released++
		s.mic.mu.Unlock()
	}
}
