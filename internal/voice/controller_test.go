package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
	"github.com/darshan-pr/AI-partners-sub000/internal/devserver"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech/speechtest"
	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
)

const wait = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func record(b *bus.Bus) *recorder {
	r := &recorder{}
	b.SubscribeWithBuffer("", 4096, func(e bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all(typ bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reasons(state State) []string {
	var out []string
	for _, e := range r.all(bus.EventStateChanged) {
		if e.State == string(state) {
			out = append(out, e.Reason)
		}
	}
	return out
}

func (r *recorder) errorKinds() []string {
	var out []string
	for _, e := range r.all(bus.EventError) {
		out = append(out, e.ErrorKind)
	}
	return out
}

type harness struct {
	t     *testing.T
	srv   *devserver.Server
	rec   *speechtest.Recognizer
	synth *speechtest.Synthesizer
	mic   *speechtest.Microphone
	ctrl  *Controller
	log   *recorder

	// detect is whether barge-in detection runs while the agent speaks.
	detect bool
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = wait
	cfg.SessionInitTimeout = wait
	cfg.ListenAckTimeout = wait
	cfg.ResponseTimeout = wait
	cfg.Input.StartTimeout = time.Second
	cfg.Speech.Mode = speech.ModeDetailed
	cfg.Interruption.Detector.FrameInterval = 2 * time.Millisecond
	cfg.Interruption.Detector.StartTimeout = time.Second
	return cfg
}

func serve(t *testing.T, opts devserver.Options) (*devserver.Server, *transport.Client) {
	t.Helper()
	srv := devserver.New(opts, zerolog.Nop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	client := transport.NewClient(transport.Config{
		URL:              "ws" + strings.TrimPrefix(hs.URL, "http") + devserver.VoicePath,
		EnsureURL:        hs.URL + devserver.EnsurePath,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		HTTPTimeout:      time.Second,
	}, zerolog.Nop())
	return srv, client
}

func newHarness(t *testing.T, opts devserver.Options, mutate func(*Config, *speech.Capabilities)) *harness {
	t.Helper()
	srv, client := serve(t, opts)

	h := &harness{
		t:     t,
		srv:   srv,
		rec:   speechtest.NewRecognizer(),
		synth: speechtest.NewSynthesizer(),
		mic:   speechtest.NewMicrophone(),
	}
	cfg := testConfig()
	h.detect = cfg.Interruption.Enabled
	caps := speech.Capabilities{Recognizer: h.rec, Synthesizer: h.synth, Microphone: h.mic}
	if mutate != nil {
		mutate(&cfg, &caps)
	}

	events := bus.New()
	h.log = record(events)
	h.ctrl = New(cfg, caps, client, events, zerolog.Nop())
	t.Cleanup(h.ctrl.Shutdown)
	return h
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.ctrl.State() == s }, wait, 2*time.Millisecond,
		"want %s, have %s", s, h.ctrl.State())
}

func (h *harness) open(multiAgent bool) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Open(context.Background(), OpenConfig{Username: "ada", MultiAgentMode: multiAgent}))
	h.waitState(StateReady)
}

// listen moves to listening and waits for the primary recognizer.
func (h *harness) listen() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.StartListening(context.Background()))
	h.waitState(StateListening)
	h.waitCapture()
}

// waitCapture waits until the newest recognizer is the only live one.
func (h *harness) waitCapture() {
	h.t.Helper()
	h.eventually(func() bool {
		live := h.rec.Live()
		return len(live) == 1 && live[0] == h.rec.Last()
	})
}

func (h *harness) eventually(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, wait, 2*time.Millisecond)
}

// say delivers a final utterance to whichever recognizer is live.
func (h *harness) say(text string) {
	h.t.Helper()
	require.Equal(h.t, 1, h.rec.Broadcast(text, 0.9, true))
}

// speakTurn runs one user turn up to the agent speaking, with the barge-in
// recognizer up when detection is enabled.
func (h *harness) speakTurn(text string) {
	h.t.Helper()
	n := len(h.rec.Instances())
	h.say(text)
	h.waitState(StateSpeaking)
	h.eventually(h.synth.Speaking)
	if h.detect {
		h.eventually(func() bool { return len(h.rec.Instances()) > n })
		h.waitCapture()
	}
}

// inspect runs fn on the controller goroutine.
func (h *harness) inspect(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.do(context.Background(), opInspect(fn)))
}

func TestOpenReachesReady(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)

	sess, ok := h.ctrl.Session()
	require.True(t, ok)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "ada", sess.Username)
	assert.Equal(t, StateReady, sess.State)

	assert.Equal(t, 1, h.srv.EnsureCalls())
	assert.Equal(t, 1, h.srv.Count(transport.TypeInitSession))
	assert.Equal(t, 1, h.mic.Held())

	require.Eventually(t, func() bool { return len(h.log.reasons(StateReady)) == 1 }, wait, 2*time.Millisecond)
	assert.Equal(t, []string{"session_initialized"}, h.log.reasons(StateReady))
}

func TestOpenIsIdempotent(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	require.NoError(t, h.ctrl.Open(context.Background(), OpenConfig{Username: "ada"}))
	require.NoError(t, h.ctrl.Open(context.Background(), OpenConfig{Username: "ada"}))

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, 1, h.srv.Connects())
	assert.Equal(t, 1, h.mic.Acquired())
}

func TestRoundTripDetailedMode(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()

	h.speakTurn("what is DNA")

	inputs := h.srv.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, transport.VoiceInput{Transcript: "what is DNA", Mode: "detailed", InterruptionEnabled: true}, inputs[0])

	calls := h.synth.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "You said: what is DNA", calls[0].Text)
	assert.Equal(t, speech.ModeDetailed, calls[0].Settings.Mode)
	assert.True(t, h.ctrl.Detecting())
	assert.False(t, h.ctrl.Capturing())

	require.True(t, h.synth.Finish())
	h.waitState(StateListening)
	h.waitCapture()

	sess, _ := h.ctrl.Session()
	assert.Equal(t, 1, sess.Turn)
	assert.False(t, h.ctrl.Detecting())
	assert.Equal(t, 1, h.synth.Completed())

	// Second turn reuses the listening acknowledgement.
	h.speakTurn("and RNA")
	h.synth.Finish()
	h.waitState(StateListening)
	assert.Equal(t, 1, h.srv.Count(transport.TypeStartListening))
	h.eventually(func() bool { return len(h.log.reasons(StateListening)) == 3 })
	assert.Equal(t, []string{"start_listening", "completed", "completed"}, h.log.reasons(StateListening))

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventAgentTurnReceived)) == 2 }, wait, 2*time.Millisecond)
	turns := h.log.all(bus.EventAgentTurnReceived)
	assert.Equal(t, "You said: and RNA", turns[1].AgentText)
	assert.Equal(t, 1, turns[1].Turn)
}

func TestConversationalModeRewrites(t *testing.T) {
	h := newHarness(t, devserver.Options{
		Responder: func(context.Context, string, bool) (string, string, error) {
			return "**However,** it is simple.", "", nil
		},
	}, func(cfg *Config, _ *speech.Capabilities) {
		cfg.Speech.Mode = speech.ModeConversational
	})
	h.open(false)
	h.listen()
	h.speakTurn("explain")

	assert.Equal(t, "But it's simple.", h.synth.Calls()[0].Text)
	assert.Equal(t, "conversational", h.srv.Inputs()[0].Mode)
}

func TestInterimTranscripts(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()

	h.rec.Broadcast("what is", 0.4, false)
	require.Eventually(t, func() bool { return len(h.log.all(bus.EventTranscriptUpdate)) == 1 }, wait, 2*time.Millisecond)
	assert.Equal(t, StateListening, h.ctrl.State())

	update := h.log.all(bus.EventTranscriptUpdate)[0]
	assert.Equal(t, "what is", update.Transcript)
	assert.False(t, update.Final)
	assert.Equal(t, "listening", update.Source)
	assert.Empty(t, h.srv.Inputs())
}

func TestEnergyBargeIn(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()
	h.speakTurn("tell me about cells")

	start := time.Now()
	h.mic.SetLevel(0.3)
	h.waitState(StateListening)
	elapsed := time.Since(start)
	h.mic.SetLevel(0)

	assert.Less(t, elapsed, 200*time.Millisecond)
	require.Eventually(t, func() bool { return h.synth.Cancelled() == 1 }, wait, 2*time.Millisecond)
	assert.False(t, h.ctrl.Detecting())
	h.waitCapture()

	require.Eventually(t, func() bool { return len(h.log.reasons(StateListening)) == 2 }, wait, 2*time.Millisecond)
	assert.Equal(t, "interrupted", h.log.reasons(StateListening)[1])

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.synth.Cancelled(), "output cancelled exactly once")
	assert.Equal(t, 0, h.synth.Completed())

	sess, _ := h.ctrl.Session()
	assert.Equal(t, 1, sess.Turn)
}

func TestPartialBargeInCarriesIntoNextTurn(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()
	h.speakTurn("photosynthesis")

	require.Equal(t, 1, h.rec.Broadcast("wait", 0.6, false))
	h.waitState(StateListening)
	h.waitCapture()

	h.say("explain chlorophyll")
	h.waitState(StateSpeaking)

	inputs := h.srv.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "wait explain chlorophyll", inputs[1].Transcript)

	var sources []string
	for _, e := range h.log.all(bus.EventTranscriptUpdate) {
		sources = append(sources, e.Source)
	}
	assert.Contains(t, sources, "interruption")
}

func TestFinalBargeInIsSubmitted(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()
	h.speakTurn("photosynthesis")

	h.say("stop, what about mitochondria")
	require.Eventually(t, func() bool { return len(h.srv.Inputs()) == 2 }, wait, 2*time.Millisecond)
	assert.Equal(t, "stop, what about mitochondria", h.srv.Inputs()[1].Transcript)

	h.waitState(StateSpeaking)
	h.eventually(func() bool { return len(h.log.reasons(StateProcessing)) == 2 })
	assert.Equal(t, []string{"utterance", "utterance"}, h.log.reasons(StateProcessing))
	assert.Equal(t, []string{"start_listening", "interrupted"}, h.log.reasons(StateListening))
}

func TestFinalBargeInWaitsForVoice(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.synth.StopDelay = 30 * time.Millisecond
	h.open(false)
	h.listen()
	h.speakTurn("photosynthesis")

	h.say("what about mitochondria")
	h.waitState(StateSpeaking)
	h.eventually(func() bool { return len(h.synth.Calls()) == 2 })
	h.eventually(h.synth.Speaking)

	assert.Equal(t, "You said: what about mitochondria", h.synth.Calls()[1].Text)
	assert.Equal(t, 1, h.synth.Cancelled())
	assert.Equal(t, 1, h.synth.MaxConcurrent(), "one utterance on the voice at a time")

	require.True(t, h.synth.Finish())
	h.waitState(StateListening)
	assert.Equal(t, 1, h.synth.MaxConcurrent())
}

func TestManualInterrupt(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)

	require.NoError(t, h.ctrl.Interrupt(context.Background()))
	assert.Equal(t, StateReady, h.ctrl.State(), "no-op outside speaking")

	h.listen()
	h.speakTurn("osmosis")
	require.NoError(t, h.ctrl.Interrupt(context.Background()))
	assert.Equal(t, StateListening, h.ctrl.State())
	assert.False(t, h.ctrl.Detecting())
	require.Eventually(t, func() bool { return h.synth.Cancelled() == 1 }, wait, 2*time.Millisecond)
}

func TestInterruptionDisabled(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.detect = false
	h.open(false)
	require.NoError(t, h.ctrl.SetInterruptionConfig(context.Background(), InterruptionConfig{
		Enabled:  false,
		Detector: testConfig().Interruption.Detector,
	}))
	h.listen()
	h.speakTurn("diffusion")

	assert.False(t, h.ctrl.Detecting())
	assert.False(t, h.srv.Inputs()[0].InterruptionEnabled)

	h.mic.SetLevel(0.9)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateSpeaking, h.ctrl.State())
}

func TestSynthesisErrorRecovers(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.synth.Err = errors.New("audio device busy")
	h.open(false)
	h.listen()

	h.say("hello")
	require.Eventually(t, func() bool { return len(h.log.reasons(StateListening)) == 2 }, wait, 2*time.Millisecond)
	assert.Equal(t, "synthesis_error", h.log.reasons(StateListening)[1])
	assert.Equal(t, StateListening, h.ctrl.State())

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	errEvent := h.log.all(bus.EventError)[0]
	assert.Equal(t, "synthesis_error", errEvent.ErrorKind)
	assert.False(t, errEvent.Fatal)

	sess, _ := h.ctrl.Session()
	assert.Equal(t, 1, sess.Turn)
}

func TestRecognitionErrorReturnsToReady(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()

	require.True(t, h.rec.Last().Fail(errors.New("network")))
	h.waitState(StateReady)
	assert.False(t, h.ctrl.Capturing())

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	assert.Equal(t, []string{"recognition_error"}, h.log.errorKinds())
	assert.Equal(t, 1, h.mic.Held(), "session stays open")

	h.listen()
}

func TestStopListening(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()

	require.NoError(t, h.ctrl.StopListening(context.Background()))
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.False(t, h.ctrl.Capturing())
	require.Eventually(t, func() bool { return h.srv.Count(transport.TypeStopListening) == 1 }, wait, 2*time.Millisecond)

	// The acknowledgement was revoked, so listening asks again.
	h.listen()
	assert.Equal(t, 2, h.srv.Count(transport.TypeStartListening))
}

func TestServerStopsListening(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()

	h.srv.Broadcast(transport.ListeningStopped{})
	h.waitState(StateReady)
	assert.False(t, h.ctrl.Capturing())
	h.eventually(func() bool { return len(h.log.reasons(StateReady)) == 2 })
	assert.Equal(t, []string{"session_initialized", "listening_stopped"}, h.log.reasons(StateReady))
}

func TestTransportDropWhileProcessing(t *testing.T) {
	h := newHarness(t, devserver.Options{DropOnVoiceInput: true}, nil)
	h.open(false)
	h.listen()

	h.say("hello")
	h.waitState(StateError)

	h.eventually(func() bool { return len(h.log.reasons(StateError)) == 1 })
	assert.Equal(t, []string{"utterance"}, h.log.reasons(StateProcessing))
	assert.Equal(t, []string{"transport_error"}, h.log.reasons(StateError))
	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	errEvent := h.log.all(bus.EventError)[0]
	assert.Equal(t, "transport_error", errEvent.ErrorKind)
	assert.True(t, errEvent.Fatal)

	assert.Equal(t, 0, h.mic.Held())
	assert.False(t, h.ctrl.Capturing())
	_, ok := h.ctrl.Session()
	assert.False(t, ok)
}

func TestSingleAgentIgnoresAgentType(t *testing.T) {
	tests := []struct {
		name       string
		multiAgent bool
		want       string
	}{
		{"single agent", false, ""},
		{"multi agent", true, "chemistry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, devserver.Options{AgentType: "chemistry"}, nil)
			h.open(tt.multiAgent)
			h.listen()
			h.speakTurn("what is an ion")

			require.Eventually(t, func() bool { return len(h.log.all(bus.EventAgentTurnReceived)) == 1 }, wait, 2*time.Millisecond)
			assert.Equal(t, tt.want, h.log.all(bus.EventAgentTurnReceived)[0].AgentType)
			assert.Equal(t, StateSpeaking, h.ctrl.State())
		})
	}
}

func TestAgentStatusEvent(t *testing.T) {
	h := newHarness(t, devserver.Options{AgentStatus: "consulting tutor"}, nil)
	h.open(true)
	h.listen()
	h.speakTurn("hi")

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventAgentStatus)) == 1 }, wait, 2*time.Millisecond)
	assert.Equal(t, "consulting tutor", h.log.all(bus.EventAgentStatus)[0].AgentStatus)
}

func TestCloseFromSpeaking(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)
	h.listen()
	h.speakTurn("hello")

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.False(t, h.ctrl.Detecting())
	assert.False(t, h.ctrl.Capturing())
	assert.Equal(t, 0, h.mic.Held())
	h.eventually(func() bool { return h.synth.Cancelled() == 1 })
	h.eventually(func() bool { return len(h.rec.Live()) == 0 })

	_, ok := h.ctrl.Session()
	assert.False(t, ok)

	require.NoError(t, h.ctrl.Close(context.Background()), "close is idempotent")
	h.eventually(func() bool { return len(h.log.reasons(StateIdle)) == 1 })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"close"}, h.log.reasons(StateIdle))
}

func TestCloseWhileConnecting(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)

	require.NoError(t, h.ctrl.Open(context.Background(), OpenConfig{Username: "ada"}))
	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Equal(t, StateIdle, h.ctrl.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, h.ctrl.State(), "late connect result is discarded")
	assert.Equal(t, 0, h.mic.Held())
}

func TestMissingCapabilities(t *testing.T) {
	h := newHarness(t, devserver.Options{}, func(_ *Config, caps *speech.Capabilities) {
		caps.Synthesizer = nil
	})
	require.NoError(t, h.ctrl.Open(context.Background(), OpenConfig{}))
	assert.Equal(t, StateError, h.ctrl.State())

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	errEvent := h.log.all(bus.EventError)[0]
	assert.Equal(t, "capability_unavailable", errEvent.ErrorKind)
	assert.True(t, errEvent.Fatal)
	assert.Zero(t, h.srv.Connects())
}

func TestMissingMicrophoneDegrades(t *testing.T) {
	h := newHarness(t, devserver.Options{}, func(_ *Config, caps *speech.Capabilities) {
		caps.Microphone = nil
	})
	h.open(false)

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	errEvent := h.log.all(bus.EventError)[0]
	assert.Equal(t, "capability_unavailable", errEvent.ErrorKind)
	assert.False(t, errEvent.Fatal)

	// Barge-in still works through recognition.
	h.listen()
	h.speakTurn("hello")
	assert.True(t, h.ctrl.Detecting())
	require.Equal(t, 1, h.rec.Broadcast("hang on", 0.7, false))
	h.waitState(StateListening)
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.mic.Err = speech.ErrPermissionDenied

	require.NoError(t, h.ctrl.Open(context.Background(), OpenConfig{}))
	h.waitState(StateError)
	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	assert.Equal(t, []string{"permission_denied"}, h.log.errorKinds())
	assert.Zero(t, h.srv.Connects())
}

func TestRejectedSession(t *testing.T) {
	h := newHarness(t, devserver.Options{RejectInit: true}, nil)
	require.NoError(t, h.ctrl.Open(context.Background(), OpenConfig{}))
	h.waitState(StateError)
	assert.Equal(t, 0, h.mic.Held())

	require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
	assert.Contains(t, h.log.all(bus.EventError)[0].Error, "session rejected")
}

func TestTimeouts(t *testing.T) {
	tests := []struct {
		name   string
		opts   devserver.Options
		listen bool
		say    bool
		want   string
	}{
		{"listening never acknowledged", devserver.Options{SkipListenAck: true}, true, false, "listening acknowledgement"},
		{"agent never answers", devserver.Options{SkipResponse: true}, true, true, "agent response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts, func(cfg *Config, _ *speech.Capabilities) {
				cfg.ListenAckTimeout = 100 * time.Millisecond
				cfg.ResponseTimeout = 100 * time.Millisecond
			})
			h.open(false)
			require.NoError(t, h.ctrl.StartListening(context.Background()))
			if tt.say {
				h.waitCapture()
				h.say("anyone there")
			}
			h.waitState(StateError)

			require.Eventually(t, func() bool { return len(h.log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
			assert.Contains(t, h.log.all(bus.EventError)[0].Error, tt.want)
		})
	}
}

func TestBoundedConnectWaits(t *testing.T) {
	// silent accepts the websocket and never says anything.
	silent := func(t *testing.T) string {
		upgrader := websocket.Upgrader{}
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer ws.Close()
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}))
		t.Cleanup(hs.Close)
		return "ws" + strings.TrimPrefix(hs.URL, "http") + devserver.VoicePath
	}

	// stalled accepts TCP connections and never answers the handshake.
	stalled := func(t *testing.T) string {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		var (
			mu    sync.Mutex
			conns []net.Conn
		)
		t.Cleanup(func() {
			ln.Close()
			mu.Lock()
			defer mu.Unlock()
			for _, c := range conns {
				c.Close()
			}
		})
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				mu.Lock()
				conns = append(conns, conn)
				mu.Unlock()
			}
		}()
		return "ws://" + ln.Addr().String() + devserver.VoicePath
	}

	tests := []struct {
		name string
		url  func(t *testing.T) string
		want string
	}{
		{"session never initialized", silent, "session initialization"},
		{"handshake never completes", stalled, "connect timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := transport.NewClient(transport.Config{
				URL:              tt.url(t),
				HandshakeTimeout: 10 * time.Second,
				WriteTimeout:     time.Second,
				HTTPTimeout:      time.Second,
			}, zerolog.Nop())

			cfg := testConfig()
			cfg.ConnectTimeout = 100 * time.Millisecond
			cfg.SessionInitTimeout = 100 * time.Millisecond

			mic := speechtest.NewMicrophone()
			events := bus.New()
			log := record(events)
			ctrl := New(cfg, speech.Capabilities{
				Recognizer:  speechtest.NewRecognizer(),
				Synthesizer: speechtest.NewSynthesizer(),
				Microphone:  mic,
			}, client, events, zerolog.Nop())
			t.Cleanup(ctrl.Shutdown)

			start := time.Now()
			require.NoError(t, ctrl.Open(context.Background(), OpenConfig{Username: "ada"}))
			require.Eventually(t, func() bool { return ctrl.State() == StateError }, wait, 2*time.Millisecond)
			assert.Less(t, time.Since(start), time.Second)

			require.Eventually(t, func() bool { return len(log.all(bus.EventError)) == 1 }, wait, 2*time.Millisecond)
			errEvent := log.all(bus.EventError)[0]
			assert.Equal(t, "transport_error", errEvent.ErrorKind)
			assert.True(t, errEvent.Fatal)
			assert.Contains(t, errEvent.Error, tt.want)
			assert.Equal(t, 0, mic.Held())
		})
	}
}

func TestConnectFailureThenRetry(t *testing.T) {
	var up sync.Mutex
	down := true
	srv := devserver.New(devserver.Options{}, zerolog.Nop())
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.Lock()
		refuse := down
		up.Unlock()
		if refuse {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	defer hs.Close()

	client := transport.NewClient(transport.Config{
		URL:       "ws" + strings.TrimPrefix(hs.URL, "http") + devserver.VoicePath,
		EnsureURL: hs.URL + devserver.EnsurePath,
	}, zerolog.Nop())

	events := bus.New()
	log := record(events)
	mic := speechtest.NewMicrophone()
	ctrl := New(testConfig(), speech.Capabilities{
		Recognizer:  speechtest.NewRecognizer(),
		Synthesizer: speechtest.NewSynthesizer(),
		Microphone:  mic,
	}, client, events, zerolog.Nop())
	defer ctrl.Shutdown()

	require.NoError(t, ctrl.Open(context.Background(), OpenConfig{}))
	require.Eventually(t, func() bool { return ctrl.State() == StateError }, wait, 2*time.Millisecond)
	assert.Equal(t, 0, mic.Held())

	up.Lock()
	down = false
	up.Unlock()

	require.NoError(t, ctrl.Open(context.Background(), OpenConfig{}))
	require.Eventually(t, func() bool { return ctrl.State() == StateReady }, wait, 2*time.Millisecond)
	require.Eventually(t, func() bool { return len(log.all(bus.EventStateChanged)) == 4 }, wait, 2*time.Millisecond)

	var path []string
	for _, e := range log.all(bus.EventStateChanged) {
		path = append(path, e.State)
	}
	assert.Equal(t, []string{"connecting", "error", "connecting", "ready"}, path)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, devserver.Options{}, nil)
	h.open(false)

	h.ctrl.Shutdown()
	h.ctrl.Shutdown()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.mic.Held())
	assert.True(t, h.ctrl.Events().Closed())
	assert.ErrorIs(t, h.ctrl.Open(context.Background(), OpenConfig{}), ErrShutdown)
	assert.ErrorIs(t, h.ctrl.StartListening(context.Background()), ErrShutdown)
}

// Random command sequences never break the transition table and never leave
// barge-in detection or capture running in the wrong state.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			h := newHarness(t, devserver.Options{}, nil)
			rng := rand.New(rand.NewSource(seed))
			ctx := context.Background()

			ops := []func(){
				func() { h.ctrl.Open(ctx, OpenConfig{Username: "ada"}) },
				func() { h.ctrl.StartListening(ctx) },
				func() { h.ctrl.StopListening(ctx) },
				func() { h.rec.Broadcast("hello", 0.9, true) },
				func() { h.rec.Broadcast("hm", 0.5, false) },
				func() { h.synth.Finish() },
				func() { h.ctrl.Interrupt(ctx) },
				func() { h.mic.SetLevel(0.5) },
				func() { h.mic.SetLevel(0) },
				func() { h.ctrl.Close(ctx) },
				func() { h.srv.DropAll() },
			}

			for i := 0; i < 40; i++ {
				ops[rng.Intn(len(ops))]()
				time.Sleep(10 * time.Millisecond)

				h.inspect(func() {
					c := h.ctrl
					if c.detector.Running() {
						assert.Equal(t, StateSpeaking, c.state, "detector running outside speaking")
					}
					if c.input.Active() {
						assert.Equal(t, StateListening, c.state, "capture running outside listening")
					}
					assert.False(t, c.detector.Running() && c.input.Active())
				})
			}

			h.ctrl.Shutdown()
			prev := string(StateIdle)
			for _, e := range h.log.all(bus.EventStateChanged) {
				assert.Equal(t, prev, e.PrevState)
				assert.True(t, CanTransition(State(e.PrevState), State(e.State)), "%s -> %s", e.PrevState, e.State)
				prev = e.State
			}
		})
	}
}
