package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
	"github.com/darshan-pr/AI-partners-sub000/internal/interrupt"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
)

// Controller orchestrates one voice conversation at a time. All session state
// is owned by a single goroutine; public methods post commands to it and wait
// until they are applied.
type Controller struct {
	cfg       Config
	caps      speech.Capabilities
	connector Connector
	bus       *bus.Bus
	log       zerolog.Logger

	input    *speech.InputChannel
	output   *speech.OutputChannel
	detector *interrupt.Detector

	mb           *mailbox
	done         chan struct{}
	shutdownOnce sync.Once

	snapMu  sync.RWMutex
	snap    Session
	hasSess bool

	// Owned by the controller goroutine.
	state         State
	session       *Session
	conn          *transport.Conn
	mic           speech.MicStream
	connectCancel context.CancelFunc
	connGen       uint64
	gotConnected  bool
	gotInit       bool
	listenAck     bool
	ackPending    bool
	carry         string
	turn          *AgentTurn
	inputGen      uint64
	outputGen     uint64
	detectGen     uint64
	timers        timers
}

// New creates a controller and starts its goroutine. A nil bus gets a fresh
// one with cfg.EventHistory retained events.
func New(cfg Config, caps speech.Capabilities, connector Connector, events *bus.Bus, log zerolog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if events == nil {
		events = bus.NewWithHistory(cfg.EventHistory)
	}

	c := &Controller{
		cfg:       cfg,
		caps:      caps,
		connector: connector,
		bus:       events,
		log:       log,
		input:     speech.NewInputChannel(caps.Recognizer, cfg.Input, speech.SourceListening, log),
		output:    speech.NewOutputChannel(caps.Synthesizer, log),
		detector:  interrupt.New(cfg.Interruption.Detector, caps.Recognizer, log),
		mb:        newMailbox(),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	c.timers.post = c.mb.post
	c.snap.State = StateIdle

	go c.run()
	return c
}

// Open connects a new session. It is a no-op while a session is live.
// Failures are reported on the event bus and leave the controller in the
// error state; the returned error is only ErrShutdown or a context error.
func (c *Controller) Open(ctx context.Context, cfg OpenConfig) error {
	return c.do(ctx, opOpen{cfg: cfg})
}

// StartListening arms the microphone for the next utterance.
func (c *Controller) StartListening(ctx context.Context) error {
	return c.do(ctx, opStartListening{})
}

// StopListening disarms the microphone and returns to ready.
func (c *Controller) StopListening(ctx context.Context) error {
	return c.do(ctx, opStopListening{})
}

// Close ends the session from any state and returns to idle.
func (c *Controller) Close(ctx context.Context) error {
	return c.do(ctx, opClose{})
}

// Interrupt cuts the agent off as if the user had talked over it. It does
// nothing unless the agent is speaking.
func (c *Controller) Interrupt(ctx context.Context) error {
	return c.do(ctx, opInterrupt{})
}

// SetInterruptionConfig re-tunes barge-in. The new values apply from the
// next agent turn.
func (c *Controller) SetInterruptionConfig(ctx context.Context, cfg InterruptionConfig) error {
	return c.do(ctx, opSetInterruption{cfg: cfg})
}

// Shutdown closes any session, stops the controller goroutine and closes the
// event bus. The controller cannot be used afterwards.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.mb.post(command{op: opShutdown{}, done: make(chan struct{})}) {
			<-c.done
		}
		c.bus.Close()
	})
}

// Events returns the bus carrying every observable side effect.
func (c *Controller) Events() *bus.Bus {
	return c.bus
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.State
}

// Session returns a snapshot of the current session, if any.
func (c *Controller) Session() (Session, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap, c.hasSess
}

// Detecting reports whether barge-in detection is running.
func (c *Controller) Detecting() bool {
	return c.detector.Running()
}

// Capturing reports whether the primary input channel is running.
func (c *Controller) Capturing() bool {
	return c.input.Active()
}

func (c *Controller) do(ctx context.Context, op any) error {
	done := make(chan struct{})
	if !c.mb.post(command{op: op, done: done}) {
		return ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for range c.mb.notify {
		for {
			msg, ok := c.mb.next()
			if !ok {
				break
			}
			if !c.handle(msg) {
				for _, pending := range c.mb.stop() {
					if cmd, ok := pending.(command); ok {
						close(cmd.done)
					}
				}
				return
			}
		}
	}
}

// handle applies one message. It returns false when the controller stops.
func (c *Controller) handle(msg any) bool {
	switch m := msg.(type) {
	case command:
		defer close(m.done)
		return c.handleCommand(m.op)

	case connectResult:
		c.onConnected(m)

	case frameSignal:
		if m.gen == c.connGen && c.conn != nil {
			c.onFrame(m.frame)
		}

	case closedSignal:
		if m.gen == c.connGen && c.conn != nil && c.state.Live() {
			c.fail(newError(KindTransport, m.err, "connection lost"))
		}

	case utteranceSignal:
		if m.gen == c.inputGen && c.state == StateListening {
			c.onUtterance(m.u)
		}

	case inputErrorSignal:
		if m.gen == c.inputGen && c.state == StateListening {
			c.onInputError(m.err)
		}

	case speechSignal:
		if m.gen == c.outputGen && c.state == StateSpeaking {
			c.onSpeech(m)
		}

	case triggerSignal:
		if m.gen == c.detectGen && c.state == StateSpeaking {
			c.interrupt(m.trigger)
		}

	case timeoutSignal:
		if c.timers.current(m) {
			c.timers.disarm(m.kind)
			c.onTimeout(m.kind)
		}
	}
	return true
}

func (c *Controller) handleCommand(op any) bool {
	switch o := op.(type) {
	case opOpen:
		c.open(o.cfg)
	case opStartListening:
		c.startListening()
	case opStopListening:
		c.stopListening()
	case opClose:
		c.close("close")
	case opInterrupt:
		if c.state == StateSpeaking {
			c.interrupt(interrupt.Trigger{Kind: interrupt.KindManual, At: time.Now()})
		}
	case opSetInterruption:
		c.cfg.Interruption = o.cfg
		c.detector.SetConfig(o.cfg.Detector)
		c.log.Info().
			Bool("enabled", o.cfg.Enabled).
			Float64("threshold", o.cfg.Detector.EnergyThreshold).
			Int("frames", o.cfg.Detector.TriggerFrames).
			Msg("interruption config updated")
	case opShutdown:
		c.close("shutdown")
		return false
	case opInspect:
		o()
	}
	return true
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (c *Controller) open(cfg OpenConfig) {
	if c.state.Live() {
		c.log.Debug().Str("state", c.state.String()).Msg("open ignored, session live")
		return
	}
	if c.caps.Recognizer == nil || c.caps.Synthesizer == nil {
		c.fail(newError(KindCapabilityUnavailable, speech.ErrUnsupported, "speech recognition and synthesis are required"))
		return
	}

	c.session = &Session{
		Username:       cfg.Username,
		MultiAgentMode: cfg.MultiAgentMode,
		OpenedAt:       time.Now(),
	}
	if !c.transition(StateConnecting, "open") {
		return
	}

	c.connGen++
	gen := c.connGen
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.connectCancel = cancel

	c.log.Info().Str("user", cfg.Username).Bool("multi_agent", cfg.MultiAgentMode).Msg("opening voice session")

	go func() {
		defer cancel()
		res := c.connect(ctx)
		res.gen = gen
		if !c.mb.post(res) {
			res.release()
		}
	}()
}

// connect runs off the controller goroutine. It only reads immutable fields.
func (c *Controller) connect(ctx context.Context) connectResult {
	var res connectResult

	if c.caps.Microphone == nil {
		res.micErr = speech.ErrUnsupported
	} else {
		mic, err := c.caps.Microphone.Acquire(ctx)
		switch {
		case errors.Is(err, speech.ErrPermissionDenied):
			res.err = newError(KindPermissionDenied, err, "acquire microphone")
			return res
		case err != nil:
			res.micErr = err
		default:
			res.mic = mic
		}
	}

	if c.connector == nil {
		res.release()
		res.err = newError(KindTransport, transport.ErrServiceUnavailable, "no voice service configured")
		return res
	}
	if err := c.connector.EnsureStarted(ctx); err != nil {
		res.release()
		res.err = newError(KindTransport, err, "%s", connectMessage(ctx, "voice service not available"))
		return res
	}
	conn, err := c.connector.Dial(ctx)
	if err != nil {
		res.release()
		res.err = newError(KindTransport, err, "%s", connectMessage(ctx, "connect"))
		return res
	}
	res.conn = conn
	return res
}

func connectMessage(ctx context.Context, msg string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "connect timed out"
	}
	return msg
}

func (c *Controller) onConnected(res connectResult) {
	if res.gen != c.connGen || c.state != StateConnecting {
		res.release()
		return
	}
	c.connectCancel = nil

	if res.err != nil {
		c.fail(res.err)
		return
	}

	c.conn = res.conn
	c.mic = res.mic
	if res.micErr != nil {
		c.emitError(newError(KindCapabilityUnavailable, res.micErr, "microphone unavailable, barge-in limited to recognition"), false)
	}

	go c.pump(c.connGen, res.conn)

	init := transport.InitSession{Username: c.session.Username, MultiAgentMode: c.session.MultiAgentMode}
	if err := c.conn.Send(init); err != nil {
		c.fail(newError(KindTransport, err, "send init_session"))
		return
	}
	c.timers.arm(timerSessionInit, c.cfg.SessionInitTimeout)
}

func (c *Controller) pump(gen uint64, conn *transport.Conn) {
	for f := range conn.Frames() {
		c.mb.post(frameSignal{gen: gen, frame: f})
	}
	c.mb.post(closedSignal{gen: gen, err: conn.Err()})
}

func (c *Controller) close(reason string) {
	if c.state == StateIdle {
		return
	}
	c.transition(StateIdle, reason)
	c.teardown()
	c.session = nil
	c.syncSnapshot()
	c.log.Info().Str("reason", reason).Msg("voice session closed")
}

// fail reports err, tears the session down and enters the error state.
func (c *Controller) fail(err *SessionError) {
	c.log.Error().Str("kind", string(err.Kind)).Err(err).Msg("voice session failed")
	c.emitError(err, true)
	if c.state != StateError {
		c.transition(StateError, string(err.Kind))
	}
	c.teardown()
	c.session = nil
	c.syncSnapshot()
}

// teardown releases every resource of the session unconditionally.
func (c *Controller) teardown() {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.connGen++

	c.stopInput()
	c.cancelOutput()
	c.stopDetector()
	c.timers.stopAll()

	if c.mic != nil {
		c.mic.Release()
		c.mic = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.gotConnected, c.gotInit = false, false
	c.listenAck, c.ackPending = false, false
	c.carry = ""
	c.turn = nil
}

// ---------------------------------------------------------------------------
// Listening
// ---------------------------------------------------------------------------

func (c *Controller) startListening() {
	switch c.state {
	case StateReady:
		if c.transition(StateListening, "start_listening") {
			c.armListening()
		}
	case StateListening:
	default:
		c.log.Debug().Str("state", c.state.String()).Msg("start listening ignored")
	}
}

// armListening starts capture once the service has acknowledged listening.
// The acknowledgement persists across turns.
func (c *Controller) armListening() {
	if c.listenAck {
		c.startInput()
		return
	}
	if c.ackPending {
		return
	}
	if err := c.conn.Send(transport.StartListening{}); err != nil {
		c.fail(newError(KindTransport, err, "send start_listening"))
		return
	}
	c.ackPending = true
	c.timers.arm(timerListenAck, c.cfg.ListenAckTimeout)
}

func (c *Controller) stopListening() {
	switch c.state {
	case StateListening:
		c.transition(StateReady, "stop_listening")
		c.stopInput()
	case StateReady:
		if !c.listenAck && !c.ackPending {
			return
		}
	default:
		c.log.Debug().Str("state", c.state.String()).Msg("stop listening ignored")
		return
	}

	c.carry = ""
	c.listenAck, c.ackPending = false, false
	c.timers.disarm(timerListenAck)
	if err := c.conn.Send(transport.StopListening{}); err != nil {
		c.fail(newError(KindTransport, err, "send stop_listening"))
	}
}

func (c *Controller) startInput() {
	c.inputGen++
	gen := c.inputGen
	c.input.Start(
		func(u speech.Utterance) { c.mb.post(utteranceSignal{gen: gen, u: u}) },
		func(err error) { c.mb.post(inputErrorSignal{gen: gen, err: err}) },
	)
}

func (c *Controller) stopInput() {
	c.inputGen++
	c.input.Stop()
}

func (c *Controller) onUtterance(u speech.Utterance) {
	c.bus.Publish(bus.TranscriptUpdate(c.sessionID(), u.Text, u.Final, string(u.Source), u.Confidence))
	if u.Final {
		c.submit(u.Text)
	}
}

// submit sends a final transcript, prefixed by any text carried over from
// an interruption.
func (c *Controller) submit(text string) {
	text = strings.TrimSpace(c.carry + " " + text)
	c.carry = ""
	if text == "" {
		return
	}

	if !c.transition(StateProcessing, "utterance") {
		return
	}
	c.stopInput()

	in := transport.VoiceInput{
		Transcript:          text,
		Mode:                string(c.cfg.Speech.Mode),
		InterruptionEnabled: c.cfg.Interruption.Enabled,
	}
	if err := c.conn.Send(in); err != nil {
		c.fail(newError(KindTransport, err, "send voice_input"))
		return
	}
	c.timers.arm(timerResponse, c.cfg.ResponseTimeout)
}

func (c *Controller) onInputError(err error) {
	if errors.Is(err, speech.ErrPermissionDenied) {
		c.fail(newError(KindPermissionDenied, err, "recognition"))
		return
	}
	c.emitError(newError(KindRecognition, err, "recognition"), false)
	c.transition(StateReady, "recognition_error")
	c.stopInput()
}

// ---------------------------------------------------------------------------
// Transport frames
// ---------------------------------------------------------------------------

func (c *Controller) onFrame(frame transport.Frame) {
	switch f := frame.(type) {
	case transport.Connected:
		c.session.ID = f.SessionID
		c.gotConnected = true
		c.syncSnapshot()
		c.maybeReady()

	case transport.SessionInitialized:
		c.session.MultiAgentMode = f.MultiAgentMode
		c.gotInit = true
		c.syncSnapshot()
		c.maybeReady()

	case transport.ListeningStarted:
		c.listenAck = true
		if c.ackPending {
			c.ackPending = false
			c.timers.disarm(timerListenAck)
			if c.state == StateListening {
				c.startInput()
			}
		}

	case transport.ListeningStopped:
		c.listenAck, c.ackPending = false, false
		c.timers.disarm(timerListenAck)
		if c.state == StateListening {
			c.transition(StateReady, "listening_stopped")
			c.stopInput()
		}

	case transport.Processing:
		c.bus.Publish(bus.AgentStatus(c.sessionID(), f.AgentStatus))

	case transport.VoiceResponse:
		c.onResponse(f)

	case transport.ErrorFrame:
		c.fail(newError(KindTransport, nil, "voice service: %s", f.Message))

	default:
		c.log.Debug().Str("type", string(frame.FrameType())).Msg("ignoring frame")
	}
}

func (c *Controller) maybeReady() {
	if c.state != StateConnecting || !c.gotConnected || !c.gotInit {
		return
	}
	c.timers.disarm(timerSessionInit)
	c.transition(StateReady, "session_initialized")
}

func (c *Controller) onResponse(f transport.VoiceResponse) {
	if c.state != StateProcessing {
		c.log.Debug().Str("state", c.state.String()).Msg("voice_response outside processing")
		return
	}
	c.timers.disarm(timerResponse)

	turn := &AgentTurn{
		ID:         uuid.NewString(),
		Text:       f.Response,
		ReceivedAt: time.Now(),
	}
	if c.session.MultiAgentMode {
		turn.AgentType = f.AgentType
	}
	c.turn = turn
	c.bus.Publish(bus.AgentTurnReceived(c.sessionID(), turn.ID, turn.Text, turn.AgentType, c.session.Turn))

	if !c.transition(StateSpeaking, "response") {
		return
	}
	c.speak(turn)
	c.startDetector()
}

// ---------------------------------------------------------------------------
// Speaking and barge-in
// ---------------------------------------------------------------------------

func (c *Controller) speak(turn *AgentTurn) {
	c.outputGen++
	gen := c.outputGen
	c.output.Speak(turn.Text, c.cfg.Speech, speech.Callbacks{
		OnStart: func() { c.mb.post(speechSignal{gen: gen, event: speechStarted}) },
		OnEnd:   func() { c.mb.post(speechSignal{gen: gen, event: speechEnded}) },
		OnError: func(err error) { c.mb.post(speechSignal{gen: gen, event: speechFailed, err: err}) },
	})
}

func (c *Controller) cancelOutput() {
	c.outputGen++
	c.output.Cancel()
}

func (c *Controller) startDetector() {
	if !c.cfg.Interruption.Enabled {
		return
	}
	c.detectGen++
	gen := c.detectGen

	var level audio.LevelSource
	if c.mic != nil {
		level = c.mic
	}
	c.detector.Start(level, func(t interrupt.Trigger) {
		c.mb.post(triggerSignal{gen: gen, trigger: t})
	})
}

func (c *Controller) stopDetector() {
	c.detectGen++
	c.detector.Stop()
}

func (c *Controller) onSpeech(s speechSignal) {
	switch s.event {
	case speechStarted:
		if c.turn != nil {
			c.turn.Spoken = true
		}
	case speechEnded:
		c.finishTurn("completed")
	case speechFailed:
		c.emitError(newError(KindSynthesis, s.err, "speak"), false)
		c.finishTurn("synthesis_error")
	}
}

func (c *Controller) finishTurn(reason string) {
	c.session.Turn++
	c.turn = nil
	if !c.transition(StateListening, reason) {
		return
	}
	c.outputGen++
	c.stopDetector()
	c.armListening()
}

// interrupt hands the floor back to the user: playback is cancelled once,
// detection stops, and any captured speech carries into the next turn.
func (c *Controller) interrupt(t interrupt.Trigger) {
	c.cancelOutput()
	c.stopDetector()

	c.session.Turn++
	c.turn = nil
	if !c.transition(StateListening, "interrupted") {
		return
	}
	c.log.Info().Str("kind", t.Kind.String()).Str("text", t.Text).Msg("agent interrupted")

	if t.Text != "" {
		c.bus.Publish(bus.TranscriptUpdate(c.sessionID(), t.Text, t.Final, string(speech.SourceInterruption), t.Confidence))
	}
	if t.Final && t.Text != "" {
		c.submit(t.Text)
		return
	}
	c.carry = strings.TrimSpace(c.carry + " " + t.Text)
	c.armListening()
}

func (c *Controller) onTimeout(kind timerKind) {
	switch {
	case kind == timerSessionInit && c.state == StateConnecting:
		c.fail(newError(KindTransport, errTimeout, "session initialization"))
	case kind == timerListenAck && c.ackPending:
		c.fail(newError(KindTransport, errTimeout, "listening acknowledgement"))
	case kind == timerResponse && c.state == StateProcessing:
		c.fail(newError(KindTransport, errTimeout, "agent response"))
	}
}

// ---------------------------------------------------------------------------
// State and events
// ---------------------------------------------------------------------------

// transition applies an allowed edge and publishes it. Refused edges are
// logged and leave the state untouched.
func (c *Controller) transition(next State, reason string) bool {
	prev := c.state
	if !CanTransition(prev, next) {
		c.log.Warn().Str("from", prev.String()).Str("to", next.String()).Str("reason", reason).Msg("refused state transition")
		return false
	}
	c.state = next
	if c.session != nil {
		c.session.State = next
	}
	c.syncSnapshot()

	turn := 0
	if c.session != nil {
		turn = c.session.Turn
	}
	c.log.Debug().Str("from", prev.String()).Str("to", next.String()).Str("reason", reason).Msg("state")
	c.bus.Publish(bus.StateChanged(c.sessionID(), prev.String(), next.String(), reason, turn))
	return true
}

func (c *Controller) emitError(err *SessionError, fatal bool) {
	if !fatal {
		c.log.Warn().Str("kind", string(err.Kind)).Err(err).Msg("voice session error")
	}
	c.bus.Publish(bus.ErrorEvent(c.sessionID(), string(err.Kind), err.Error(), fatal))
}

func (c *Controller) sessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Controller) syncSnapshot() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.session == nil {
		c.snap = Session{State: c.state}
		c.hasSess = false
		return
	}
	c.snap = *c.session
	c.snap.State = c.state
	c.hasSess = true
}
