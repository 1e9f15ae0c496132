// Package devserver is a local voice service speaking the session protocol.
// It stands in for the remote agent service during development and tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
)

// Paths served by the dev server.
const (
	VoicePath  = "/ws/voice"
	EnsurePath = "/api/voice/start"
)

// Responder produces the agent reply for one transcript.
type Responder func(ctx context.Context, transcript string, multiAgent bool) (text, agentType string, err error)

// EchoResponder repeats the transcript back. In multi-agent mode it tags the
// reply with a "tutor" agent.
func EchoResponder(_ context.Context, transcript string, multiAgent bool) (string, string, error) {
	agent := ""
	if multiAgent {
		agent = "tutor"
	}
	return "You said: " + transcript, agent, nil
}

// Options tunes the dev server's behavior.
type Options struct {
	Responder     Responder
	ResponseDelay time.Duration
	AgentStatus   string

	// AgentType, when set, overrides the responder's agent type. Useful for
	// checking that single-agent sessions ignore it.
	AgentType string

	// DropOnVoiceInput closes the connection instead of answering.
	DropOnVoiceInput bool
	// RejectInit answers init_session with an error frame.
	RejectInit bool
	// SkipListenAck never acknowledges start_listening.
	SkipListenAck bool
	// SkipResponse never answers voice_input.
	SkipResponse bool
	// EnsureStatus overrides the ensure endpoint status code.
	EnsureStatus int
}

// Server is the dev voice service.
type Server struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	received []transport.Frame

	ensureCalls atomic.Int32
	connects    atomic.Int32
}

// New creates a dev server.
func New(opts Options, log zerolog.Logger) *Server {
	if opts.Responder == nil {
		opts.Responder = EchoResponder
	}
	if opts.AgentStatus == "" {
		opts.AgentStatus = "thinking"
	}
	return &Server{
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Handler returns the HTTP handler serving both endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EnsurePath, s.handleEnsure)
	mux.HandleFunc(VoicePath, s.handleVoice)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.DropAll()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("dev voice service listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devserver: %w", err)
	}
	return nil
}

// EnsureCalls returns how many times the ensure endpoint was hit.
func (s *Server) EnsureCalls() int { return int(s.ensureCalls.Load()) }

// Connects returns how many websocket sessions were accepted.
func (s *Server) Connects() int { return int(s.connects.Load()) }

// Received returns every client frame received so far, in order.
func (s *Server) Received() []transport.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Frame(nil), s.received...)
}

// Inputs returns the voice_input frames received so far.
func (s *Server) Inputs() []transport.VoiceInput {
	var out []transport.VoiceInput
	for _, f := range s.Received() {
		if v, ok := f.(transport.VoiceInput); ok {
			out = append(out, v)
		}
	}
	return out
}

// Count returns how many frames of type t were received.
func (s *Server) Count(t transport.FrameType) int {
	n := 0
	for _, f := range s.Received() {
		if f.FrameType() == t {
			n++
		}
	}
	return n
}

// Broadcast pushes a frame to every open session.
func (s *Server) Broadcast(f transport.Frame) {
	for _, sess := range s.snapshot() {
		if err := sess.send(f); err != nil {
			s.log.Debug().Err(err).Str("session", sess.id).Msg("broadcast failed")
		}
	}
}

// DropAll closes every open session without a close handshake.
func (s *Server) DropAll() {
	for _, sess := range s.snapshot() {
		sess.ws.Close()
	}
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ensureCalls.Add(1)

	status := http.StatusOK
	if s.opts.EnsureStatus != 0 {
		status = s.opts.EnsureStatus
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(status)})
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.connects.Add(1)

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{id: uuid.NewString(), ws: ws}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		ws.Close()
		s.log.Debug().Str("session", sess.id).Msg("session closed")
	}()

	if err := sess.send(transport.Connected{SessionID: sess.id}); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := transport.DecodeOutbound(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad client frame")
			sess.send(transport.ErrorFrame{Message: err.Error()})
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, frame)
		s.mu.Unlock()

		if !s.handleFrame(ctx, sess, frame) {
			return
		}
	}
}

// handleFrame reacts to one client frame. It returns false to hang up.
func (s *Server) handleFrame(ctx context.Context, sess *session, frame transport.Frame) bool {
	switch f := frame.(type) {
	case transport.InitSession:
		if s.opts.RejectInit {
			sess.send(transport.ErrorFrame{Message: "session rejected"})
			return true
		}
		sess.multiAgent.Store(f.MultiAgentMode)
		sess.send(transport.SessionInitialized{MultiAgentMode: f.MultiAgentMode})

	case transport.StartListening:
		if !s.opts.SkipListenAck {
			sess.send(transport.ListeningStarted{})
		}

	case transport.StopListening:
		sess.send(transport.ListeningStopped{})

	case transport.VoiceInput:
		if s.opts.DropOnVoiceInput {
			return false
		}
		if s.opts.SkipResponse {
			return true
		}
		go s.respond(ctx, sess, f)

	default:
		s.log.Debug().Str("type", string(frame.FrameType())).Msg("ignoring frame")
	}
	return true
}

func (s *Server) respond(ctx context.Context, sess *session, in transport.VoiceInput) {
	sess.send(transport.Processing{AgentStatus: s.opts.AgentStatus})

	if s.opts.ResponseDelay > 0 {
		select {
		case <-time.After(s.opts.ResponseDelay):
		case <-ctx.Done():
			return
		}
	}

	text, agentType, err := s.opts.Responder(ctx, in.Transcript, sess.multiAgent.Load())
	if err != nil {
		sess.send(transport.ErrorFrame{Message: err.Error()})
		return
	}
	if s.opts.AgentType != "" {
		agentType = s.opts.AgentType
	}
	sess.send(transport.VoiceResponse{Response: text, AgentType: agentType})
}

type session struct {
	id         string
	ws         *websocket.Conn
	writeMu    sync.Mutex
	multiAgent atomic.Bool
}

func (s *session) send(f transport.Frame) error {
	data, err := transport.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
