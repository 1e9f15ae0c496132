package voice

import (
	"errors"
	"sync"
	"time"

	"github.com/darshan-pr/AI-partners-sub000/internal/interrupt"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
)

// mailbox is an unbounded FIFO feeding the controller goroutine. Posting
// never blocks, so callbacks from channels and the transport can always hand
// off without waiting on the controller.
type mailbox struct {
	mu      sync.Mutex
	queue   []any
	stopped bool
	notify  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post enqueues msg. It returns false once the mailbox is stopped.
func (m *mailbox) post(msg any) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) next() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg, true
}

// stop refuses further posts and returns what was still queued.
func (m *mailbox) stop() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	pending := m.queue
	m.queue = nil
	return pending
}

// command is a public operation waiting for the controller to apply it.
type command struct {
	op   any
	done chan struct{}
}

type (
	opOpen            struct{ cfg OpenConfig }
	opStartListening  struct{}
	opStopListening   struct{}
	opClose           struct{}
	opInterrupt       struct{}
	opSetInterruption struct{ cfg InterruptionConfig }
	opShutdown        struct{}
)

// opInspect runs on the controller goroutine so tests can read state and
// channels atomically.
type opInspect func()

// Signals carry the activation token of their source. A token that no
// longer matches the controller's current one marks the signal stale.
type (
	connectResult struct {
		gen    uint64
		conn   *transport.Conn
		mic    speech.MicStream
		micErr error
		err    *SessionError
	}

	frameSignal struct {
		gen   uint64
		frame transport.Frame
	}

	closedSignal struct {
		gen uint64
		err error
	}

	utteranceSignal struct {
		gen uint64
		u   speech.Utterance
	}

	inputErrorSignal struct {
		gen uint64
		err error
	}

	speechSignal struct {
		gen   uint64
		event speechEvent
		err   error
	}

	triggerSignal struct {
		gen     uint64
		trigger interrupt.Trigger
	}

	timeoutSignal struct {
		gen  uint64
		kind timerKind
	}
)

type speechEvent int

const (
	speechStarted speechEvent = iota
	speechEnded
	speechFailed
)

// release drops whatever a stale or failed connect attempt acquired.
func (r connectResult) release() {
	if r.mic != nil {
		r.mic.Release()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

type timerKind int

const (
	timerSessionInit timerKind = iota
	timerListenAck
	timerResponse
	timerCount
)

var errTimeout = errors.New("timed out")

func (k timerKind) String() string {
	switch k {
	case timerSessionInit:
		return "session_init"
	case timerListenAck:
		return "listen_ack"
	case timerResponse:
		return "response"
	default:
		return "unknown"
	}
}

// timers holds the controller's bounded waits. Only the controller goroutine
// touches it.
type timers struct {
	post  func(any) bool
	timer [timerCount]*time.Timer
	gen   [timerCount]uint64
}

func (t *timers) arm(kind timerKind, d time.Duration) {
	t.disarm(kind)
	gen := t.gen[kind]
	t.timer[kind] = time.AfterFunc(d, func() {
		t.post(timeoutSignal{gen: gen, kind: kind})
	})
}

func (t *timers) disarm(kind timerKind) {
	if t.timer[kind] != nil {
		t.timer[kind].Stop()
		t.timer[kind] = nil
	}
	t.gen[kind]++
}

func (t *timers) current(s timeoutSignal) bool {
	return t.gen[s.kind] == s.gen && t.timer[s.kind] != nil
}

func (t *timers) stopAll() {
	for k := timerKind(0); k < timerCount; k++ {
		t.disarm(k)
	}
}
