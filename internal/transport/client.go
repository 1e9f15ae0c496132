package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrConnectionClosed   = errors.New("transport: connection closed")
	ErrNotConnected       = errors.New("transport: not connected")
	ErrServiceUnavailable = errors.New("transport: voice service unavailable")
)

// Config holds configuration for the session transport.
type Config struct {
	// URL is the websocket endpoint of the voice service.
	URL string

	// EnsureURL is POSTed before dialing to make sure the agent service is
	// running. Empty skips the call.
	EnsureURL string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HTTPTimeout      time.Duration
}

// DefaultConfig returns production defaults for the transport.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8765/ws/voice",
		EnsureURL:        "http://localhost:8765/api/voice/start",
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		HTTPTimeout:      10 * time.Second,
	}
}

// Client dials session connections.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dialer     websocket.Dialer
	log        zerolog.Logger
}

// NewClient creates a transport client. Zero durations take defaults.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		dialer:     websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:        log,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// EnsureStarted asks the agent routing service to start. It is idempotent on
// the service side; any 2xx means running.
func (c *Client) EnsureStarted(ctx context.Context) error {
	if c.cfg.EnsureURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EnsureURL, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("transport: build ensure request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d, body: %s", ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.log.Debug().Str("endpoint", c.cfg.EnsureURL).Int("status", resp.StatusCode).Msg("voice service running")
	return nil
}

// Dial opens a session connection.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	c.log.Debug().Str("endpoint", c.cfg.URL).Msg("connecting to voice service")

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	conn := newConn(ws, c.cfg, c.log)
	c.log.Info().Str("endpoint", c.cfg.URL).Msg("voice transport connected")
	return conn, nil
}

// Conn is one session connection. Frames are delivered in arrival order on
// Frames, which is closed when the connection ends.
type Conn struct {
	ws  *websocket.Conn
	cfg Config
	log zerolog.Logger

	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newConn(ws *websocket.Conn, cfg Config, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		log:    log,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	if cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// Frames returns the inbound frame stream.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Done is closed once Close has been called or the connection failed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the connection is up
// and wraps ErrConnectionClosed afterwards.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one frame.
func (c *Conn) Send(f Frame) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	data, err := Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("%w: write %s: %w", ErrConnectionClosed, f.FrameType(), err))
		return fmt.Errorf("transport: send %s: %w", f.FrameType(), err)
	}

	c.log.Debug().Str("type", string(f.FrameType())).Msg("frame sent")
	return nil
}

// Close sends a close control frame and tears the connection down.
func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.setErr(ErrConnectionClosed)
		close(c.done)

		deadline := time.Now().Add(c.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug().Err(err).Msg("error sending close message")
		}
		if err := c.ws.Close(); err != nil {
			closeErr = fmt.Errorf("transport: failed to close connection: %w", err)
		}
	})
	return closeErr
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.setErr(cause)
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.frames)

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("voice transport read failed")
			}
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}

		if messageType != websocket.TextMessage {
			c.log.Debug().Int("type", messageType).Msg("ignoring non-text message")
			continue
		}

		frame, err := DecodeInbound(message)
		if err != nil {
			c.log.Warn().Err(err).Str("message", truncate(string(message), 200)).Msg("failed to parse frame")
			continue
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				c.shutdown(fmt.Errorf("%w: ping: %w", ErrConnectionClosed, err))
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
