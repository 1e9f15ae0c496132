package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InputConfig configures an InputChannel.
type InputConfig struct {
	Language     string
	StartTimeout time.Duration
	MaxRestarts  int // consecutive unexpected ends tolerated before failing
}

// DefaultInputConfig returns sensible defaults
func DefaultInputConfig() InputConfig {
	return InputConfig{
		Language:     "en-US",
		StartTimeout: 3 * time.Second,
		MaxRestarts:  3,
	}
}

// InputChannel runs continuous recognition and reports utterances. Each Start
// opens a new activation; callbacks from older activations are never
// delivered once Stop or a newer Start has returned. Callbacks must not call
// back into the channel.
type InputChannel struct {
	rec    Recognizer
	cfg    InputConfig
	source Source
	log    zerolog.Logger

	mu     sync.Mutex
	gen    uint64
	active bool
	cancel context.CancelFunc

	deliveryMu sync.Mutex
	wg         sync.WaitGroup
}

// NewInputChannel creates an input channel tagging utterances with source.
func NewInputChannel(rec Recognizer, cfg InputConfig, source Source, log zerolog.Logger) *InputChannel {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultInputConfig().StartTimeout
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	return &InputChannel{
		rec:    rec,
		cfg:    cfg,
		source: source,
		log:    log,
	}
}

// Start begins recognition asynchronously and returns the activation number.
// Any previous activation is stopped first.
func (c *InputChannel) Start(onUtterance func(Utterance), onError func(error)) uint64 {
	c.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.active = true
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, gen, onUtterance, onError)
	}()

	return gen
}

// Stop ends the current activation. No callback of it runs after Stop returns.
func (c *InputChannel) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.active = false
	c.mu.Unlock()

	// Fence: wait out a callback that passed the generation check.
	c.deliveryMu.Lock()
	c.deliveryMu.Unlock()
}

// Active reports whether an activation is running.
func (c *InputChannel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Wait blocks until all activation goroutines have exited.
func (c *InputChannel) Wait() {
	c.wg.Wait()
}

func (c *InputChannel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *InputChannel) deliver(gen uint64, fn func()) {
	c.deliveryMu.Lock()
	defer c.deliveryMu.Unlock()
	if !c.current(gen) {
		return
	}
	fn()
}

func (c *InputChannel) fail(gen uint64, onError func(error), err error) {
	c.mu.Lock()
	if c.gen == gen {
		c.active = false
	}
	c.mu.Unlock()

	c.deliver(gen, func() {
		if onError != nil {
			onError(err)
		}
	})
}

func (c *InputChannel) run(ctx context.Context, gen uint64, onUtterance func(Utterance), onError func(error)) {
	opts := RecognitionOptions{Language: c.cfg.Language, Interim: true, Continuous: true}
	restarts := 0

	for {
		rec, err := startWithTimeout(ctx, c.rec, opts, c.cfg.StartTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(gen, onError, err)
			return
		}

		ended := c.consume(ctx, gen, rec, onUtterance, onError, &restarts)
		rec.Stop()
		if !ended {
			return
		}

		restarts++
		if restarts > c.cfg.MaxRestarts {
			c.fail(gen, onError, ErrRecognitionEnded)
			return
		}
		c.log.Debug().Int("restart", restarts).Str("source", string(c.source)).Msg("recognition ended, restarting")
	}
}

// consume drains one recognizer instance. It returns true when the instance
// ended on its own and should be restarted.
func (c *InputChannel) consume(ctx context.Context, gen uint64, rec Recognition, onUtterance func(Utterance), onError func(error), restarts *int) bool {
	results := rec.Results()
	for {
		select {
		case <-ctx.Done():
			return false
		case res, ok := <-results:
			if !ok {
				return ctx.Err() == nil
			}
			if res.Err != nil {
				c.fail(gen, onError, fmt.Errorf("%w: %w", ErrRecognitionFailed, res.Err))
				return false
			}
			text := strings.TrimSpace(res.Text)
			if text == "" {
				continue
			}
			*restarts = 0
			u := Utterance{
				ID:         uuid.NewString(),
				Text:       text,
				Final:      res.Final,
				Source:     c.source,
				Confidence: res.Confidence,
				Timestamp:  time.Now(),
			}
			c.deliver(gen, func() {
				if onUtterance != nil {
					onUtterance(u)
				}
			})
		}
	}
}

// startWithTimeout starts rec, failing with ErrStartTimeout when the engine
// does not come up in time. A late instance is stopped.
func startWithTimeout(ctx context.Context, r Recognizer, opts RecognitionOptions, timeout time.Duration) (Recognition, error) {
	if r == nil {
		return nil, ErrUnsupported
	}

	type started struct {
		rec Recognition
		err error
	}
	ch := make(chan started, 1)
	go func() {
		rec, err := r.Start(ctx, opts)
		ch <- started{rec, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		if s.err != nil {
			return nil, fmt.Errorf("start recognition: %w", s.err)
		}
		return s.rec, nil
	case <-timer.C:
		go func() {
			if s := <-ch; s.rec != nil {
				s.rec.Stop()
			}
		}()
		return nil, ErrStartTimeout
	case <-ctx.Done():
		go func() {
			if s := <-ch; s.rec != nil {
				s.rec.Stop()
			}
		}()
		return nil, ctx.Err()
	}
}
