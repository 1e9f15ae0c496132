package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Callbacks receive the lifecycle of one spoken utterance. Any may be nil.
type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// OutputChannel speaks one utterance at a time. A new Speak supersedes the
// previous one and does not reach the synthesizer until the superseded
// playback has returned. After Cancel returns no callback of a cancelled
// utterance runs. Callbacks must not call back into the channel.
type OutputChannel struct {
	synth Synthesizer
	log   zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	speaking bool
	cancel   context.CancelFunc
	// voice is closed when the latest playback goroutine has returned
	voice chan struct{}

	deliveryMu sync.Mutex
	wg         sync.WaitGroup
}

// NewOutputChannel creates an output channel over synth.
func NewOutputChannel(synth Synthesizer, log zerolog.Logger) *OutputChannel {
	return &OutputChannel{synth: synth, log: log}
}

// Speak rewrites text for settings.Mode and plays it asynchronously. It
// returns the activation number of the new utterance.
func (o *OutputChannel) Speak(text string, settings Settings, cb Callbacks) uint64 {
	o.Cancel()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if settings.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), settings.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	done := make(chan struct{})

	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.speaking = true
	o.cancel = cancel
	prev := o.voice
	o.voice = done
	o.mu.Unlock()

	spoken := Rewrite(text, settings.Mode)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer cancel()
		// The previous utterance was cancelled above; it must let go of the
		// voice before this one starts.
		if prev != nil {
			<-prev
		}
		o.play(ctx, gen, spoken, settings, cb)
	}()

	return gen
}

func (o *OutputChannel) play(ctx context.Context, gen uint64, text string, settings Settings, cb Callbacks) {
	if o.synth == nil {
		o.finish(gen, func() {
			if cb.OnError != nil {
				cb.OnError(ErrUnsupported)
			}
		})
		return
	}

	if text == "" {
		o.finish(gen, func() {
			if cb.OnEnd != nil {
				cb.OnEnd()
			}
		})
		return
	}

	var err error
	if ctx.Err() == nil {
		err = o.synth.Speak(ctx, text, settings, func() {
			o.deliver(gen, func() {
				if cb.OnStart != nil {
					cb.OnStart()
				}
			})
		})
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.log.Warn().Dur("timeout", settings.Timeout).Msg("synthesis timed out")
		o.finish(gen, func() {
			if cb.OnError != nil {
				cb.OnError(ErrSynthesisTimeout)
			}
		})
	case ctx.Err() != nil:
		// cancelled
	case err != nil:
		o.finish(gen, func() {
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("speak: %w", err))
			}
		})
	default:
		o.finish(gen, func() {
			if cb.OnEnd != nil {
				cb.OnEnd()
			}
		})
	}
}

// Cancel stops the current utterance, if any.
func (o *OutputChannel) Cancel() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
	o.speaking = false
	o.mu.Unlock()

	// Fence: wait out a callback that passed the generation check.
	o.deliveryMu.Lock()
	o.deliveryMu.Unlock()
}

// Speaking reports whether an utterance is in progress.
func (o *OutputChannel) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking
}

// Wait blocks until every playback goroutine has returned.
func (o *OutputChannel) Wait() {
	o.wg.Wait()
}

func (o *OutputChannel) deliver(gen uint64, fn func()) bool {
	o.deliveryMu.Lock()
	defer o.deliveryMu.Unlock()

	o.mu.Lock()
	current := o.gen == gen
	o.mu.Unlock()
	if !current {
		return false
	}
	fn()
	return true
}

// finish delivers a terminal callback and clears the speaking flag.
func (o *OutputChannel) finish(gen uint64, fn func()) {
	o.deliveryMu.Lock()
	defer o.deliveryMu.Unlock()

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.speaking = false
	o.cancel = nil
	o.mu.Unlock()

	fn()
}
