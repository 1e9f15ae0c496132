package interrupt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
)

// Config tunes barge-in detection.
type Config struct {
	EnergyThreshold float64
	TriggerFrames   int
	FrameInterval   time.Duration
	WindowFrames    int
	ConfidenceFloor float64

	Language     string
	StartTimeout time.Duration

	// Holdoff ignores the energy channel for this long after Start, so the
	// first syllables leaking from the speaker do not count as the user.
	Holdoff time.Duration
}

// DefaultConfig returns the stock thresholds: 0.015 RMS over 3 frames of 16ms.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.015,
		TriggerFrames:   3,
		FrameInterval:   16 * time.Millisecond,
		WindowFrames:    audio.DefaultWindowFrames,
		ConfidenceFloor: 0.1,
		Language:        "en-US",
		StartTimeout:    3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = def.EnergyThreshold
	}
	if c.TriggerFrames <= 0 {
		c.TriggerFrames = def.TriggerFrames
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = def.FrameInterval
	}
	if c.WindowFrames <= 0 {
		c.WindowFrames = def.WindowFrames
	}
	if c.ConfidenceFloor < 0 {
		c.ConfidenceFloor = 0
	}
	if c.Language == "" {
		c.Language = def.Language
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	return c
}

// Detector races an energy channel against a recognition channel while the
// assistant is speaking. The first trigger wins and ends both channels.
type Detector struct {
	rec speech.Recognizer
	log zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	gen     uint64
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a detector. rec may be nil, in which case only the energy
// channel runs.
func New(cfg Config, rec speech.Recognizer, log zerolog.Logger) *Detector {
	return &Detector{
		rec: rec,
		log: log,
		cfg: cfg.withDefaults(),
	}
}

// Config returns the configuration used by the next Start.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetConfig replaces the thresholds. A running detection keeps its old
// values; the change applies from the next Start.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

// Start begins a detection over level, stopping any previous one. onTrigger
// runs at most once, on a detector goroutine, and must not call Stop.
// A nil level disables the energy channel.
func (d *Detector) Start(level audio.LevelSource, onTrigger func(Trigger)) {
	d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.gen++
	gen := d.gen
	cfg := d.cfg
	d.running = true
	d.cancel = cancel
	d.group = g
	d.mu.Unlock()

	monitor := audio.NewMonitor(level, cfg.WindowFrames)

	var once sync.Once
	fire := func(t Trigger) {
		once.Do(func() {
			cancel()
			if !d.current(gen) {
				return
			}
			d.log.Debug().
				Str("kind", t.Kind.String()).
				Float64("level", t.Level).
				Float64("avg", monitor.Average()).
				Str("text", t.Text).
				Msg("barge-in")
			if onTrigger != nil {
				onTrigger(t)
			}
		})
	}

	if level != nil {
		g.Go(func() error {
			return d.watchEnergy(gctx, cfg, monitor, fire)
		})
	}
	if d.rec != nil {
		g.Go(func() error {
			return d.watchSpeech(gctx, cfg, fire)
		})
	}
}

// Stop ends the current detection and waits for both channels to exit.
// No trigger of it is delivered after Stop returns.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.gen++
	d.running = false
	cancel, g := d.cancel, d.group
	d.cancel, d.group = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if g != nil {
		g.Wait()
	}
}

// Running reports whether a detection was started and not yet stopped.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Detector) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}

func (d *Detector) watchEnergy(ctx context.Context, cfg Config, monitor *audio.Monitor, fire func(Trigger)) error {
	gate := NewEnergyGate(cfg.EnergyThreshold, cfg.TriggerFrames)
	armed := time.Now().Add(cfg.Holdoff)

	ticker := time.NewTicker(cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			level := monitor.Sample()
			if now.Before(armed) {
				continue
			}
			if gate.Observe(level) {
				fire(Trigger{Kind: KindEnergy, Level: level, At: now})
				return nil
			}
		}
	}
}

func (d *Detector) watchSpeech(ctx context.Context, cfg Config, fire func(Trigger)) error {
	input := speech.NewInputChannel(d.rec, speech.InputConfig{
		Language:     cfg.Language,
		StartTimeout: cfg.StartTimeout,
		MaxRestarts:  speech.DefaultInputConfig().MaxRestarts,
	}, speech.SourceInterruption, d.log)

	input.Start(func(u speech.Utterance) {
		if u.Confidence != 0 && u.Confidence < cfg.ConfidenceFloor {
			return
		}
		fire(Trigger{
			Kind:       KindRecognition,
			Text:       u.Text,
			Final:      u.Final,
			Confidence: u.Confidence,
			At:         u.Timestamp,
		})
	}, func(err error) {
		// The energy channel keeps watching on its own.
		d.log.Warn().Err(err).Msg("barge-in recognition unavailable")
	})

	<-ctx.Done()
	input.Stop()
	input.Wait()
	return nil
}
