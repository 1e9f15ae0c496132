// Package audio measures microphone energy for barge-in detection.
package audio

import (
	"math"
	"sync"
)

// DefaultWindowFrames is the rolling window kept by a Monitor, roughly half a
// second of 16ms frames.
const DefaultWindowFrames = 32

// LevelSource reports the current normalized input level (0.0-1.0).
type LevelSource interface {
	Level() float64
}

// LevelFunc adapts a function to LevelSource.
type LevelFunc func() float64

// Level implements LevelSource.
func (f LevelFunc) Level() float64 { return f() }

// Monitor samples a LevelSource and keeps the last N samples.
// It is safe for concurrent use.
type Monitor struct {
	source LevelSource

	mu     sync.Mutex
	window []float64
	next   int
	filled int
}

// NewMonitor creates a monitor over source with a window of size frames.
func NewMonitor(source LevelSource, size int) *Monitor {
	if size <= 0 {
		size = DefaultWindowFrames
	}
	return &Monitor{
		source: source,
		window: make([]float64, size),
	}
}

// Sample reads the source once, records the value and returns it.
// A nil source always reads 0.
func (m *Monitor) Sample() float64 {
	var level float64
	if m.source != nil {
		level = clamp(m.source.Level())
	}

	m.mu.Lock()
	m.window[m.next] = level
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
	m.mu.Unlock()

	return level
}

// Average returns the mean of the retained samples.
func (m *Monitor) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < m.filled; i++ {
		sum += m.window[i]
	}
	return sum / float64(m.filled)
}

// Peak returns the highest retained sample.
func (m *Monitor) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	peak := 0.0
	for i := 0; i < m.filled; i++ {
		peak = math.Max(peak, m.window[i])
	}
	return peak
}

// Recent returns the retained samples, oldest first.
func (m *Monitor) Recent() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float64, 0, m.filled)
	start := 0
	if m.filled == len(m.window) {
		start = m.next
	}
	for i := 0; i < m.filled; i++ {
		out = append(out, m.window[(start+i)%len(m.window)])
	}
	return out
}

// Reset clears the window.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.window {
		m.window[i] = 0
	}
	m.next = 0
	m.filled = 0
}
