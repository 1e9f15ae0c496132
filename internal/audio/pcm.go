package audio

import (
	"math"
	"sync/atomic"
)

// PCMLevelSource turns pushed PCM chunks into a LevelSource. Each Write
// replaces the current level with the chunk's RMS.
type PCMLevelSource struct {
	bitDepth int
	level    atomic.Uint64
}

// NewPCMLevelSource creates a level source for chunks of the given bit depth.
func NewPCMLevelSource(bitDepth int) *PCMLevelSource {
	return &PCMLevelSource{bitDepth: bitDepth}
}

// Write implements io.Writer so a capture pipeline can copy into it.
func (p *PCMLevelSource) Write(chunk []byte) (int, error) {
	p.Set(RMS(chunk, p.bitDepth))
	return len(chunk), nil
}

// Set stores a precomputed level.
func (p *PCMLevelSource) Set(level float64) {
	p.level.Store(math.Float64bits(clamp(level)))
}

// Level implements LevelSource.
func (p *PCMLevelSource) Level() float64 {
	return math.Float64frombits(p.level.Load())
}
