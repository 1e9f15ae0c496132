package interrupt

// EnergyGate fires after a run of consecutive frames at or above a threshold.
// A single frame below the threshold restarts the run.
type EnergyGate struct {
	threshold float64
	frames    int
	run       int
}

// NewEnergyGate creates a gate. frames below 1 is treated as 1.
func NewEnergyGate(threshold float64, frames int) *EnergyGate {
	if frames < 1 {
		frames = 1
	}
	return &EnergyGate{threshold: threshold, frames: frames}
}

// Observe feeds one frame level and reports whether the gate is open.
func (g *EnergyGate) Observe(level float64) bool {
	if level >= g.threshold {
		g.run++
	} else {
		g.run = 0
	}
	return g.run >= g.frames
}

// Run returns the current count of consecutive loud frames.
func (g *EnergyGate) Run() int {
	return g.run
}

// Reset clears the run.
func (g *EnergyGate) Reset() {
	g.run = 0
}
