// Package interrupt detects the user talking over synthesized speech.
package interrupt

import "time"

// Kind is what raised an interruption.
type Kind int

const (
	// KindEnergy is sustained microphone energy above the threshold.
	KindEnergy Kind = iota

	// KindRecognition is a partial transcript from the barge-in recognizer.
	KindRecognition

	// KindManual is an explicit interruption requested by the host.
	KindManual
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindEnergy:
		return "energy"
	case KindRecognition:
		return "recognition"
	case KindManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Trigger describes the interruption that won the race.
type Trigger struct {
	Kind Kind

	// Text is what the recognition channel captured, possibly empty.
	Text       string
	Final      bool
	Confidence float64

	// Level is the energy sample that crossed the gate.
	Level float64

	At time.Time
}
