package voice

// State is the lifecycle state of a voice session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// States lists every state in lifecycle order.
var States = []State{
	StateIdle, StateConnecting, StateReady, StateListening,
	StateProcessing, StateSpeaking, StateError,
}

// transitions is the complete set of allowed edges. Any other transition is
// refused.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateError},
	StateConnecting: {StateReady, StateError, StateIdle},
	StateReady:      {StateListening, StateError, StateIdle},
	StateListening:  {StateReady, StateProcessing, StateError, StateIdle},
	StateProcessing: {StateSpeaking, StateError, StateIdle},
	StateSpeaking:   {StateListening, StateError, StateIdle},
	StateError:      {StateConnecting, StateIdle},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the state holds an open session.
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateReady, StateListening, StateProcessing, StateSpeaking:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}
