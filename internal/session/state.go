package session

// State is a session's position in the turn-taking cycle
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Busy reports whether a pipeline run is in flight
func (s State) Busy() bool {
	return s == StateTranscribing || s == StateGenerating || s == StateSynthesizing
}

// transitions lists the legal moves. Closed is reachable from every state
// and handled separately.
var transitions = map[State][]State{
	StateIdle:         {StateListening},
	StateListening:    {StateTranscribing, StateGenerating, StateSynthesizing},
	StateTranscribing: {StateGenerating, StateListening},
	StateGenerating:   {StateSynthesizing, StateListening},
	StateSynthesizing: {StateListening},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
