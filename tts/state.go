package tts

// StateType represents the state of a playback session.
type StateType int

const (
	// StateIdle indicates no session is active.
	StateIdle StateType = iota
	// StateInitiating indicates the transport is being opened.
	StateInitiating
	// StateBuffering indicates audio is arriving but playback has not
	// started yet.
	StateBuffering
	// StatePlaying indicates audio is playing.
	StatePlaying
	// StateEnded indicates playback reached its natural end.
	StateEnded
	// StateFailed indicates the session failed.
	StateFailed
)

// String returns the string representation of the state.
func (s StateType) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateMachine manages session state transitions. Listener attachment and
// detachment hang off the enter/exit hooks instead of being scattered
// across callback bodies.
type StateMachine struct {
	current     StateType
	transitions map[StateType][]StateType
	onEnter     map[StateType]func()
	onExit      map[StateType]func()
}

// NewStateMachine creates a state machine with the valid session
// transitions.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
		transitions: map[StateType][]StateType{
			StateIdle:       {StateInitiating},
			StateInitiating: {StateBuffering, StateFailed, StateIdle},
			StateBuffering:  {StatePlaying, StateFailed, StateIdle},
			StatePlaying:    {StateEnded, StateFailed, StateIdle},
			StateEnded:      {StateIdle},
			StateFailed:     {StateIdle},
		},
		onEnter: make(map[StateType]func()),
		onExit:  make(map[StateType]func()),
	}
}

// Transition attempts to move to the specified state. It returns false,
// leaving the current state untouched, when the transition is not valid.
func (sm *StateMachine) Transition(to StateType) bool {
	valid := false
	for _, state := range sm.transitions[sm.current] {
		if state == to {
			valid = true
			break
		}
	}
	if !valid {
		return false
	}

	if exitFn := sm.onExit[sm.current]; exitFn != nil {
		exitFn()
	}
	sm.current = to
	if enterFn := sm.onEnter[to]; enterFn != nil {
		enterFn()
	}
	return true
}

// Current returns the current state.
func (sm *StateMachine) Current() StateType {
	return sm.current
}

// OnEnter registers a callback for entering a state.
func (sm *StateMachine) OnEnter(state StateType, fn func()) {
	sm.onEnter[state] = fn
}

// OnExit registers a callback for exiting a state.
func (sm *StateMachine) OnExit(state StateType, fn func()) {
	sm.onExit[state] = fn
}
