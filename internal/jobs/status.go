package jobs

// State represents the lifecycle state of a job in the jobs table.
// These values must match the text values stored in jobs.state.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateAutoPaused State = "auto_paused"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// transitions lists, for each state, the states it may move to.
// Completed and stopped have no outgoing edges.
var transitions = map[State][]State{
	StateQueued:     {StateRunning, StateStopped, StateFailed},
	StateRunning:    {StatePaused, StateAutoPaused, StateCompleted, StateFailed, StateStopped},
	StatePaused:     {StateRunning, StateStopped, StateFailed},
	StateAutoPaused: {StateRunning, StateStopped, StateFailed},
	StateFailed:     {StateRunning},
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StatePaused, StateAutoPaused,
		StateCompleted, StateFailed, StateStopped:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped
}

// Active reports whether the job still has work that may be resumed or
// stopped by an operator.
func (s State) Active() bool {
	switch s {
	case StateQueued, StateRunning, StatePaused, StateAutoPaused:
		return true
	}
	return false
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every state with an edge into to.
func sourcesOf(to State) []State {
	var out []State
	for _, from := range []State{StateQueued, StateRunning, StatePaused, StateAutoPaused, StateFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// EventType names a lifecycle transition recorded in the job event log.
type EventType string

const (
	EventStarted    EventType = "started"
	EventPaused     EventType = "paused"
	EventAutoPaused EventType = "auto_paused"
	EventResumed    EventType = "resumed"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventStopped    EventType = "stopped"
	EventProgress   EventType = "progress"
)
