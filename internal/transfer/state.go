package transfer

type State int

const (
	StateIdle State = iota
	StateWaiting
	StateRunning
	StatePaused
	StateComplete
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible without a new
// Start.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCanceled
}
