package app

// State is the gateway lifecycle phase. Transitions only move forward.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
