package boxclient

// State is the lifecycle state of a [Client].
type State int32

const (
	StateUninitialized State = iota
	StateConfigured
	StateRunning
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// StateChangeEvent is emitted through the events package on every state transition. Err is set
// when the transition was caused by a failure.
type StateChangeEvent struct {
	From State
	To   State
	Err  string
}
