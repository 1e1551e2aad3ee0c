package realtime

// State is the realtime channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusEvent is emitted on every state transition. Attempt is the reconnect
// attempt number for Reconnecting and Failed, zero otherwise. Err carries the
// failure that caused the transition when there is one.
type StatusEvent struct {
	State   State
	Attempt int
	Err     error
}
