// Package connection manages the lifecycle of the mesh radio link:
// a validated state machine, a background health monitor, and
// exponential-backoff reconnection.
package connection

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected is the initial state; nothing is running.
	StateDisconnected State = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the link is up.
	StateConnected
	// StateReconnecting indicates the link dropped and a retry is pending.
	StateReconnecting
	// StateFailed indicates retries were exhausted; manual restart required.
	StateFailed
	// StateShuttingDown indicates an explicit shutdown is in progress.
	StateShuttingDown
)

// String implements fmt.Stringer.
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
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// validTransitions is the complete transition table. Any (from, to)
// pair not listed here is rejected: state stays unchanged and no
// callback fires.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateShuttingDown},
	StateConnecting:   {StateConnected, StateFailed, StateShuttingDown, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected, StateShuttingDown},
	StateReconnecting: {StateConnected, StateFailed, StateShuttingDown, StateDisconnected},
	StateFailed:       {StateReconnecting, StateDisconnected, StateShuttingDown},
	StateShuttingDown: {StateDisconnected},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
