package ticketsync

// ConnectionState is the lifecycle state of one logical connection.
type ConnectionState int32

const (
	// StateIdle means no transport is open and none is wanted.
	StateIdle ConnectionState = iota

	// StateConnecting means the transport is being dialed.
	StateConnecting

	// StateConnected means the transport is open and the identity announced.
	StateConnected

	// StateJoining means at least one desired room is awaiting acknowledgement.
	StateJoining

	// StateJoined means every desired room is joined.
	StateJoined

	// StateReconnecting means the transport dropped and a retry is pending.
	StateReconnecting

	// StateFailed means the retry budget is exhausted or authentication was
	// rejected. Only ResetConnection leaves this state.
	StateFailed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsConnected reports whether the transport is open and authenticated.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateJoining || s == StateJoined
}

// Status is the coarse, user-visible connection status.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Status collapses the state machine into what a UI shows.
func (s ConnectionState) Status() Status {
	switch s {
	case StateConnecting:
		return StatusConnecting
	case StateConnected, StateJoining, StateJoined:
		return StatusConnected
	case StateReconnecting:
		return StatusReconnecting
	case StateFailed:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}
