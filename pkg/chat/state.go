package chat

// ConnectionState is the lifecycle state of a conversation's live channel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateNoCredential
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNoCredential:
		return "no-credential"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is what observers see of a connection: its state plus the context
// needed to render an indicator.
type Status struct {
	ConversationID ID
	State          ConnectionState
	// Err is the failure that caused the state, if any.
	Err error
	// Attempt counts reconnection attempts since the last successful open.
	Attempt int
	// ReconnectRequired is set once the bounded retry budget is spent; only an
	// explicit reconnect leaves this state.
	ReconnectRequired bool
	// Seq orders statuses of one connection.
	Seq uint64
}

func (s Status) String() string {
	ret := s.State.String()
	if s.ReconnectRequired {
		ret += " (reconnect required)"
	}
	return ret
}
