package model

// SessionState is the lifecycle state of a client session.
type SessionState int

const (
	SessionConnected SessionState = iota // accepted, no identity yet
	SessionNamed                         // identity bound by login or clientName
	SessionClosed                        // terminal
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionNamed:
		return "named"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}
