package ingest

// ConnState is the mailbox connection lifecycle state
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnectPending
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// active reports whether the state counts as "running" for the control API
func (s ConnState) active() bool {
	switch s {
	case StateConnecting, StateConnected, StateReconnectPending:
		return true
	default:
		return false
	}
}
