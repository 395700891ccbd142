package session

// Stage is the lifecycle position of a Manager. Stages only move forward,
// except back to Idle on a failed connect or a Reset.
type Stage uint8

const (
	Idle Stage = iota
	SocketConnecting
	AwaitingPeers
	SessionActive
	GameplayRunning
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case SocketConnecting:
		return "socket_connecting"
	case AwaitingPeers:
		return "awaiting_peers"
	case SessionActive:
		return "session_active"
	case GameplayRunning:
		return "gameplay_running"
	}
	return "unknown"
}
