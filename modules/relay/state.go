package relay

// SessionState is the lifecycle position of one client session. The session
// run loop is the only writer.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateAwaitingConfig
	StateConnecting
	StateHandshaking
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Streaming is only reachable from Handshaking, so no audio is forwarded
// before the media server has accepted the source.
var transitions = map[SessionState][]SessionState{
	StateIdle:           {StateAwaitingConfig, StateClosing},
	StateAwaitingConfig: {StateConnecting, StateError, StateClosing},
	StateConnecting:     {StateHandshaking, StateError, StateClosing},
	StateHandshaking:    {StateStreaming, StateError, StateClosing},
	StateStreaming:      {StateError, StateClosing},
	StateError:          {StateConnecting, StateClosing},
	StateClosing:        {StateClosed},
}

func canTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
