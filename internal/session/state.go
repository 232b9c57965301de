package session

// State is a client connection's place in the protocol state machine of
// §4.3.
type State int

const (
	StateAccept State = iota
	StateHandshakeSend
	StateHandshakeRecv
	StateAuthExchange
	StateAuthDone
	StateReady
	StateRouting
	StateStreaming
	StateQuit
	StateError
)

func (s State) String() string {
	switch s {
	case StateAccept:
		return "ACCEPT"
	case StateHandshakeSend:
		return "HANDSHAKE_SEND"
	case StateHandshakeRecv:
		return "HANDSHAKE_RECV"
	case StateAuthExchange:
		return "AUTH_EXCHANGE"
	case StateAuthDone:
		return "AUTH_DONE"
	case StateReady:
		return "READY"
	case StateRouting:
		return "ROUTING"
	case StateStreaming:
		return "STREAMING"
	case StateQuit:
		return "QUIT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
