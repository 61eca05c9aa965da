package realtime

import "github.com/quillhaven/keycast/internal/domain"

// EventType discriminates the channel's notifications to its owner.
type EventType int

const (
	// EventConnected fires once the auth exchange completes.
	EventConnected EventType = iota
	// EventNewKey carries a rotated key payload.
	EventNewKey
	// EventAuthFailed means the server rejected the token, or never
	// answered the auth message in time. Terminal for this channel.
	EventAuthFailed
	// EventDisconnected reports a closed connection; a reconnect may
	// already be scheduled.
	EventDisconnected
	// EventReconnectFailed means the attempt ceiling was exhausted.
	// Terminal; the owner decides what happens next.
	EventReconnectFailed
	// EventError relays a server-side error message.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventNewKey:
		return "new-key"
	case EventAuthFailed:
		return "auth-failed"
	case EventDisconnected:
		return "disconnected"
	case EventReconnectFailed:
		return "reconnect-failed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one typed notification from the channel.
type Event struct {
	Type    EventType
	Key     *domain.KeyPayload
	Err     error
	Message string
}

// State is the channel's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAuth
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
