package domain

// WebSocket message type discriminants.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth-success"
	TypeAuthFailed  = "auth-failed"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeNewKey      = "new-key"
	TypeError       = "error"
)

// ClientMessage is everything a client may send over the socket.
type ClientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// ServerMessage is everything the server pushes to a subscriber.
type ServerMessage struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    *KeyPayload `json:"data,omitempty"`
}

// KeyPayload carries a rotating key and the unix-millisecond instant
// it was computed at.
type KeyPayload struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}
