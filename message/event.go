package message

// Events exchanged between a chat client and the hub.
const (
	EventSendMessage  = "send_message"
	EventCancel       = "cancel"
	EventMessageChunk = "message_chunk"
	EventStreamEnd    = "stream_end"
	EventError        = "error"

	// Lifecycle events raised locally by a channel.
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// SendMessage submits a conversation. Ref is an optional client-chosen token
// echoed back on every event for this submission.
type SendMessage struct {
	History History `json:"history"`
	Ref     string  `json:"ref,omitempty"`
}

type Cancel struct{}

type MessageChunk struct {
	Chunk string `json:"chunk"`
	Ref   string `json:"ref,omitempty"`
}

type StreamEnd struct {
	Ref string `json:"ref,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
