package bus

import "time"

// Event kinds. Subscribers filter by prefix, so every kind lives under a namespace.
const (
	// Raw frames from the realtime socket, consumed by the sync engine.
	KindRealtimeMessage     = "rt.message"
	KindRealtimeTyping      = "rt.typing"
	KindRealtimeReadReceipt = "rt.read_receipt"
	KindRealtimeUnreadCount = "rt.unread_count"
	KindRealtimeError       = "rt.error"
	KindRealtimeAck         = "rt.ack"

	KindTransportState = "transport.state_changed"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageRead       = "message.read"

	KindConversationRead          = "conversation.read"
	KindConversationUnreadChanged = "conversation.unread_changed"
	KindConversationUnreadTotal   = "conversation.unread_total"

	KindTypingChanged = "typing.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a message inside a conversation.
type MessageRef struct {
	ConversationKey string `json:"conversationKey"`
	MessageID       string `json:"messageId,omitempty"`
	TemporaryID     string `json:"temporaryId,omitempty"`
}

// SendFailure is the payload of message.send_failed.
type SendFailure struct {
	ConversationKey string `json:"conversationKey"`
	TemporaryID     string `json:"temporaryId"`
	Error           string `json:"error"`
}

// UnreadChange is the payload of conversation.unread_changed.
type UnreadChange struct {
	ConversationKey string `json:"conversationKey"`
	UnreadCount     int    `json:"unreadCount"`
}

// Typing is the payload of typing.changed.
type Typing struct {
	UserID string `json:"userId"`
	Active bool   `json:"active"`
}
