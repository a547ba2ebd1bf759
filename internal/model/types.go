package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalStatus is the client-only delivery state of a message.
type LocalStatus string

const (
	StatusPending LocalStatus = "pending"
	StatusSent    LocalStatus = "sent"
	StatusFailed  LocalStatus = "failed"
)

// TemporaryIDPrefix marks ids generated on this client for unconfirmed sends.
const TemporaryIDPrefix = "temp-"

// Message is a chat message. CreatedAt is the server timestamp as sent on the wire
// and is authoritative for ordering.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	ReceiverID  string      `json:"receiverId"`
	Content     string      `json:"content"`
	ImageURL    string      `json:"imageUrl,omitempty"`
	CreatedAt   string      `json:"createdAt"`
	ReadStatus  bool        `json:"readStatus"`
	LocalStatus LocalStatus `json:"-"`
}

// TemporaryMessage is a placeholder for a send the server has not confirmed yet.
type TemporaryMessage struct {
	TemporaryID string
	ReceiverID  string
	Content     string
	Timestamp   time.Time
}

// Conversation is one entry of the conversation list, keyed by the counterpart.
type Conversation struct {
	UserID      string   `json:"userId"`
	ProfileName string   `json:"profileName"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// NewTemporaryID returns a fresh client-side message id.
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was generated by NewTemporaryID.
func IsTemporaryID(id string) bool {
	rest, ok := strings.CutPrefix(id, TemporaryIDPrefix)
	if !ok {
		return false
	}
	return uuid.Validate(rest) == nil
}

// NewTemporaryMessage builds a placeholder stamped with the current local time.
func NewTemporaryMessage(receiverID, content string) TemporaryMessage {
	return TemporaryMessage{
		TemporaryID: NewTemporaryID(),
		ReceiverID:  receiverID,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
}

// AsMessage renders the optimistic bubble shown while the send is in flight.
func (t TemporaryMessage) AsMessage(selfID string) Message {
	return Message{
		ID:          t.TemporaryID,
		SenderID:    selfID,
		ReceiverID:  t.ReceiverID,
		Content:     t.Content,
		CreatedAt:   FormatTimestamp(t.Timestamp),
		LocalStatus: StatusPending,
	}
}

// ConversationKey returns the id of the participant that is not selfID.
func ConversationKey(m Message, selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}
