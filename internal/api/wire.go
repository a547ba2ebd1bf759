package api

import (
	"encoding/json"
	"fmt"

	"github.com/campusline/chatsync/internal/model"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message is a chat message as it crosses the control socket. LocalStatus is only
// set for entries that exist on this side: pending, sent or failed.
type Message struct {
	model.Message
	LocalStatus string `json:"localStatus,omitempty"`
}

func wireMessage(m model.Message) Message {
	return Message{Message: m, LocalStatus: string(m.LocalStatus)}
}

func wireMessages(msgs []model.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage(m))
	}
	return out
}

// StatusReply is the GetStatus response.
type StatusReply struct {
	Profile             string   `json:"profile"`
	State               string   `json:"state"`
	LastError           string   `json:"lastError,omitempty"`
	UserID              string   `json:"userId"`
	ActiveConversations []string `json:"activeConversations"`
	PendingSends        int      `json:"pendingSends"`
	UptimeMs            int64    `json:"uptimeMs"`
}

// Event is one bus event streamed by WatchEvents.
type Event struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	Payload          any    `json:"payload,omitempty"`
}

type conversationsRequest struct {
	Refresh bool `json:"refresh"`
}

type conversationsReply struct {
	Conversations []model.Conversation `json:"conversations"`
}

type openRequest struct {
	UserID string `json:"userId"`
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
}

type conversationRequest struct {
	UserID string `json:"userId"`
}

type messagesReply struct {
	Messages []Message `json:"messages"`
}

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type retryRequest struct {
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
}

type sendImageRequest struct {
	ReceiverID string `json:"receiverId"`
	Name       string `json:"name"`
	// Data is the image, base64 encoded.
	Data    string `json:"data"`
	Caption string `json:"caption"`
}

type messageReply struct {
	Message Message `json:"message"`
}

type markReadRequest struct {
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
}

type typingRequest struct {
	ReceiverID string `json:"receiverId"`
}

type watchRequest struct {
	// Prefix filters event kinds; empty streams everything.
	Prefix string `json:"prefix"`
}

// toStruct converts v to a Struct through its JSON form, so json tags name the
// fields on the wire.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(fields)
}

// fromStruct decodes s into v. A nil Struct leaves v untouched.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
