package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/model"
)

// Frame types on the wire.
const (
	FrameMessage     = "message"
	FrameTyping      = "typing"
	FrameMarkRead    = "markRead"
	FrameReadReceipt = "readReceipt"
	FrameUnreadCount = "unreadCount"
	FrameError       = "error"
	FrameConnected   = "connected"
)

var errMalformedFrame = errors.New("malformed frame")

type outboundFrame struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId,omitempty"`
	Content    string `json:"content,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

type inboundFrame struct {
	Type      string         `json:"type"`
	Message   *model.Message `json:"message,omitempty"`
	SenderID  string         `json:"senderId,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Count     *int           `json:"count,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// decodeFrame turns one text frame into the bus event the sync engine consumes.
// rt.message carries a model.Message, rt.typing the sender id, rt.read_receipt the
// message id, rt.unread_count an int, rt.error the server's error text.
func decodeFrame(data []byte) (bus.Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return bus.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameMessage:
		if f.Message == nil || f.Message.ID == "" {
			return bus.Event{}, fmt.Errorf("%w: message frame without message", errMalformedFrame)
		}
		return bus.Event{Kind: bus.KindRealtimeMessage, Payload: *f.Message}, nil
	case FrameTyping:
		if f.SenderID == "" {
			return bus.Event{}, fmt.Errorf("%w: typing frame without senderId", errMalformedFrame)
		}
		return bus.Event{Kind: bus.KindRealtimeTyping, Payload: f.SenderID}, nil
	case FrameMarkRead, FrameReadReceipt:
		if f.MessageID == "" {
			return bus.Event{}, fmt.Errorf("%w: %s frame without messageId", errMalformedFrame, f.Type)
		}
		return bus.Event{Kind: bus.KindRealtimeReadReceipt, Payload: f.MessageID}, nil
	case FrameUnreadCount:
		if f.Count == nil {
			return bus.Event{}, fmt.Errorf("%w: unreadCount frame without count", errMalformedFrame)
		}
		return bus.Event{Kind: bus.KindRealtimeUnreadCount, Payload: *f.Count}, nil
	case FrameError:
		return bus.Event{Kind: bus.KindRealtimeError, Payload: f.Error}, nil
	case FrameConnected:
		return bus.Event{Kind: bus.KindRealtimeAck}, nil
	default:
		return bus.Event{}, fmt.Errorf("%w: unknown type %q", errMalformedFrame, f.Type)
	}
}
