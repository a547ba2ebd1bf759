package api

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/campusline/chatsync/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for the control socket.
type Client struct {
	conn grpc.ClientConnInterface
	// closer is nil when the connection is owned by the caller.
	closer interface{ Close() error }
}

// Dial connects to the daemon's Unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if Dial opened it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func localMessage(m Message) model.Message {
	out := m.Message
	out.LocalStatus = model.LocalStatus(m.LocalStatus)
	return out
}

func localMessages(msgs []Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, localMessage(m))
	}
	return out
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var resp StatusReply
	err := c.call(ctx, "GetStatus", struct{}{}, &resp)
	return resp, err
}

// Conversations returns the conversation list. refresh fetches it from the backend
// first; otherwise the cached list is returned.
func (c *Client) Conversations(ctx context.Context, refresh bool) ([]model.Conversation, error) {
	var resp conversationsReply
	err := c.call(ctx, "ListConversations", conversationsRequest{Refresh: refresh}, &resp)
	return resp.Conversations, err
}

// Open loads a page of history with userID and makes sure the socket is up.
func (c *Client) Open(ctx context.Context, userID string, page, limit int) ([]model.Message, error) {
	var resp messagesReply
	if err := c.call(ctx, "OpenConversation", openRequest{UserID: userID, Page: page, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return localMessages(resp.Messages), nil
}

// CloseConversation stops gap recovery for userID.
func (c *Client) CloseConversation(ctx context.Context, userID string) error {
	return c.call(ctx, "CloseConversation", conversationRequest{UserID: userID}, nil)
}

// Messages returns what the daemon holds for userID.
func (c *Client) Messages(ctx context.Context, userID string) ([]model.Message, error) {
	var resp messagesReply
	if err := c.call(ctx, "ListMessages", conversationRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return localMessages(resp.Messages), nil
}

// Send sends a text message.
func (c *Client) Send(ctx context.Context, receiverID, content string) (model.Message, error) {
	var resp messageReply
	if err := c.call(ctx, "SendMessage", sendRequest{ReceiverID: receiverID, Content: content}, &resp); err != nil {
		return model.Message{}, err
	}
	return localMessage(resp.Message), nil
}

// Retry resends a failed message.
func (c *Client) Retry(ctx context.Context, userID, messageID string) (model.Message, error) {
	var resp messageReply
	if err := c.call(ctx, "RetryMessage", retryRequest{UserID: userID, MessageID: messageID}, &resp); err != nil {
		return model.Message{}, err
	}
	return localMessage(resp.Message), nil
}

// SendImage uploads data and sends it with an optional caption.
func (c *Client) SendImage(ctx context.Context, receiverID, name string, data []byte, caption string) (model.Message, error) {
	req := sendImageRequest{
		ReceiverID: receiverID,
		Name:       name,
		Data:       base64.StdEncoding.EncodeToString(data),
		Caption:    caption,
	}
	var resp messageReply
	if err := c.call(ctx, "SendImage", req, &resp); err != nil {
		return model.Message{}, err
	}
	return localMessage(resp.Message), nil
}

// MarkRead marks one message read.
func (c *Client) MarkRead(ctx context.Context, userID, messageID string) error {
	return c.call(ctx, "MarkRead", markReadRequest{UserID: userID, MessageID: messageID}, nil)
}

// MarkConversationRead marks every message with userID read.
func (c *Client) MarkConversationRead(ctx context.Context, userID string) error {
	return c.call(ctx, "MarkConversationRead", conversationRequest{UserID: userID}, nil)
}

// Typing sends a typing indicator to receiverID.
func (c *Client) Typing(ctx context.Context, receiverID string) error {
	return c.call(ctx, "SendTyping", typingRequest{ReceiverID: receiverID}, nil)
}

// Logout signs the daemon out and clears its caches.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, "Logout", struct{}{}, nil)
}

// Watch streams events whose kind starts with prefix and calls fn for each until ctx
// ends, fn returns an error, or the stream breaks.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	in, err := toStruct(watchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			return err
		}
		var evt Event
		if err := fromStruct(out, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
