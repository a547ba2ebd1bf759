package api

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/chat"
	"github.com/campusline/chatsync/internal/model"
	"github.com/campusline/chatsync/internal/rest"
	"github.com/campusline/chatsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeChat struct {
	mu        sync.Mutex
	convs     []model.Conversation
	msgs      map[string][]model.Message
	refreshed bool
	closed    []string
	image     []byte
	read      []string
	typing    []string
	loggedOut bool
	sendErr   error
}

func (f *fakeChat) Status() chat.Status {
	return chat.Status{State: status.Connected, UserID: "me", ActiveConversations: []string{"bob"}, PendingSends: 1}
}

func (f *fakeChat) LoadConversations(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = true
	return f.convs, nil
}

func (f *fakeChat) Conversations() ([]model.Conversation, error) {
	return nil, nil
}

func (f *fakeChat) LoadMessagesAndConnect(_ context.Context, other string, _, _ int) ([]model.Message, error) {
	if other == "expired" {
		return nil, &chat.DisplayError{Message: "Your session has expired. Please sign in again.", Err: &rest.APIError{Status: 401}}
	}
	return f.msgs[other], nil
}

func (f *fakeChat) CloseConversation(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, key)
}

func (f *fakeChat) Messages(key string) []model.Message {
	return f.msgs[key]
}

func (f *fakeChat) SendMessage(_ context.Context, receiverID, content string) (model.Message, error) {
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	return model.Message{ID: "srv-9", SenderID: "me", ReceiverID: receiverID, Content: content, LocalStatus: model.StatusSent}, nil
}

func (f *fakeChat) RetryMessage(ctx context.Context, key, _ string) (model.Message, error) {
	return f.SendMessage(ctx, key, "again")
}

func (f *fakeChat) SendImageMessage(_ context.Context, receiverID, _ string, data io.Reader, caption string) (model.Message, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return model.Message{}, err
	}
	f.mu.Lock()
	f.image = b
	f.mu.Unlock()
	return model.Message{ID: "srv-10", ReceiverID: receiverID, Content: caption, ImageURL: "https://img.test/x.png"}, nil
}

func (f *fakeChat) MarkAsRead(_ context.Context, messageID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, messageID)
	return nil
}

func (f *fakeChat) MarkConversationAsRead(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, "conv:"+key)
	return nil
}

func (f *fakeChat) SendTypingIndicator(receiverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, receiverID)
	return nil
}

func (f *fakeChat) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func newTestClient(t *testing.T, fc *fakeChat, b *bus.Bus) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewService("test", fc, b, zap.NewNop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestStatusAndConversations(t *testing.T) {
	fc := &fakeChat{convs: []model.Conversation{
		{UserID: "bob", ProfileName: "Bob", UnreadCount: 3, LastMessage: &model.Message{ID: "srv-1", Content: "yo"}},
	}}
	c := newTestClient(t, fc, bus.New())
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Profile != "test" || st.State != "CONNECTED" || st.UserID != "me" || st.PendingSends != 1 {
		t.Errorf("Status() = %+v", st)
	}
	if len(st.ActiveConversations) != 1 || st.ActiveConversations[0] != "bob" {
		t.Errorf("ActiveConversations = %v", st.ActiveConversations)
	}

	convs, err := c.Conversations(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if !fc.refreshed {
		t.Error("refresh did not reach the facade")
	}
	if len(convs) != 1 || convs[0].UnreadCount != 3 || convs[0].LastMessage == nil || convs[0].LastMessage.Content != "yo" {
		t.Errorf("Conversations() = %+v", convs)
	}
}

func TestOpenAndSend(t *testing.T) {
	fc := &fakeChat{msgs: map[string][]model.Message{
		"bob": {
			{ID: "srv-1", SenderID: "bob", ReceiverID: "me", Content: "hi", CreatedAt: "2024-03-01T12:00:01.000Z"},
			{ID: "temp-x", SenderID: "me", ReceiverID: "bob", Content: "hey", LocalStatus: model.StatusPending},
		},
	}}
	c := newTestClient(t, fc, bus.New())
	ctx := context.Background()

	msgs, err := c.Open(ctx, "bob", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].CreatedAt != "2024-03-01T12:00:01.000Z" || msgs[1].LocalStatus != model.StatusPending {
		t.Errorf("Open() = %+v", msgs)
	}

	m, err := c.Send(ctx, "bob", "ok")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "srv-9" || m.Content != "ok" || m.LocalStatus != model.StatusSent {
		t.Errorf("Send() = %+v", m)
	}

	img, err := c.SendImage(ctx, "bob", "x.png", []byte{0x89, 'P', 'N', 'G'}, "pic")
	if err != nil {
		t.Fatal(err)
	}
	if img.ImageURL == "" || string(fc.image) != "\x89PNG" {
		t.Errorf("SendImage() = %+v, uploaded %q", img, fc.image)
	}

	if err := c.MarkRead(ctx, "bob", "srv-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkConversationRead(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := c.Typing(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseConversation(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.read) != 2 || len(fc.typing) != 1 || len(fc.closed) != 1 || !fc.loggedOut {
		t.Errorf("facade calls: read=%v typing=%v closed=%v logout=%v", fc.read, fc.typing, fc.closed, fc.loggedOut)
	}
}

func TestErrorCodes(t *testing.T) {
	fc := &fakeChat{}
	c := newTestClient(t, fc, bus.New())
	ctx := context.Background()

	tests := []struct {
		name     string
		call     func() error
		wantCode codes.Code
		wantMsg  string
	}{
		{"missing user", func() error { _, err := c.Open(ctx, "", 1, 0); return err }, codes.InvalidArgument, "userId is required"},
		{"expired session", func() error { _, err := c.Open(ctx, "expired", 1, 0); return err }, codes.Unauthenticated, "Your session has expired. Please sign in again."},
		{"bad image", func() error { _, err := c.SendImage(ctx, "bob", "x", nil, ""); return err }, codes.InvalidArgument, "data must be non-empty base64"},
		{"signed out", func() error {
			fc.sendErr = chat.ErrNotLoggedIn
			defer func() { fc.sendErr = nil }()
			_, err := c.Send(ctx, "bob", "hi")
			return err
		}, codes.Unauthenticated, "You are signed out."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := grpcstatus.Convert(tt.call())
			if st.Code() != tt.wantCode || st.Message() != tt.wantMsg {
				t.Errorf("got %v %q, want %v %q", st.Code(), st.Message(), tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{&rest.APIError{Status: 404}, codes.NotFound},
		{&rest.APIError{Status: 502}, codes.Unavailable},
		{&chat.DisplayError{Message: "Message is empty."}, codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := codeOf(tt.err); got != tt.want {
			t.Errorf("codeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWatchEvents(t *testing.T) {
	b := bus.New()
	c := newTestClient(t, &fakeChat{}, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 4)
	go func() {
		_ = c.Watch(ctx, "typing.", func(evt Event) error {
			got <- evt
			return nil
		})
	}()

	// Publish until the subscription is live; the bus drops events nobody hears.
	deadline := time.After(2 * time.Second)
	for {
		b.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: bus.MessageRef{ConversationKey: "bob"}})
		b.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: bus.Typing{UserID: "bob", Active: true}})
		select {
		case evt := <-got:
			if evt.Kind != bus.KindTypingChanged || evt.ID == "" || evt.OccurredAtUnixMs == 0 {
				t.Fatalf("event = %+v", evt)
			}
			payload, ok := evt.Payload.(map[string]any)
			if !ok || payload["userId"] != "bob" || payload["active"] != true {
				t.Fatalf("payload = %#v", evt.Payload)
			}
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEventPayload(t *testing.T) {
	p := eventPayload(status.StatusChange{From: status.Connected, To: status.Failed, Err: errors.New("read: EOF")})
	sc, ok := p.(stateChange)
	if !ok || sc.From != "CONNECTED" || sc.To != "FAILED" || sc.Error != "read: EOF" {
		t.Errorf("eventPayload(StatusChange) = %#v", p)
	}
	m := eventPayload(model.Message{ID: "temp-1", LocalStatus: model.StatusPending})
	if wm, ok := m.(Message); !ok || wm.LocalStatus != "pending" {
		t.Errorf("eventPayload(Message) = %#v", m)
	}
}
