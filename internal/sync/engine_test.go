package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/chattest"
	"github.com/campusline/chatsync/internal/model"
	"github.com/campusline/chatsync/internal/msgstore"
	"github.com/campusline/chatsync/internal/rest"
	"github.com/campusline/chatsync/internal/status"
	"github.com/campusline/chatsync/internal/store"
	"github.com/campusline/chatsync/internal/transport"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeRealtime struct {
	mu      gosync.Mutex
	state   status.State
	sendErr error
	sent    []string
	reads   []string
}

func (r *fakeRealtime) State() status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRealtime) SendMessage(receiverID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, receiverID+":"+content)
	return nil
}

func (r *fakeRealtime) MarkAsRead(messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, messageID)
	return nil
}

type fakeAPI struct {
	mu        gosync.Mutex
	sendErr   error
	next      int
	sent      []rest.SendRequest
	reads     []string
	convReads []string
	// beforeReply runs while the send is in flight.
	beforeReply func(ctx context.Context, m model.Message) error
}

func (a *fakeAPI) SendMessage(ctx context.Context, req rest.SendRequest) (model.Message, error) {
	a.mu.Lock()
	a.sent = append(a.sent, req)
	a.next++
	m := model.Message{
		ID:         fmt.Sprintf("srv-%d", a.next),
		SenderID:   "me",
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		CreatedAt:  model.FormatTimestamp(time.Now().Add(time.Second)),
	}
	sendErr, hook := a.sendErr, a.beforeReply
	a.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, m); err != nil {
			return model.Message{}, err
		}
	}
	if sendErr != nil {
		return model.Message{}, sendErr
	}
	return m, nil
}

func (a *fakeAPI) MarkMessageRead(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, id)
	return nil
}

func (a *fakeAPI) MarkConversationRead(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.convReads = append(a.convReads, id)
	return nil
}

func (a *fakeAPI) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type harness struct {
	engine *Engine
	store  *msgstore.Store
	db     *store.DB
	api    *fakeAPI
	rt     *fakeRealtime
	bus    *bus.Bus
}

func newHarness(t *testing.T, state status.State) *harness {
	t.Helper()
	h := &harness{
		store: msgstore.New(0),
		db:    testDB(t),
		api:   &fakeAPI{},
		rt:    &fakeRealtime{state: state},
		bus:   bus.New(),
	}
	h.engine = NewEngine(h.store, h.api, h.rt, h.db, h.bus, zap.NewNop())
	h.engine.SetSelf("me")
	return h
}

func (h *harness) unread(t *testing.T, key string) int {
	t.Helper()
	c, err := h.db.GetConversation(key)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		return 0
	}
	return c.UnreadCount
}

func nextEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestSendWhileDisconnectedConfirmsOverREST(t *testing.T) {
	h := newHarness(t, status.Disconnected)
	ch, unsub := h.bus.Subscribe("message.", 16)
	defer unsub()

	got, err := h.engine.Send(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" || got.LocalStatus != model.StatusSent {
		t.Errorf("returned %+v, want srv-1 sent", got)
	}

	msgs := h.store.GetMessages("bob")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].LocalStatus != model.StatusSent {
		t.Errorf("stored %+v, want srv-1 sent", msgs[0])
	}
	if h.store.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", h.store.PendingCount())
	}
	if len(h.rt.sent) != 0 {
		t.Errorf("socket used while disconnected: %v", h.rt.sent)
	}

	ack := nextEvent(t, ch, bus.KindMessageSendAck).Payload.(bus.MessageRef)
	if ack.MessageID != "srv-1" || !model.IsTemporaryID(ack.TemporaryID) {
		t.Errorf("ack = %+v", ack)
	}
}

func TestSendWhileConnectedConfirmedByEcho(t *testing.T) {
	h := newHarness(t, status.Connected)

	bubble, err := h.engine.Send(context.Background(), "bob", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !model.IsTemporaryID(bubble.ID) || bubble.LocalStatus != model.StatusPending {
		t.Fatalf("bubble = %+v", bubble)
	}
	if h.api.sendCount() != 0 {
		t.Error("REST used while connected")
	}

	h.engine.HandleInbound(model.Message{
		ID: "srv-9", SenderID: "me", ReceiverID: "bob", Content: "hi",
		CreatedAt: model.FormatTimestamp(time.Now().Add(2 * time.Second)),
	})

	msgs := h.store.GetMessages("bob")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "srv-9" || msgs[0].LocalStatus != model.StatusSent {
		t.Errorf("stored %+v, want srv-9 sent", msgs[0])
	}
	if h.store.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", h.store.PendingCount())
	}
}

func TestEchoRacingRESTConfirmation(t *testing.T) {
	h := newHarness(t, status.Disconnected)
	h.api.beforeReply = func(_ context.Context, m model.Message) error {
		// The socket came back and delivered the echo before REST answered.
		h.engine.HandleInbound(m)
		return nil
	}

	if _, err := h.engine.Send(context.Background(), "bob", "race"); err != nil {
		t.Fatal(err)
	}
	msgs := h.store.GetMessages("bob")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("messages = %+v, want only srv-1", msgs)
	}
	if h.store.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", h.store.PendingCount())
	}
}

func TestSendFailureMarksBubbleFailed(t *testing.T) {
	h := newHarness(t, status.Disconnected)
	h.api.sendErr = &rest.APIError{Status: http.StatusInternalServerError, Message: "boom"}
	ch, unsub := h.bus.Subscribe("message.", 16)
	defer unsub()

	_, err := h.engine.Send(context.Background(), "bob", "hello")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error = %v, want *SendError", err)
	}
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Errorf("cause = %v, want wrapped 500", err)
	}

	msgs := h.store.GetMessages("bob")
	if len(msgs) != 1 || msgs[0].ID != sendErr.TemporaryID || msgs[0].LocalStatus != model.StatusFailed {
		t.Fatalf("messages = %+v, want one failed bubble", msgs)
	}
	if h.store.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", h.store.PendingCount())
	}
	nextEvent(t, ch, bus.KindMessageSendFailed)
}

func TestCancelledSendLeavesBubblePending(t *testing.T) {
	h := newHarness(t, status.Disconnected)
	ctx, cancel := context.WithCancel(context.Background())
	h.api.beforeReply = func(ctx context.Context, _ model.Message) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.engine.Send(ctx, "bob", "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		t.Error("cancellation reported as a send failure")
	}
	msgs := h.store.GetMessages("bob")
	if len(msgs) != 1 || msgs[0].LocalStatus != model.StatusPending {
		t.Fatalf("messages = %+v, want one pending bubble", msgs)
	}
	if h.store.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", h.store.PendingCount())
	}
}

func TestSocketRefusalFallsBackToREST(t *testing.T) {
	h := newHarness(t, status.Connected)
	h.rt.sendErr = transport.ErrNotConnected

	got, err := h.engine.Send(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" || h.api.sendCount() != 1 {
		t.Errorf("returned %+v after %d REST sends, want srv-1 after 1", got, h.api.sendCount())
	}
}

func TestCounterpartMessageWithSameContentIsNotAConfirmation(t *testing.T) {
	h := newHarness(t, status.Connected)
	if _, err := h.engine.Send(context.Background(), "bob", "hi"); err != nil {
		t.Fatal(err)
	}

	h.engine.HandleInbound(model.Message{
		ID: "b1", SenderID: "bob", ReceiverID: "me", Content: "hi",
		CreatedAt: model.FormatTimestamp(time.Now()),
	})

	if n := h.store.GetMessageCount("bob"); n != 2 {
		t.Errorf("got %d messages, want bubble + bob's message", n)
	}
	if h.store.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", h.store.PendingCount())
	}
}

func TestInboundDuplicateBumpsUnreadOnce(t *testing.T) {
	h := newHarness(t, status.Connected)
	ch, unsub := h.bus.Subscribe("conversation.", 16)
	defer unsub()

	m := model.Message{ID: "b1", SenderID: "bob", ReceiverID: "me", Content: "yo", CreatedAt: "2024-01-01T00:00:00Z"}
	h.engine.HandleInbound(m)
	h.engine.HandleInbound(m)

	if n := h.store.GetMessageCount("bob"); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
	if n := h.unread(t, "bob"); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
	change := nextEvent(t, ch, bus.KindConversationUnreadChanged).Payload.(bus.UnreadChange)
	if change.ConversationKey != "bob" || change.UnreadCount != 1 {
		t.Errorf("unread change = %+v", change)
	}

	c, err := h.db.GetConversation("bob")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage == nil || c.LastMessage.ID != "b1" {
		t.Errorf("last message = %+v, want b1", c.LastMessage)
	}
}

func TestMergeNewerFiltersToDelta(t *testing.T) {
	h := newHarness(t, status.Connected)
	h.store.AddMessage(model.Message{ID: "m0", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:10Z", ReadStatus: true}, "bob")
	// An unconfirmed bubble newer than m0 must not move the reference point.
	h.store.AddMessage(model.Message{ID: model.NewTemporaryID(), SenderID: "me", ReceiverID: "bob", Content: "later", CreatedAt: "2024-01-01T00:00:30Z"}, "bob")

	fetched := []model.Message{
		{ID: "old", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:09Z"},
		{ID: "new1", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:11Z"},
		{ID: "new2", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:12Z"},
	}
	if n := h.engine.MergeNewer("bob", fetched); n != 2 {
		t.Errorf("merged %d, want 2", n)
	}
	if _, _, ok := h.store.FindMessage("old"); ok {
		t.Error("message older than the last known one was merged")
	}
	if n := h.unread(t, "bob"); n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}

	// A second pass over the same page is a no-op.
	if n := h.engine.MergeNewer("bob", fetched); n != 0 {
		t.Errorf("second merge added %d, want 0", n)
	}
}

func TestMergeNewerIntoEmptyConversation(t *testing.T) {
	h := newHarness(t, status.Connected)
	fetched := []model.Message{
		{ID: "a", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:02Z", ReadStatus: true},
		{ID: "b", SenderID: "me", ReceiverID: "bob", CreatedAt: "2024-01-01T00:00:01Z"},
	}
	if n := h.engine.MergeNewer("bob", fetched); n != 2 {
		t.Errorf("merged %d, want 2", n)
	}
	if msgs := h.store.GetMessages("bob"); msgs[0].ID != "b" {
		t.Errorf("first message = %s, want b", msgs[0].ID)
	}
}

// TestMergeSinceKeepsMessagesBehindOwnSends covers an outage where the user's own REST
// send is confirmed with a server timestamp later than a counterpart message the
// socket never delivered.
func TestMergeSinceKeepsMessagesBehindOwnSends(t *testing.T) {
	h := newHarness(t, status.Reconnecting)
	now := time.Now()
	h.store.AddMessage(model.Message{ID: "m1", SenderID: "bob", ReceiverID: "me", Content: "earlier", CreatedAt: model.FormatTimestamp(now.Add(-time.Minute)), ReadStatus: true}, "bob")
	cutoff, _ := h.store.LastConfirmedMessage("bob")

	missed := model.Message{ID: "c1", SenderID: "bob", ReceiverID: "me", Content: "while you were away", CreatedAt: model.FormatTimestamp(now)}
	sent, err := h.engine.Send(context.Background(), "bob", "are you there")
	if err != nil {
		t.Fatal(err)
	}
	fetched := []model.Message{h.store.GetMessages("bob")[0], missed, sent}

	// The current last confirmed message is the REST send, which hides c1.
	if n := h.engine.MergeNewer("bob", fetched); n != 0 {
		t.Fatalf("MergeNewer merged %d, want 0 with the post-send cutoff", n)
	}
	if n := h.engine.MergeSince("bob", &cutoff, fetched); n != 1 {
		t.Errorf("MergeSince merged %d, want 1", n)
	}
	msgs := h.store.GetMessages("bob")
	if len(msgs) != 3 || msgs[1].ID != "c1" || msgs[2].ID != sent.ID {
		t.Errorf("store = %+v, want m1, c1, %s", msgs, sent.ID)
	}
	if n := h.unread(t, "bob"); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}

	if n := h.engine.MergeSince("bob", nil, fetched); n != 0 {
		t.Errorf("full-page merge added %d already held messages", n)
	}
}

func TestMarkAsRead(t *testing.T) {
	h := newHarness(t, status.Connected)
	h.engine.HandleInbound(model.Message{ID: "b1", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:00Z"})

	if err := h.engine.MarkAsRead(context.Background(), "b1", ""); err != nil {
		t.Fatal(err)
	}
	if msgs := h.store.GetMessages("bob"); !msgs[0].ReadStatus {
		t.Error("message not marked read locally")
	}
	if n := h.unread(t, "bob"); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
	if len(h.rt.reads) != 1 || h.rt.reads[0] != "b1" {
		t.Errorf("socket hints = %v", h.rt.reads)
	}
	if len(h.api.reads) != 1 || h.api.reads[0] != "b1" {
		t.Errorf("REST reads = %v", h.api.reads)
	}

	// REST is the record even for a message this client never loaded.
	if err := h.engine.MarkAsRead(context.Background(), "missing", "bob"); err != nil {
		t.Fatalf("MarkAsRead(unknown) error = %v", err)
	}
	if len(h.api.reads) != 2 || h.api.reads[1] != "missing" {
		t.Errorf("REST reads = %v, want missing recorded", h.api.reads)
	}
	if n := h.unread(t, "bob"); n != 0 {
		t.Errorf("unread = %d after unknown read, want 0", n)
	}
}

func TestMarkAsReadDisconnectedSkipsSocket(t *testing.T) {
	h := newHarness(t, status.Reconnecting)
	h.engine.HandleInbound(model.Message{ID: "b1", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:00Z"})

	if err := h.engine.MarkAsRead(context.Background(), "b1", "bob"); err != nil {
		t.Fatal(err)
	}
	if len(h.rt.reads) != 0 {
		t.Errorf("socket hints while reconnecting = %v", h.rt.reads)
	}
	if len(h.api.reads) != 1 {
		t.Errorf("REST reads = %v, want 1", h.api.reads)
	}
}

func TestMarkConversationAsRead(t *testing.T) {
	h := newHarness(t, status.Connected)
	h.engine.HandleInbound(model.Message{ID: "b1", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:01Z"})
	h.engine.HandleInbound(model.Message{ID: "b2", SenderID: "bob", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:02Z"})
	h.store.AddMessage(model.Message{ID: "m1", SenderID: "me", ReceiverID: "bob", CreatedAt: "2024-01-01T00:00:03Z"}, "bob")
	h.engine.HandleInbound(model.Message{ID: "c1", SenderID: "carol", ReceiverID: "me", CreatedAt: "2024-01-01T00:00:01Z"})

	if err := h.engine.MarkConversationAsRead(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	for _, m := range h.store.GetMessages("bob") {
		if !m.ReadStatus {
			t.Errorf("%s still unread", m.ID)
		}
	}
	if msgs := h.store.GetMessages("carol"); msgs[0].ReadStatus {
		t.Error("other conversation touched")
	}
	if n := h.unread(t, "bob"); n != 0 {
		t.Errorf("unread bob = %d, want 0", n)
	}
	if n := h.unread(t, "carol"); n != 1 {
		t.Errorf("unread carol = %d, want 1", n)
	}
	if len(h.rt.reads) != 2 {
		t.Errorf("socket hints = %v, want bob's two messages", h.rt.reads)
	}
	if len(h.api.convReads) != 1 || h.api.convReads[0] != "bob" {
		t.Errorf("REST conversation reads = %v", h.api.convReads)
	}
}

func TestReadReceiptStoreWideLookup(t *testing.T) {
	h := newHarness(t, status.Connected)
	h.store.AddMessage(model.Message{ID: "m1", SenderID: "me", ReceiverID: "bob", CreatedAt: "2024-01-01T00:00:00Z"}, "bob")
	ch, unsub := h.bus.Subscribe("message.", 16)
	defer unsub()

	h.engine.HandleReadReceipt("ghost")
	h.engine.HandleReadReceipt("m1")

	evt := nextEvent(t, ch, bus.KindMessageRead).Payload.(bus.MessageRef)
	if evt.MessageID != "m1" || evt.ConversationKey != "bob" {
		t.Errorf("read event = %+v", evt)
	}
	if msgs := h.store.GetMessages("bob"); !msgs[0].ReadStatus {
		t.Error("receipt not applied")
	}
	if len(ch) != 0 {
		t.Errorf("%d extra events after receipts", len(ch))
	}
}

// TestEngineBusSubscription checks the transport-to-engine path through the bus.
func TestEngineBusSubscription(t *testing.T) {
	h := newHarness(t, status.Connected)
	h.engine.Start(context.Background())
	defer h.engine.Stop()

	ch, unsub := h.bus.Subscribe("conversation.unread_total", 4)
	defer unsub()

	h.bus.Publish(bus.Event{
		Kind:    bus.KindRealtimeMessage,
		Payload: model.Message{ID: "b1", SenderID: "bob", ReceiverID: "me", Content: "from bus", CreatedAt: "2024-01-01T00:00:00Z"},
	})
	h.bus.Publish(bus.Event{Kind: bus.KindRealtimeUnreadCount, Payload: 4})

	waitFor(t, "bus message in store", func() bool { return h.store.GetMessageCount("bob") == 1 })
	if evt := nextEvent(t, ch, bus.KindConversationUnreadTotal); evt.Payload.(int) != 4 {
		t.Errorf("unread total = %v, want 4", evt.Payload)
	}

	h.bus.Publish(bus.Event{Kind: bus.KindRealtimeReadReceipt, Payload: "b1"})
	waitFor(t, "receipt applied", func() bool { return h.store.GetMessages("bob")[0].ReadStatus })
}

// TestEngineTakesEveryBurstFrame floods the bus faster than the engine drains it.
func TestEngineTakesEveryBurstFrame(t *testing.T) {
	st := msgstore.New(0)
	b := bus.New()
	engine := NewEngine(st, &fakeAPI{}, &fakeRealtime{state: status.Connected}, nil, b, zap.NewNop())
	engine.SetSelf("me")
	engine.Start(context.Background())
	defer engine.Stop()

	const total = 1000
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < total; i++ {
		b.Publish(bus.Event{Kind: bus.KindRealtimeMessage, Payload: model.Message{
			ID:         fmt.Sprintf("b%d", i),
			SenderID:   "bob",
			ReceiverID: "me",
			Content:    "burst",
			CreatedAt:  model.FormatTimestamp(base.Add(time.Duration(i) * time.Millisecond)),
		}})
	}
	waitFor(t, "every burst frame stored", func() bool { return st.GetMessageCount("bob") == total })
	if n := b.Dropped(); n != 0 {
		t.Errorf("Dropped() = %d, want 0", n)
	}
}

// TestSendScenariosEndToEnd runs both send paths against the fake backend over a
// real socket.
func TestSendScenariosEndToEnd(t *testing.T) {
	srv := chattest.New(t)
	client := rest.New(srv.URL, nil)
	client.SetCredentials("tok", "me")

	b := bus.New()
	sess := transport.NewSession(transport.Options{URL: srv.WSURL()}, status.NewMachine(b), b, nil)
	defer sess.Disconnect()

	st := msgstore.New(0)
	e := NewEngine(st, client, sess, testDB(t), b, nil)
	e.SetSelf("me")
	e.Start(context.Background())
	defer e.Stop()

	ctx := context.Background()
	got, err := e.Send(ctx, "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	msgs := st.GetMessages("bob")
	if len(msgs) != 1 || msgs[0].ID != got.ID || msgs[0].LocalStatus != model.StatusSent {
		t.Fatalf("after REST send: %+v", msgs)
	}

	if err := sess.Connect(ctx, "tok", "me"); err != nil {
		t.Fatal(err)
	}
	bubble, err := e.Send(ctx, "bob", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !model.IsTemporaryID(bubble.ID) {
		t.Fatalf("connected send returned %+v, want the optimistic bubble", bubble)
	}

	waitFor(t, "echo to replace the bubble", func() bool {
		return st.PendingCount() == 0 && st.GetMessageCount("bob") == 2
	})
	for _, m := range st.GetMessages("bob") {
		if model.IsTemporaryID(m.ID) || m.LocalStatus != model.StatusSent {
			t.Errorf("leftover entry %+v", m)
		}
	}
	if len(srv.Messages()) != 2 {
		t.Errorf("server stored %d messages, want 2", len(srv.Messages()))
	}
}
