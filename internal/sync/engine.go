package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/model"
	"github.com/campusline/chatsync/internal/msgstore"
	"github.com/campusline/chatsync/internal/rest"
	"github.com/campusline/chatsync/internal/status"
	"go.uber.org/zap"
)

// MessageAPI is the REST surface the engine needs.
type MessageAPI interface {
	SendMessage(ctx context.Context, req rest.SendRequest) (model.Message, error)
	MarkMessageRead(ctx context.Context, messageID string) error
	MarkConversationRead(ctx context.Context, otherUserID string) error
}

// Realtime is the socket surface the engine needs.
type Realtime interface {
	State() status.State
	SendMessage(receiverID, content string) error
	MarkAsRead(messageID string) error
}

// UnreadStore persists per-conversation unread badges.
type UnreadStore interface {
	AdjustUnread(userID string, delta int) (int, error)
	SetUnread(userID string, count int) error
	UpdateLastMessage(userID string, m model.Message) error
}

// SendError reports a send that reached a terminal failure. The optimistic bubble
// stays in the store with status failed.
type SendError struct {
	TemporaryID string
	ReceiverID  string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ReceiverID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Engine reconciles optimistic sends, REST confirmations and realtime deliveries
// into the message store. It subscribes to "rt.*" events on the bus.
type Engine struct {
	store  *msgstore.Store
	api    MessageAPI
	rt     Realtime
	unread UnreadStore
	bus    *bus.Bus
	logger *zap.Logger

	mu     gosync.RWMutex
	selfID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a sync engine. unread may be nil.
func NewEngine(st *msgstore.Store, api MessageAPI, rt Realtime, unread UnreadStore, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		api:    api,
		rt:     rt,
		unread: unread,
		bus:    b,
		logger: logger.Named("sync"),
	}
}

// SetSelf sets the logged-in user id used to key conversations.
func (e *Engine) SetSelf(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selfID = userID
}

func (e *Engine) self() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selfID
}

// Start subscribes to realtime frames on the bus. The subscription is blocking, so a
// burst of frames slows the receive loop instead of losing messages.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	ch, unsub := e.bus.SubscribeBlocking("rt.", 256)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRealtimeMessage:
		if m, ok := evt.Payload.(model.Message); ok {
			e.HandleInbound(m)
		}
	case bus.KindRealtimeReadReceipt:
		if id, ok := evt.Payload.(string); ok {
			e.HandleReadReceipt(id)
		}
	case bus.KindRealtimeUnreadCount:
		if n, ok := evt.Payload.(int); ok {
			e.publish(bus.KindConversationUnreadTotal, n)
		}
	case bus.KindRealtimeError:
		e.logger.Warn("server reported error", zap.Any("error", evt.Payload))
	}
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}

// Send inserts an optimistic bubble and delivers content to receiverID: over the
// socket when connected, otherwise over REST. A socket send is confirmed later by
// the server echo. The returned message is the server copy after a REST send, or
// the bubble otherwise.
func (e *Engine) Send(ctx context.Context, receiverID, content string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	self := e.self()
	temp := model.NewTemporaryMessage(receiverID, content)
	bubble := temp.AsMessage(self)
	e.store.AddTemporaryMessage(temp)
	e.store.AddMessage(bubble, receiverID)
	e.publish(bus.KindMessageUpserted, bus.MessageRef{ConversationKey: receiverID, MessageID: bubble.ID, TemporaryID: temp.TemporaryID})

	if e.rt.State() == status.Connected {
		err := e.rt.SendMessage(receiverID, content)
		if err == nil {
			e.logger.Debug("sent over socket", zap.String("temp_id", temp.TemporaryID))
			return bubble, nil
		}
		e.logger.Info("socket send failed, falling back to REST", zap.Error(err))
	}

	confirmed, err := e.api.SendMessage(ctx, rest.SendRequest{ReceiverID: receiverID, Content: content})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Neither success nor failure: the bubble stays pending.
			e.logger.Debug("send cancelled", zap.String("temp_id", temp.TemporaryID))
			if ctxErr := ctx.Err(); ctxErr != nil {
				return bubble, ctxErr
			}
			return bubble, err
		}
		e.store.FailTemporaryMessage(temp.TemporaryID, receiverID)
		e.logger.Error("send failed", zap.Error(err), zap.String("temp_id", temp.TemporaryID))
		e.publish(bus.KindMessageSendFailed, bus.SendFailure{ConversationKey: receiverID, TemporaryID: temp.TemporaryID, Error: err.Error()})
		bubble.LocalStatus = model.StatusFailed
		return bubble, &SendError{TemporaryID: temp.TemporaryID, ReceiverID: receiverID, Err: err}
	}

	e.confirm(temp.TemporaryID, confirmed, receiverID)
	confirmed.LocalStatus = model.StatusSent
	return confirmed, nil
}

func (e *Engine) confirm(tempID string, m model.Message, key string) {
	e.store.ConfirmTemporaryMessage(tempID, m, key)
	e.logger.Info("message confirmed", zap.String("temp_id", tempID), zap.String("msg_id", m.ID))
	e.publish(bus.KindMessageSendAck, bus.MessageRef{ConversationKey: key, MessageID: m.ID, TemporaryID: tempID})
	e.touchLast(key, m)
}

// InsertConfirmed stores a message the server already accepted, with no optimistic
// stage. Used for image sends.
func (e *Engine) InsertConfirmed(m model.Message) bool {
	key := model.ConversationKey(m, e.self())
	m.LocalStatus = model.StatusSent
	if !e.store.AddMessage(m, key) {
		return false
	}
	e.publish(bus.KindMessageUpserted, bus.MessageRef{ConversationKey: key, MessageID: m.ID})
	e.touchLast(key, m)
	return true
}

// HandleInbound reconciles one message delivered over the socket. An echo of the
// user's own send confirms the oldest pending entry with the same content; anything
// else is inserted, where the store's shadow match and id dedupe apply.
func (e *Engine) HandleInbound(m model.Message) {
	self := e.self()
	key := model.ConversationKey(m, self)
	if key == "" {
		e.logger.Warn("dropping message without participants", zap.String("msg_id", m.ID))
		return
	}

	if m.SenderID == self {
		if t, ok := e.store.MatchPending(key, m.Content); ok {
			e.confirm(t.TemporaryID, m, key)
			return
		}
	}

	if !e.store.AddMessage(m, key) {
		e.logger.Debug("duplicate message", zap.String("msg_id", m.ID))
		return
	}
	e.publish(bus.KindMessageUpserted, bus.MessageRef{ConversationKey: key, MessageID: m.ID})
	e.touchLast(key, m)
	if m.SenderID != self && !m.ReadStatus {
		e.adjustUnread(key, 1)
	}
}

// MergeNewer merges the part of a fetched page that is strictly newer than the last
// confirmed message of the conversation and returns how many were added.
func (e *Engine) MergeNewer(key string, fetched []model.Message) int {
	if last, ok := e.store.LastConfirmedMessage(key); ok {
		return e.MergeSince(key, &last, fetched)
	}
	return e.MergeSince(key, nil, fetched)
}

// MergeSince merges the part of a fetched page that is strictly newer than since and
// returns how many were added. A nil since merges the whole page. Messages already
// held are skipped by id, so an early cutoff only costs duplicate checks.
func (e *Engine) MergeSince(key string, since *model.Message, fetched []model.Message) int {
	delta := fetched
	if since != nil {
		delta = newerThan(*since, fetched)
	}
	self := e.self()
	added := 0
	unread := 0
	for _, m := range delta {
		if !e.store.AddMessage(m, key) {
			continue
		}
		added++
		e.publish(bus.KindMessageUpserted, bus.MessageRef{ConversationKey: key, MessageID: m.ID})
		e.touchLast(key, m)
		if m.SenderID != self && !m.ReadStatus {
			unread++
		}
	}
	if unread > 0 {
		e.adjustUnread(key, unread)
	}
	return added
}

func newerThan(last model.Message, fetched []model.Message) []model.Message {
	lastTS, lastOK := model.ParseTimestamp(last.CreatedAt)
	var out []model.Message
	for _, m := range fetched {
		ts, ok := model.ParseTimestamp(m.CreatedAt)
		if ok && lastOK {
			if ts.After(lastTS) {
				out = append(out, m)
			}
			continue
		}
		if m.CreatedAt > last.CreatedAt {
			out = append(out, m)
		}
	}
	return out
}

// MarkAsRead marks one message read locally, then hints the sender over the socket
// when connected, then records it over REST. REST is called even for a message the
// store does not hold.
func (e *Engine) MarkAsRead(ctx context.Context, messageID, key string) error {
	if foundKey, m, ok := e.store.FindMessage(messageID); ok {
		if key == "" {
			key = foundKey
		}
		if e.store.UpdateReadStatus(messageID, key, true) {
			e.publish(bus.KindMessageRead, bus.MessageRef{ConversationKey: key, MessageID: messageID})
			if m.SenderID != e.self() {
				e.adjustUnread(key, -1)
			}
		}
	} else {
		e.logger.Debug("marking unknown message read", zap.String("msg_id", messageID))
	}
	if model.IsTemporaryID(messageID) {
		return nil
	}

	if e.rt.State() == status.Connected {
		if err := e.rt.MarkAsRead(messageID); err != nil {
			e.logger.Debug("socket read hint dropped", zap.Error(err))
		}
	}
	if err := e.api.MarkMessageRead(ctx, messageID); err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	return nil
}

// MarkConversationAsRead marks every message in key read locally, zeroes the badge,
// hints the counterpart about each of their unread messages, then records it over REST.
func (e *Engine) MarkConversationAsRead(ctx context.Context, key string) error {
	hints := e.store.UnreadFrom(key, key)
	if n := e.store.MarkAllAsRead(key); n > 0 {
		e.logger.Debug("marked conversation read", zap.String("conversation", key), zap.Int("count", n))
	}
	e.setUnread(key, 0)

	if e.rt.State() == status.Connected {
		for _, id := range hints {
			if err := e.rt.MarkAsRead(id); err != nil {
				e.logger.Debug("socket read hint dropped", zap.Error(err))
				break
			}
		}
	}
	if err := e.api.MarkConversationRead(ctx, key); err != nil {
		return fmt.Errorf("mark conversation %s read: %w", key, err)
	}
	return nil
}

// HandleReadReceipt applies a read receipt from the socket. The owning conversation
// is found by scanning the store; unknown ids are dropped.
func (e *Engine) HandleReadReceipt(messageID string) {
	key, m, ok := e.store.FindMessage(messageID)
	if !ok {
		e.logger.Debug("read receipt for unknown message", zap.String("msg_id", messageID))
		return
	}
	if !e.store.UpdateReadStatus(messageID, key, true) {
		return
	}
	e.publish(bus.KindMessageRead, bus.MessageRef{ConversationKey: key, MessageID: messageID})
	if m.SenderID != e.self() {
		e.adjustUnread(key, -1)
	}
}

func (e *Engine) adjustUnread(key string, delta int) {
	if e.unread == nil {
		return
	}
	n, err := e.unread.AdjustUnread(key, delta)
	if err != nil {
		e.logger.Warn("adjust unread failed", zap.Error(err), zap.String("conversation", key))
		return
	}
	e.publish(bus.KindConversationUnreadChanged, bus.UnreadChange{ConversationKey: key, UnreadCount: n})
}

func (e *Engine) setUnread(key string, n int) {
	if e.unread == nil {
		return
	}
	if err := e.unread.SetUnread(key, n); err != nil {
		e.logger.Warn("set unread failed", zap.Error(err), zap.String("conversation", key))
		return
	}
	e.publish(bus.KindConversationUnreadChanged, bus.UnreadChange{ConversationKey: key, UnreadCount: n})
}

func (e *Engine) touchLast(key string, m model.Message) {
	if e.unread == nil {
		return
	}
	if err := e.unread.UpdateLastMessage(key, m); err != nil {
		e.logger.Warn("update last message failed", zap.Error(err), zap.String("conversation", key))
	}
}
