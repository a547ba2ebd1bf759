// Package chat is the conversation-scoped entry point for clients. It binds the
// message store, the realtime session and the sync engine, recovers messages missed
// while the socket was down, and turns internal failures into display errors.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/model"
	"github.com/campusline/chatsync/internal/msgstore"
	"github.com/campusline/chatsync/internal/rest"
	"github.com/campusline/chatsync/internal/session"
	"github.com/campusline/chatsync/internal/status"
	syncengine "github.com/campusline/chatsync/internal/sync"
	"github.com/campusline/chatsync/internal/transport"
	"github.com/campusline/chatsync/internal/upload"
	"go.uber.org/zap"
)

// Transport is the realtime session as seen by the facade.
type Transport interface {
	Connect(ctx context.Context, token, userID string) error
	Disconnect()
	State() status.State
	LastError() error
	SendTypingIndicator(receiverID string) error
}

// API is the REST surface the facade calls directly.
type API interface {
	SetCredentials(token, userID string)
	GetMessages(ctx context.Context, otherUserID string, page, limit int) (rest.HistoryPage, error)
	GetConversations(ctx context.Context) ([]model.Conversation, error)
	SendMessage(ctx context.Context, req rest.SendRequest) (model.Message, error)
}

// Cache persists the conversation list.
type Cache interface {
	ReplaceConversations(convs []model.Conversation) error
	ListConversations() ([]model.Conversation, error)
	EnsureOwner(userID string) (bool, error)
	DeleteAll() error
}

// Options tunes the facade. Zero values select the defaults.
type Options struct {
	TypingTTL       time.Duration // default 3s
	HistoryPageSize int           // default 50
}

// Deps are the facade's collaborators.
type Deps struct {
	Store     *msgstore.Store
	Engine    *syncengine.Engine
	Transport Transport
	API       API
	Cache     Cache
	Uploader  upload.Uploader
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Status is a snapshot of the session.
type Status struct {
	State               status.State
	LastError           string
	UserID              string
	ActiveConversations []string
	PendingSends        int
}

// Facade is the only component clients talk to.
type Facade struct {
	store     *msgstore.Store
	engine    *syncengine.Engine
	transport Transport
	api       API
	cache     Cache
	uploader  upload.Uploader
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options
	typing    *typingTracker

	mu     sync.Mutex
	creds  session.Credentials
	active map[string]bool
	// stale holds active conversations that may have missed realtime frames and
	// must be re-fetched on the next transition into CONNECTED, with the last message
	// confirmed before the gap opened.
	stale      map[string]recoveryPoint
	life       context.Context
	lifeCancel context.CancelFunc
	done       chan struct{}
	recovering sync.WaitGroup
}

// New creates a facade. Call Login before using it and Start to begin recovery
// and typing tracking.
func New(d Deps, opts Options) *Facade {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 3 * time.Second
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Uploader == nil {
		d.Uploader = upload.Disabled{}
	}
	return &Facade{
		store:     d.Store,
		engine:    d.Engine,
		transport: d.Transport,
		api:       d.API,
		cache:     d.Cache,
		uploader:  d.Uploader,
		bus:       d.Bus,
		logger:    d.Logger.Named("chat"),
		opts:      opts,
		typing:    newTypingTracker(opts.TypingTTL, d.Bus),
		active:    make(map[string]bool),
		stale:     make(map[string]recoveryPoint),
	}
}

// recoveryPoint is where gap recovery resumes. A nil last merges the whole page.
type recoveryPoint struct {
	last *model.Message
}

// markStaleLocked records key as needing recovery. The first cutoff wins: REST sends
// and realtime frames seen after the gap opened must not move it past missed messages.
func (f *Facade) markStaleLocked(key string) {
	if _, ok := f.stale[key]; ok {
		return
	}
	var rp recoveryPoint
	if last, ok := f.store.LastConfirmedMessage(key); ok {
		rp.last = &last
	}
	f.stale[key] = rp
}

// Login installs credentials on every collaborator. A cache filled for another
// user is wiped first.
func (f *Facade) Login(creds session.Credentials) error {
	if wiped, err := f.cache.EnsureOwner(creds.UserID); err != nil {
		return fmt.Errorf("check cache owner: %w", err)
	} else if wiped {
		f.logger.Info("cache belonged to another user, wiped")
	}
	f.mu.Lock()
	f.creds = creds
	f.mu.Unlock()
	f.api.SetCredentials(creds.Token, creds.UserID)
	f.engine.SetSelf(creds.UserID)
	return nil
}

func (f *Facade) credentials() (session.Credentials, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds, f.creds.Token != ""
}

// Start subscribes to connection state and realtime typing frames.
func (f *Facade) Start(ctx context.Context) {
	f.mu.Lock()
	if f.lifeCancel != nil {
		f.mu.Unlock()
		return
	}
	f.life, f.lifeCancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	life, done := f.life, f.done
	f.mu.Unlock()

	states, unsubStates := f.bus.Subscribe("transport.", 64)
	frames, unsubFrames := f.bus.Subscribe("rt.", 256)
	go func() {
		defer close(done)
		defer unsubStates()
		defer unsubFrames()
		for {
			select {
			case evt := <-states:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					f.onStateChange(life, change)
				}
			case evt := <-frames:
				f.onFrame(evt)
			case <-life.Done():
				return
			}
		}
	}()
}

// Stop ends the event loop and waits for in-flight recoveries.
func (f *Facade) Stop() {
	f.mu.Lock()
	cancel, done := f.lifeCancel, f.done
	f.lifeCancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.recovering.Wait()
	f.typing.reset()
}

func (f *Facade) onStateChange(ctx context.Context, change status.StatusChange) {
	f.mu.Lock()
	if change.From == status.Connected {
		for key := range f.active {
			f.markStaleLocked(key)
		}
	}
	var keys []string
	points := make(map[string]recoveryPoint)
	if change.To == status.Connected {
		for key, rp := range f.stale {
			if f.active[key] {
				keys = append(keys, key)
				points[key] = rp
			}
		}
		f.stale = make(map[string]recoveryPoint)
	}
	f.mu.Unlock()

	if change.To == status.Failed && change.Err != nil {
		f.logger.Warn("connection lost", zap.Error(change.Err))
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	f.recovering.Add(1)
	go func() {
		defer f.recovering.Done()
		for _, key := range keys {
			if ctx.Err() != nil {
				return
			}
			f.recover(ctx, key, points[key])
		}
	}()
}

// recover re-fetches the newest page of key and merges what is newer than the
// message confirmed before the gap.
func (f *Facade) recover(ctx context.Context, key string, rp recoveryPoint) {
	page, err := f.api.GetMessages(ctx, key, 1, f.opts.HistoryPageSize)
	if err != nil {
		if !isCancel(err) {
			f.logger.Warn("gap recovery failed", zap.String("conversation", key), zap.Error(err))
		}
		return
	}
	n := f.engine.MergeSince(key, rp.last, page.Messages)
	f.logger.Info("gap recovery", zap.String("conversation", key), zap.Int("merged", n))
}

func (f *Facade) onFrame(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRealtimeTyping:
		if sender, ok := evt.Payload.(string); ok {
			f.typing.touch(sender)
		}
	case bus.KindRealtimeMessage:
		if m, ok := evt.Payload.(model.Message); ok {
			f.typing.clear(m.SenderID)
		}
	}
}

// LoadMessagesAndConnect fetches one page of history with otherUserID, merges it
// into the store, then opens the socket if it is down. History is merged before the
// socket opens; anything delivered in between is fetched again once connected.
func (f *Facade) LoadMessagesAndConnect(ctx context.Context, otherUserID string, page, limit int) ([]model.Message, error) {
	creds, ok := f.credentials()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	if otherUserID == "" {
		return nil, &DisplayError{Message: "Pick a conversation first."}
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = f.opts.HistoryPageSize
	}

	f.mu.Lock()
	f.active[otherUserID] = true
	f.mu.Unlock()

	history, err := f.api.GetMessages(ctx, otherUserID, page, limit)
	if err != nil {
		return nil, display("Couldn't load messages.", err)
	}
	n := f.store.AddMessages(history.Messages, otherUserID)
	f.logger.Debug("history loaded", zap.String("conversation", otherUserID), zap.Int("new", n))

	if f.transport.State() != status.Connected {
		f.mu.Lock()
		f.markStaleLocked(otherUserID)
		f.mu.Unlock()
	}
	if f.transport.State() == status.Disconnected {
		// Connection problems surface as state changes, never as an error here.
		if err := f.transport.Connect(ctx, creds.Token, creds.UserID); err != nil {
			f.logger.Warn("connect failed", zap.Error(err))
		}
	}
	return f.store.GetMessages(otherUserID), nil
}

// CloseConversation stops tracking key for gap recovery. Its messages stay cached.
func (f *Facade) CloseConversation(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, key)
	delete(f.stale, key)
}

// Messages returns the cached messages of key.
func (f *Facade) Messages(key string) []model.Message {
	return f.store.GetMessages(key)
}

// SendMessage sends text to receiverID through the sync engine.
func (f *Facade) SendMessage(ctx context.Context, receiverID, content string) (model.Message, error) {
	if _, ok := f.credentials(); !ok {
		return model.Message{}, ErrNotLoggedIn
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, &DisplayError{Message: "Message is empty."}
	}
	if f.transport.State() != status.Connected {
		// The REST confirmation is newer than anything missed, so pin the cutoff
		// before it lands, ahead of the state change reaching the event loop.
		f.mu.Lock()
		if f.active[receiverID] {
			f.markStaleLocked(receiverID)
		}
		f.mu.Unlock()
	}
	m, err := f.engine.Send(ctx, receiverID, content)
	if err != nil {
		return m, display("Message not sent.", err)
	}
	return m, nil
}

// RetryMessage resends a failed message. The failed bubble is removed first.
func (f *Facade) RetryMessage(ctx context.Context, key, messageID string) (model.Message, error) {
	_, m, ok := f.store.FindMessage(messageID)
	if !ok || m.LocalStatus != model.StatusFailed {
		return model.Message{}, &DisplayError{Message: "Only failed messages can be resent."}
	}
	f.store.RemoveTemporaryMessage(messageID, key)
	return f.SendMessage(ctx, key, m.Content)
}

// SendImageMessage uploads an image and sends it over REST. There is no optimistic
// bubble: the message exists only once the server returns it.
func (f *Facade) SendImageMessage(ctx context.Context, receiverID, name string, data io.Reader, caption string) (model.Message, error) {
	if _, ok := f.credentials(); !ok {
		return model.Message{}, ErrNotLoggedIn
	}
	url, err := f.uploader.Upload(ctx, name, data)
	if err != nil {
		return model.Message{}, display("Couldn't upload the image.", err)
	}
	m, err := f.api.SendMessage(ctx, rest.SendRequest{ReceiverID: receiverID, Content: caption, ImageURL: url})
	if err != nil {
		return model.Message{}, display("Image not sent.", err)
	}
	f.engine.InsertConfirmed(m)
	m.LocalStatus = model.StatusSent
	return m, nil
}

// MarkAsRead marks one message read.
func (f *Facade) MarkAsRead(ctx context.Context, messageID, key string) error {
	return display("Couldn't update read status.", f.engine.MarkAsRead(ctx, messageID, key))
}

// MarkConversationAsRead marks every message in key read and announces it with a
// conversation.read event so list views can clear the badge.
func (f *Facade) MarkConversationAsRead(ctx context.Context, key string) error {
	err := f.engine.MarkConversationAsRead(ctx, key)
	f.bus.Publish(bus.Event{Kind: bus.KindConversationRead, Payload: key})
	return display("Couldn't update read status.", err)
}

// SendTypingIndicator tells receiverID the user is typing. It is dropped silently
// while the socket is down.
func (f *Facade) SendTypingIndicator(receiverID string) error {
	err := f.transport.SendTypingIndicator(receiverID)
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return display("Couldn't send typing indicator.", err)
}

// IsTyping reports whether userID is currently typing.
func (f *Facade) IsTyping(userID string) bool {
	return f.typing.active(userID)
}

// LoadConversations refreshes the conversation list from REST into the cache. When
// REST fails the cached list is returned if there is one.
func (f *Facade) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	if _, ok := f.credentials(); !ok {
		return nil, ErrNotLoggedIn
	}
	convs, err := f.api.GetConversations(ctx)
	if err != nil {
		if isCancel(err) {
			return nil, err
		}
		cached, cacheErr := f.cache.ListConversations()
		if cacheErr == nil && len(cached) > 0 {
			f.logger.Warn("conversation refresh failed, serving cache", zap.Error(err))
			return cached, nil
		}
		return nil, display("Couldn't load conversations.", err)
	}
	if err := f.cache.ReplaceConversations(convs); err != nil {
		f.logger.Warn("cache conversations failed", zap.Error(err))
		return convs, nil
	}
	return f.cache.ListConversations()
}

// Conversations returns the cached conversation list.
func (f *Facade) Conversations() ([]model.Conversation, error) {
	convs, err := f.cache.ListConversations()
	if err != nil {
		return nil, display("Couldn't read saved conversations.", err)
	}
	return convs, nil
}

// Logout disconnects and forgets everything cached for the user.
func (f *Facade) Logout() error {
	f.transport.Disconnect()
	f.typing.reset()
	f.store.ClearAll()

	f.mu.Lock()
	f.creds = session.Credentials{}
	f.active = make(map[string]bool)
	f.stale = make(map[string]recoveryPoint)
	f.mu.Unlock()

	f.api.SetCredentials("", "")
	f.engine.SetSelf("")
	if err := f.cache.DeleteAll(); err != nil {
		return display("Couldn't clear saved data.", err)
	}
	f.logger.Info("logged out")
	return nil
}

// Status returns a snapshot of the session.
func (f *Facade) Status() Status {
	f.mu.Lock()
	s := Status{UserID: f.creds.UserID}
	for key := range f.active {
		s.ActiveConversations = append(s.ActiveConversations, key)
	}
	f.mu.Unlock()
	sort.Strings(s.ActiveConversations)

	s.State = f.transport.State()
	if err := f.transport.LastError(); err != nil {
		s.LastError = err.Error()
	}
	s.PendingSends = f.store.PendingCount()
	return s
}
