package msgstore

import (
	"sort"
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/model"
)

// DefaultShadowWindow bounds how far apart an optimistic entry and its server copy may be.
const DefaultShadowWindow = 10 * time.Second

// Store is the in-memory message cache. It holds one ordered list per conversation,
// keyed by the counterpart's user id, plus the set of in-flight temporary messages.
// Every method takes the same lock, so mutations never interleave.
type Store struct {
	mu           sync.Mutex
	convs        map[string][]entry
	pending      map[string]model.TemporaryMessage
	shadowWindow time.Duration
}

type entry struct {
	msg    model.Message
	ts     time.Time
	parsed bool
}

func newEntry(m model.Message) entry {
	if m.LocalStatus == "" {
		m.LocalStatus = model.StatusSent
	}
	ts, ok := model.ParseTimestamp(m.CreatedAt)
	return entry{msg: m, ts: ts, parsed: ok}
}

// before orders by parsed timestamp. When either side does not parse, the raw
// strings are compared instead.
func (e entry) before(o entry) bool {
	if e.parsed && o.parsed {
		return e.ts.Before(o.ts)
	}
	return e.msg.CreatedAt < o.msg.CreatedAt
}

// New creates an empty store. A non-positive window selects DefaultShadowWindow.
func New(shadowWindow time.Duration) *Store {
	if shadowWindow <= 0 {
		shadowWindow = DefaultShadowWindow
	}
	return &Store{
		convs:        make(map[string][]entry),
		pending:      make(map[string]model.TemporaryMessage),
		shadowWindow: shadowWindow,
	}
}

// AddMessage inserts m into the conversation. It returns false without touching the
// list when an entry with the same id exists. A temporary entry that looks like the
// optimistic copy of m is dropped first.
func (s *Store) AddMessage(m model.Message, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(m, key)
}

// AddMessages applies AddMessage to each item and returns how many were net-new.
func (s *Store) AddMessages(msgs []model.Message, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if s.addLocked(m, key) {
			n++
		}
	}
	return n
}

func (s *Store) addLocked(m model.Message, key string) bool {
	list := s.convs[key]
	if indexOf(list, m.ID) >= 0 {
		return false
	}
	e := newEntry(m)
	if !model.IsTemporaryID(m.ID) {
		if i := s.shadowIndex(list, e); i >= 0 {
			delete(s.pending, list[i].msg.ID)
			list = append(list[:i], list[i+1:]...)
		}
	}
	list = append(list, e)
	sort.SliceStable(list, func(i, j int) bool { return list[i].before(list[j]) })
	s.convs[key] = list
	return true
}

// shadowIndex finds the optimistic entry matching e. Two distinct sends with the same
// content inside the window are indistinguishable here; the first match wins.
func (s *Store) shadowIndex(list []entry, e entry) int {
	for i, cur := range list {
		if !model.IsTemporaryID(cur.msg.ID) {
			continue
		}
		if cur.msg.SenderID != e.msg.SenderID || cur.msg.ReceiverID != e.msg.ReceiverID || cur.msg.Content != e.msg.Content {
			continue
		}
		if !cur.parsed || !e.parsed {
			continue
		}
		delta := e.ts.Sub(cur.ts)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.shadowWindow {
			return i
		}
	}
	return -1
}

func indexOf(list []entry, id string) int {
	for i, e := range list {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

// GetMessages returns a copy of the conversation in display order.
func (s *Store) GetMessages(key string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convs[key]
	out := make([]model.Message, len(list))
	for i, e := range list {
		out[i] = e.msg
	}
	return out
}

// GetLastMessage returns the newest message of the conversation.
func (s *Store) GetLastMessage(key string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convs[key]
	if len(list) == 0 {
		return model.Message{}, false
	}
	return list[len(list)-1].msg, true
}

// LastConfirmedMessage returns the newest message that carries a server id.
func (s *Store) LastConfirmedMessage(key string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convs[key]
	for i := len(list) - 1; i >= 0; i-- {
		if !model.IsTemporaryID(list[i].msg.ID) {
			return list[i].msg, true
		}
	}
	return model.Message{}, false
}

// GetMessageCount returns the number of visible messages in the conversation.
func (s *Store) GetMessageCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[key])
}

// Conversations returns the keys of every conversation holding at least one message.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.convs))
	for k, list := range s.convs {
		if len(list) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// FindMessage scans every conversation for id.
func (s *Store) FindMessage(id string) (key string, m model.Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, list := range s.convs {
		if i := indexOf(list, id); i >= 0 {
			return k, list[i].msg, true
		}
	}
	return "", model.Message{}, false
}

// UpdateReadStatus sets the read flag in place. It reports whether the flag changed.
func (s *Store) UpdateReadStatus(id, key string, read bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convs[key]
	i := indexOf(list, id)
	if i < 0 || list[i].msg.ReadStatus == read {
		return false
	}
	list[i].msg.ReadStatus = read
	return true
}

// MarkAllAsRead flips every unread entry of the conversation and returns the count.
func (s *Store) MarkAllAsRead(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.convs[key] {
		if !s.convs[key][i].msg.ReadStatus {
			s.convs[key][i].msg.ReadStatus = true
			n++
		}
	}
	return n
}

// UnreadFrom returns the ids of unread messages in the conversation sent by senderID.
func (s *Store) UnreadFrom(key, senderID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, e := range s.convs[key] {
		if !e.msg.ReadStatus && e.msg.SenderID == senderID {
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}

// UpdateLocalStatus sets the client-side delivery status of a message.
func (s *Store) UpdateLocalStatus(id, key string, status model.LocalStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convs[key]
	i := indexOf(list, id)
	if i < 0 {
		return false
	}
	list[i].msg.LocalStatus = status
	return true
}

// AddTemporaryMessage registers an in-flight send in the pending set.
func (s *Store) AddTemporaryMessage(t model.TemporaryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[t.TemporaryID] = t
}

// GetTemporaryMessage looks up an in-flight send.
func (s *Store) GetTemporaryMessage(id string) (model.TemporaryMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[id]
	return t, ok
}

// MatchPending returns the oldest in-flight send to key with the given content.
func (s *Store) MatchPending(key, content string) (model.TemporaryMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best model.TemporaryMessage
	found := false
	for _, t := range s.pending {
		if t.ReceiverID != key || t.Content != content {
			continue
		}
		if !found || t.Timestamp.Before(best.Timestamp) {
			best, found = t, true
		}
	}
	return best, found
}

// PendingCount returns the size of the pending set.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RemoveTemporaryMessage cancels an in-flight send: it leaves both the pending set
// and the visible list.
func (s *Store) RemoveTemporaryMessage(id, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	s.removeLocked(id, key)
}

// FailTemporaryMessage marks the optimistic entry failed and drops it from the
// pending set. The bubble stays visible so the user can retry.
func (s *Store) FailTemporaryMessage(id, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	list := s.convs[key]
	i := indexOf(list, id)
	if i < 0 {
		return false
	}
	list[i].msg.LocalStatus = model.StatusFailed
	return true
}

// ConfirmTemporaryMessage replaces the optimistic entry with the server copy in one
// step. Confirming an id twice is a no-op the second time.
func (s *Store) ConfirmTemporaryMessage(tempID string, confirmed model.Message, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tempID)
	s.removeLocked(tempID, key)
	confirmed.LocalStatus = model.StatusSent
	return s.addLocked(confirmed, key)
}

func (s *Store) removeLocked(id, key string) {
	list := s.convs[key]
	if i := indexOf(list, id); i >= 0 {
		s.convs[key] = append(list[:i], list[i+1:]...)
	}
}

// ClearMessages drops one conversation and its pending sends.
func (s *Store) ClearMessages(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, key)
	for id, t := range s.pending {
		if t.ReceiverID == key {
			delete(s.pending, id)
		}
	}
}

// ClearAll resets the store, used on logout.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[string][]entry)
	s.pending = make(map[string]model.TemporaryMessage)
}
