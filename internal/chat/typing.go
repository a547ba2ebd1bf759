package chat

import (
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/bus"
)

// typingTracker expires typing indicators ttl after the last typing frame.
type typingTracker struct {
	ttl time.Duration
	bus *bus.Bus

	mu     sync.Mutex
	seq    uint64
	timers map[string]typingTimer
}

type typingTimer struct {
	timer *time.Timer
	seq   uint64
}

func newTypingTracker(ttl time.Duration, b *bus.Bus) *typingTracker {
	return &typingTracker{ttl: ttl, bus: b, timers: make(map[string]typingTimer)}
}

// touch marks userID typing and restarts its expiry.
func (t *typingTracker) touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[userID]; ok {
		cur.timer.Stop()
	} else {
		t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: bus.Typing{UserID: userID, Active: true}})
	}
	t.seq++
	seq := t.seq
	t.timers[userID] = typingTimer{timer: time.AfterFunc(t.ttl, func() { t.expire(userID, seq) }), seq: seq}
}

func (t *typingTracker) expire(userID string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A later touch replaced the timer; that one owns the expiry.
	if cur, ok := t.timers[userID]; !ok || cur.seq != seq {
		return
	}
	delete(t.timers, userID)
	t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: bus.Typing{UserID: userID, Active: false}})
}

// clear ends userID's indicator now, used when their message arrives.
func (t *typingTracker) clear(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.timers[userID]
	if !ok {
		return
	}
	cur.timer.Stop()
	delete(t.timers, userID)
	t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: bus.Typing{UserID: userID, Active: false}})
}

func (t *typingTracker) active(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[userID]
	return ok
}

func (t *typingTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cur := range t.timers {
		cur.timer.Stop()
		delete(t.timers, id)
	}
}
