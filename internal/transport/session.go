package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/bus"
	"github.com/campusline/chatsync/internal/status"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by outbound operations while the socket is not CONNECTED.
// Frames are never buffered; callers fall back to REST.
var ErrNotConnected = errors.New("realtime session not connected")

// ErrClosed is returned when Disconnect tore the session down mid-operation.
var ErrClosed = errors.New("realtime session closed")

// Options configures a Session. Zero values select the defaults.
type Options struct {
	URL                  string
	HeartbeatInterval    time.Duration // default 30s
	ReadTimeout          time.Duration // default 3x heartbeat
	WriteTimeout         time.Duration // default 10s
	MaxReconnectAttempts int           // default 5
	Dialer               Dialer
	// Sleep waits between reconnect attempts. It must return early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * o.HeartbeatInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.Dialer == nil {
		o.Dialer = NewWebsocketDialer(15 * time.Second)
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Session owns one realtime connection. Inbound frames are published on the bus under
// "rt."; state changes go through the machine, which publishes transport.state_changed.
type Session struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu sync.Mutex
	// gen identifies the live connection attempt. Loops and dials holding an older
	// value must not touch the session.
	gen        uint64
	conn       Conn
	stopLoops  context.CancelFunc
	life       context.Context
	lifeCancel context.CancelFunc
	attempts   int
	token      string
	userID     string

	writeMu sync.Mutex
}

// NewSession creates a disconnected session.
func NewSession(opts Options, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Session {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		opts:    opts,
		machine: machine,
		bus:     b,
		logger:  logger.Named("transport"),
	}
}

// State returns the current connection state.
func (s *Session) State() status.State {
	return s.machine.Current()
}

// LastError returns the cause of the most recent failure.
func (s *Session) LastError() error {
	return s.machine.LastError()
}

// Attempts returns how many reconnects have been scheduled since the last healthy connection.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect opens the socket. It is a no-op unless the session is DISCONNECTED or
// RECONNECTING. A dial failure enters the reconnect cycle and is also returned.
func (s *Session) Connect(ctx context.Context, token, userID string) error {
	s.mu.Lock()
	switch s.machine.Current() {
	case status.Disconnected:
		s.life, s.lifeCancel = context.WithCancel(context.Background())
		s.attempts = 0
	case status.Reconnecting:
	default:
		s.mu.Unlock()
		return nil
	}
	s.token, s.userID = token, userID
	gen, err := s.beginLocked()
	life := s.life
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.dial(ctx, life, gen)
}

func (s *Session) beginLocked() (uint64, error) {
	if err := s.machine.Transition(status.Connecting); err != nil {
		return 0, err
	}
	s.gen++
	return s.gen, nil
}

func (s *Session) dial(ctx context.Context, life context.Context, gen uint64) error {
	s.mu.Lock()
	token, userID := s.token, s.userID
	s.mu.Unlock()

	s.logger.Info("connecting", zap.String("url", s.opts.URL))
	conn, err := s.opts.Dialer.Dial(ctx, s.opts.URL, authHeader(token, userID))
	if err != nil {
		if life.Err() != nil {
			return ErrClosed
		}
		s.fail(gen, fmt.Errorf("dial: %w", err))
		return fmt.Errorf("dial realtime: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen || life.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	loopCtx, stop := context.WithCancel(life)
	s.conn, s.stopLoops = conn, stop
	if err := s.machine.Transition(status.Connected); err != nil {
		s.logger.Warn("unexpected state on connect", zap.Error(err))
	}
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		s.markHealthy(gen)
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})
	go s.receiveLoop(loopCtx, gen, conn)
	go s.heartbeatLoop(loopCtx, gen, conn)
	s.logger.Info("connected")
	return nil
}

func (s *Session) receiveLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
		s.markHealthy(gen)

		evt, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		s.bus.Publish(evt)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, gen uint64, conn Conn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout))
		s.writeMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(gen, fmt.Errorf("ping: %w", err))
			return
		}
	}
}

func (s *Session) markHealthy(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.attempts = 0
	}
}

// fail runs failure handling for connection gen. Calls for a stale gen are ignored,
// so the receive and heartbeat loops may both report the same drop.
func (s *Session) fail(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.life == nil || s.life.Err() != nil {
		return
	}
	s.gen++
	s.teardownLocked(false)

	s.logger.Warn("connection failed", zap.Error(cause), zap.Int("attempts", s.attempts))
	if err := s.machine.Fail(cause); err != nil {
		s.logger.Warn("unexpected state on failure", zap.Error(err))
	}

	if s.attempts >= s.opts.MaxReconnectAttempts {
		s.logger.Warn("reconnect attempts exhausted", zap.Int("max", s.opts.MaxReconnectAttempts))
		s.lifeCancel()
		s.machine.Reset()
		return
	}
	s.attempts++
	delay := Backoff(s.attempts)
	if err := s.machine.Transition(status.Reconnecting); err != nil {
		s.logger.Warn("unexpected state on reconnect", zap.Error(err))
		return
	}
	s.logger.Info("reconnect scheduled", zap.Int("attempt", s.attempts), zap.Duration("delay", delay))
	go s.reconnect(s.life, delay)
}

func (s *Session) reconnect(life context.Context, delay time.Duration) {
	if err := s.opts.Sleep(life, delay); err != nil {
		return
	}
	s.mu.Lock()
	if life.Err() != nil || s.machine.Current() != status.Reconnecting {
		s.mu.Unlock()
		return
	}
	gen, err := s.beginLocked()
	s.mu.Unlock()
	if err != nil {
		return
	}
	_ = s.dial(life, life, gen)
}

// teardownLocked stops the loops before closing the socket so a loop woken by the
// close sees its context cancelled.
func (s *Session) teardownLocked(graceful bool) {
	if s.stopLoops != nil {
		s.stopLoops()
		s.stopLoops = nil
	}
	if s.conn == nil {
		return
	}
	if graceful {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
	}
	_ = s.conn.Close()
	s.conn = nil
}

// Disconnect cancels both loops and any scheduled reconnect, closes the socket and
// settles in DISCONNECTED, even mid-connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	s.gen++
	s.teardownLocked(true)
	s.machine.Reset()
}

// SendMessage sends a chat message frame.
func (s *Session) SendMessage(receiverID, content string) error {
	return s.send(outboundFrame{Type: FrameMessage, ReceiverID: receiverID, Content: content})
}

// SendTypingIndicator tells receiverID that the user is typing.
func (s *Session) SendTypingIndicator(receiverID string) error {
	return s.send(outboundFrame{Type: FrameTyping, ReceiverID: receiverID})
}

// MarkAsRead hints the other party that messageID was read.
func (s *Session) MarkAsRead(messageID string) error {
	return s.send(outboundFrame{Type: FrameMarkRead, MessageID: messageID})
}

// send writes one frame under the write deadline. A failed write leaves the gorilla
// connection unusable, so it fails the connection like a read error would.
func (s *Session) send(f outboundFrame) error {
	s.mu.Lock()
	conn, gen := s.conn, s.gen
	connected := s.machine.Current() == status.Connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	s.writeMu.Lock()
	err = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	s.writeMu.Unlock()
	if err != nil {
		s.fail(gen, fmt.Errorf("write: %w", err))
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
