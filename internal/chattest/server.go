// Package chattest runs an in-process chat backend for tests: the REST endpoints on a
// chi router and the realtime socket on a gorilla upgrader.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campusline/chatsync/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Server is a fake backend. Messages posted over REST or the socket get ids "srv-N".
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	nextID        int
	messages      []model.Message
	conversations []model.Conversation
	readMessages  []string
	readConvs     []string
	socketFrames  []map[string]any
	authHeaders   []string
	sockets       map[*socket]struct{}
	sendStatus    int
	echo          bool
	clock         time.Time
}

type socket struct {
	userID string
	mu     sync.Mutex
	conn   *websocket.Conn
}

func (s *socket) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// New starts a backend that is closed when the test ends. Socket sends are echoed
// back to the sender unless SetEcho(false) is called.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		sockets: make(map[*socket]struct{}),
		echo:    true,
		clock:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	r := chi.NewRouter()
	r.Use(s.recordAuth)
	r.Route("/chat", func(r chi.Router) {
		r.Post("/messages", s.handleSend)
		r.Get("/messages/{otherUserId}", s.handleHistory)
		r.Put("/messages/{id}/read", s.handleMarkRead)
		r.Get("/conversations", s.handleConversations)
		r.Put("/conversations/{otherUserId}/read", s.handleMarkConversationRead)
	})
	r.Get("/ws", s.handleSocket)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the realtime endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.DropSockets()
	s.Server.Close()
}

// SetSendStatus makes POST /chat/messages answer with status. Zero restores success.
func (s *Server) SetSendStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendStatus = status
}

// SetEcho controls whether socket message frames are delivered back to the sender.
func (s *Server) SetEcho(echo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = echo
}

// SetConversations replaces the conversation list.
func (s *Server) SetConversations(convs []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]model.Conversation(nil), convs...)
}

// Seed stores a message without delivering it. Messages with an empty id get one.
func (s *Server) Seed(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = s.newIDLocked()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = s.tickLocked()
	}
	s.messages = append(s.messages, m)
	return m
}

// Deliver stores a message and pushes it to every socket of its receiver.
func (s *Server) Deliver(m model.Message) model.Message {
	m = s.Seed(m)
	s.push(m.ReceiverID, map[string]any{"type": "message", "message": m})
	return m
}

// PushFrame writes a raw frame to every socket of userID.
func (s *Server) PushFrame(userID string, frame any) {
	s.push(userID, frame)
}

// DropSockets closes every open socket without a close handshake.
func (s *Server) DropSockets() {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.sockets = make(map[*socket]struct{})
	s.mu.Unlock()
	for _, sock := range socks {
		_ = sock.conn.Close()
	}
}

// SocketCount returns the number of open sockets.
func (s *Server) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Messages returns everything the server stored.
func (s *Server) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// ReadMessages returns the ids passed to PUT /chat/messages/{id}/read.
func (s *Server) ReadMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.readMessages...)
}

// ReadConversations returns the ids passed to PUT /chat/conversations/{id}/read.
func (s *Server) ReadConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.readConvs...)
}

// SocketFrames returns every frame received over sockets, decoded.
func (s *Server) SocketFrames() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.socketFrames...)
}

// AuthHeaders returns the Authorization header of every request, in order.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

// Timestamp returns the wire form of the server clock advanced by d. The clock starts
// at 2024-03-01T12:00:00Z and moves one second per stored message.
func (s *Server) Timestamp(d time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.FormatTimestamp(s.clock.Add(d))
}

func (s *Server) newIDLocked() string {
	s.nextID++
	return "srv-" + strconv.Itoa(s.nextID)
}

func (s *Server) tickLocked() string {
	s.clock = s.clock.Add(time.Second)
	return model.FormatTimestamp(s.clock)
}

func (s *Server) store(senderID, receiverID, content, imageURL string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.Message{
		ID:         s.newIDLocked(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		ImageURL:   imageURL,
		CreatedAt:  s.tickLocked(),
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) push(userID string, frame any) {
	s.mu.Lock()
	var targets []*socket
	for sock := range s.sockets {
		if sock.userID == userID {
			targets = append(targets, sock)
		}
	}
	s.mu.Unlock()
	for _, sock := range targets {
		_ = sock.writeJSON(frame)
	}
}

func (s *Server) recordAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
		s.mu.Unlock()
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") || r.Header.Get("X-User-ID") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
		ImageURL   string `json:"imageUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}
	s.mu.Lock()
	status := s.sendStatus
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "send rejected"})
		return
	}
	m := s.store(r.Header.Get("X-User-ID"), req.ReceiverID, req.Content, req.ImageURL)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	self := r.Header.Get("X-User-ID")
	other := chi.URLParam(r, "otherUserId")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	s.mu.Lock()
	var conv []model.Message
	for _, m := range s.messages {
		if (m.SenderID == self && m.ReceiverID == other) || (m.SenderID == other && m.ReceiverID == self) {
			conv = append(conv, m)
		}
	}
	s.mu.Unlock()

	// Page 1 is the newest slice, returned newest first as the real API does.
	sort.SliceStable(conv, func(i, j int) bool { return conv[i].CreatedAt > conv[j].CreatedAt })
	start := min((page-1)*limit, len(conv))
	end := min(start+limit, len(conv))
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": conv[start:end],
		"pagination": map[string]any{
			"page": page, "limit": limit, "total": len(conv), "hasMore": end < len(conv),
		},
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readMessages = append(s.readMessages, id)
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].ReadStatus = true
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	convs := append([]model.Conversation{}, s.conversations...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	other := chi.URLParam(r, "otherUserId")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readConvs = append(s.readConvs, other)
	for i := range s.conversations {
		if s.conversations[i].UserID == other {
			s.conversations[i].UnreadCount = 0
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sock := &socket{userID: r.Header.Get("X-User-ID"), conn: conn}
	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := sock.writeJSON(map[string]string{"type": "connected"}); err != nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = sock.writeJSON(map[string]string{"type": "error", "error": "bad frame"})
			continue
		}
		s.mu.Lock()
		s.socketFrames = append(s.socketFrames, frame)
		echo := s.echo
		s.mu.Unlock()

		switch frame["type"] {
		case "message":
			receiver, _ := frame["receiverId"].(string)
			content, _ := frame["content"].(string)
			m := s.store(sock.userID, receiver, content, "")
			out := map[string]any{"type": "message", "message": m}
			if echo {
				s.push(sock.userID, out)
			}
			s.push(receiver, out)
		case "typing":
			receiver, _ := frame["receiverId"].(string)
			s.push(receiver, map[string]string{"type": "typing", "senderId": sock.userID})
		case "markRead":
			id, _ := frame["messageId"].(string)
			s.markReadFromSocket(id)
		default:
			_ = sock.writeJSON(map[string]string{"type": "error", "error": fmt.Sprintf("unknown type %v", frame["type"])})
		}
	}
}

func (s *Server) markReadFromSocket(id string) {
	s.mu.Lock()
	var sender string
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].ReadStatus = true
			sender = s.messages[i].SenderID
		}
	}
	s.mu.Unlock()
	if sender != "" {
		s.push(sender, map[string]string{"type": "readReceipt", "messageId": id})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
