package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/campusline/chatsync/internal/model"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api error: %d %s", e.Status, e.Message)
}

// Pagination describes one page of history.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// HistoryPage is the body of GET /chat/messages/{otherUserId}.
type HistoryPage struct {
	Messages   []model.Message `json:"messages"`
	Pagination Pagination      `json:"pagination"`
}

// SendRequest is the body of POST /chat/messages.
type SendRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

// Client talks to the chat REST API. Every request carries the bearer token and the
// X-User-ID header.
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.RWMutex
	token  string
	userID string
}

// New creates a client for baseURL. A nil httpClient selects one with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetCredentials replaces the credentials presented on subsequent requests.
func (c *Client) SetCredentials(token, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token, c.userID = token, userID
}

// SendMessage posts a message and returns the server's canonical copy.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	var m model.Message
	if err := c.do(ctx, http.MethodPost, "/chat/messages", req, &m); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// GetMessages fetches one page of history with otherUserID.
func (c *Client) GetMessages(ctx context.Context, otherUserID string, page, limit int) (HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var h HistoryPage
	path := "/chat/messages/" + url.PathEscape(otherUserID) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &h); err != nil {
		return HistoryPage{}, err
	}
	return h, nil
}

// GetConversations lists the user's conversations.
func (c *Client) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// MarkMessageRead records messageID as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/chat/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// MarkConversationRead records every message from otherUserID as read.
func (c *Client) MarkConversationRead(ctx context.Context, otherUserID string) error {
	return c.do(ctx, http.MethodPut, "/chat/conversations/"+url.PathEscape(otherUserID)+"/read", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(payload)}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, req.URL.Path, err)
	}
	return nil
}

// errorMessage pulls a message out of {"error": ...} or {"message": ...} bodies.
func errorMessage(payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(payload))
}
