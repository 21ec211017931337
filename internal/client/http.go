package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/identity"
)

// ErrNotFound matches errors for resources the server reports as missing.
var ErrNotFound = errors.New("not found")

// StatusError is a non-success response from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// Is makes 404 responses match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// HTTPClient talks to the REST surface on behalf of one tab.
// It is safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client

	mu           sync.RWMutex
	sessionID    string
	connectionID string
}

// Option configures the client.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *HTTPClient) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *HTTPClient) {
		client.httpClient.Timeout = d
	}
}

// WithSession presets the session identity.
func WithSession(sessionID string) Option {
	return func(client *HTTPClient) {
		client.sessionID = sessionID
	}
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// SessionID returns the session identity sent with every request.
func (c *HTTPClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ConnectionID returns the sync connection id sent as the sender identity.
func (c *HTTPClient) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// SetConnectionID records the id the sync channel was assigned.
func (c *HTTPClient) SetConnectionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionID = id
}

// ServerConfig is the subset of server settings exposed to clients.
type ServerConfig struct {
	Engine              string `json:"engine"`
	EventBufferSize     int    `json:"eventBufferSize"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

// IssueSession asks the server for a session id unless one is already set.
func (c *HTTPClient) IssueSession(ctx context.Context) (string, error) {
	if id := c.SessionID(); id != "" {
		return id, nil
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, "issue session", http.MethodPost, "/api/session", nil, &resp); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.mu.Unlock()
	return resp.SessionID, nil
}

// Config returns the server's client-facing settings.
func (c *HTTPClient) Config(ctx context.Context) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := c.do(ctx, "get config", http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListChats returns the session's chats.
func (c *HTTPClient) ListChats(ctx context.Context) ([]domain.Chat, error) {
	var chats []domain.Chat
	if err := c.do(ctx, "list chats", http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// CreateChat creates a chat; an empty title lets the server pick one.
func (c *HTTPClient) CreateChat(ctx context.Context, title string) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.do(ctx, "create chat", http.MethodPost, "/api/chats", map[string]string{"title": title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetChat returns one chat.
func (c *HTTPClient) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.do(ctx, "get chat", http.MethodGet, chatPath(chatID, ""), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// RenameChat sets a chat's title.
func (c *HTTPClient) RenameChat(ctx context.Context, chatID, title string) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.do(ctx, "rename chat", http.MethodPatch, chatPath(chatID, ""), map[string]string{"title": title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// DeleteChat deletes a chat and its messages.
func (c *HTTPClient) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, "delete chat", http.MethodDelete, chatPath(chatID, ""), nil, nil)
}

// ListMessages returns a chat's messages in creation order.
func (c *HTTPClient) ListMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error) {
	var msgs []domain.ChatMessage
	if err := c.do(ctx, "list messages", http.MethodGet, chatPath(chatID, "/messages"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AddMessage persists a message.
func (c *HTTPClient) AddMessage(ctx context.Context, chatID string, role domain.Role, content []domain.ContentBlock) (*domain.ChatMessage, error) {
	body := map[string]interface{}{"role": role, "content": content}
	var msg domain.ChatMessage
	if err := c.do(ctx, "add message", http.MethodPost, chatPath(chatID, "/messages"), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes one message.
func (c *HTTPClient) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return c.do(ctx, "delete message", http.MethodDelete, chatPath(chatID, "/messages/"+url.PathEscape(messageID)), nil, nil)
}

// DestroyAgent drops the chat's cached agent.
func (c *HTTPClient) DestroyAgent(ctx context.Context, chatID string) error {
	return c.do(ctx, "destroy agent", http.MethodDelete, chatPath(chatID, "/agent"), nil, nil)
}

// MarkPending defers the chat's agent destruction until its task ends. It
// reports whether the agent was marked.
func (c *HTTPClient) MarkPending(ctx context.Context, chatID string) (bool, error) {
	var resp struct {
		Pending bool `json:"pending"`
	}
	if err := c.do(ctx, "mark pending", http.MethodPost, chatPath(chatID, "/agent/pending"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Pending, nil
}

// CancelPending clears a deferred destruction.
func (c *HTTPClient) CancelPending(ctx context.Context, chatID string) error {
	return c.do(ctx, "cancel pending", http.MethodDelete, chatPath(chatID, "/agent/pending"), nil, nil)
}

// NotifyTaskStarted tells sibling tabs the chat is busy.
func (c *HTTPClient) NotifyTaskStarted(ctx context.Context, chatID string) error {
	return c.do(ctx, "notify task started", http.MethodPost, chatPath(chatID, "/task/started"), nil, nil)
}

// NotifyTaskEnded tells sibling tabs the chat is idle.
func (c *HTTPClient) NotifyTaskEnded(ctx context.Context, chatID string) error {
	return c.do(ctx, "notify task ended", http.MethodPost, chatPath(chatID, "/task/ended"), nil, nil)
}

// CancelTask asks the server to cancel the chat's task wherever it runs.
// The returned status is one of the server's remote cancel outcomes.
func (c *HTTPClient) CancelTask(ctx context.Context, chatID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "cancel task", http.MethodPost, chatPath(chatID, "/task/cancel"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// ActiveAgents returns the session's cached agents.
func (c *HTTPClient) ActiveAgents(ctx context.Context) ([]agent.AgentInfo, error) {
	var agents []agent.AgentInfo
	if err := c.do(ctx, "list agents", http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func chatPath(chatID, suffix string) string {
	return "/api/chats/" + url.PathEscape(chatID) + suffix
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setIdentity(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return fmt.Errorf("%s: %w", op, &StatusError{StatusCode: resp.StatusCode, Message: msg})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) setIdentity(h http.Header) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID != "" {
		h.Set(identity.SessionHeaderName, c.sessionID)
	}
	if c.connectionID != "" {
		h.Set(identity.ConnectionHeaderName, c.connectionID)
	}
}
