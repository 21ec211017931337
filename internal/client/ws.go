package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/coder/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsReadLimit fits an assistant message carrying large tool input.
	wsReadLimit = 4 << 20
)

// ErrMalformedFrame marks a frame that arrived intact but could not be
// decoded. The connection is still usable.
var ErrMalformedFrame = errors.New("malformed frame")

// TaskConn is one tab's view of a chat's task channel.
type TaskConn interface {
	Send(ctx context.Context, frame agent.ControlFrame) error
	Recv(ctx context.Context) (agent.Envelope, error)
	Close() error
}

// Dialer opens task channels. excludeMessageID names a persisted message
// to leave out of a newly created agent's history.
type Dialer interface {
	DialTask(ctx context.Context, chatID, excludeMessageID string) (TaskConn, error)
}

var (
	_ Dialer     = (*WSDialer)(nil)
	_ TaskConn   = (*wsTaskConn)(nil)
	_ API        = (*HTTPClient)(nil)
	_ SyncStream = (*SyncConn)(nil)
)

// WSDialer opens task channels over WebSocket with the identity of an
// HTTPClient.
type WSDialer struct {
	client *HTTPClient
}

// NewWSDialer returns a dialer that borrows c's base URL, session and
// connection id.
func NewWSDialer(c *HTTPClient) *WSDialer {
	return &WSDialer{client: c}
}

// DialTask connects to the chat's task channel.
func (d *WSDialer) DialTask(ctx context.Context, chatID, excludeMessageID string) (TaskConn, error) {
	q := url.Values{}
	if excludeMessageID != "" {
		q.Set("exclude_message_id", excludeMessageID)
	}
	ws, err := d.client.dial(ctx, "/ws/chats/"+url.PathEscape(chatID)+"/task", q)
	if err != nil {
		return nil, fmt.Errorf("dial task channel: %w", err)
	}
	return &wsTaskConn{ws: ws}, nil
}

type wsTaskConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *wsTaskConn) Send(ctx context.Context, frame agent.ControlFrame) error {
	return writeJSON(ctx, c.ws, frame)
}

func (c *wsTaskConn) Recv(ctx context.Context) (agent.Envelope, error) {
	var env agent.Envelope
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return env, nil
}

func (c *wsTaskConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// SyncConn is a tab's session-wide sync channel.
type SyncConn struct {
	ws           *websocket.Conn
	connectionID string
	closeOnce    sync.Once
}

// ConnectSync opens the sync channel, waits for the connected frame and
// adopts the assigned connection id as this client's sender identity.
func (c *HTTPClient) ConnectSync(ctx context.Context) (*SyncConn, error) {
	ws, err := c.dial(ctx, "/ws/sync", nil)
	if err != nil {
		return nil, fmt.Errorf("dial sync channel: %w", err)
	}
	sc := &SyncConn{ws: ws}

	ev, err := sc.Recv(ctx)
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("sync handshake: %w", err)
	}
	connected, ok := ev.(broadcast.Connected)
	if !ok {
		_ = sc.Close()
		return nil, fmt.Errorf("sync handshake: unexpected %s frame", ev.Type())
	}
	sc.connectionID = connected.ConnectionID
	c.SetConnectionID(connected.ConnectionID)
	return sc, nil
}

// ConnectionID returns the id the server assigned to this connection.
func (s *SyncConn) ConnectionID() string {
	return s.connectionID
}

// Recv blocks for the next sync event.
func (s *SyncConn) Recv(ctx context.Context) (broadcast.Event, error) {
	_, data, err := s.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := broadcast.DecodeEvent(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return ev, nil
}

// Ping asks the server for a pong frame.
func (s *SyncConn) Ping(ctx context.Context) error {
	return writeJSON(ctx, s.ws, map[string]string{"type": "ping"})
}

// Close closes the connection.
func (s *SyncConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// dial opens a WebSocket to path on the server with this client's identity.
func (c *HTTPClient) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path
	u.RawQuery = q.Encode()

	header := http.Header{}
	c.setIdentity(header)
	// The socket outlives any request timeout; ctx bounds the handshake.
	hc := *c.httpClient
	hc.Timeout = 0
	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(wsReadLimit)
	return ws, nil
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
