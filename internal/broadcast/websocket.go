package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const writeTimeout = 10 * time.Second

// Handler serves the session-scoped sync WebSocket.
type Handler struct {
	registry       *Registry
	pingInterval   time.Duration
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a sync WebSocket handler. originPatterns is passed to
// websocket.Accept; nil accepts same-origin only.
func NewHandler(registry *Registry, pingInterval time.Duration, originPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Handler{
		registry:       registry,
		pingInterval:   pingInterval,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

type clientFrame struct {
	Type string `json:"type"`
}

// ServeHTTP upgrades the request and pumps the connection's queue to the socket
// until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, `{"error":"session id required"}`, http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Error("Failed to accept sync WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "sync closed"); closeErr != nil {
			h.logger.Debug("Failed to close sync websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	conn := h.registry.Register(sessionID)
	defer h.registry.Unregister(sessionID, conn.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.writeLoop(ctx, ws, conn)
	})
	g.Go(func() error {
		defer cancel()
		return h.readLoop(ctx, ws, conn)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		h.logger.Debug("Sync connection ended", "error", err, "session_id", sessionID, "conn_id", conn.ID())
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return nil
		case data := <-conn.Outbound():
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug("Ignoring malformed sync frame", "conn_id", conn.ID(), "error", err)
			continue
		}
		if frame.Type == "ping" {
			if pong, err := EncodeEvent(Pong{}); err == nil {
				if err := conn.enqueue(pong); err != nil {
					h.logger.Debug("Failed to queue pong", "conn_id", conn.ID(), "error", err)
				}
			}
		}
	}
}
