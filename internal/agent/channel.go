package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const (
	channelWriteTimeout = 10 * time.Second
	maxControlFrameSize = 1 << 20
)

// ChannelHandler serves the per-chat task channel WebSocket.
type ChannelHandler struct {
	manager        *Manager
	heartbeat      time.Duration
	originPatterns []string
	logger         *slog.Logger
}

// NewChannelHandler creates a task channel handler. The chat id is read from
// the "chatID" route parameter.
func NewChannelHandler(manager *Manager, heartbeat time.Duration, originPatterns []string, logger *slog.Logger) *ChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &ChannelHandler{
		manager:        manager,
		heartbeat:      heartbeat,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

type subscription struct {
	missed []Envelope
	events <-chan Envelope
	detach func()
}

// taskChannel is one open task channel socket.
type taskChannel struct {
	h       *ChannelHandler
	ws      *websocket.Conn
	entry   *Entry
	connID  string
	logger  *slog.Logger
	attach  chan subscription
	replies chan Envelope
}

// ServeHTTP upgrades the request, resolves the chat's agent and relays
// control frames and task events until either side closes.
func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if sessionID == "" || chatID == "" {
		http.Error(w, `{"error":"session id and chat id required"}`, http.StatusBadRequest)
		return
	}
	excludeMessageID := r.URL.Query().Get("exclude_message_id")
	connID := identity.ConnectionIDFromContext(r.Context())
	logger := h.logger.With("chat_id", chatID, "session_id", sessionID)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		logger.Error("Failed to accept task WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxControlFrameSize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "task channel closed"); closeErr != nil {
			logger.Debug("Failed to close task websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.manager.CleanupPendingAgents()
	entry, err := h.manager.GetOrCreate(ctx, chatID, sessionID, excludeMessageID)
	if err != nil {
		msg := "failed to create agent"
		if errors.Is(err, store.ErrNotFound) {
			msg = "chat not found"
		}
		logger.Warn("Task channel agent unavailable", "error", err)
		_ = writeEnvelope(ctx, ws, Envelope{Event: TaskError{Message: msg}})
		return
	}

	tc := &taskChannel{
		h:       h,
		ws:      ws,
		entry:   entry,
		connID:  connID,
		logger:  logger,
		attach:  make(chan subscription, 1),
		replies: make(chan Envelope, 16),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return tc.writeLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return tc.readLoop(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		logger.Debug("Task channel ended", "error", err)
	}
}

func (tc *taskChannel) readLoop(ctx context.Context) error {
	for {
		_, data, err := tc.ws.Read(ctx)
		if err != nil {
			return err
		}
		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			tc.reply(ctx, "invalid control frame")
			continue
		}
		if err := tc.handle(ctx, frame); err != nil {
			tc.reply(ctx, err.Error())
		}
	}
}

func (tc *taskChannel) handle(ctx context.Context, frame ControlFrame) error {
	binding := tc.entry.Binding
	chatID := tc.entry.ChatID

	switch frame.Action {
	case ActionStartTask:
		if frame.Text == "" {
			return errors.New("text is required")
		}
		missed, events, detach := binding.Attach(binding.LastSeq())
		if err := binding.Start(TaskRequest{Text: frame.Text, MessageID: frame.MessageID}); err != nil {
			detach()
			return err
		}
		if tc.connID != "" {
			tc.h.manager.RegisterTaskHandler(chatID, tc.connID)
		}
		return tc.subscribe(ctx, subscription{missed: missed, events: events, detach: detach})

	case ActionResumeTask:
		missed, events, detach, running := binding.Resume(frame.LastSeq)
		if tc.connID != "" && running {
			tc.h.manager.RegisterTaskHandler(chatID, tc.connID)
		}
		return tc.subscribe(ctx, subscription{missed: missed, events: events, detach: detach})

	case ActionCancelTask:
		reason := frame.Reason
		if reason == "" {
			reason = "cancelled by user"
		}
		if !binding.Cancel(reason) {
			tc.logger.Debug("Cancel requested with no running task")
		}
		return nil

	case ActionApproveTool:
		if frame.ToolID == "" {
			return errors.New("toolId is required")
		}
		return binding.Approve(frame.ToolID, frame.Approved)

	default:
		return fmt.Errorf("unknown action %q", frame.Action)
	}
}

func (tc *taskChannel) subscribe(ctx context.Context, sub subscription) error {
	select {
	case tc.attach <- sub:
		return nil
	case <-ctx.Done():
		sub.detach()
		return ctx.Err()
	}
}

func (tc *taskChannel) reply(ctx context.Context, message string) {
	select {
	case tc.replies <- Envelope{Event: TaskError{Message: message}}:
	case <-ctx.Done():
	default:
		tc.logger.Debug("Dropping task channel reply", "message", message)
	}
}

func (tc *taskChannel) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(tc.h.heartbeat)
	defer ticker.Stop()

	var current subscription
	defer func() {
		if current.detach != nil {
			current.detach()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub := <-tc.attach:
			if current.detach != nil {
				current.detach()
			}
			current = sub
			for _, env := range sub.missed {
				if err := writeEnvelope(ctx, tc.ws, env); err != nil {
					return err
				}
			}

		case env, ok := <-current.events:
			if !ok {
				// Detached for lagging or the agent was destroyed; the client
				// resumes on a fresh channel.
				current = subscription{}
				return tc.ws.Close(websocket.StatusTryAgainLater, "task stream detached")
			}
			if err := writeEnvelope(ctx, tc.ws, env); err != nil {
				return err
			}

		case env := <-tc.replies:
			if err := writeEnvelope(ctx, tc.ws, env); err != nil {
				return err
			}

		case <-ticker.C:
			if err := writeEnvelope(ctx, tc.ws, Envelope{Event: Heartbeat{}}); err != nil {
				return err
			}
		}
	}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, channelWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
