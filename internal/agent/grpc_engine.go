package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

const (
	// RunTaskMethod is the full method name of the task engine stream.
	RunTaskMethod = "/chatagent.v1.TaskEngine/RunTask"
	jsonCodecName = "json"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// RunTaskStreamDesc describes the bidirectional RunTask stream.
var RunTaskStreamDesc = grpc.StreamDesc{
	StreamName:    "RunTask",
	ServerStreams: true,
	ClientStreams: true,
}

// jsonCodec carries RunTask frames as JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RunTaskRequest is the first frame a client sends on RunTask. Later client
// frames are ControlFrame values (cancelTask, approveTool); the server replies
// with Envelope frames.
type RunTaskRequest struct {
	ChatID    string               `json:"chatId"`
	History   []domain.ChatMessage `json:"history"`
	Text      string               `json:"text"`
	MessageID string               `json:"messageId,omitempty"`
}

// GrpcEngineConfig holds configuration for the remote engine.
type GrpcEngineConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// CancelGrace is how long a cancelled task may take to report
	// cancellation before its stream is torn down.
	CancelGrace time.Duration
}

// DefaultGrpcEngineConfig returns default configuration for addr.
func DefaultGrpcEngineConfig(addr string) GrpcEngineConfig {
	return GrpcEngineConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		CancelGrace:      5 * time.Second,
	}
}

// GrpcEngine runs tasks on a remote task engine service.
type GrpcEngine struct {
	conn   *grpc.ClientConn
	cfg    GrpcEngineConfig
	logger *slog.Logger
}

// NewGrpcEngine connects to the task engine and waits until the connection
// is ready, so a bad address fails at startup.
func NewGrpcEngine(cfg GrpcEngineConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to task engine at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("task engine at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to task engine", "address", cfg.Address)

	return &GrpcEngine{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (e *GrpcEngine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// NewAgent implements Engine. The remote service is stateless; the agent
// keeps the chat's history and sends it with every task.
func (e *GrpcEngine) NewAgent(_ context.Context, chatID string, history []domain.ChatMessage) (Agent, error) {
	return &grpcAgent{
		engine:  e,
		chatID:  chatID,
		history: slices.Clone(history),
	}, nil
}

type grpcAgent struct {
	engine *GrpcEngine
	chatID string

	mu      sync.Mutex
	history []domain.ChatMessage
	stream  grpc.ClientStream
	closed  bool

	sendMu sync.Mutex
}

func (a *grpcAgent) Run(ctx context.Context, req TaskRequest) iter.Seq2[TaskEvent, error] {
	return func(yield func(TaskEvent, error) bool) {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			yield(nil, ErrAgentClosed)
			return
		}
		history := slices.Clone(a.history)
		a.mu.Unlock()

		// The stream outlives ctx by a grace period so the engine can report
		// cancellation itself.
		streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelStream()

		stream, err := a.engine.conn.NewStream(streamCtx, &RunTaskStreamDesc, RunTaskMethod,
			grpc.CallContentSubtype(jsonCodecName))
		if err != nil {
			yield(nil, fmt.Errorf("run task request failed: %w", err))
			return
		}
		a.mu.Lock()
		a.stream = stream
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			a.stream = nil
			a.mu.Unlock()
		}()

		if err := a.send(&RunTaskRequest{
			ChatID:    a.chatID,
			History:   history,
			Text:      req.Text,
			MessageID: req.MessageID,
		}); err != nil {
			yield(nil, fmt.Errorf("send run task request: %w", err))
			return
		}
		userMsg := domain.TextMessage(a.chatID, domain.RoleUser, req.Text)
		userMsg.ID = req.MessageID
		a.appendHistory(userMsg)

		stop := context.AfterFunc(ctx, func() {
			if err := a.send(&ControlFrame{Action: ActionCancelTask}); err != nil {
				a.engine.logger.Debug("Failed to forward task cancel", "chat_id", a.chatID, "error", err)
			}
			time.AfterFunc(a.engine.cfg.CancelGrace, cancelStream)
		})
		defer stop()

		for {
			var env Envelope
			err := stream.RecvMsg(&env)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					yield(Cancelled{}, nil)
					return
				}
				yield(nil, fmt.Errorf("task stream error: %w", err))
				return
			}

			if am, ok := env.Event.(AssistantMessage); ok {
				a.appendHistory(am.Message)
			}
			if !yield(env.Event, nil) || IsTerminal(env.Event) {
				return
			}
		}
	}
}

func (a *grpcAgent) send(msg any) error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return ErrNoTask
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return stream.SendMsg(msg)
}

func (a *grpcAgent) appendHistory(msg domain.ChatMessage) {
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.mu.Unlock()
}

func (a *grpcAgent) Approve(toolID string, approved bool) error {
	return a.send(&ControlFrame{Action: ActionApproveTool, ToolID: toolID, Approved: approved})
}

func (a *grpcAgent) MessageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

func (a *grpcAgent) Close() error {
	a.mu.Lock()
	a.closed = true
	a.history = nil
	a.mu.Unlock()
	return nil
}
