package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errQueueFull        = errors.New("send queue full")
	errConnectionClosed = errors.New("connection closed")
)

// Connection is one tab's live sync channel. Frames queued with enqueue are
// written in order by a single writer draining Outbound.
type Connection struct {
	id          string
	sessionID   string
	connectedAt time.Time
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

// ID returns the process-unique connection identifier.
func (c *Connection) ID() string { return c.id }

// SessionID returns the session the connection belongs to.
func (c *Connection) SessionID() string { return c.sessionID }

// Outbound yields queued frames.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection is unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsOpen reports whether the connection still accepts frames.
func (c *Connection) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Connection) enqueue(data []byte) error {
	if !c.IsOpen() {
		return errConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry tracks live sync connections per session. It is safe for
// concurrent use and is single-process only.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]map[string]*Connection // sessionID -> connectionID -> conn
	queueSize int
	logger    *slog.Logger
}

// NewRegistry creates an empty registry whose connections buffer up to
// queueSize frames each.
func NewRegistry(queueSize int, logger *slog.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  make(map[string]map[string]*Connection),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Register allocates a connection for sessionID. The connected frame is
// queued before the connection becomes visible to Broadcast, so it is
// always the first frame the tab receives.
func (r *Registry) Register(sessionID string) *Connection {
	conn := &Connection{
		id:          uuid.NewString(),
		sessionID:   sessionID,
		connectedAt: time.Now(),
		send:        make(chan []byte, r.queueSize),
		done:        make(chan struct{}),
	}
	hello, err := EncodeEvent(Connected{ConnectionID: conn.id})
	if err == nil {
		conn.send <- hello
	}

	r.mu.Lock()
	bucket, ok := r.sessions[sessionID]
	if !ok {
		bucket = make(map[string]*Connection)
		r.sessions[sessionID] = bucket
	}
	bucket[conn.id] = conn
	count := len(bucket)
	r.mu.Unlock()

	r.logger.Info("Sync connection registered", "session_id", sessionID, "conn_id", conn.id, "session_connections", count)
	return conn
}

// Unregister removes a connection and prunes the session bucket when empty.
// Unknown ids are ignored.
func (r *Registry) Unregister(sessionID, connID string) {
	r.mu.Lock()
	bucket, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn, ok := bucket[connID]
	if ok {
		delete(bucket, connID)
		if len(bucket) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	if ok {
		conn.close()
		r.logger.Info("Sync connection unregistered", "session_id", sessionID, "conn_id", connID,
			"duration", time.Since(conn.connectedAt))
	}
}

// IsActive reports whether connID is registered under sessionID and open.
func (r *Registry) IsActive(sessionID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.sessions[sessionID][connID]
	return ok && conn.IsOpen()
}

// Connections returns the number of registered connections for sessionID.
func (r *Registry) Connections(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Broadcast delivers ev to every open connection of sessionID except
// excludeConnID. Delivery is best effort: a full or closed queue is logged
// and skipped. It returns the number of connections the frame was queued on.
func (r *Registry) Broadcast(sessionID string, ev Event, excludeConnID string) int {
	data, err := EncodeEvent(ev)
	if err != nil {
		r.logger.Error("[BROADCAST] Failed to encode event", "error", err, "type", ev.Type())
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.sessions[sessionID]
	if excludeConnID != "" {
		if _, ok := bucket[excludeConnID]; !ok {
			// Exclusion is by id within this session only; a foreign or stale id excludes nobody.
			r.logger.Warn("[BROADCAST] Excluded connection not in session",
				"session_id", sessionID, "exclude_conn_id", excludeConnID)
		}
	}

	delivered := 0
	for id, conn := range bucket {
		if id == excludeConnID {
			continue
		}
		if err := conn.enqueue(data); err != nil {
			r.logger.Warn("[BROADCAST] Dropped event",
				"error", err, "session_id", sessionID, "conn_id", id, "type", ev.Type())
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers ev to a single connection. It reports whether the frame
// was queued.
func (r *Registry) SendTo(sessionID, connID string, ev Event) bool {
	data, err := EncodeEvent(ev)
	if err != nil {
		r.logger.Error("[SEND] Failed to encode event", "error", err, "type", ev.Type())
		return false
	}

	r.mu.RLock()
	conn, ok := r.sessions[sessionID][connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.enqueue(data); err != nil {
		r.logger.Warn("[SEND] Dropped event", "error", err, "session_id", sessionID, "conn_id", connID, "type", ev.Type())
		return false
	}
	return true
}

// Close unregisters every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, bucket := range sessions {
		for _, conn := range bucket {
			conn.close()
		}
	}
}
