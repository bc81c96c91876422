package sink

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const liveWriteTimeout = 2 * time.Second

// Live broadcasts each trace record line to connected websocket clients
// for real-time trace viewing. Delivery is best-effort: a client that
// cannot keep up is dropped rather than backpressuring the traced
// session.
type Live struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	closed   bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewLive creates a live trace feed.
func NewLive(logger *slog.Logger) *Live {
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			// Trace feeds are consumed by CLI tools, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "sink.Live"),
	}
}

// HandleWebSocket upgrades an HTTP connection and subscribes it to the
// trace feed until the client disconnects.
func (l *Live) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.clients[conn] = true
	l.mu.Unlock()

	l.logger.Debug("live trace client connected", "remote", conn.RemoteAddr())

	// Read pump: keeps the connection alive and notices disconnects.
	go func() {
		defer l.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (l *Live) drop(conn *websocket.Conn) {
	l.mu.Lock()
	delete(l.clients, conn)
	l.mu.Unlock()
	_ = conn.Close()
	l.logger.Debug("live trace client disconnected", "remote", conn.RemoteAddr())
}

// ClientCount returns the number of subscribed clients.
func (l *Live) ClientCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

func (l *Live) Write(record string) {
	l.mu.RLock()
	if l.closed || len(l.clients) == 0 {
		l.mu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(l.clients))
	for c := range l.clients {
		conns = append(conns, c)
	}
	l.mu.RUnlock()

	payload := []byte(record)
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			l.drop(c)
		}
	}
}

// Close disconnects all clients; subsequent writes are discarded.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for c := range l.clients {
		_ = c.Close()
		delete(l.clients, c)
	}
	return nil
}
