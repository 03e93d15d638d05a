package connection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport streams events as JSON text messages over a WebSocket.
// Keepalives are ping control frames. A zero writeTimeout disables write
// deadlines.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	peerGone  chan struct{} // closed when the read loop exits
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport wraps an upgraded connection and starts draining
// inbound frames so control messages are processed.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}

	t := &WebSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		peerGone:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// WriteEvent writes ev as one JSON text message.
func (t *WebSocketTransport) WriteEvent(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// WriteKeepalive sends a ping control frame.
func (t *WebSocketTransport) WriteKeepalive() error {
	var deadline time.Time // zero: no deadline
	if t.writeTimeout > 0 {
		deadline = time.Now().Add(t.writeTimeout)
	}
	return t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
}

// Done is closed when the peer disconnects or a read fails.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.peerGone
}

// Close sends a normal-closure frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// readLoop discards client messages; clients of this stream do not send.
func (t *WebSocketTransport) readLoop() {
	defer close(t.peerGone)

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}
