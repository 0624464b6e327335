package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write to a WebSocket peer.
const writeWait = 10 * time.Second

// WebSocketSink writes each frame as one JSON text message.
// Safe for concurrent use; gorilla connections allow a single concurrent writer.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send implements Sink.
func (s *WebSocketSink) Send(f Frame) error {
	return s.WriteJSON(f)
}

// WriteJSON writes any JSON message, used for out-of-band errors on the same connection.
func (s *WebSocketSink) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}
