package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/protocol"
)

// Transport is the send side of a runner connection. The registry owns the
// transport exclusively; every other component addresses runners by id.
type Transport interface {
	// Send marshals and writes one protocol message.
	Send(kind protocol.Kind, payload any) error

	// Ping writes a keep-alive probe.
	Ping() error

	// Close tears the connection down.
	Close() error
}

const writeWait = 10 * time.Second

// wsTransport adapts a gorilla websocket connection. Writes are serialized
// with a mutex because gorilla permits only one concurrent writer.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport wraps a websocket connection as a Transport.
func NewWSTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(kind protocol.Kind, payload any) error {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
