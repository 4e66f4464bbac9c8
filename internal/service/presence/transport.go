package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a live client connection. Ping and Close must be safe to call
// concurrently with Send; Send is never called concurrently with itself.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
	// Open reports whether the underlying connection is still usable.
	Open() bool
}

const defaultWriteWait = 10 * time.Second

// WebSocketTransport adapts a gorilla websocket connection.
type WebSocketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(conn *websocket.Conn, writeWait time.Duration) *WebSocketTransport {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &WebSocketTransport{conn: conn, writeWait: writeWait}
}

func (t *WebSocketTransport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (t *WebSocketTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *WebSocketTransport) Ping(ctx context.Context) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, t.deadline(ctx))
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) Open() bool {
	return !t.closed.Load()
}

// ReadLoop consumes client frames until the connection fails. Pongs are
// reported through onPong; application messages are discarded.
func (t *WebSocketTransport) ReadLoop(maxMessageSize int64, onPong func()) error {
	if maxMessageSize > 0 {
		t.conn.SetReadLimit(maxMessageSize)
	}
	t.conn.SetPongHandler(func(string) error {
		onPong()
		return nil
	})

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			t.closed.Store(true)
			return err
		}
	}
}
