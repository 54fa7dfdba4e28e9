package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SyncPath is the HTTP path peers dial for the sync WebSocket.
const SyncPath = "/sync/v1"

const defaultWriteTimeout = 10 * time.Second

// wsChannel adapts a WebSocket connection to MessageChannel. Gorilla allows
// one concurrent writer, so sends are serialized with a mutex; the protocol
// has a single reader by construction.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// OpenChannel dials a peer's sync endpoint. It satisfies ChannelFactory.
func OpenChannel(ctx context.Context, address string, port int) (MessageChannel, error) {
	url := fmt.Sprintf("ws://%s:%d%s", address, port, SyncPath)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &wsChannel{conn: conn}, nil
}

// NewWebsocketChannel wraps an already-upgraded connection (listener side).
func NewWebsocketChannel(conn *websocket.Conn) MessageChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	// Text frames: messages are JSON and byte fields are base64 inside it.
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	if d, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(d); err != nil {
			return nil, err
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

// Listener accepts inbound peer connections and hands each upgraded channel
// to the configured handler on its own goroutine.
type Listener struct {
	server  *http.Server
	handler func(ctx context.Context, ch MessageChannel)

	upgrader websocket.Upgrader
}

// NewListener builds a listener bound to addr (host:port). The handler runs
// once per inbound connection and owns closing the channel.
func NewListener(addr string, handler func(ctx context.Context, ch MessageChannel)) *Listener {
	l := &Listener{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SyncPath, l.serveSync)
	l.server = &http.Server{Addr: addr, Handler: mux}
	return l
}

func (l *Listener) serveSync(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.handler(r.Context(), NewWebsocketChannel(conn))
}

// ListenAndServe blocks serving inbound connections until Shutdown.
func (l *Listener) ListenAndServe() error {
	err := l.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight handlers.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}
