package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errNotAccepted = errors.New("websocket not accepted")
var errTransportClosed = errors.New("websocket closed")

// wsTransport adapts one upgrade request to livelog.Transport. The upgrade
// happens in Accept so the registry controls when the handshake runs.
type wsTransport struct {
	w              http.ResponseWriter
	r              *http.Request
	allowedOrigins []string
	writeTimeout   time.Duration

	mu            sync.Mutex
	conn          *websocket.Conn
	upgradeFailed bool
	closed        bool
}

func newWSTransport(w http.ResponseWriter, r *http.Request, allowedOrigins []string, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	return &wsTransport{
		w:              w,
		r:              r,
		allowedOrigins: allowedOrigins,
		writeTimeout:   writeTimeout,
	}
}

func (t *wsTransport) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := upgradeWebSocket(t.w, t.r, t.allowedOrigins)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		t.upgradeFailed = true
		return err
	}
	// Subscribers only listen; anything larger than a control reply is abuse.
	conn.SetReadLimit(wsReadLimit)
	t.conn = conn
	return nil
}

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if t.conn == nil {
		return errNotAccepted
	}
	deadline := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close is idempotent. Before the upgrade it answers with a plain HTTP error.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		if !t.upgradeFailed {
			writeJSONError(t.w, &apiError{Status: statusForCloseCode(code), Message: reason})
		}
		return nil
	}
	deadline := time.Now().Add(t.writeTimeout)
	_ = writeClose(t.conn, code, reason, deadline)
	return t.conn.Close()
}

// drain reads and discards client frames until the connection fails or is
// closed. Control frames are handled by the connection's default handlers.
func (t *wsTransport) drain() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
