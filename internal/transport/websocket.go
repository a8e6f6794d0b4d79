package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The sandbox is a local peer; origin checks belong to whoever exposes it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket carries bridge messages as text frames.
type WebSocket struct {
	closer
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	in      chan string
}

// Dial connects to a sandbox served at url.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial sandbox %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial sandbox %s: %w", url, err)
	}
	return newWebSocket(conn, logger), nil
}

// Accept upgrades an HTTP request into the sandbox end of a transport.
func Accept(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newWebSocket(conn, logger), nil
}

func newWebSocket(conn *websocket.Conn, logger zerolog.Logger) *WebSocket {
	conn.SetReadLimit(256 << 20)
	ws := &WebSocket{
		closer: newCloser(),
		conn:   conn,
		logger: logger.With().Str("component", "ws-transport").Logger(),
		in:     make(chan string, 64),
	}
	go ws.readLoop()
	return ws
}

// Send writes msg as a single text frame.
func (ws *WebSocket) Send(msg string) error {
	if ws.closed() {
		if err := ws.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		err = fmt.Errorf("write: %w", err)
		ws.shut(err)
		ws.conn.Close()
		return err
	}
	return nil
}

func (ws *WebSocket) Receive() <-chan string { return ws.in }

// Close sends a close frame and releases the connection.
func (ws *WebSocket) Close() error {
	if !ws.shut(nil) {
		return nil
	}
	ws.writeMu.Lock()
	ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.writeMu.Unlock()
	return ws.conn.Close()
}

func (ws *WebSocket) readLoop() {
	for {
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.shut(ErrClosed)
			} else {
				ws.shut(fmt.Errorf("read: %w", err))
			}
			ws.conn.Close()
			return
		}
		if kind != websocket.TextMessage {
			ws.logger.Debug().Int("kind", kind).Msg("Dropping non-text frame")
			continue
		}
		select {
		case ws.in <- string(data):
		case <-ws.done:
			return
		}
	}
}
