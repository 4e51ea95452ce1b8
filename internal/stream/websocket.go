package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	// Best-effort close handshake before dropping the socket.
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}

// WebSocketDialer returns a Dialer that connects to a websocket URL with
// the given headers (e.g. a bearer token).
func WebSocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}
