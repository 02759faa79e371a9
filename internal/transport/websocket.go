package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

var _ Dialer = (*WebSocketDialer)(nil)

// defaultReadLimit bounds a single inbound message. Synthesized audio chunks
// are far larger than the library's 32 KiB default.
const defaultReadLimit = 4 << 20

// WebSocketDialer dials the backend over WebSocket.
type WebSocketDialer struct {
	// HTTPHeader is sent with the opening handshake.
	HTTPHeader http.Header

	// ReadLimit caps inbound message size in bytes. Defaults to 4 MiB.
	ReadLimit int64
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// InterviewURL builds the backend endpoint for one interview:
// {base}/ws/interview/{id}?token={token}. http and https bases are mapped to
// ws and wss.
func InterviewURL(base, interviewID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported url scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws", "interview", interviewID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
