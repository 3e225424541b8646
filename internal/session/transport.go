// ABOUTME: Connection abstraction for the agent session plus its websocket implementation
// ABOUTME: The session owns exactly one Conn at a time and never touches the socket directly

package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// maxMessageSize bounds inbound frames. Task payloads and git statuses are small.
const maxMessageSize = 4 << 20

// Conn is one open connection to the hub.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	// Recv blocks until a message arrives or the connection fails.
	Recv(ctx context.Context) ([]byte, error)
	Close(reason string) error
}

// Transport opens connections to the hub.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials the hub's agent endpoint.
type WebsocketTransport struct {
	URL   string
	Token string

	// HTTPClient is optional; it is used for the upgrade request.
	HTTPClient *http.Client
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.Token}}
	}

	c, resp, err := websocket.Dial(ctx, t.URL, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", t.URL, err)
	}
	c.SetReadLimit(maxMessageSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
