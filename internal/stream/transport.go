// internal/stream/transport.go
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrMalformed marks a frame that arrived intact but did not decode. The
// connection is still usable; callers skip the frame and keep reading.
var ErrMalformed = errors.New("malformed frame")

// Conn is one live stream connection. Send is safe for concurrent use;
// Receive is not and belongs to a single reader.
type Conn interface {
	Send(v any) error
	Receive() (*Update, error)
	Close() error
}

// Transport dials stream connections. Swapped for a fake in tests.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsTransport struct {
	token string
}

// NewWSTransport returns the production WebSocket transport. A non-empty
// access token rides on every dial as the x-token query parameter.
func NewWSTransport(token string) Transport {
	return wsTransport{token: token}
}

func (t wsTransport) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialURL, err := authURL(rawURL, t.token)
	if err != nil {
		return nil, err
	}
	conn, _, _, err := ws.Dial(ctx, dialURL)
	if err != nil {
		// The error names the bare URL so the token stays out of logs.
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	return &wsConn{conn: conn}, nil
}

func authURL(rawURL, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream URL: %w", err)
	}
	q := u.Query()
	q.Set("x-token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsConn wraps a raw WebSocket connection. The write lock serialises pongs
// against subscription frames.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

func (c *wsConn) Receive() (*Update, error) {
	data, _, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		return nil, err
	}

	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	u.Size = len(data)
	return &u, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
