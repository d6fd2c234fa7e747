package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn serializes writes on a websocket connection. Reads are single-owner.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send encodes v under event and writes it as a text frame.
func (c *Conn) Send(event string, v any) error {
	frame, err := Encode(event, v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Ping writes a ping control frame.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Receive reads the next envelope. A frame that does not decode yields an
// error wrapping ErrMalformedFrame; any other error means the connection failed.
func (c *Conn) Receive() (Envelope, error) {
	var env Envelope
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// WS exposes the underlying websocket for deadline and handler setup.
func (c *Conn) WS() *websocket.Conn {
	return c.ws
}

// Dial connects to a hub at serverURL presenting proxyID and apiKey.
// A 401 from the hub is reported as ErrUnauthorized.
func Dial(ctx context.Context, serverURL, proxyID, apiKey string) (*Conn, error) {
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	header := http.Header{}
	header.Set(HeaderProxyID, proxyID)
	header.Set(HeaderAPIKey, apiKey)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, serverURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, serverURL)
		}
		return nil, fmt.Errorf("dial relay %s: %w", serverURL, err)
	}
	return NewConn(ws), nil
}
