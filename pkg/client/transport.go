package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is one established socket
type Transport interface {
	// ReadMessage blocks for the next text frame
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Transport, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, url, token string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url, token string) (Transport, error) {
	return f(ctx, url, token)
}

// WebSocketDialer dials with gorilla/websocket, sending the token as a
// bearer header.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer wraps d; nil uses websocket.DefaultDialer
func NewWebSocketDialer(d *websocket.Dialer) *WebSocketDialer {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return &WebSocketDialer{dialer: d}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url, token string) (Transport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	return t.conn.Close()
}
