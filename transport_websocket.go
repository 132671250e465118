package chmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket Transport
// ============================================================================

// WebSocketDialer dials a Centrifugo-compatible JSON WebSocket endpoint,
// e.g. ws://localhost:8000/connection/websocket.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps a single inbound message; 0 keeps the library default.
	ReadLimit int64
}

// NewWebSocketDialer returns a dialer for url. http(s) schemes are rewritten
// to ws(s).
func NewWebSocketDialer(url string) *WebSocketDialer {
	wsURL := strings.Replace(url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &WebSocketDialer{URL: wsURL}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, handler TransportHandler) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: fmt.Errorf("websocket dial: %w", err)}
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		conn:    conn,
		handler: handler,
		cancel:  cancel,
	}
	go t.readLoop(readCtx)
	return t, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	handler   TransportHandler
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		t.cancel()
	})
	return err
}

func (t *wsTransport) readLoop(ctx context.Context) {
	defer t.cancel()
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			t.handler.OnClose(wsCloseError(err))
			return
		}
		t.handler.OnMessage(data)
	}
}

// wsCloseError maps a close frame to DisconnectError so the client can apply
// the server's reconnect advice.
func wsCloseError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &DisconnectError{Code: uint32(ce.Code), Reason: ce.Reason}
	}
	return &TransportError{Op: "read", Err: err}
}
