package chmux

import "context"

// Transport is one live duplex connection to the server. Implementations
// must be safe for concurrent Send calls.
type Transport interface {
	// Send writes one encoded frame. Failures should be returned as *TransportError.
	Send(ctx context.Context, data []byte) error
	// Close shuts the connection down. TransportHandler.OnClose still fires.
	Close() error
}

// TransportHandler receives inbound data of a Transport. OnMessage is called
// from a single goroutine, one frame at a time. OnClose is called exactly once,
// after the last OnMessage.
type TransportHandler interface {
	OnMessage(data []byte)
	OnClose(err error)
}

// Dialer opens a fresh Transport. The Client calls Dial once per connection
// attempt, so a reconnect is simply another Dial.
type Dialer interface {
	Dial(ctx context.Context, handler TransportHandler) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, handler TransportHandler) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, handler TransportHandler) (Transport, error) {
	return f(ctx, handler)
}
