package chmux

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/centrifugal/protocol"
)

// ============================================================================
// Sentinel Errors
// ============================================================================

var (
	// ErrTransport matches every *TransportError with errors.Is.
	ErrTransport = errors.New("transport error")
	// ErrPublishTimeout is returned when no publish reply arrived within Config.PublishTimeout.
	ErrPublishTimeout = errors.New("publish timeout")
	// ErrCancelled is returned for requests torn down by Disconnect, Close or Unsubscribe.
	ErrCancelled = errors.New("cancelled")
	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("client closed")
	// ErrNotConnected is wrapped into a TransportError when there is no live transport.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidChannel is returned for an empty channel name.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrUnsubscribed is returned when operating on a Subscription that was unsubscribed.
	ErrUnsubscribed = errors.New("subscription unsubscribed")
)

// ============================================================================
// Typed Errors
// ============================================================================

// TransportError is a send or receive failure of the underlying transport.
// It is recoverable through reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport as a match so callers don't need errors.As for the common check.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func asTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var de *DisconnectError
	if errors.As(err, &de) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ServerError is an error reply sent by the server to one of our commands.
type ServerError struct {
	Code      uint32
	Message   string
	Temporary bool
}

func (e *ServerError) Error() string {
	return strconv.FormatUint(uint64(e.Code), 10) + ": " + e.Message
}

func serverError(e *protocol.Error) *ServerError {
	return &ServerError{Code: e.Code, Message: e.Message, Temporary: e.Temporary}
}

// SubscriptionError is delivered to a channel's error listeners when the
// channel could not be subscribed. It never affects other channels.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %q: %v", e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// DisconnectError describes a server-initiated disconnect, either a disconnect
// push or a WebSocket close frame with a code.
type DisconnectError struct {
	Code   uint32
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected: %d %s", e.Code, e.Reason)
}

// Reconnect reports whether the client should try to reconnect after this
// disconnect. Codes [3500, 3999] and [4500, 4999] are terminal.
func (e *DisconnectError) Reconnect() bool {
	if e.Code >= 3500 && e.Code < 4000 {
		return false
	}
	if e.Code >= 4500 && e.Code < 5000 {
		return false
	}
	return true
}
