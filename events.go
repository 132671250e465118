package chmux

import (
	"fmt"
	"time"

	"github.com/centrifugal/protocol"
)

// ============================================================================
// Subscription Events
// ============================================================================

// EventKind identifies the kind of a subscription event.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventJoin
	EventLeave
	EventSubscribe
	EventUnsubscribe
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventSubscribe:
		return "subscribe"
	case EventUnsubscribe:
		return "unsubscribe"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is one of MessageEvent, JoinEvent, LeaveEvent, SubscribeEvent,
// UnsubscribeEvent or ErrorEvent. The set is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// ClientInfo describes a connection taking part in a channel.
type ClientInfo struct {
	User     string `json:"user"`
	Client   string `json:"client"`
	ConnInfo []byte `json:"connInfo,omitempty"`
	ChanInfo []byte `json:"chanInfo,omitempty"`
}

func clientInfo(info *protocol.ClientInfo) *ClientInfo {
	if info == nil {
		return nil
	}
	return &ClientInfo{
		User:     info.User,
		Client:   info.Client,
		ConnInfo: info.ConnInfo,
		ChanInfo: info.ChanInfo,
	}
}

// MessageEvent is a publication received on a channel.
type MessageEvent struct {
	Channel string
	Data    []byte
	Info    *ClientInfo
	Offset  uint64
	Tags    map[string]string
}

// JoinEvent is sent when a client joins a channel.
type JoinEvent struct {
	Channel string
	Info    ClientInfo
}

// LeaveEvent is sent when a client leaves a channel.
type LeaveEvent struct {
	Channel string
	Info    ClientInfo
}

// SubscribeEvent is sent once the server confirmed a subscription.
type SubscribeEvent struct {
	Channel string
	Data    []byte
	// Resubscribed is true when the subscription was restored after a reconnect.
	Resubscribed bool
}

// Unsubscribe codes.
const (
	// UnsubscribeCodeClient is set when Unsubscribe was called.
	UnsubscribeCodeClient uint32 = 0
	// UnsubscribeCodeServer is the smallest server unsubscribe code.
	UnsubscribeCodeServer uint32 = 2000
	// UnsubscribeCodeResubscribe and above make the client subscribe again.
	UnsubscribeCodeResubscribe uint32 = 2500
)

// UnsubscribeEvent is sent when a subscription ends.
type UnsubscribeEvent struct {
	Channel string
	Code    uint32
	Reason  string
}

// ErrorEvent carries a *SubscriptionError scoped to one channel.
type ErrorEvent struct {
	Channel string
	Err     error
}

func (MessageEvent) Kind() EventKind     { return EventMessage }
func (JoinEvent) Kind() EventKind        { return EventJoin }
func (LeaveEvent) Kind() EventKind       { return EventLeave }
func (SubscribeEvent) Kind() EventKind   { return EventSubscribe }
func (UnsubscribeEvent) Kind() EventKind { return EventUnsubscribe }
func (ErrorEvent) Kind() EventKind       { return EventError }

func (MessageEvent) isEvent()     {}
func (JoinEvent) isEvent()        {}
func (LeaveEvent) isEvent()       {}
func (SubscribeEvent) isEvent()   {}
func (UnsubscribeEvent) isEvent() {}
func (ErrorEvent) isEvent()       {}

// ============================================================================
// Client Events
// ============================================================================

// ConnectedEvent is emitted after the connect handshake succeeded.
type ConnectedEvent struct {
	ClientID string
	Version  string
	Data     []byte
}

// DisconnectedEvent is emitted when the connection is lost or closed.
type DisconnectedEvent struct {
	Code   uint32
	Reason string
	// Reconnect is true when a reconnect attempt will follow.
	Reconnect bool
}

// ReconnectingEvent is emitted when a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}
