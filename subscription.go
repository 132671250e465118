package chmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/centrifugal/protocol"
)

// SubState represents the state of a Subscription.
type SubState string

const (
	SubStateUnsubscribed SubState = "unsubscribed"
	SubStateSubscribing  SubState = "subscribing"
	SubStateSubscribed   SubState = "subscribed"
	SubStateError        SubState = "error"
)

// ============================================================================
// Listeners
// ============================================================================

type listeners struct {
	message     []func(MessageEvent)
	join        []func(JoinEvent)
	leave       []func(LeaveEvent)
	subscribe   []func(SubscribeEvent)
	unsubscribe []func(UnsubscribeEvent)
	errs        []func(ErrorEvent)
}

func (l *listeners) clone() listeners {
	return listeners{
		message:     append([]func(MessageEvent){}, l.message...),
		join:        append([]func(JoinEvent){}, l.join...),
		leave:       append([]func(LeaveEvent){}, l.leave...),
		subscribe:   append([]func(SubscribeEvent){}, l.subscribe...),
		unsubscribe: append([]func(UnsubscribeEvent){}, l.unsubscribe...),
		errs:        append([]func(ErrorEvent){}, l.errs...),
	}
}

func (l *listeners) deliver(ev Event) {
	switch e := ev.(type) {
	case MessageEvent:
		for _, h := range l.message {
			h(e)
		}
	case JoinEvent:
		for _, h := range l.join {
			h(e)
		}
	case LeaveEvent:
		for _, h := range l.leave {
			h(e)
		}
	case SubscribeEvent:
		for _, h := range l.subscribe {
			h(e)
		}
	case UnsubscribeEvent:
		for _, h := range l.unsubscribe {
			h(e)
		}
	case ErrorEvent:
		for _, h := range l.errs {
			h(e)
		}
	}
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the client-side handle of one channel. It is created by
// Client.Subscribe and lives until it is unsubscribed or the Client is
// disconnected.
type Subscription struct {
	client  *Client
	channel string
	data    []byte

	mu        sync.RWMutex
	state     SubState
	inflight  uint32
	confirmed bool
	released  bool
	listeners listeners
	// presence is keyed by client id.
	presence map[string]ClientInfo
	// pending holds publish correlation ids in send order.
	pending []uint32
}

func newSubscription(c *Client, channel string) *Subscription {
	return &Subscription{
		client:   c,
		channel:  channel,
		state:    SubStateUnsubscribed,
		presence: make(map[string]ClientInfo),
	}
}

// Channel returns the channel name.
func (s *Subscription) Channel() string { return s.channel }

// State returns the current subscription state.
func (s *Subscription) State() SubState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnMessage registers a handler for channel publications.
func (s *Subscription) OnMessage(h func(MessageEvent)) {
	s.mu.Lock()
	s.listeners.message = append(s.listeners.message, h)
	s.mu.Unlock()
}

// OnJoin registers a handler for join events.
func (s *Subscription) OnJoin(h func(JoinEvent)) {
	s.mu.Lock()
	s.listeners.join = append(s.listeners.join, h)
	s.mu.Unlock()
}

// OnLeave registers a handler for leave events.
func (s *Subscription) OnLeave(h func(LeaveEvent)) {
	s.mu.Lock()
	s.listeners.leave = append(s.listeners.leave, h)
	s.mu.Unlock()
}

// OnSubscribe registers a handler called each time the server confirms the subscription.
func (s *Subscription) OnSubscribe(h func(SubscribeEvent)) {
	s.mu.Lock()
	s.listeners.subscribe = append(s.listeners.subscribe, h)
	s.mu.Unlock()
}

// OnUnsubscribe registers a handler for the end of the subscription.
func (s *Subscription) OnUnsubscribe(h func(UnsubscribeEvent)) {
	s.mu.Lock()
	s.listeners.unsubscribe = append(s.listeners.unsubscribe, h)
	s.mu.Unlock()
}

// OnError registers a handler for subscription errors.
func (s *Subscription) OnError(h func(ErrorEvent)) {
	s.mu.Lock()
	s.listeners.errs = append(s.listeners.errs, h)
	s.mu.Unlock()
}

// On registers a handler for kind. The handler receives the concrete event
// type for that kind.
func (s *Subscription) On(kind EventKind, h func(Event)) error {
	switch kind {
	case EventMessage:
		s.OnMessage(func(e MessageEvent) { h(e) })
	case EventJoin:
		s.OnJoin(func(e JoinEvent) { h(e) })
	case EventLeave:
		s.OnLeave(func(e LeaveEvent) { h(e) })
	case EventSubscribe:
		s.OnSubscribe(func(e SubscribeEvent) { h(e) })
	case EventUnsubscribe:
		s.OnUnsubscribe(func(e UnsubscribeEvent) { h(e) })
	case EventError:
		s.OnError(func(e ErrorEvent) { h(e) })
	default:
		return fmt.Errorf("unknown event kind %s", kind)
	}
	return nil
}

// Unsubscribe ends the subscription and removes it from the client.
// Listeners are released after the final UnsubscribeEvent.
func (s *Subscription) Unsubscribe() {
	s.client.unsubscribe(s)
}

// Publish sends data to the channel and waits for the server reply.
func (s *Subscription) Publish(ctx context.Context, data []byte) (PublishResult, error) {
	return s.client.publish(ctx, s, data)
}

// emit delivers ev to the listeners registered so far. Runs on the callback queue.
func (s *Subscription) emit(ev Event) {
	s.mu.RLock()
	if s.released {
		s.mu.RUnlock()
		return
	}
	l := s.listeners.clone()
	s.mu.RUnlock()
	l.deliver(ev)
}

// finish emits the last event of an explicitly unsubscribed subscription and
// releases its listeners.
func (s *Subscription) finish(ev UnsubscribeEvent) {
	s.emit(ev)
	s.release()
}

func (s *Subscription) release() {
	s.mu.Lock()
	s.released = true
	s.listeners = listeners{}
	s.presence = make(map[string]ClientInfo)
	s.mu.Unlock()
}

// ============================================================================
// State Transitions (called with Client.mu held or from the read goroutine)
// ============================================================================

// resubscribable reports whether the channel should be subscribed again on a
// new connection.
func (s *Subscription) resubscribable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == SubStateSubscribing || s.state == SubStateSubscribed
}

// startSubscribe records id as the one subscribe request in flight.
func (s *Subscription) startSubscribe(id uint32) {
	s.mu.Lock()
	s.state = SubStateSubscribing
	s.inflight = id
	s.mu.Unlock()
}

// inFlight reports whether a subscribe request is outstanding.
func (s *Subscription) inFlight() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight != 0
}

// markSubscribing queues the subscription for the next connection.
func (s *Subscription) markSubscribing() {
	s.mu.Lock()
	s.state = SubStateSubscribing
	s.mu.Unlock()
}

// connectionLost moves an active subscription back to subscribing.
func (s *Subscription) connectionLost() {
	s.mu.Lock()
	s.inflight = 0
	s.pending = nil
	if s.state == SubStateSubscribed {
		s.state = SubStateSubscribing
	}
	s.presence = make(map[string]ClientInfo)
	s.mu.Unlock()
}

func (s *Subscription) subscribed(id uint32, res *protocol.SubscribeResult) (SubscribeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.inflight != id {
		return SubscribeEvent{}, false
	}
	s.inflight = 0
	s.state = SubStateSubscribed
	ev := SubscribeEvent{Channel: s.channel, Data: res.Data, Resubscribed: s.confirmed}
	s.confirmed = true
	return ev, true
}

func (s *Subscription) subscribeFailed(id uint32, err error) (ErrorEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.inflight != id {
		return ErrorEvent{}, false
	}
	s.inflight = 0
	s.state = SubStateError
	return ErrorEvent{Channel: s.channel, Err: &SubscriptionError{Channel: s.channel, Err: err}}, true
}

// sendFailed reports a subscribe command that never reached the server. The
// subscription stays subscribing so the next connection retries it.
func (s *Subscription) sendFailed(id uint32, err error) (ErrorEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.inflight != id {
		return ErrorEvent{}, false
	}
	s.inflight = 0
	return ErrorEvent{Channel: s.channel, Err: &SubscriptionError{Channel: s.channel, Err: err}}, true
}

func (s *Subscription) serverUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.state = SubStateUnsubscribed
	s.inflight = 0
	s.presence = make(map[string]ClientInfo)
	return true
}

// teardown marks the subscription unsubscribed and returns its pending
// publish ids. It does not release listeners.
func (s *Subscription) teardown() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SubStateUnsubscribed
	s.inflight = 0
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *Subscription) addPending(id uint32) {
	s.mu.Lock()
	s.pending = append(s.pending, id)
	s.mu.Unlock()
}

func (s *Subscription) removePending(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Pending returns the correlation ids of publishes awaiting a reply, oldest first.
func (s *Subscription) Pending() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint32(nil), s.pending...)
}
