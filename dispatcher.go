package chmux

import (
	"sync"

	"github.com/centrifugal/protocol"
)

// ============================================================================
// Callback Queue
// ============================================================================

// callbackQueue runs callbacks one by one, in push order, on its own
// goroutine. Listeners never run on the transport read goroutine, so a
// listener may block on Publish without stalling inbound dispatch.
type callbackQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	fns    []func()
	closed bool
	done   chan struct{}
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push returns false if the queue is closed. In that case fn is dropped.
func (q *callbackQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.fns = append(q.fns, fn)
	q.cond.Signal()
	return true
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.fns) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.fns) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
	}
}

// close stops accepting callbacks. Already queued ones still run.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// ============================================================================
// Frame Dispatch
// ============================================================================

// dispatchFrame routes a channel frame to its subscription. Called from the
// transport read goroutine only.
func (c *Client) dispatchFrame(f InboundFrame) {
	c.mu.Lock()
	sub, ok := c.registry.get(f.Channel)
	c.mu.Unlock()
	if !ok {
		c.metrics.frameDropped(f.Kind)
		c.logger.Debug("dropping frame for unknown channel", "channel", f.Channel, "kind", f.Kind.String())
		return
	}
	c.metrics.frameReceived(f.Kind)

	switch f.Kind {
	case FrameMessage:
		pub := f.Publication
		ev := MessageEvent{
			Channel: f.Channel,
			Data:    pub.Data,
			Info:    clientInfo(pub.Info),
			Offset:  pub.Offset,
			Tags:    pub.Tags,
		}
		c.callbacks.push(func() { sub.emit(ev) })
	case FrameJoin:
		info := clientInfo(f.Info)
		if info == nil {
			return
		}
		c.callbacks.push(func() {
			if sub.applyJoin(*info) {
				sub.emit(JoinEvent{Channel: f.Channel, Info: *info})
			}
		})
	case FrameLeave:
		info := clientInfo(f.Info)
		if info == nil {
			return
		}
		c.callbacks.push(func() {
			if sub.applyLeave(*info) {
				sub.emit(LeaveEvent{Channel: f.Channel, Info: *info})
			}
		})
	case FrameSubscribeReply:
		if ev, ok := sub.subscribed(f.ID, f.Subscribe); ok {
			c.callbacks.push(func() { sub.emit(ev) })
		}
	case FrameError:
		if ev, ok := sub.subscribeFailed(f.ID, serverError(f.Error)); ok {
			c.logger.Warn("subscribe rejected", "channel", f.Channel, "code", f.Error.Code, "message", f.Error.Message)
			c.callbacks.push(func() { sub.emit(ev) })
		}
	case FrameUnsubscribe:
		c.handleServerUnsubscribe(sub, f.Unsubscribe)
	}
}

func (c *Client) handleServerUnsubscribe(sub *Subscription, u *protocol.Unsubscribe) {
	if u.Code >= UnsubscribeCodeResubscribe {
		c.logger.Debug("server asked to resubscribe", "channel", sub.channel, "code", u.Code)
		c.resubscribe(sub)
		return
	}
	if !sub.serverUnsubscribed() {
		return
	}
	ev := UnsubscribeEvent{Channel: sub.channel, Code: u.Code, Reason: u.Reason}
	c.callbacks.push(func() { sub.emit(ev) })
}
