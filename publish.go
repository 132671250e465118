package chmux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/segmentio/encoding/json"
)

// ErrInvalidData is returned when publication data is not valid JSON. The
// JSON protocol embeds it verbatim, so it has to be.
var ErrInvalidData = errors.New("publication data is not valid JSON")

// PublishResult is returned on a successful publish.
type PublishResult struct{}

// PublishJSON marshals v and publishes it.
func (s *Subscription) PublishJSON(ctx context.Context, v any) (PublishResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal publication: %w", err)
	}
	return s.Publish(ctx, data)
}

func (c *Client) publish(ctx context.Context, sub *Subscription, data []byte) (PublishResult, error) {
	if !json.Valid(data) {
		return PublishResult{}, ErrInvalidData
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return PublishResult{}, ErrClientClosed
	}
	if cur, ok := c.registry.get(sub.channel); !ok || cur != sub {
		c.mu.Unlock()
		return PublishResult{}, ErrUnsubscribed
	}
	t := c.transport
	if c.state != StateConnected || t == nil {
		c.mu.Unlock()
		c.metrics.publish("transport_error")
		return PublishResult{}, &TransportError{Op: "publish", Err: ErrNotConnected}
	}
	id, done := c.addRequestLocked(sub)
	sub.addPending(id)
	c.mu.Unlock()

	err := c.send(ctx, t, &protocol.Command{
		Id:      id,
		Publish: &protocol.PublishRequest{Channel: sub.channel, Data: data},
	})
	if err != nil {
		c.removeRequest(id)
		if cancelledDuringSend(done) {
			c.metrics.publish("cancelled")
			return PublishResult{}, ErrCancelled
		}
		c.metrics.publish("transport_error")
		return PublishResult{}, err
	}

	timer := time.NewTimer(c.config.PublishTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return c.publishResult(res)
	case <-timer.C:
		c.removeRequest(id)
		c.metrics.publish("timeout")
		c.logger.Debug("publish timed out", "channel", sub.channel, "id", id)
		return PublishResult{}, ErrPublishTimeout
	case <-ctx.Done():
		c.removeRequest(id)
		c.metrics.publish("cancelled")
		return PublishResult{}, ctx.Err()
	}
}

func (c *Client) publishResult(res replyResult) (PublishResult, error) {
	switch {
	case errors.Is(res.err, ErrCancelled):
		c.metrics.publish("cancelled")
		return PublishResult{}, res.err
	case res.err != nil:
		c.metrics.publish("transport_error")
		return PublishResult{}, res.err
	case res.reply.Error != nil:
		c.metrics.publish("server_error")
		return PublishResult{}, serverError(res.reply.Error)
	}
	c.metrics.publish("ok")
	return PublishResult{}, nil
}
