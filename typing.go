package chmux

import (
	"context"
	"sync"
	"time"
)

// TypingPayload is the publication sent by a TypingIndicator.
type TypingPayload struct {
	UserID string `json:"userId"`
	Stop   bool   `json:"stop,omitempty"`
}

// TypingIndicator publishes "user is typing" notices on a channel and a stop
// notice once the user has been idle for the typing timeout.
type TypingIndicator struct {
	sub     *Subscription
	userID  string
	timeout time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	seq    uint64
	active bool
}

// TypingOption configures a TypingIndicator.
type TypingOption func(*TypingIndicator)

// WithTypingTimeout overrides Config.TypingTimeout for one indicator.
func WithTypingTimeout(d time.Duration) TypingOption {
	return func(t *TypingIndicator) { t.timeout = d }
}

// NewTypingIndicator creates a typing indicator for userID on sub.
func NewTypingIndicator(sub *Subscription, userID string, opts ...TypingOption) *TypingIndicator {
	t := &TypingIndicator{sub: sub, userID: userID, timeout: sub.client.config.TypingTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Typing announces that the user is typing and re-arms the stop timer.
func (t *TypingIndicator) Typing(ctx context.Context) error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(seq) })
	t.active = true
	t.mu.Unlock()

	_, err := t.sub.PublishJSON(ctx, TypingPayload{UserID: t.userID})
	return err
}

// Stop publishes the stop notice right away if the user was typing.
func (t *TypingIndicator) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if !wasActive {
		return nil
	}
	_, err := t.sub.PublishJSON(ctx, TypingPayload{UserID: t.userID, Stop: true})
	return err
}

// expire publishes the stop notice unless Typing or Stop ran after timer seq was armed.
func (t *TypingIndicator) expire(seq uint64) {
	t.mu.Lock()
	if t.seq != seq || !t.active {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.active = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.sub.client.config.PublishTimeout)
	defer cancel()
	_, err := t.sub.PublishJSON(ctx, TypingPayload{UserID: t.userID, Stop: true})
	if err != nil {
		t.sub.client.logger.Debug("typing stop not published", "channel", t.sub.channel, "error", err)
	}
}
