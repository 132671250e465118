// Package chmux is a real-time channel multiplexing client for
// Centrifugo-compatible servers.
//
// One Client owns one transport connection and multiplexes any number of
// channel subscriptions over it. It reconnects with exponential backoff and
// restores subscriptions in the order they were created.
//
// Example:
//
//	client, _ := chmux.NewWebSocketClient("ws://localhost:8000/connection/websocket", &chmux.Config{
//		Token: "your-jwt-token-here",
//	})
//	defer client.Close()
//
//	_ = client.Connect(ctx)
//
//	chat, _ := client.Subscribe("chat", func(e chmux.MessageEvent) {
//		fmt.Println("chat message:", string(e.Data))
//	})
//	chat.OnJoin(func(e chmux.JoinEvent) { fmt.Println("joined:", e.Info.User) })
//
//	_, err := chat.PublishJSON(ctx, map[string]any{"text": "Hello"})
package chmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

type replyResult struct {
	reply *protocol.Reply
	err   error
}

// request is a command waiting for its reply. Synchronous callers wait on
// done, asynchronous ones get onReply on the read goroutine.
type request struct {
	sub     *Subscription
	done    chan replyResult
	onReply func(*protocol.Reply)
}

func (r *request) resolve(reply *protocol.Reply) {
	if r.onReply != nil {
		r.onReply(reply)
		return
	}
	select {
	case r.done <- replyResult{reply: reply}:
	default:
	}
}

func (r *request) fail(err error) {
	if r.done == nil {
		return
	}
	select {
	case r.done <- replyResult{err: err}:
	default:
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is a connection to the server multiplexing channel subscriptions.
// Create one per application and pass it around; it is safe for concurrent use.
type Client struct {
	config    Config
	dialer    Dialer
	tokens    *tokenSource
	codec     *codec
	logger    *slog.Logger
	metrics   *metrics
	callbacks *callbackQueue

	mu             sync.Mutex
	state          State
	gen            uint64
	transport      Transport
	clientID       string
	session        string
	registry       *registry
	requests       map[uint32]*request
	nextID         uint32
	recon          *reconnector
	reconnectTimer *time.Timer
	pingTimer      *time.Timer
	pingTimeout    time.Duration
	sendPong       bool
	refreshTimer   *time.Timer
	connectCancel  context.CancelFunc

	hmu            sync.RWMutex
	onConnecting   []func()
	onConnected    []func(ConnectedEvent)
	onDisconnected []func(DisconnectedEvent)
	onReconnecting []func(ReconnectingEvent)
	onError        []func(error)
}

// ClientOption overrides a Config field.
type ClientOption func(*Config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Config) { c.Logger = logger }
}

// WithTokenProvider sets the token provider, replacing Config.Token.
func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Config) { c.TokenProvider = p }
}

// WithMetrics registers client metrics with registerer.
func WithMetrics(registerer prometheus.Registerer) ClientOption {
	return func(c *Config) { c.MetricsRegisterer = registerer }
}

// NewClient creates a Client using dialer for every connection attempt.
// config may be nil.
func NewClient(dialer Dialer, config *Config, opts ...ClientOption) (*Client, error) {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	m, err := newMetrics(cfg.MetricsNamespace, cfg.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &Client{
		config:    cfg,
		dialer:    dialer,
		tokens:    &tokenSource{provider: cfg.TokenProvider},
		codec:     newCodec(),
		logger:    cfg.Logger,
		metrics:   m,
		callbacks: newCallbackQueue(),
		state:     StateDisconnected,
		registry:  newRegistry(),
		requests:  make(map[uint32]*request),
		recon:     newReconnector(&cfg),
	}, nil
}

// NewWebSocketClient creates a Client connecting to a WebSocket endpoint.
func NewWebSocketClient(url string, config *Config, opts ...ClientOption) (*Client, error) {
	return NewClient(NewWebSocketDialer(url), config, opts...)
}

// OnConnecting registers a handler for the connecting meta-event.
func (c *Client) OnConnecting(h func()) {
	c.hmu.Lock()
	c.onConnecting = append(c.onConnecting, h)
	c.hmu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (c *Client) OnConnected(h func(ConnectedEvent)) {
	c.hmu.Lock()
	c.onConnected = append(c.onConnected, h)
	c.hmu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *Client) OnDisconnected(h func(DisconnectedEvent)) {
	c.hmu.Lock()
	c.onDisconnected = append(c.onDisconnected, h)
	c.hmu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *Client) OnReconnecting(h func(ReconnectingEvent)) {
	c.hmu.Lock()
	c.onReconnecting = append(c.onReconnecting, h)
	c.hmu.Unlock()
}

// OnError registers a handler for connection-level errors.
func (c *Client) OnError(h func(error)) {
	c.hmu.Lock()
	c.onError = append(c.onError, h)
	c.hmu.Unlock()
}

func (c *Client) emitConnecting() {
	c.hmu.RLock()
	handlers := append([]func(){}, c.onConnecting...)
	c.hmu.RUnlock()
	c.callbacks.push(func() {
		for _, h := range handlers {
			h()
		}
	})
}

func (c *Client) emitConnected(ev ConnectedEvent) {
	c.hmu.RLock()
	handlers := append([]func(ConnectedEvent){}, c.onConnected...)
	c.hmu.RUnlock()
	c.callbacks.push(func() {
		for _, h := range handlers {
			h(ev)
		}
	})
}

func (c *Client) emitDisconnected(ev DisconnectedEvent) {
	c.hmu.RLock()
	handlers := append([]func(DisconnectedEvent){}, c.onDisconnected...)
	c.hmu.RUnlock()
	c.callbacks.push(func() {
		for _, h := range handlers {
			h(ev)
		}
	})
}

func (c *Client) emitReconnecting(ev ReconnectingEvent) {
	c.hmu.RLock()
	handlers := append([]func(ReconnectingEvent){}, c.onReconnecting...)
	c.hmu.RUnlock()
	c.callbacks.push(func() {
		for _, h := range handlers {
			h(ev)
		}
	})
}

func (c *Client) emitError(err error) {
	c.hmu.RLock()
	handlers := append([]func(error){}, c.onError...)
	c.hmu.RUnlock()
	c.callbacks.push(func() {
		for _, h := range handlers {
			h(err)
		}
	})
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id the server assigned on the last successful connect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.metrics.setConnected(s == StateConnected)
}

func (c *Client) nextIDLocked() uint32 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

func (c *Client) addRequestLocked(sub *Subscription) (uint32, chan replyResult) {
	id := c.nextIDLocked()
	done := make(chan replyResult, 1)
	c.requests[id] = &request{sub: sub, done: done}
	return id, done
}

func (c *Client) removeRequest(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.requests[id]; ok {
		delete(c.requests, id)
		if r.sub != nil {
			r.sub.removePending(id)
		}
	}
}

// cancelledDuringSend reports whether Disconnect or Unsubscribe failed the
// request while its command was still being written.
func cancelledDuringSend(done <-chan replyResult) bool {
	select {
	case res := <-done:
		return errors.Is(res.err, ErrCancelled)
	default:
		return false
	}
}

func (c *Client) send(ctx context.Context, t Transport, cmd *protocol.Command) error {
	data, err := c.codec.encodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := t.Send(ctx, data); err != nil {
		// The read side reports the close and the state machine takes over.
		_ = t.Close()
		return asTransportError("send", err)
	}
	return nil
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

// Connect establishes the connection and waits for the connect handshake.
// It returns nil right away if the client is already connected or connecting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.recon.reset()
	c.mu.Unlock()
	c.emitConnecting()

	if err := c.connectOnce(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the connection. Pending publishes fail with ErrCancelled
// and all subscriptions are torn down without further events. The client may
// Connect again afterwards.
func (c *Client) Disconnect() error {
	return c.disconnect(StateDisconnected)
}

// Close disconnects and stops the client for good.
func (c *Client) Close() error {
	err := c.disconnect(StateClosed)
	c.callbacks.close()
	return err
}

func (c *Client) disconnect(final State) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.gen++
	c.setStateLocked(final)
	t := c.transport
	c.transport = nil
	c.stopTimersLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.recon.reset()
	reqs := c.requests
	c.requests = make(map[uint32]*request)
	subs := c.registry.drain()
	c.metrics.numSubscriptions.Set(0)
	// Callbacks still queued find the listeners gone.
	for _, sub := range subs {
		sub.teardown()
		sub.release()
	}
	if prev != StateDisconnected {
		c.emitDisconnected(DisconnectedEvent{Reason: "disconnect called"})
	}
	c.mu.Unlock()

	for _, r := range reqs {
		r.fail(ErrCancelled)
	}
	c.logger.Info("disconnected by client", "state", string(final), "subscriptions", len(subs))
	if t != nil {
		return t.Close()
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReconnecting {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.gen++
	gen := c.gen
	c.connectCancel = cancel
	c.mu.Unlock()

	token, err := c.tokens.token(ctx)
	if err != nil {
		return c.abortConnect(gen, nil, 0, fmt.Errorf("get token: %w", err))
	}

	t, err := c.dialer.Dial(ctx, &transportHandler{client: c, gen: gen})
	if err != nil {
		return c.abortConnect(gen, nil, 0, asTransportError("dial", err))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = t.Close()
		return ErrCancelled
	}
	c.transport = t
	id, done := c.addRequestLocked(nil)
	c.mu.Unlock()

	err = c.send(ctx, t, &protocol.Command{
		Id: id,
		Connect: &protocol.ConnectRequest{
			Token:   token,
			Data:    c.config.ConnectData,
			Name:    c.config.Name,
			Version: c.config.Version,
		},
	})
	if err != nil {
		return c.abortConnect(gen, t, id, err)
	}

	var res replyResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("connect: %w", ctx.Err())
	}
	if res.err == nil && res.reply.Error != nil {
		res.err = serverError(res.reply.Error)
	}
	if res.err != nil {
		return c.abortConnect(gen, t, id, res.err)
	}
	return c.connected(gen, t, res.reply.Connect)
}

// abortConnect cleans up a failed handshake. It reports ErrCancelled when
// Disconnect or Close interrupted the attempt.
func (c *Client) abortConnect(gen uint64, t Transport, id uint32, err error) error {
	c.mu.Lock()
	if id != 0 {
		delete(c.requests, id)
	}
	if c.gen == gen {
		c.gen++
		c.transport = nil
	}
	c.connectCancel = nil
	cancelled := c.state != StateConnecting && c.state != StateReconnecting
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	if cancelled {
		return ErrCancelled
	}
	return err
}

type resubscription struct {
	sub *Subscription
	id  uint32
}

func (c *Client) connected(gen uint64, t Transport, res *protocol.ConnectResult) error {
	if res == nil {
		res = &protocol.ConnectResult{}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrCancelled
	}
	c.setStateLocked(StateConnected)
	c.clientID = res.Client
	c.session = uuid.NewString()
	c.connectCancel = nil
	c.recon.markConnected()
	if res.Ping > 0 {
		c.pingTimeout = time.Duration(res.Ping)*time.Second + c.config.MaxServerPingDelay
		c.sendPong = res.Pong
		c.pingTimer = time.AfterFunc(c.pingTimeout, func() { c.handlePingTimeout(gen) })
	}
	if res.Expires && res.Ttl > 0 {
		c.scheduleRefreshLocked(gen, time.Duration(res.Ttl)*time.Second)
	}
	var resubs []resubscription
	for _, sub := range c.registry.ordered() {
		if !sub.resubscribable() {
			continue
		}
		resubs = append(resubs, resubscription{sub: sub, id: c.addSubscribeRequestLocked(sub)})
	}
	session := c.session
	c.emitConnected(ConnectedEvent{ClientID: res.Client, Version: res.Version, Data: res.Data})
	c.mu.Unlock()

	c.logger.Info("connected", "client", res.Client, "session", session, "subscriptions", len(resubs))
	for _, r := range resubs {
		c.sendSubscribe(t, r.sub, r.id)
	}
	return nil
}

// ============================================================================
// Reconnect
// ============================================================================

// scheduleReconnectLocked arms the single reconnect timer. It returns false
// when attempts are exhausted; the client is then disconnected.
func (c *Client) scheduleReconnectLocked() bool {
	if !c.recon.shouldReconnect() {
		c.setStateLocked(StateDisconnected)
		return false
	}
	delay := c.recon.nextDelay()
	c.setStateLocked(StateReconnecting)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectAttempt)
	c.metrics.reconnects.Inc()
	c.emitReconnecting(ReconnectingEvent{Attempt: c.recon.attempt, Delay: delay})
	c.logger.Debug("reconnect scheduled", "attempt", c.recon.attempt, "delay", delay)
	return true
}

func (c *Client) reconnectAttempt() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := c.connectOnce(context.Background())
	if err == nil {
		return
	}
	c.logger.Warn("reconnect failed", "error", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReconnecting {
		return
	}
	c.emitError(err)
	var de *DisconnectError
	if errors.As(err, &de) && !de.Reconnect() {
		c.setStateLocked(StateDisconnected)
		c.emitDisconnected(DisconnectedEvent{Code: de.Code, Reason: de.Reason})
		return
	}
	if !c.scheduleReconnectLocked() {
		c.emitDisconnected(DisconnectedEvent{Reason: "reconnect attempts exhausted"})
	}
}

// ============================================================================
// Transport Events
// ============================================================================

type transportHandler struct {
	client *Client
	gen    uint64
}

func (h *transportHandler) OnMessage(data []byte) {
	h.client.handleMessage(h.gen, data)
}

func (h *transportHandler) OnClose(err error) {
	h.client.handleTransportClose(h.gen, err)
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	replies, err := c.codec.decodeReplies(data)
	for _, reply := range replies {
		if !c.handleReply(gen, reply) {
			return
		}
	}
	if err != nil {
		c.logger.Error("malformed frame", "error", err)
		c.closeTransport(gen, &TransportError{Op: "decode", Err: err})
	}
}

// handleReply returns false once the transport generation is gone.
func (c *Client) handleReply(gen uint64, reply *protocol.Reply) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	if c.pingTimer != nil {
		c.pingTimer.Reset(c.pingTimeout)
	}
	if reply.Id > 0 {
		req, ok := c.requests[reply.Id]
		if ok {
			delete(c.requests, reply.Id)
			if req.sub != nil {
				req.sub.removePending(reply.Id)
			}
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("reply for unknown command", "id", reply.Id)
			return true
		}
		req.resolve(reply)
		return true
	}
	t := c.transport
	sendPong := c.sendPong
	c.mu.Unlock()

	push := reply.Push
	if push == nil {
		if sendPong && t != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			if err := c.send(ctx, t, &protocol.Command{}); err != nil {
				c.logger.Warn("pong failed", "error", err)
			}
			cancel()
		}
		return true
	}
	if push.Disconnect != nil {
		c.closeTransport(gen, &DisconnectError{Code: push.Disconnect.Code, Reason: push.Disconnect.Reason})
		return false
	}
	if f, ok := pushFrame(push); ok {
		c.dispatchFrame(f)
	} else {
		c.logger.Debug("ignoring push", "channel", push.Channel)
	}
	return true
}

// closeTransport handles err as a transport close and shuts the transport.
func (c *Client) closeTransport(gen uint64, err error) {
	if t := c.handleTransportClose(gen, err); t != nil {
		_ = t.Close()
	}
}

// handleTransportClose runs the state machine for a lost transport and returns
// the detached transport, or nil if gen is stale.
func (c *Client) handleTransportClose(gen uint64, err error) Transport {
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	t := c.transport
	c.transport = nil
	c.stopTimersLocked()
	reqs := c.requests
	c.requests = make(map[uint32]*request)
	for _, sub := range c.registry.ordered() {
		sub.connectionLost()
	}
	if c.state == StateConnected {
		ev := DisconnectedEvent{Reason: err.Error()}
		reconnect := true
		var de *DisconnectError
		if errors.As(err, &de) {
			ev.Code, ev.Reason = de.Code, de.Reason
			reconnect = de.Reconnect()
		}
		ev.Reconnect = reconnect && c.recon.shouldReconnect()
		c.emitDisconnected(ev)
		c.logger.Info("connection lost", "error", err, "reconnect", ev.Reconnect, "session", c.session)
		if reconnect {
			c.scheduleReconnectLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
	}
	c.mu.Unlock()

	failErr := asTransportError("read", err)
	for _, r := range reqs {
		r.fail(failErr)
	}
	return t
}

func (c *Client) stopTimersLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

func (c *Client) handlePingTimeout(gen uint64) {
	c.logger.Warn("no ping from server, closing connection")
	c.closeTransport(gen, &TransportError{Op: "ping", Err: errors.New("no ping from server")})
}

// ============================================================================
// Token Refresh
// ============================================================================

// maxRefreshMargin caps how early a token is refreshed before it expires.
const maxRefreshMargin = 10 * time.Second

// refreshDelay returns when to refresh a token that expires after ttl: a
// tenth of ttl early, at most maxRefreshMargin.
func refreshDelay(ttl time.Duration) time.Duration {
	margin := ttl / 10
	if margin > maxRefreshMargin {
		margin = maxRefreshMargin
	}
	return ttl - margin
}

func (c *Client) scheduleRefreshLocked(gen uint64, ttl time.Duration) {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(refreshDelay(ttl), func() { c.refresh(gen) })
}

func (c *Client) refresh(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	token, err := c.tokens.token(ctx)
	if err != nil {
		c.logger.Error("token refresh failed", "error", err)
		c.emitError(fmt.Errorf("refresh token: %w", err))
		c.closeTransport(gen, &TransportError{Op: "refresh", Err: err})
		return
	}

	c.mu.Lock()
	t := c.transport
	if c.gen != gen || t == nil {
		c.mu.Unlock()
		return
	}
	id, done := c.addRequestLocked(nil)
	c.mu.Unlock()

	if err := c.send(ctx, t, &protocol.Command{Id: id, Refresh: &protocol.RefreshRequest{Token: token}}); err != nil {
		c.removeRequest(id)
		return
	}
	var res replyResult
	select {
	case res = <-done:
	case <-ctx.Done():
		c.removeRequest(id)
		c.closeTransport(gen, &TransportError{Op: "refresh", Err: ctx.Err()})
		return
	}
	if res.err != nil {
		return
	}
	if res.reply.Error != nil {
		serr := serverError(res.reply.Error)
		c.emitError(fmt.Errorf("refresh token: %w", serr))
		c.closeTransport(gen, serr)
		return
	}
	if r := res.reply.Refresh; r != nil && r.Expires && r.Ttl > 0 {
		c.mu.Lock()
		if c.gen == gen {
			c.scheduleRefreshLocked(gen, time.Duration(r.Ttl)*time.Second)
		}
		c.mu.Unlock()
	}
}

// ============================================================================
// Requests
// ============================================================================

// request sends cmd on behalf of sub and waits for the reply within
// Config.RequestTimeout. cmd.Id is assigned here.
func (c *Client) request(ctx context.Context, sub *Subscription, cmd *protocol.Command) (*protocol.Reply, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if sub != nil {
		if cur, ok := c.registry.get(sub.channel); !ok || cur != sub {
			c.mu.Unlock()
			return nil, ErrUnsubscribed
		}
	}
	t := c.transport
	if c.state != StateConnected || t == nil {
		c.mu.Unlock()
		return nil, &TransportError{Op: "send", Err: ErrNotConnected}
	}
	id, done := c.addRequestLocked(nil)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	cmd.Id = id
	if err := c.send(ctx, t, cmd); err != nil {
		c.removeRequest(id)
		if cancelledDuringSend(done) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.reply.Error != nil {
			return nil, serverError(res.reply.Error)
		}
		return res.reply, nil
	case <-ctx.Done():
		c.removeRequest(id)
		return nil, ctx.Err()
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// SubscribeOption configures a new Subscription.
type SubscribeOption func(*Subscription)

// WithJoinListener registers a join listener.
func WithJoinListener(h func(JoinEvent)) SubscribeOption {
	return func(s *Subscription) { s.listeners.join = append(s.listeners.join, h) }
}

// WithLeaveListener registers a leave listener.
func WithLeaveListener(h func(LeaveEvent)) SubscribeOption {
	return func(s *Subscription) { s.listeners.leave = append(s.listeners.leave, h) }
}

// WithSubscribeListener registers a listener for server confirmations.
func WithSubscribeListener(h func(SubscribeEvent)) SubscribeOption {
	return func(s *Subscription) { s.listeners.subscribe = append(s.listeners.subscribe, h) }
}

// WithUnsubscribeListener registers an unsubscribe listener.
func WithUnsubscribeListener(h func(UnsubscribeEvent)) SubscribeOption {
	return func(s *Subscription) { s.listeners.unsubscribe = append(s.listeners.unsubscribe, h) }
}

// WithErrorListener registers an error listener.
func WithErrorListener(h func(ErrorEvent)) SubscribeOption {
	return func(s *Subscription) { s.listeners.errs = append(s.listeners.errs, h) }
}

// WithSubscribeData attaches custom data to the subscribe command.
func WithSubscribeData(data []byte) SubscribeOption {
	return func(s *Subscription) { s.data = data }
}

// Subscribe returns the subscription for channel, creating it if needed.
// Listeners given here (onMessage may be nil) are registered before the
// subscribe command goes out, so no early event is missed. If the channel is
// already registered the existing Subscription is returned unchanged and opts
// are ignored. While disconnected the subscription is queued and sent on the
// next connect.
func (c *Client) Subscribe(channel string, onMessage func(MessageEvent), opts ...SubscribeOption) (*Subscription, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	sub, ok := c.registry.get(channel)
	if !ok {
		sub = newSubscription(c, channel)
		for _, opt := range opts {
			opt(sub)
		}
		if onMessage != nil {
			sub.listeners.message = append(sub.listeners.message, onMessage)
		}
		c.registry.add(sub)
		c.metrics.numSubscriptions.Set(float64(c.registry.len()))
	}

	var (
		id uint32
		t  Transport
	)
	if st := sub.State(); st == SubStateUnsubscribed || st == SubStateError {
		if c.state == StateConnected && c.transport != nil {
			t = c.transport
			id = c.addSubscribeRequestLocked(sub)
		} else {
			sub.markSubscribing()
		}
	}
	c.mu.Unlock()

	if t != nil {
		c.sendSubscribe(t, sub, id)
	}
	return sub, nil
}

// GetSubscription returns the registered subscription for channel.
func (c *Client) GetSubscription(channel string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.get(channel)
}

// Subscriptions returns all registered subscriptions in creation order.
func (c *Client) Subscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.ordered()
}

// Unsubscribe unsubscribes channel if it is registered.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.registry.get(channel)
	c.mu.Unlock()
	if ok {
		c.unsubscribe(sub)
	}
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	if cur, ok := c.registry.get(sub.channel); !ok || cur != sub {
		c.mu.Unlock()
		return
	}
	c.registry.remove(sub.channel)
	c.metrics.numSubscriptions.Set(float64(c.registry.len()))
	active := sub.resubscribable()
	var cancelled []*request
	for _, id := range sub.teardown() {
		if r, ok := c.requests[id]; ok {
			delete(c.requests, id)
			cancelled = append(cancelled, r)
		}
	}
	var (
		t  Transport
		id uint32
	)
	if active && c.state == StateConnected && c.transport != nil {
		t = c.transport
		id = c.nextIDLocked()
		c.requests[id] = &request{onReply: func(*protocol.Reply) {}}
	}
	c.mu.Unlock()

	for _, r := range cancelled {
		r.fail(ErrCancelled)
	}
	if t != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		err := c.send(ctx, t, &protocol.Command{Id: id, Unsubscribe: &protocol.UnsubscribeRequest{Channel: sub.channel}})
		cancel()
		if err != nil {
			c.removeRequest(id)
			c.logger.Debug("unsubscribe not sent", "channel", sub.channel, "error", err)
		}
	}
	ev := UnsubscribeEvent{Channel: sub.channel, Code: UnsubscribeCodeClient, Reason: "unsubscribe called"}
	if !c.callbacks.push(func() { sub.finish(ev) }) {
		sub.release()
	}
}

// resubscribe re-sends the subscribe command after the server asked for it.
func (c *Client) resubscribe(sub *Subscription) {
	c.mu.Lock()
	cur, ok := c.registry.get(sub.channel)
	t := c.transport
	if !ok || cur != sub || c.state != StateConnected || t == nil {
		c.mu.Unlock()
		return
	}
	id := c.addSubscribeRequestLocked(sub)
	c.mu.Unlock()
	c.sendSubscribe(t, sub, id)
}

// addSubscribeRequestLocked registers the subscribe reply handler and marks
// id as the subscription's one request in flight.
func (c *Client) addSubscribeRequestLocked(sub *Subscription) uint32 {
	id := c.nextIDLocked()
	channel := sub.channel
	c.requests[id] = &request{onReply: func(reply *protocol.Reply) {
		c.dispatchFrame(subscribeFrame(channel, reply))
	}}
	sub.startSubscribe(id)
	return id
}

func (c *Client) sendSubscribe(t Transport, sub *Subscription, id uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	err := c.send(ctx, t, &protocol.Command{
		Id:        id,
		Subscribe: &protocol.SubscribeRequest{Channel: sub.channel, Data: sub.data},
	})
	if err == nil {
		return
	}
	c.removeRequest(id)
	if ev, ok := sub.sendFailed(id, err); ok {
		c.logger.Warn("subscribe not sent", "channel", sub.channel, "error", err)
		c.callbacks.push(func() { sub.emit(ev) })
	}
}
