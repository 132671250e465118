package chmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// ============================================================================
// Fake Server
// ============================================================================

// fakeServer is an in-memory Dialer answering commands the way a Centrifugo
// node would. Replies go through the real JSON protocol codec.
type fakeServer struct {
	t      *testing.T
	connCh chan *fakeConn

	mu            sync.Mutex
	conns         []*fakeConn
	dialErr       error
	connectResult *protocol.ConnectResult
	connectErr    *protocol.Error
	subscribeErr  map[string]*protocol.Error
	publishErr    *protocol.Error
	holdPublish   bool
	holdSubscribe bool
	presence      map[string]*protocol.ClientInfo
	// blockSend makes Send of matching commands hang until the connection closes.
	blockSend func(*protocol.Command) bool
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:            t,
		connCh:       make(chan *fakeConn, 16),
		subscribeErr: make(map[string]*protocol.Error),
	}
}

func (s *fakeServer) Dial(_ context.Context, h TransportHandler) (Transport, error) {
	s.mu.Lock()
	if s.dialErr != nil {
		err := s.dialErr
		s.mu.Unlock()
		return nil, err
	}
	conn := &fakeConn{
		server:  s,
		handler: h,
		frames:  make(chan fakeFrame, 1024),
		cmds:    make(chan *protocol.Command, 1024),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	go conn.loop()
	select {
	case s.connCh <- conn:
	default:
	}
	return conn, nil
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// nextConn waits for the next dialed connection.
func (s *fakeServer) nextConn() *fakeConn {
	s.t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(waitTimeout):
		s.t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (s *fakeServer) respond(c *fakeConn, cmd *protocol.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cmd.Connect != nil:
		if s.connectErr != nil {
			c.reply(&protocol.Reply{Id: cmd.Id, Error: s.connectErr})
			return
		}
		res := &protocol.ConnectResult{Client: "client-1", Version: "test"}
		if s.connectResult != nil {
			res = s.connectResult
		}
		c.reply(&protocol.Reply{Id: cmd.Id, Connect: res})
	case cmd.Subscribe != nil:
		if e, ok := s.subscribeErr[cmd.Subscribe.Channel]; ok {
			c.reply(&protocol.Reply{Id: cmd.Id, Error: e})
			return
		}
		if !s.holdSubscribe {
			c.reply(&protocol.Reply{Id: cmd.Id, Subscribe: &protocol.SubscribeResult{}})
		}
	case cmd.Publish != nil:
		if s.publishErr != nil {
			c.reply(&protocol.Reply{Id: cmd.Id, Error: s.publishErr})
			return
		}
		if !s.holdPublish {
			c.reply(&protocol.Reply{Id: cmd.Id, Publish: &protocol.PublishResult{}})
		}
	case cmd.Presence != nil:
		c.reply(&protocol.Reply{Id: cmd.Id, Presence: &protocol.PresenceResult{Presence: s.presence}})
	case cmd.Unsubscribe != nil:
		c.reply(&protocol.Reply{Id: cmd.Id, Unsubscribe: &protocol.UnsubscribeResult{}})
	case cmd.Refresh != nil:
		c.reply(&protocol.Reply{Id: cmd.Id, Refresh: &protocol.RefreshResult{}})
	}
}

// ============================================================================
// Fake Connection
// ============================================================================

type fakeFrame struct {
	data     []byte
	close    bool
	closeErr error
}

type fakeConn struct {
	server  *fakeServer
	handler TransportHandler
	frames  chan fakeFrame
	cmds    chan *protocol.Command
	done    chan struct{}
	closing chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// loop is the connection's read goroutine.
func (c *fakeConn) loop() {
	defer close(c.done)
	for f := range c.frames {
		if f.close {
			c.handler.OnClose(f.closeErr)
			return
		}
		c.handler.OnMessage(f.data)
	}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
	cmd, err := protocol.NewJSONCommandDecoder(data).Decode()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	c.cmds <- cmd
	c.server.mu.Lock()
	block := c.server.blockSend != nil && c.server.blockSend(cmd)
	c.server.mu.Unlock()
	if block {
		<-c.closing
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
	c.server.respond(c, cmd)
	return nil
}

func (c *fakeConn) Close() error {
	c.drop(nil)
	return nil
}

// drop closes the connection from the server side with err.
func (c *fakeConn) drop(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)
		c.frames <- fakeFrame{close: true, closeErr: err}
	})
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) reply(r *protocol.Reply) {
	data, err := protocol.DefaultJsonReplyEncoder.Encode(r)
	if err != nil {
		panic(err)
	}
	c.send(data)
}

// send enqueues raw bytes for the read goroutine.
func (c *fakeConn) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- fakeFrame{data: data}
}

func (c *fakeConn) push(p *protocol.Push) {
	c.reply(&protocol.Reply{Push: p})
}

func (c *fakeConn) publication(channel, data string) {
	c.push(&protocol.Push{Channel: channel, Pub: &protocol.Publication{Data: []byte(data)}})
}

// waitCommand returns the next command matching match, skipping others.
func (c *fakeConn) waitCommand(t *testing.T, match func(*protocol.Command) bool) *protocol.Command {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case cmd := <-c.cmds:
			if match(cmd) {
				return cmd
			}
		case <-deadline:
			t.Fatal("timed out waiting for command")
			return nil
		}
	}
}

func isSubscribe(channel string) func(*protocol.Command) bool {
	return func(cmd *protocol.Command) bool {
		return cmd.Subscribe != nil && cmd.Subscribe.Channel == channel
	}
}

func isPublish(cmd *protocol.Command) bool { return cmd.Publish != nil }

func isPresence(cmd *protocol.Command) bool { return cmd.Presence != nil }

// ============================================================================
// Helpers
// ============================================================================

func testConfig() *Config {
	return &Config{
		Token:                  "test-token",
		ConnectTimeout:         time.Second,
		PublishTimeout:         time.Second,
		RequestTimeout:         time.Second,
		ReconnectBaseDelay:     10 * time.Millisecond,
		ReconnectMaxDelay:      50 * time.Millisecond,
		DisableReconnectJitter: true,
	}
}

func newTestClient(t *testing.T, server *fakeServer, config *Config) *Client {
	t.Helper()
	if config == nil {
		config = testConfig()
	}
	c, err := NewClient(server, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectTestClient connects and returns the live fake connection.
func connectTestClient(t *testing.T, server *fakeServer, config *Config) (*Client, *fakeConn) {
	t.Helper()
	c := newTestClient(t, server, config)
	require.NoError(t, c.Connect(context.Background()))
	conn := server.nextConn()
	conn.waitCommand(t, func(cmd *protocol.Command) bool { return cmd.Connect != nil })
	return c, conn
}

// subscribeAndWait subscribes and waits for the server confirmation.
func subscribeAndWait(t *testing.T, c *Client, channel string, onMessage func(MessageEvent)) *Subscription {
	t.Helper()
	confirmed := make(chan SubscribeEvent, 1)
	sub, err := c.Subscribe(channel, onMessage, WithSubscribeListener(func(e SubscribeEvent) {
		select {
		case confirmed <- e:
		default:
		}
	}))
	require.NoError(t, err)
	recv(t, confirmed)
	return sub
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func noRecv[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %v", v)
	case <-time.After(d):
	}
}

// logBuffer is a goroutine-safe log sink.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLogBuffer() (*logBuffer, *slog.Logger) {
	b := &logBuffer{}
	return b, slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
