package chmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type publishOutcome struct {
	res PublishResult
	err error
}

func publishAsync(sub *Subscription, data string) <-chan publishOutcome {
	out := make(chan publishOutcome, 1)
	go func() {
		res, err := sub.Publish(context.Background(), []byte(data))
		out <- publishOutcome{res: res, err: err}
	}()
	return out
}

func TestPublish(t *testing.T) {
	server := newFakeServer(t)
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	_, err := sub.Publish(context.Background(), []byte(`{"text":"hello"}`))
	require.NoError(t, err)

	cmd := conn.waitCommand(t, isPublish)
	require.Equal(t, "chat", cmd.Publish.Channel)
	require.JSONEq(t, `{"text":"hello"}`, string(cmd.Publish.Data))
	require.NotZero(t, cmd.Id)
	require.Empty(t, sub.Pending())
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.publishes.WithLabelValues("ok")))
}

func TestPublishJSON(t *testing.T) {
	server := newFakeServer(t)
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	_, err := sub.PublishJSON(context.Background(), map[string]any{"text": "hello", "n": 2})
	require.NoError(t, err)
	cmd := conn.waitCommand(t, isPublish)
	require.JSONEq(t, `{"text":"hello","n":2}`, string(cmd.Publish.Data))

	_, err = sub.PublishJSON(context.Background(), make(chan int))
	require.ErrorContains(t, err, "marshal publication")
}

func TestPublishInvalidData(t *testing.T) {
	server := newFakeServer(t)
	c, _ := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	_, err := sub.Publish(context.Background(), []byte("not json"))
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestPublishServerError(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) {
		s.publishErr = &protocol.Error{Code: 103, Message: "permission denied"}
	})
	c, _ := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	_, err := sub.Publish(context.Background(), []byte(`{}`))
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, uint32(103), serr.Code)
	require.Equal(t, "permission denied", serr.Message)
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.publishes.WithLabelValues("server_error")))
}

func TestPublishTimeout(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.holdPublish = true })
	config := testConfig()
	config.PublishTimeout = 50 * time.Millisecond
	c, conn := connectTestClient(t, server, config)
	sub := subscribeAndWait(t, c, "chat", nil)

	_, err := sub.Publish(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrPublishTimeout)
	require.Empty(t, sub.Pending())

	// A late reply for the removed entry is ignored.
	cmd := conn.waitCommand(t, isPublish)
	conn.reply(&protocol.Reply{Id: cmd.Id, Publish: &protocol.PublishResult{}})
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.publishes.WithLabelValues("timeout")))
}

func TestPublishContextCancelled(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.holdPublish = true })
	c, _ := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Publish(ctx, []byte(`{}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, sub.Pending())
}

func TestPublishNotConnected(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, nil)
	sub, err := c.Subscribe("chat", nil)
	require.NoError(t, err)

	_, err = sub.Publish(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, ErrNotConnected)
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestPublishCancelledByDisconnect(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.holdPublish = true })
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	out := publishAsync(sub, `{"text":"bye"}`)
	cmd := conn.waitCommand(t, isPublish)
	require.Equal(t, []uint32{cmd.Id}, sub.Pending())

	require.NoError(t, c.Disconnect())
	conn.reply(&protocol.Reply{Id: cmd.Id, Publish: &protocol.PublishResult{}})

	require.ErrorIs(t, recv(t, out).err, ErrCancelled)
	require.Empty(t, sub.Pending())
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.publishes.WithLabelValues("cancelled")))
}

func TestPublishCancelledByUnsubscribe(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.holdPublish = true })
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	out := publishAsync(sub, `{}`)
	conn.waitCommand(t, isPublish)

	sub.Unsubscribe()
	require.ErrorIs(t, recv(t, out).err, ErrCancelled)

	_, err := sub.Publish(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsubscribed)
}

func TestPublishFailsOnConnectionLoss(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.holdPublish = true })
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	out := publishAsync(sub, `{}`)
	conn.waitCommand(t, isPublish)
	conn.drop(errors.New("network down"))

	require.ErrorIs(t, recv(t, out).err, ErrTransport)
	require.Empty(t, sub.Pending())

	// The publish is not resent on the new connection.
	conn2 := server.nextConn()
	conn2.waitCommand(t, isSubscribe("chat"))
	select {
	case cmd := <-conn2.cmds:
		require.Nil(t, cmd.Publish)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentPublishesResolveIndependently(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.holdPublish = true })
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	first := publishAsync(sub, `{"n":1}`)
	firstCmd := conn.waitCommand(t, isPublish)
	second := publishAsync(sub, `{"n":2}`)
	secondCmd := conn.waitCommand(t, isPublish)
	require.Equal(t, []uint32{firstCmd.Id, secondCmd.Id}, sub.Pending())

	conn.reply(&protocol.Reply{Id: secondCmd.Id, Error: &protocol.Error{Code: 100, Message: "internal"}})
	var serr *ServerError
	require.ErrorAs(t, recv(t, second).err, &serr)
	require.Equal(t, []uint32{firstCmd.Id}, sub.Pending())

	conn.reply(&protocol.Reply{Id: firstCmd.Id, Publish: &protocol.PublishResult{}})
	require.NoError(t, recv(t, first).err)
}

func TestPublishCancelledByDisconnectDuringWrite(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.blockSend = isPublish })
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "chat", nil)

	out := publishAsync(sub, `{"text":"slow"}`)
	conn.waitCommand(t, isPublish)

	require.NoError(t, c.Disconnect())
	res := recv(t, out)
	require.ErrorIs(t, res.err, ErrCancelled)
	require.NotErrorIs(t, res.err, ErrTransport)
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.publishes.WithLabelValues("cancelled")))
	require.Zero(t, testutil.ToFloat64(c.metrics.publishes.WithLabelValues("transport_error")))
}

func TestRequestCancelledByDisconnectDuringWrite(t *testing.T) {
	server := newFakeServer(t)
	server.set(func(s *fakeServer) { s.blockSend = isPresence })
	c, conn := connectTestClient(t, server, nil)
	sub := subscribeAndWait(t, c, "room", nil)

	out := make(chan error, 1)
	go func() {
		_, err := sub.FetchPresence(context.Background())
		out <- err
	}()
	conn.waitCommand(t, isPresence)

	require.NoError(t, c.Disconnect())
	require.ErrorIs(t, recv(t, out), ErrCancelled)
}
