//go:build integration

package chmux_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Prismer-AI/chmux"
)

// helpers ---------------------------------------------------------------

func serverURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CHMUX_URL_TEST")
	if url == "" {
		t.Fatal("CHMUX_URL_TEST environment variable is required")
	}
	return url
}

func newClient(t *testing.T) *chmux.Client {
	t.Helper()
	client, err := chmux.NewWebSocketClient(serverURL(t), &chmux.Config{
		Token: os.Getenv("CHMUX_TOKEN_TEST"),
		Name:  "chmux-integration",
	})
	if err != nil {
		t.Fatalf("NewWebSocketClient returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	return client
}

func uniqueChannel(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// =======================================================================
// Group 1: Connection
// =======================================================================

func TestIntegration_Connect(t *testing.T) {
	client := newClient(t)
	if client.State() != chmux.StateConnected {
		t.Fatalf("expected state connected, got %s", client.State())
	}
	if client.ClientID() == "" {
		t.Error("expected non-empty client id")
	}
	t.Logf("Connect: client=%s", client.ClientID())
}

func TestIntegration_DisconnectAndReconnect(t *testing.T) {
	client := newClient(t)
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}
	if client.State() != chmux.StateDisconnected {
		t.Fatalf("expected state disconnected, got %s", client.State())
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect returned error: %v", err)
	}
}

// =======================================================================
// Group 2: Subscriptions
// =======================================================================

func TestIntegration_PublishRoundTrip(t *testing.T) {
	client := newClient(t)
	channel := uniqueChannel("chat")

	subscribed := make(chan chmux.SubscribeEvent, 1)
	messages := make(chan chmux.MessageEvent, 1)
	sub, err := client.Subscribe(channel, func(e chmux.MessageEvent) { messages <- e },
		chmux.WithSubscribeListener(func(e chmux.SubscribeEvent) { subscribed <- e }))
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	waitFor(t, subscribed, "subscribe confirmation")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := sub.PublishJSON(ctx, map[string]string{"text": "hi"}); err != nil {
		var serr *chmux.ServerError
		if errors.As(err, &serr) {
			t.Skipf("server does not allow client publish: %v", serr)
		}
		t.Fatalf("Publish returned error: %v", err)
	}

	ev := waitFor(t, messages, "publication")
	t.Logf("Publication: channel=%s data=%s", ev.Channel, ev.Data)
}

func TestIntegration_Presence(t *testing.T) {
	client := newClient(t)
	channel := uniqueChannel("room")

	subscribed := make(chan chmux.SubscribeEvent, 1)
	sub, err := client.Subscribe(channel, nil,
		chmux.WithSubscribeListener(func(e chmux.SubscribeEvent) { subscribed <- e }))
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	waitFor(t, subscribed, "subscribe confirmation")

	presence, err := sub.FetchPresence(context.Background())
	if err != nil {
		var serr *chmux.ServerError
		if errors.As(err, &serr) {
			t.Skipf("presence not enabled for channel: %v", serr)
		}
		t.Fatalf("FetchPresence returned error: %v", err)
	}
	t.Logf("Presence: users=%d", len(presence))
}

func TestIntegration_Unsubscribe(t *testing.T) {
	client := newClient(t)
	channel := uniqueChannel("news")

	unsubscribed := make(chan chmux.UnsubscribeEvent, 1)
	sub, err := client.Subscribe(channel, nil,
		chmux.WithUnsubscribeListener(func(e chmux.UnsubscribeEvent) { unsubscribed <- e }))
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	sub.Unsubscribe()

	ev := waitFor(t, unsubscribed, "unsubscribe event")
	if ev.Code != chmux.UnsubscribeCodeClient {
		t.Errorf("expected client unsubscribe code, got %d", ev.Code)
	}
	if _, ok := client.GetSubscription(channel); ok {
		t.Error("subscription still registered after Unsubscribe")
	}
}
