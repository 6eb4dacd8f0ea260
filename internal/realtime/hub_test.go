package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestHubDeliversOnlyToMatchingChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	alice, cancelAlice, err := hub.Subscribe(context.Background(), "worksheet:alice")
	require.NoError(t, err)
	defer cancelAlice()
	bob, cancelBob, err := hub.Subscribe(context.Background(), "worksheet:bob")
	require.NoError(t, err)
	defer cancelBob()

	hub.Publish("worksheet:alice", "sync-request", json.RawMessage(`{"n":1}`))

	msg := receive(t, alice)
	assert.Equal(t, "sync-request", msg.Event)
	assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
	select {
	case msg := <-bob:
		t.Fatalf("unexpected message on bob: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancelClosesSubscription(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	ch, cancel, err := hub.Subscribe(context.Background(), "user:alice")
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers("user:alice"))

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers("user:alice") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)

	// publishing after removal is a no-op
	hub.Publish("user:alice", "grant-changed", nil)
}

func TestHubListenRunsHandler(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	got := make(chan string, 1)
	stop, err := hub.Listen(context.Background(), "feed:alice", func(msg Message) {
		got <- msg.Event
	})
	require.NoError(t, err)
	defer stop()

	hub.Publish("feed:alice", "worksheet", nil)
	select {
	case event := <-got:
		assert.Equal(t, "worksheet", event)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestHubShutdownRejectsSubscribers(t *testing.T) {
	hub := NewHub()
	ch, _, err := hub.Subscribe(context.Background(), "x")
	require.NoError(t, err)
	hub.Shutdown()

	_, ok := <-ch
	assert.False(t, ok)
	_, _, err = hub.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()
	_, cancel, err := hub.Subscribe(context.Background(), "busy")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		hub.Publish("busy", "tick", nil)
	}
	assert.Equal(t, int64(3), hub.Dropped())
}
