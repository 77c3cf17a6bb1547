package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/geotrack/internal/protocol"
	"github.com/ent0n29/geotrack/internal/tracking"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message")
		return nil
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil, "", zerolog.Nop(), nil)
	client := hub.Register()
	defer hub.Unregister(client)

	n := hub.Broadcast(context.Background(), []byte("hello"))
	assert.Equal(t, 1, n)
	assert.Equal(t, "hello", string(receive(t, client)))
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("fleet")
	assert.Equal(t, "geotrack:fleet:broadcast", ch)
	assert.Equal(t, "fleet", channelName(ch))
	assert.Equal(t, "", channelName("bad"))
}

func TestUnregisterClosesAndReportsPresence(t *testing.T) {
	hub := NewHub(nil, "", zerolog.Nop(), nil)
	var counts []int
	hub.OnPresence(func(n int) { counts = append(counts, n) })

	client := hub.Register()
	hub.Unregister(client)
	hub.Unregister(client)

	_, ok := <-client.Send
	assert.False(t, ok, "expected channel closed")
	assert.Equal(t, []int{1, 0}, counts)
	assert.Zero(t, hub.ClientCount())
}

func TestHubListenerWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil, "", zerolog.Nop(), nil)
	err := hub.OnSamples(context.Background(), tracking.Batch{SessionID: "s1"})
	require.True(t, errors.Is(err, ErrNoSubscribers))

	client := hub.Register()
	defer hub.Unregister(client)
	require.NoError(t, hub.OnSamples(context.Background(), tracking.Batch{
		SessionID: "s1",
		Records:   []tracking.Record{{Seq: 1, SessionID: "s1"}},
	}))

	var msg protocol.SampleBatch
	require.NoError(t, json.Unmarshal(receive(t, client), &msg))
	assert.Equal(t, protocol.TypeSampleBatch, msg.Type)
	assert.Len(t, msg.Samples, 1)

	hub.OnStateChange(context.Background(), tracking.StateChange{SessionID: "s1", From: tracking.StateStarting, To: tracking.StateActive, At: time.Now()})
	var state protocol.StateChanged
	require.NoError(t, json.Unmarshal(receive(t, client), &state))
	assert.Equal(t, tracking.StateActive, state.To)

	hub.OnFault(context.Background(), &tracking.FaultError{SessionID: "s1", Attempts: 6, Err: errors.New("gnss")})
	var fault protocol.ProviderFault
	require.NoError(t, json.Unmarshal(receive(t, client), &fault))
	assert.Equal(t, 6, fault.Attempts)
}

func TestHubSamplesToSaturatedClientAreNotDelivered(t *testing.T) {
	hub := NewHub(nil, "", zerolog.Nop(), nil)
	client := hub.Register()
	defer hub.Unregister(client)
	for len(client.Send) < cap(client.Send) {
		client.Send <- []byte("backlog")
	}

	err := hub.OnSamples(context.Background(), tracking.Batch{
		SessionID: "s1",
		Records:   []tracking.Record{{Seq: 1, SessionID: "s1"}},
	})
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestHubRelaysBetweenInstances(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewHub(rdb, "fleet", zerolog.Nop(), nil)
	b := NewHub(rdb, "fleet", zerolog.Nop(), nil)
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	channel := redisChannel("fleet")
	require.Eventually(t, func() bool {
		return s.PubSubNumSub(channel)[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	localA := a.Register()
	defer a.Unregister(localA)
	remoteB := b.Register()
	defer b.Unregister(remoteB)

	a.Broadcast(context.Background(), []byte(`{"type":"system_event","code":"ping"}`))

	assert.JSONEq(t, `{"type":"system_event","code":"ping"}`, string(receive(t, localA)))
	assert.JSONEq(t, `{"type":"system_event","code":"ping"}`, string(receive(t, remoteB)))
	assertSilent(t, localA)
}

func TestHubRunWithoutRedisStopsOnCancel(t *testing.T) {
	hub := NewHub(nil, "", zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
