package channel_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikzan/Multimodal-Support-System/internal/backendtest"
	"github.com/nikzan/Multimodal-Support-System/internal/channel"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	server := backendtest.NewServer(nil)
	defer server.Close()

	m := channel.NewManager(server.WSURL(), nil)
	defer m.Close()

	var got atomic.Value
	require.NoError(t, m.Subscribe("ticket/42/messages", func(payload []byte) {
		var body map[string]string
		_ = json.Unmarshal(payload, &body)
		got.Store(body["text"])
	}))
	require.NoError(t, m.Connect(context.Background()))

	// Give the broker a moment to register the replayed subscription.
	time.Sleep(50 * time.Millisecond)
	server.Publish("ticket/42/messages", map[string]string{"text": "hello"})

	waitFor(t, "event delivery", func() bool {
		v, _ := got.Load().(string)
		return v == "hello"
	})
}

func TestResubscribeReplacesHandler(t *testing.T) {
	server := backendtest.NewServer(nil)
	defer server.Close()

	m := channel.NewManager(server.WSURL(), nil)
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))

	var first, second atomic.Int32
	require.NoError(t, m.Subscribe("ticket/1/messages", func([]byte) { first.Add(1) }))
	require.NoError(t, m.Subscribe("ticket/1/messages", func([]byte) { second.Add(1) }))

	time.Sleep(50 * time.Millisecond)
	server.Publish("ticket/1/messages", map[string]string{"text": "x"})

	waitFor(t, "replacement handler", func() bool { return second.Load() == 1 })
	assert.Equal(t, int32(0), first.Load(), "replaced handler must not fire")
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	server := backendtest.NewServer(nil)
	defer server.Close()

	m := channel.NewManager(server.WSURL(), nil)
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))

	var count atomic.Int32
	require.NoError(t, m.Subscribe("ticket/1/closed", func([]byte) { count.Add(1) }))

	m.Unsubscribe("ticket/1/closed")
	m.Unsubscribe("ticket/1/closed") // no-op
	m.Unsubscribe("never/subscribed")

	time.Sleep(50 * time.Millisecond)
	server.Publish("ticket/1/closed", struct{}{})
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(0), count.Load(), "unsubscribed handler must not fire")
}

func TestReconnectRestoresSubscriptionsAndFiresResync(t *testing.T) {
	server := backendtest.NewServer(nil)
	defer server.Close()

	m := channel.NewManager(server.WSURL(), nil)
	defer m.Close()

	var statusCount atomic.Int32
	m.SetOnStatus(func(channel.Status) { statusCount.Add(1) })

	var resyncs atomic.Int32
	m.SetOnResync(func() { resyncs.Add(1) })

	var delivered atomic.Int32
	require.NoError(t, m.Subscribe("ticket/7/messages", func([]byte) { delivered.Add(1) }))
	require.NoError(t, m.Connect(context.Background()))

	waitFor(t, "initial connect status", func() bool { return statusCount.Load() >= 1 })

	server.DropConnections()

	// Disconnect surfaces, then the manager reconnects, re-subscribes and
	// asks for a resync.
	waitFor(t, "resync after reconnect", func() bool { return resyncs.Load() >= 1 })
	waitFor(t, "reconnected status", func() bool { return m.Status() == channel.StatusConnected })

	time.Sleep(50 * time.Millisecond)
	server.Publish("ticket/7/messages", map[string]string{"text": "after reconnect"})
	waitFor(t, "delivery after reconnect", func() bool { return delivered.Load() >= 1 })
}

func TestConcurrentSubscribesAreSerialized(t *testing.T) {
	server := backendtest.NewServer(nil)
	defer server.Close()

	m := channel.NewManager(server.WSURL(), nil)
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))

	// All subscribe frames go out over the single connection at once; run
	// with -race to catch unserialized writes.
	var delivered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		topic := channel.TicketMessagesTopic(int64(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Subscribe(topic, func([]byte) {
				delivered.Add(1)
			}))
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 8; i++ {
		server.Publish(channel.TicketMessagesTopic(int64(i)), map[string]string{"text": "hi"})
	}
	waitFor(t, "delivery on every topic", func() bool { return delivered.Load() == 8 })
}

func TestConnectFailsAgainstDeadEndpoint(t *testing.T) {
	m := channel.NewManager("ws://127.0.0.1:1/ws", nil)
	defer m.Close()

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrNotConnected)
	assert.Equal(t, channel.StatusDisconnected, m.Status())
}
