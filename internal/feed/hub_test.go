package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"order_pipeline/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(&mockLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := runHub(t)

	client := NewClient("c-1")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := runHub(t)

	a := NewClient("c-1")
	b := NewClient("c-2")
	hub.Register(a)
	hub.Register(b)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	msg := Message{Type: TypeOrderUpdate, Data: map[string]interface{}{"order_id": "ord-1"}}
	hub.Broadcast(msg)

	for _, client := range []*Client{a, b} {
		select {
		case got := <-client.Frames():
			assert.Equal(t, TypeOrderUpdate, got.Type)
		case <-time.After(time.Second):
			t.Fatal("client missed the broadcast")
		}
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(&mockLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := NewClient("c-1")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// The frame channel closes so pumps unwind.
	_, open := <-client.Frames()
	assert.False(t, open)
}

func TestClientSendWhenClosed(t *testing.T) {
	client := NewClient("c-1")
	client.Close()
	assert.False(t, client.Send(Message{Type: TypeOrderUpdate}))
}

func TestSlowClientEvicted(t *testing.T) {
	hub := runHub(t)

	slow := NewClient("slow")
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Fill the client's buffer without draining it, then one more
	// broadcast fails the send and evicts the client.
	for i := 0; i < clientBuffer; i++ {
		require.True(t, slow.Send(Message{Type: TypeOrderUpdate, Data: i}))
	}
	hub.Broadcast(Message{Type: TypeOrderUpdate, Data: "overflow"})

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastNeverBlocksPublisher(t *testing.T) {
	// No Run loop draining the queue; the broadcast channel fills and
	// further frames must drop instead of blocking.
	hub := NewHub(&mockLogger{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientBuffer*2; i++ {
			hub.Broadcast(Message{Type: TypeBrokerEvent, Data: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
}
