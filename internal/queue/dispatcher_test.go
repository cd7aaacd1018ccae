package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
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

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		Workers:             1,
		MaxSize:             100,
		ClaimBlockMs:        50,
		FairnessEvery:       1000,
		MaxAttempts:         3,
		RebalanceIntervalMs: 60000,
		StaleThresholdMs:    50,
	}
}

func newTestDispatcher(t *testing.T, cfg *config.QueueConfig) *Dispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg == nil {
		cfg = testQueueConfig()
	}
	d := NewDispatcher(client, cfg, &mockLogger{})
	require.NoError(t, d.Init(context.Background()))
	return d
}

func queuedOrder(id string, p core.Priority) *core.Order {
	return &core.Order{
		ID:       id,
		UserID:   "user-1",
		Symbol:   "RELIANCE",
		Side:     core.SideBuy,
		Quantity: decimal.NewFromInt(1),
		State:    core.StatePending,
		Priority: p,
	}
}

func TestEnqueueClaimAck(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-1", core.PriorityNormal)))

	item, err := d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "ord-1", item.OrderID)
	assert.Equal(t, core.PriorityNormal, item.Priority)
	assert.Equal(t, 0, item.Attempts)

	require.NoError(t, d.Ack(ctx, item))

	// Nothing left to claim.
	item, err = d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestEnqueueRefusesWhenFull(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxSize = 2
	d := newTestDispatcher(t, cfg)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-1", core.PriorityHigh)))
	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-2", core.PriorityLow)))

	err := d.Enqueue(ctx, queuedOrder("ord-3", core.PriorityNormal))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrQueueFull))
}

func TestClaimPrefersHigherPriority(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ctx := context.Background()

	// Inserted lowest first; claimed highest first.
	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-low", core.PriorityLow)))
	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-normal", core.PriorityNormal)))
	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-high", core.PriorityHigh)))

	var got []string
	for i := 0; i < 3; i++ {
		item, err := d.Claim(ctx, "worker-0")
		require.NoError(t, err)
		require.NotNil(t, item)
		got = append(got, item.OrderID)
		require.NoError(t, d.Ack(ctx, item))
	}
	assert.Equal(t, []string{"ord-high", "ord-normal", "ord-low"}, got)
}

func TestFairnessTickServicesLowTraffic(t *testing.T) {
	cfg := testQueueConfig()
	cfg.FairnessEvery = 2
	d := newTestDispatcher(t, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Enqueue(ctx, queuedOrder(fmt.Sprintf("high-%d", i), core.PriorityHigh)))
	}
	require.NoError(t, d.Enqueue(ctx, queuedOrder("low-0", core.PriorityLow)))

	var got []string
	for i := 0; i < 5; i++ {
		item, err := d.Claim(ctx, "worker-0")
		require.NoError(t, err)
		require.NotNil(t, item)
		got = append(got, item.OrderID)
		require.NoError(t, d.Ack(ctx, item))
	}
	// Every second claim scans lowest-first, so the low item does not
	// wait for the high stream to drain.
	assert.Equal(t, []string{"high-0", "low-0", "high-1", "high-2", "high-3"}, got)
}

func TestRequeueBumpsAttempts(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-1", core.PriorityNormal)))

	item, err := d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, d.Requeue(ctx, item, "venue 503"))

	again, err := d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "ord-1", again.OrderID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, item.EnqueuedAt.UnixNano(), again.EnqueuedAt.UnixNano())
	require.NoError(t, d.Ack(ctx, again))
}

func TestDeadLetterSettlesItem(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-1", core.PriorityHigh)))
	item, err := d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, d.DeadLetter(ctx, item, "poison"))

	dead, err := d.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "ord-1", dead[0].OrderID)
	assert.Equal(t, core.PriorityHigh, dead[0].Priority)

	// Original stream yields nothing further.
	item, err = d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRebalanceReclaimsStalePending(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-1", core.PriorityNormal)))

	// The consumer claims and then disappears without acking.
	item, err := d.Claim(ctx, "worker-dead")
	require.NoError(t, err)
	require.NotNil(t, item)

	time.Sleep(120 * time.Millisecond)

	reclaimed, err := d.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	// The interrupted attempt counts.
	again, err := d.Claim(ctx, "worker-live")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "ord-1", again.OrderID)
	assert.Equal(t, 1, again.Attempts)
}

func TestRebalanceLeavesFreshPendingAlone(t *testing.T) {
	cfg := testQueueConfig()
	cfg.StaleThresholdMs = 60000
	d := newTestDispatcher(t, cfg)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("ord-1", core.PriorityNormal)))
	item, err := d.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, item)

	reclaimed, err := d.Rebalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestDepthsPerPriority(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, queuedOrder("a", core.PriorityHigh)))
	require.NoError(t, d.Enqueue(ctx, queuedOrder("b", core.PriorityHigh)))
	require.NoError(t, d.Enqueue(ctx, queuedOrder("c", core.PriorityLow)))

	depths, err := d.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths[core.PriorityHigh])
	assert.Equal(t, int64(0), depths[core.PriorityNormal])
	assert.Equal(t, int64(1), depths[core.PriorityLow])
}
