package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	"order_pipeline/internal/events"
	"order_pipeline/internal/redisstore"
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

type harness struct {
	manager *Manager
	store   *redisstore.Store
	locks   *redisstore.LockManager
	bus     *events.Bus
	cfg     *config.OrderConfig
}

func newHarness(t *testing.T, cfg *config.OrderConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := &mockLogger{}
	store := redisstore.NewStore(client, redisstore.StoreConfig{OpTimeout: 5 * time.Second}, logger)
	locks := redisstore.NewLockManager(client, logger, 2*time.Millisecond)
	bus := events.NewBus(64, logger)
	t.Cleanup(bus.Close)

	if cfg == nil {
		// Zero interval disables the rate limiter for lifecycle tests.
		cfg = &config.OrderConfig{MinIntervalMs: 0, LockTimeoutMs: 2000}
	}
	return &harness{
		manager: NewManager(store, locks, bus, cfg, logger),
		store:   store,
		locks:   locks,
		bus:     bus,
		cfg:     cfg,
	}
}

func buySignal(signalID, userID string) *core.Signal {
	return &core.Signal{
		ID:        signalID,
		UserID:    userID,
		Symbol:    "RELIANCE",
		Side:      core.SideBuy,
		OrderType: core.OrderTypeLimit,
		Quantity:  decimal.NewFromInt(10),
		Price:     decimal.NewFromFloat(2500),
		Timestamp: time.Now(),
	}
}

func TestCreateMovesToPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, o.State)
	assert.Equal(t, core.PriorityNormal, o.Priority)
	assert.NotEmpty(t, o.ID)

	// Record and log both exist.
	stored, err := h.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, stored.State)

	history, err := h.manager.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.StateCreated, history[0].From)
	assert.Equal(t, core.StatePending, history[0].To)
	assert.Equal(t, int64(1), history[0].Seq)
}

func TestCreateStructuralFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t, nil)

	sig := buySignal("sig-1", "")
	o, err := h.manager.Create(context.Background(), sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Nil(t, o)

	orders, err := h.store.ListActiveOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateBadValuesRejectsRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sig := buySignal("sig-1", "user-1")
	sig.Quantity = decimal.NewFromInt(-5)

	o, err := h.manager.Create(ctx, sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	require.NotNil(t, o)
	assert.Equal(t, core.StateRejected, o.State)
	assert.NotEmpty(t, o.ErrorMsg)

	history, err := h.manager.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.StateCreated, history[0].From)
	assert.Equal(t, core.StateRejected, history[0].To)
}

func TestDuplicateSignalNamesOriginal(t *testing.T) {
	h := newHarness(t, &config.OrderConfig{MinIntervalMs: 60000, LockTimeoutMs: 2000})
	ctx := context.Background()

	first, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	// Identical signal shortly after: collapses, not rate-limited.
	_, err = h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicate))
	dupID, ok := apperrors.DuplicateOf(err)
	assert.True(t, ok)
	assert.Equal(t, first.ID, dupID)
}

func TestSecondOrderInsideIntervalRateLimited(t *testing.T) {
	h := newHarness(t, &config.OrderConfig{MinIntervalMs: 60000, LockTimeoutMs: 2000})
	ctx := context.Background()

	_, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	// A different signal for the same user hits the limiter.
	_, err = h.manager.Create(ctx, buySignal("sig-2", "user-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))

	// Another user is unaffected.
	_, err = h.manager.Create(ctx, buySignal("sig-1", "user-2"))
	require.NoError(t, err)
}

func TestInvalidTransitionRefused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	_, err = h.manager.Transition(ctx, o.ID, core.StateFilled, "skip ahead", "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	// Record untouched.
	cur, err := h.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, cur.State)
	assert.Equal(t, int64(1), cur.TxSeq)
}

func TestFillPathRecordsEveryHop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	_, err = h.manager.Transition(ctx, o.ID, core.StatePlacing, "claimed", "worker-0")
	require.NoError(t, err)
	_, err = h.manager.MarkPlaced(ctx, o.ID, "BRK-42", 2, "worker-0")
	require.NoError(t, err)

	filled, err := h.manager.ApplyFill(ctx, o.ID, decimal.NewFromInt(10), decimal.NewFromFloat(2499.5), "broker")
	require.NoError(t, err)
	assert.Equal(t, core.StateFilled, filled.State)
	assert.Equal(t, "BRK-42", filled.BrokerOrderID)
	assert.Equal(t, 2, filled.RetryCount)
	assert.True(t, filled.FilledQty.Equal(decimal.NewFromInt(10)))

	history, err := h.manager.History(ctx, o.ID)
	require.NoError(t, err)
	var states []core.OrderState
	var prev int64
	for _, tx := range history {
		states = append(states, tx.To)
		assert.Greater(t, tx.Seq, prev)
		prev = tx.Seq
	}
	assert.Equal(t, []core.OrderState{
		core.StatePending, core.StatePlacing, core.StatePlaced,
		core.StateFilling, core.StateFilled,
	}, states)
}

func TestPartialFillsAccumulate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)
	_, err = h.manager.Transition(ctx, o.ID, core.StatePlacing, "claimed", "worker-0")
	require.NoError(t, err)
	_, err = h.manager.MarkPlaced(ctx, o.ID, "BRK-7", 0, "worker-0")
	require.NoError(t, err)

	// 4 @ 2500, then 6 @ 2510 completes the 10-lot.
	cur, err := h.manager.ApplyPartialFill(ctx, o.ID, decimal.NewFromInt(4), decimal.NewFromInt(2500), "broker")
	require.NoError(t, err)
	assert.Equal(t, core.StateFilling, cur.State)
	assert.True(t, cur.FilledQty.Equal(decimal.NewFromInt(4)))

	cur, err = h.manager.ApplyPartialFill(ctx, o.ID, decimal.NewFromInt(6), decimal.NewFromInt(2510), "broker")
	require.NoError(t, err)
	assert.Equal(t, core.StateFilled, cur.State)
	assert.True(t, cur.FilledQty.Equal(cur.Quantity))
	// VWAP: (4*2500 + 6*2510) / 10 = 2506
	assert.True(t, cur.FilledPrice.Equal(decimal.NewFromInt(2506)), "got %s", cur.FilledPrice)

	history, err := h.manager.History(ctx, o.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, core.StateFilling, last.From)
	assert.Equal(t, core.StateFilled, last.To)
}

func TestPartialFillOverfillRefused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)
	_, err = h.manager.Transition(ctx, o.ID, core.StatePlacing, "claimed", "worker-0")
	require.NoError(t, err)
	_, err = h.manager.MarkPlaced(ctx, o.ID, "BRK-8", 0, "worker-0")
	require.NoError(t, err)

	_, err = h.manager.ApplyPartialFill(ctx, o.ID, decimal.NewFromInt(11), decimal.NewFromInt(2500), "broker")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	cur, err := h.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePlaced, cur.State)
	assert.True(t, cur.FilledQty.IsZero())
}

func TestCancelBeforePlacement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	_, err = h.manager.RequestCancel(ctx, o.ID, "user requested", "api")
	require.NoError(t, err)
	done, err := h.manager.ConfirmCancel(ctx, o.ID, "user requested", "api")
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, done.State)
}

func TestCancelWhileFillingRefused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)
	_, err = h.manager.Transition(ctx, o.ID, core.StatePlacing, "claimed", "worker-0")
	require.NoError(t, err)
	_, err = h.manager.MarkPlaced(ctx, o.ID, "BRK-1", 0, "worker-0")
	require.NoError(t, err)
	_, err = h.manager.Transition(ctx, o.ID, core.StateFilling, "fill started", "broker")
	require.NoError(t, err)

	// The fill wins.
	_, err = h.manager.RequestCancel(ctx, o.ID, "user requested", "api")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestTerminalOrderFreesSignature(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)
	_, err = h.manager.Reject(ctx, o.ID, "insufficient funds", "broker")
	require.NoError(t, err)

	// Same fingerprint may now create a fresh order.
	second, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)
	assert.NotEqual(t, o.ID, second.ID)
}

func TestRecoverRebuildsDuplicateIndex(t *testing.T) {
	h := newHarness(t, &config.OrderConfig{MinIntervalMs: 60000, LockTimeoutMs: 2000})
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	// Fresh manager over the same store, as after a restart.
	restarted := NewManager(h.store, h.locks, h.bus, h.cfg, &mockLogger{})
	require.NoError(t, restarted.Recover(ctx))

	_, err = restarted.Create(ctx, buySignal("sig-1", "user-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicate))
	dupID, _ := apperrors.DuplicateOf(err)
	assert.Equal(t, o.ID, dupID)
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.manager.Transition(ctx, o.ID, core.StatePlacing, "claimed", "racer"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var wins int
	for range successes {
		wins++
	}
	assert.Equal(t, 1, wins)

	cur, err := h.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePlacing, cur.State)
	assert.Equal(t, int64(2), cur.TxSeq)
}

func TestListByUserFilters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.manager.Create(ctx, buySignal("sig-1", "user-1"))
	require.NoError(t, err)

	other := buySignal("sig-2", "user-1")
	other.Symbol = "TCS"
	_, err = h.manager.Create(ctx, other)
	require.NoError(t, err)

	all, err := h.manager.ListByUser(ctx, "user-1", core.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	reliance, err := h.manager.ListByUser(ctx, "user-1", core.OrderFilter{Symbol: "RELIANCE"})
	require.NoError(t, err)
	require.Len(t, reliance, 1)
	assert.Equal(t, first.ID, reliance[0].ID)
}
