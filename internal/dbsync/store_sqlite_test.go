package dbsync

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "pipeline.db"), 5*time.Second, 256, &mockLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqlOrder(id string) *core.Order {
	now := time.Now()
	return &core.Order{
		ID:          id,
		UserID:      "user-1",
		Symbol:      "TCS",
		Side:        core.SideBuy,
		OrderType:   core.OrderTypeLimit,
		ProductType: core.ProductDelivery,
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(100),
		State:       core.StateCreated,
		Priority:    core.PriorityNormal,
		TxSeq:       1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestUpsertMaskRestrictsConflictColumns(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	o := sqlOrder("ord-1")
	require.NoError(t, s.UpsertOrders(ctx, []*core.Order{o}, nil))

	// A status-only refresh must not touch the fill columns even when
	// the in-memory record carries newer values.
	o.State = core.StateFilling
	o.FilledQty = decimal.NewFromInt(5)
	o.FilledPrice = decimal.NewFromInt(101)
	o.TxSeq = 2
	require.NoError(t, s.UpsertOrders(ctx, []*core.Order{o}, map[string]FieldMask{o.ID: MaskStatus}))

	got, err := s.GetOrderRow(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateFilling, got.State)
	assert.Equal(t, int64(2), got.TxSeq)
	assert.True(t, got.FilledQty.IsZero(), "fill columns leaked through a status mask: %s", got.FilledQty)

	require.NoError(t, s.UpsertOrders(ctx, []*core.Order{o}, map[string]FieldMask{o.ID: MaskStatus | MaskFill}))
	got, err = s.GetOrderRow(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.FilledPrice.Equal(decimal.NewFromInt(101)))
}

func TestUpsertInsertArmCarriesFullRow(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	// Narrow mask, but the row has never been persisted; the insert
	// arm must land everything.
	o := sqlOrder("ord-1")
	o.State = core.StateFilled
	o.FilledQty = decimal.NewFromInt(10)
	o.FilledPrice = decimal.NewFromInt(100)
	o.BrokerOrderID = "BRK-9"
	require.NoError(t, s.UpsertOrders(ctx, []*core.Order{o}, map[string]FieldMask{o.ID: MaskStatus}))

	got, err := s.GetOrderRow(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "BRK-9", got.BrokerOrderID)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.Quantity.Equal(o.Quantity))
	assert.Equal(t, o.UserID, got.UserID)
}

func TestOrderRowRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	o := sqlOrder("ord-1")
	o.StrategyID = "strat-1"
	o.SignalID = "sig-1"
	o.CredentialID = "cred-1"
	o.TriggerPrice = decimal.NewFromInt(99)
	o.PaperTrade = true
	o.Metadata = map[string]string{"note": "entry leg"}
	require.NoError(t, s.UpsertOrders(ctx, []*core.Order{o}, nil))

	got, err := s.GetOrderRow(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, o.StrategyID, got.StrategyID)
	assert.Equal(t, o.SignalID, got.SignalID)
	assert.Equal(t, o.CredentialID, got.CredentialID)
	assert.Equal(t, core.SideBuy, got.Side)
	assert.Equal(t, core.ProductDelivery, got.ProductType)
	assert.True(t, got.TriggerPrice.Equal(decimal.NewFromInt(99)))
	assert.True(t, got.PaperTrade)
	assert.Equal(t, o.Metadata, got.Metadata)
	assert.Equal(t, o.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	_, err = s.GetOrderRow(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMetadataCompressionRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	big := sqlOrder("ord-big")
	big.Metadata = map[string]string{"context": strings.Repeat("signal context ", 100)}
	small := sqlOrder("ord-small")
	small.Metadata = map[string]string{"note": "small"}
	require.NoError(t, s.UpsertOrders(ctx, []*core.Order{big, small}, nil))

	var blob []byte
	require.NoError(t, s.db.QueryRow(`SELECT metadata_json FROM orders WHERE id = ?`, "ord-big").Scan(&blob))
	raw, _ := json.Marshal(big.Metadata)
	assert.True(t, bytes.HasPrefix(blob, zstdMagic), "large blob not compressed")
	assert.Less(t, len(blob), len(raw))

	require.NoError(t, s.db.QueryRow(`SELECT metadata_json FROM orders WHERE id = ?`, "ord-small").Scan(&blob))
	assert.False(t, bytes.HasPrefix(blob, zstdMagic), "small blob should stay plain")

	got, err := s.GetOrderRow(ctx, "ord-big")
	require.NoError(t, err)
	assert.Equal(t, big.Metadata, got.Metadata)
	got, err = s.GetOrderRow(ctx, "ord-small")
	require.NoError(t, err)
	assert.Equal(t, small.Metadata, got.Metadata)
}

func TestTransitionReplayInsertsOnce(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	now := time.Now()

	txs := []core.Transition{
		{OrderID: "ord-1", Seq: 1, From: core.StateCreated, To: core.StatePending, Actor: "order_manager", Ts: now},
		{OrderID: "ord-1", Seq: 2, From: core.StatePending, To: core.StatePlacing, Actor: "dispatcher", Ts: now.Add(time.Millisecond)},
	}
	require.NoError(t, s.ApplyTransitions(ctx, "ord-1", txs))
	require.NoError(t, s.ApplyTransitions(ctx, "ord-1", txs))

	got, err := s.TransitionsFor(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, core.StatePlacing, got[1].To)
	assert.Equal(t, "dispatcher", got[1].Actor)
	assert.Equal(t, now.UnixNano(), got[0].Ts.UnixNano())
}

func TestTransitionBatchRejectsMixedOrders(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	err := s.ApplyTransitions(ctx, "ord-1", []core.Transition{
		{OrderID: "ord-1", Seq: 1, From: core.StateCreated, To: core.StatePending, Actor: "order_manager", Ts: time.Now()},
		{OrderID: "ord-2", Seq: 1, From: core.StateCreated, To: core.StatePending, Actor: "order_manager", Ts: time.Now()},
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	got, err := s.TransitionsFor(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, got, "rolled-back batch left rows behind")
}

func TestPositionRowRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	now := time.Now()

	p := &core.Position{
		UserID:      "user-1",
		Symbol:      "TCS",
		NetQty:      decimal.NewFromInt(10),
		AvgPrice:    decimal.NewFromInt(105),
		RealizedPnL: decimal.NewFromInt(75),
		Open:        true,
		OpenedAt:    now,
	}
	require.NoError(t, s.UpsertPositions(ctx, []*core.Position{p}))

	got, err := s.GetPositionRow(ctx, "user-1", "TCS")
	require.NoError(t, err)
	assert.True(t, got.NetQty.Equal(p.NetQty))
	assert.True(t, got.Open)
	assert.Equal(t, now.UnixNano(), got.OpenedAt.UnixNano())
	assert.True(t, got.ClosedAt.IsZero())

	p.NetQty = decimal.Zero
	p.AvgPrice = decimal.Zero
	p.Open = false
	p.ClosedAt = now.Add(time.Minute)
	require.NoError(t, s.UpsertPositions(ctx, []*core.Position{p}))

	got, err = s.GetPositionRow(ctx, "user-1", "TCS")
	require.NoError(t, err)
	assert.False(t, got.Open)
	assert.True(t, got.NetQty.IsZero())
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, p.ClosedAt.UnixNano(), got.ClosedAt.UnixNano())
}

func TestSessionRowRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	now := time.Now()

	r := core.SessionRecord{
		Info: core.SessionInfo{
			UserID:       "user-1",
			CredentialID: "cred-1",
			BrokerType:   "paper",
			Health:       core.SessionHealthy,
			LastActivity: now,
		},
		EncSecrets: []byte("sealed"),
	}
	require.NoError(t, s.UpsertSessions(ctx, []core.SessionRecord{r}))

	r.Info.Health = core.SessionDegraded
	r.Info.ErrorCount = 2
	require.NoError(t, s.UpsertSessions(ctx, []core.SessionRecord{r}))

	got, err := s.GetSessionRow(ctx, "user-1", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, core.SessionDegraded, got.Info.Health)
	assert.Equal(t, 2, got.Info.ErrorCount)
	assert.Equal(t, []byte("sealed"), got.EncSecrets)
	assert.Equal(t, now.UnixNano(), got.Info.LastActivity.UnixNano())

	// Tokens are never written.
	var access, refresh any
	require.NoError(t, s.db.QueryRow(
		`SELECT token_access, token_refresh FROM broker_sessions WHERE user_id = ?`, "user-1").
		Scan(&access, &refresh))
	assert.Nil(t, access)
	assert.Nil(t, refresh)
}

func TestMetaRoundTrip(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()

	v, err := s.GetMeta(ctx, "last_applied_id")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetMeta(ctx, "last_applied_id", "1-1"))
	require.NoError(t, s.SetMeta(ctx, "last_applied_id", "2-1"))

	v, err = s.GetMeta(ctx, "last_applied_id")
	require.NoError(t, err)
	assert.Equal(t, "2-1", v)
}
