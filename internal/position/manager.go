// Package position derives per-user, per-symbol exposure from the
// stream of filled orders: net quantity, average entry price, and
// realized and unrealized P&L. Every record is a pure fold over the
// FILLED order log, so a lost hot copy is rebuilt from orders alone.
package position

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const subscriberName = "position_manager"

// Manager folds FILLED orders into position records. Updates for one
// symbol serialize on the symbol lock, which sits below the order and
// user locks in acquisition order, so fills for different symbols land
// in parallel while a single symbol's folds stay sequential.
type Manager struct {
	store  core.IOrderStore
	locks  core.ILockManager
	bus    core.IEventBus
	cfg    *config.OrderConfig
	logger core.ILogger

	mu    sync.RWMutex
	marks map[string]decimal.Decimal // symbol -> last trade price

	foldCounter  metric.Int64Counter
	closeCounter metric.Int64Counter
}

// NewManager creates the position manager.
func NewManager(store core.IOrderStore, locks core.ILockManager, bus core.IEventBus, cfg *config.OrderConfig, logger core.ILogger) *Manager {
	meter := telemetry.GetMeter("position-manager")
	foldCounter, _ := meter.Int64Counter("pipeline_position_folds_total",
		metric.WithDescription("Total filled orders folded into position records"))
	closeCounter, _ := meter.Int64Counter("pipeline_position_closes_total",
		metric.WithDescription("Total positions taken flat"))

	return &Manager{
		store:        store,
		locks:        locks,
		bus:          bus,
		cfg:          cfg,
		logger:       logger.WithField("component", "position_manager"),
		marks:        make(map[string]decimal.Decimal),
		foldCounter:  foldCounter,
		closeCounter: closeCounter,
	}
}

// Run consumes order lifecycle events until ctx ends. Only FILLED
// transitions mutate positions; everything else on the stream is
// ignored.
func (m *Manager) Run(ctx context.Context) error {
	ch := m.bus.SubscribeOrderChanges(subscriberName)
	defer m.bus.Unsubscribe(subscriberName)

	m.logger.Info("position tracking started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Order == nil || ev.Transition.To != core.StateFilled {
				continue
			}
			if err := m.Apply(ctx, ev.Order); err != nil {
				m.logger.Error("position update failed",
					"order_id", ev.Order.ID,
					"symbol", ev.Order.Symbol,
					"error", err)
			}
		}
	}
}

// Apply folds one filled order into the owning position record under
// the symbol lock and persists the result.
func (m *Manager) Apply(ctx context.Context, o *core.Order) error {
	if o.State != core.StateFilled {
		return apperrors.E(apperrors.ErrValidation, "order %s is %s, positions fold filled orders only", o.ID, o.State)
	}

	lock, err := m.locks.Acquire(ctx, "symbol:"+o.Symbol, m.cfg.LockTimeout(), m.cfg.LockTimeout())
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	p, err := m.store.GetPosition(ctx, o.UserID, o.Symbol)
	if errors.Is(err, apperrors.ErrNotFound) {
		p = &core.Position{UserID: o.UserID, Symbol: o.Symbol}
	} else if err != nil {
		return err
	}

	fold(p, o, o.UpdatedAt)
	m.mark(p)
	if err := m.store.SavePosition(ctx, p); err != nil {
		return err
	}

	m.foldCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", o.Symbol)))
	if !p.Open {
		m.closeCounter.Add(ctx, 1)
	}
	m.logger.Info("position updated",
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"order_id", o.ID,
		"net_qty", p.NetQty.String(),
		"avg_price", p.AvgPrice.String(),
		"realized_pnl", p.RealizedPnL.String())
	return nil
}

// OnTick records the last trade price for the symbol. Marks live in
// memory only; stored records pick up the fresh value on the next fold
// and readers get it through Get and List.
func (m *Manager) OnTick(ctx context.Context, tick core.Tick) {
	if tick.Symbol == "" || !tick.Last.IsPositive() {
		return
	}
	m.mu.Lock()
	m.marks[tick.Symbol] = tick.Last
	m.mu.Unlock()
}

// Get returns the live record with unrealized P&L marked to the most
// recent trade price.
func (m *Manager) Get(ctx context.Context, userID, symbol string) (*core.Position, error) {
	p, err := m.store.GetPosition(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}
	m.mark(p)
	return p, nil
}

// List returns every stored position, marked.
func (m *Manager) List(ctx context.Context) ([]*core.Position, error) {
	positions, err := m.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		m.mark(p)
	}
	return positions, nil
}

// Reconstruct folds the user's FILLED orders for the symbol from the
// store into a fresh record, oldest fill first. A healthy live record
// matches the reconstruction exactly; it is also how positions come
// back after losing the hot copy.
func (m *Manager) Reconstruct(ctx context.Context, userID, symbol string) (*core.Position, error) {
	orders, err := m.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	fills := make([]*core.Order, 0, len(orders))
	for _, o := range orders {
		if o.Symbol == symbol && o.State == core.StateFilled {
			fills = append(fills, o)
		}
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].UpdatedAt.Equal(fills[j].UpdatedAt) {
			return fills[i].ID < fills[j].ID
		}
		return fills[i].UpdatedAt.Before(fills[j].UpdatedAt)
	})

	p := &core.Position{UserID: userID, Symbol: symbol}
	for _, o := range fills {
		fold(p, o, o.UpdatedAt)
	}
	m.mark(p)
	return p, nil
}

// Resync overwrites the live record with a reconstruction. Runs under
// the symbol lock so in-flight folds cannot interleave with the
// rebuild.
func (m *Manager) Resync(ctx context.Context, userID, symbol string) (*core.Position, error) {
	lock, err := m.locks.Acquire(ctx, "symbol:"+symbol, m.cfg.LockTimeout(), m.cfg.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	p, err := m.Reconstruct(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}
	if err := m.store.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("position resynced",
		"user_id", userID,
		"symbol", symbol,
		"net_qty", p.NetQty.String())
	return p, nil
}

// mark refreshes unrealized P&L from the last seen trade price. With no
// tick seen yet the position carries zero unrealized P&L.
func (m *Manager) mark(p *core.Position) {
	m.mu.RLock()
	last := m.marks[p.Symbol]
	m.mu.RUnlock()
	markToLast(p, last)
}

// markToLast is the mark-to-market rule: flat positions carry nothing,
// open ones carry (last - avg) * net, which is negative for an
// underwater long and positive for a profitable short.
func markToLast(p *core.Position, last decimal.Decimal) {
	if p.NetQty.IsZero() || !last.IsPositive() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = last.Sub(p.AvgPrice).Mul(p.NetQty)
}

// fold applies one fill to the record using average-cost accounting.
// Increasing exposure moves the average entry price; reducing realizes
// P&L against it and leaves it unchanged; crossing through flat opens
// the remainder as a fresh lot at the fill price. Cumulative realized
// P&L survives the position closing and reopening.
func fold(p *core.Position, o *core.Order, at time.Time) {
	qty := o.FilledQty
	px := o.FilledPrice
	if !qty.IsPositive() {
		return
	}
	signed := qty
	if o.Side == core.SideSell {
		signed = qty.Neg()
	}

	switch {
	case p.NetQty.IsZero():
		p.NetQty = signed
		p.AvgPrice = px
		p.Open = true
		p.OpenedAt = at
		p.ClosedAt = time.Time{}
	case p.NetQty.Sign() == signed.Sign():
		held := p.NetQty.Abs()
		total := held.Add(qty)
		p.AvgPrice = p.AvgPrice.Mul(held).Add(px.Mul(qty)).Div(total)
		p.NetQty = p.NetQty.Add(signed)
	default:
		held := p.NetQty.Abs()
		closing := decimal.Min(held, qty)
		direction := decimal.NewFromInt(int64(p.NetQty.Sign()))
		p.RealizedPnL = p.RealizedPnL.Add(px.Sub(p.AvgPrice).Mul(closing).Mul(direction))
		p.NetQty = p.NetQty.Add(signed)
		switch {
		case p.NetQty.IsZero():
			p.AvgPrice = decimal.Zero
			p.Open = false
			p.ClosedAt = at
		case qty.GreaterThan(held):
			p.AvgPrice = px
			p.OpenedAt = at
			p.ClosedAt = time.Time{}
		}
	}
}
