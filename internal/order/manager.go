// Package order implements the order manager: signal intake, the order
// lifecycle state machine and its transition log, duplicate and
// rate-limit guards, and lifecycle event publication.
package order

import (
	"context"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const actorManager = "order_manager"

// Manager owns every order record mutation. All state changes pass
// through the transition table; writes happen under the order's lock
// so concurrent actors serialize.
type Manager struct {
	store  core.IOrderStore
	locks  core.ILockManager
	bus    core.IEventBus
	cfg    *config.OrderConfig
	logger core.ILogger

	mu       sync.Mutex
	active   map[string]string // signature -> non-terminal order id
	limiters map[string]*rate.Limiter

	createdCounter    metric.Int64Counter
	rejectedCounter   metric.Int64Counter
	transitionCounter metric.Int64Counter
	invalidCounter    metric.Int64Counter
	dupCounter        metric.Int64Counter
}

// NewManager creates the order manager.
func NewManager(store core.IOrderStore, locks core.ILockManager, bus core.IEventBus, cfg *config.OrderConfig, logger core.ILogger) *Manager {
	meter := telemetry.GetMeter("order-manager")
	createdCounter, _ := meter.Int64Counter("pipeline_orders_created_total",
		metric.WithDescription("Total orders created from signals"))
	rejectedCounter, _ := meter.Int64Counter("pipeline_orders_rejected_total",
		metric.WithDescription("Total orders refused or rejected, by reason"))
	transitionCounter, _ := meter.Int64Counter("pipeline_order_transitions_total",
		metric.WithDescription("Total applied state transitions"))
	invalidCounter, _ := meter.Int64Counter("pipeline_invalid_transitions_total",
		metric.WithDescription("Total transition attempts refused by the state machine"))
	dupCounter, _ := meter.Int64Counter("pipeline_duplicate_signals_total",
		metric.WithDescription("Total signals collapsed into existing orders"))

	return &Manager{
		store:             store,
		locks:             locks,
		bus:               bus,
		cfg:               cfg,
		logger:            logger.WithField("component", "order_manager"),
		active:            make(map[string]string),
		limiters:          make(map[string]*rate.Limiter),
		createdCounter:    createdCounter,
		rejectedCounter:   rejectedCounter,
		transitionCounter: transitionCounter,
		invalidCounter:    invalidCounter,
		dupCounter:        dupCounter,
	}
}

// Recover rebuilds the in-memory duplicate index from the store. Call
// once before accepting signals.
func (m *Manager) Recover(ctx context.Context) error {
	orders, err := m.store.ListActiveOrders(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, o := range orders {
		m.active[SignatureFromOrder(o)] = o.ID
	}
	m.mu.Unlock()
	m.logger.Info("recovered active orders", "count", len(orders))
	return nil
}

// CheckHealth probes the hot store over the same read path recovery
// uses.
func (m *Manager) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.store.ListActiveOrders(ctx)
	return err
}

func (m *Manager) limiterFor(userID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.MinInterval()), 1)
		m.limiters[userID] = lim
	}
	return lim
}

// checkStructure rejects signals that cannot produce an order record.
func checkStructure(s *core.Signal) error {
	switch {
	case s == nil:
		return apperrors.E(apperrors.ErrValidation, "signal is nil")
	case s.ID == "":
		return apperrors.E(apperrors.ErrValidation, "signal id is required")
	case s.UserID == "":
		return apperrors.E(apperrors.ErrValidation, "user id is required")
	case s.Symbol == "":
		return apperrors.E(apperrors.ErrValidation, "symbol is required")
	}
	return nil
}

// checkValues vets the trade parameters of an already-created record.
// Failures send the order to REJECTED rather than erasing it.
func checkValues(s *core.Signal) error {
	if !s.Side.Valid() {
		return apperrors.E(apperrors.ErrValidation, "unknown side %q", s.Side)
	}
	if !s.OrderType.Valid() {
		return apperrors.E(apperrors.ErrValidation, "unknown order type %q", s.OrderType)
	}
	if s.Quantity.LessThanOrEqual(decimal.Zero) {
		return apperrors.E(apperrors.ErrValidation, "quantity must be positive, got %s", s.Quantity)
	}
	if s.OrderType == core.OrderTypeLimit && s.Price.LessThanOrEqual(decimal.Zero) {
		return apperrors.E(apperrors.ErrValidation, "limit orders require a positive price")
	}
	if s.OrderType == core.OrderTypeStop && s.TriggerPrice.LessThanOrEqual(decimal.Zero) {
		return apperrors.E(apperrors.ErrValidation, "stop orders require a positive trigger price")
	}
	return nil
}

// Create turns a signal into an order. The record lands in CREATED and
// moves to PENDING when the trade parameters pass, or to REJECTED when
// they do not. Duplicate and rate-limit failures produce no record.
func (m *Manager) Create(ctx context.Context, signal *core.Signal) (*core.Order, error) {
	if err := checkStructure(signal); err != nil {
		return nil, err
	}

	// Duplicates collapse before the rate limiter so a replayed signal
	// names the original order instead of burning the user's slot.
	sig := Signature(signal)
	m.mu.Lock()
	if existing, ok := m.active[sig]; ok {
		m.mu.Unlock()
		m.dupCounter.Add(ctx, 1)
		return nil, apperrors.Duplicate(existing)
	}
	m.mu.Unlock()

	if !m.limiterFor(signal.UserID).Allow() {
		m.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rate_limited")))
		return nil, apperrors.E(apperrors.ErrRateLimited, "user %s exceeded one order per %s", signal.UserID, m.cfg.MinInterval())
	}

	userLock, err := m.locks.Acquire(ctx, "user:"+signal.UserID, m.cfg.LockTimeout(), m.cfg.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer userLock.Release(ctx)

	orderID := uuid.NewString()
	holder, reserved, err := m.store.ReserveSignature(ctx, signal.UserID, sig, orderID, m.cfg.MinInterval())
	if err != nil {
		return nil, err
	}
	if !reserved {
		m.dupCounter.Add(ctx, 1)
		return nil, apperrors.Duplicate(holder)
	}

	now := time.Now()
	o := &core.Order{
		ID:           orderID,
		UserID:       signal.UserID,
		StrategyID:   signal.StrategyID,
		SignalID:     signal.ID,
		CredentialID: signal.CredentialID,
		Symbol:       signal.Symbol,
		Side:         signal.Side,
		OrderType:    signal.OrderType,
		ProductType:  signal.ProductType,
		Quantity:     signal.Quantity,
		Price:        signal.Price,
		TriggerPrice: signal.TriggerPrice,
		State:        core.StateCreated,
		Priority:     signal.Priority,
		PaperTrade:   signal.PaperTrade,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     signal.Metadata,
	}
	if o.Priority == 0 {
		o.Priority = core.PriorityNormal
	}

	if err := m.store.SaveOrder(ctx, o); err != nil {
		// No record made it out; free the slot for a retry.
		if relErr := m.store.ReleaseSignature(ctx, signal.UserID, sig); relErr != nil {
			m.logger.Warn("failed to release signature after create failure", "order_id", orderID, "error", relErr)
		}
		return nil, err
	}
	m.createdCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", o.Priority.Label())))

	if valErr := checkValues(signal); valErr != nil {
		if err := m.apply(ctx, o, core.StateRejected, valErr.Error(), actorManager, func(o *core.Order) {
			o.ErrorMsg = valErr.Error()
		}); err != nil {
			return nil, err
		}
		m.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "validation")))
		return o, valErr
	}

	if err := m.apply(ctx, o, core.StatePending, "validated", actorManager, nil); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[sig] = o.ID
	m.mu.Unlock()

	m.logger.Info("order created",
		"order_id", o.ID, "user_id", o.UserID, "symbol", o.Symbol,
		"side", o.Side, "type", o.OrderType, "qty", o.Quantity, "priority", o.Priority)
	return o, nil
}

// apply mutates the order to the target state and persists the record
// plus its transition entry. The caller must hold whatever lock fences
// this order. mutate, when set, runs after the state change and before
// persistence.
func (m *Manager) apply(ctx context.Context, o *core.Order, to core.OrderState, reason, actor string, mutate func(*core.Order)) error {
	from := o.State
	if !from.CanTransitionTo(to) {
		m.invalidCounter.Add(ctx, 1)
		return apperrors.E(apperrors.ErrInvalidTransition, "order %s: %s -> %s", o.ID, from, to)
	}
	o.State = to
	o.UpdatedAt = time.Now()
	o.TxSeq++
	if mutate != nil {
		mutate(o)
	}
	tx := core.Transition{
		OrderID: o.ID,
		Seq:     o.TxSeq,
		From:    from,
		To:      to,
		Reason:  reason,
		Actor:   actor,
		Ts:      o.UpdatedAt,
	}
	if err := m.store.AppendTransition(ctx, o, tx); err != nil {
		// Roll the in-memory mutation back to keep the record and the
		// log consistent.
		o.State = from
		o.TxSeq--
		return err
	}
	m.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
	if to.IsTerminal() {
		m.forget(ctx, o)
	}
	if m.bus != nil {
		m.bus.PublishOrderChange(core.OrderStateChanged{Order: o.Clone(), Transition: tx})
	}
	return nil
}

// forget drops terminal orders from the duplicate index and frees the
// signature slot.
func (m *Manager) forget(ctx context.Context, o *core.Order) {
	sig := SignatureFromOrder(o)
	m.mu.Lock()
	if m.active[sig] == o.ID {
		delete(m.active, sig)
	}
	m.mu.Unlock()
	if err := m.store.ReleaseSignature(ctx, o.UserID, sig); err != nil {
		m.logger.Warn("failed to release signature", "order_id", o.ID, "error", err)
	}
}

// withOrderLock loads the order under its lock and runs fn on it.
func (m *Manager) withOrderLock(ctx context.Context, orderID string, fn func(*core.Order) error) (*core.Order, error) {
	lock, err := m.locks.Acquire(ctx, "order:"+orderID, m.cfg.LockTimeout(), m.cfg.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return o, err
	}
	return o, nil
}

// Transition moves an order to the target state with no extra
// mutation. Illegal moves fail without touching the record.
func (m *Manager) Transition(ctx context.Context, orderID string, to core.OrderState, reason, actor string) (*core.Order, error) {
	return m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		return m.apply(ctx, o, to, reason, actor, nil)
	})
}

// MarkPlaced records broker acceptance: PLACING -> PLACED plus the
// broker's order id and the retries the submission burned.
func (m *Manager) MarkPlaced(ctx context.Context, orderID, brokerOrderID string, retries int, actor string) (*core.Order, error) {
	return m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		return m.apply(ctx, o, core.StatePlaced, "broker accepted", actor, func(o *core.Order) {
			o.BrokerOrderID = brokerOrderID
			o.RetryCount += retries
		})
	})
}

// ApplyFill records a full fill. Orders in PLACED pass through FILLING
// on the way to FILLED so the log carries both hops.
func (m *Manager) ApplyFill(ctx context.Context, orderID string, qty, price decimal.Decimal, actor string) (*core.Order, error) {
	return m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		if o.State == core.StatePlaced {
			if err := m.apply(ctx, o, core.StateFilling, "fill received", actor, nil); err != nil {
				return err
			}
		}
		return m.apply(ctx, o, core.StateFilled, "filled", actor, func(o *core.Order) {
			o.FilledQty = qty
			o.FilledPrice = price
		})
	})
}

// ApplyPartialFill accumulates one execution slice. The first slice
// moves the order to FILLING; later slices update the running quantity
// and volume-weighted price on the record; the slice that completes the
// quantity lands in FILLED. Overfills are refused so filled_qty never
// exceeds qty.
func (m *Manager) ApplyPartialFill(ctx context.Context, orderID string, qty, price decimal.Decimal, actor string) (*core.Order, error) {
	return m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		if qty.LessThanOrEqual(decimal.Zero) {
			return apperrors.E(apperrors.ErrValidation, "fill quantity must be positive, got %s", qty)
		}
		newFilled := o.FilledQty.Add(qty)
		if newFilled.GreaterThan(o.Quantity) {
			return apperrors.E(apperrors.ErrValidation,
				"order %s overfill: %s + %s exceeds %s", o.ID, o.FilledQty, qty, o.Quantity)
		}
		newPrice := price
		if !o.FilledQty.IsZero() {
			notional := o.FilledPrice.Mul(o.FilledQty).Add(price.Mul(qty))
			newPrice = notional.Div(newFilled)
		}

		if o.State == core.StatePlaced {
			if err := m.apply(ctx, o, core.StateFilling, "partial fill", actor, func(o *core.Order) {
				o.FilledQty = newFilled
				o.FilledPrice = newPrice
			}); err != nil {
				return err
			}
		} else if o.State == core.StateFilling {
			o.FilledQty = newFilled
			o.FilledPrice = newPrice
			o.UpdatedAt = time.Now()
			if err := m.store.SaveOrder(ctx, o); err != nil {
				return err
			}
		} else {
			return apperrors.E(apperrors.ErrInvalidTransition,
				"order %s cannot take a fill in %s", o.ID, o.State)
		}

		if newFilled.Equal(o.Quantity) {
			return m.apply(ctx, o, core.StateFilled, "filled", actor, nil)
		}
		return nil
	})
}

// Reject moves an order to REJECTED where the table allows it, storing
// the reason on the record.
func (m *Manager) Reject(ctx context.Context, orderID, reason, actor string) (*core.Order, error) {
	o, err := m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		return m.apply(ctx, o, core.StateRejected, reason, actor, func(o *core.Order) {
			o.ErrorMsg = reason
		})
	})
	if err == nil {
		m.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "broker")))
	}
	return o, err
}

// RequestCancel starts cancellation. Orders already filling are past
// the point of no return; the fill wins.
func (m *Manager) RequestCancel(ctx context.Context, orderID, reason, actor string) (*core.Order, error) {
	return m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		if o.State == core.StateFilling || o.State == core.StateFilled {
			return apperrors.E(apperrors.ErrInvalidTransition, "order %s is filling; cancel refused", o.ID)
		}
		return m.apply(ctx, o, core.StateCancelling, reason, actor, nil)
	})
}

// ConfirmCancel completes cancellation after the broker (or queue)
// confirmed nothing will fill.
func (m *Manager) ConfirmCancel(ctx context.Context, orderID, reason, actor string) (*core.Order, error) {
	return m.withOrderLock(ctx, orderID, func(o *core.Order) error {
		return m.apply(ctx, o, core.StateCancelled, reason, actor, nil)
	})
}

// Get returns the current record.
func (m *Manager) Get(ctx context.Context, orderID string) (*core.Order, error) {
	return m.store.GetOrder(ctx, orderID)
}

// History returns the order's transition log in append order.
func (m *Manager) History(ctx context.Context, orderID string) ([]core.Transition, error) {
	return m.store.Transitions(ctx, orderID)
}

// ListByUser returns the user's orders narrowed by the filter.
func (m *Manager) ListByUser(ctx context.Context, userID string, filter core.OrderFilter) ([]*core.Order, error) {
	orders, err := m.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := orders[:0]
	for _, o := range orders {
		if filter.Match(o) {
			out = append(out, o)
		}
	}
	return out, nil
}
