// Package paper is the mock matching venue: orders flagged paper-trade
// rest in an in-memory book and fill fully against the live tick
// stream instead of going out to a broker. Matching is deterministic:
// an identical tick sequence over an identical registration order
// always produces identical fills.
package paper

import (
	"context"
	"fmt"
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

const (
	actorPaper         = "paper_engine"
	matchTimeoutReason = "MatchTimeout"
)

// OrderControl is the slice of the order manager the matcher drives.
type OrderControl interface {
	Get(ctx context.Context, orderID string) (*core.Order, error)
	Transition(ctx context.Context, orderID string, to core.OrderState, reason, actor string) (*core.Order, error)
	ApplyFill(ctx context.Context, orderID string, qty, price decimal.Decimal, actor string) (*core.Order, error)
	Reject(ctx context.Context, orderID, reason, actor string) (*core.Order, error)
	ConfirmCancel(ctx context.Context, orderID, reason, actor string) (*core.Order, error)
}

// tickRing keeps the last ticks for one symbol, evicting oldest first.
type tickRing struct {
	buf   []core.Tick
	start int
	count int
}

func newTickRing(capacity int) *tickRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &tickRing{buf: make([]core.Tick, capacity)}
}

func (r *tickRing) push(t core.Tick) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = t
		r.count++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *tickRing) latest() (core.Tick, bool) {
	if r.count == 0 {
		return core.Tick{}, false
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

func (r *tickRing) snapshot() []core.Tick {
	out := make([]core.Tick, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// bookEntry is one resting paper order. A STOP rests unarmed until the
// last price crosses its trigger, then behaves as MARKET.
type bookEntry struct {
	orderID       string
	userID        string
	brokerOrderID string
	symbol        string
	side          core.Side
	orderType     core.OrderType
	quantity      decimal.Decimal
	limit         decimal.Decimal
	trigger       decimal.Decimal
	armed         bool
	deadline      time.Time
}

// matchPrice reports whether the tick satisfies the entry and at what
// price. Called under the engine lock; arming a STOP mutates the entry.
func (entry *bookEntry) matchPrice(tick core.Tick) (decimal.Decimal, bool) {
	if !entry.armed {
		if !tick.Last.IsPositive() {
			return decimal.Decimal{}, false
		}
		crossed := entry.side == core.SideBuy && tick.Last.GreaterThanOrEqual(entry.trigger) ||
			entry.side == core.SideSell && tick.Last.LessThanOrEqual(entry.trigger)
		if !crossed {
			return decimal.Decimal{}, false
		}
		// The arming tick is also the fill candidate.
		entry.armed = true
	}

	if entry.orderType == core.OrderTypeLimit {
		if entry.side == core.SideBuy {
			if tick.Ask.IsPositive() && tick.Ask.LessThanOrEqual(entry.limit) {
				return decimal.Min(tick.Ask, entry.limit), true
			}
		} else if tick.Bid.IsPositive() && tick.Bid.GreaterThanOrEqual(entry.limit) {
			return decimal.Max(tick.Bid, entry.limit), true
		}
		return decimal.Decimal{}, false
	}

	// MARKET, and armed STOPs behave as MARKET.
	if entry.side == core.SideBuy {
		if tick.Ask.IsPositive() {
			return tick.Ask, true
		}
	} else if tick.Bid.IsPositive() {
		return tick.Bid, true
	}
	return decimal.Decimal{}, false
}

// Engine is the paper venue. It satisfies the same Submitter contract
// as the broker adapter; the dispatcher workers route orders here when
// Order.PaperTrade is set.
type Engine struct {
	cfg    *config.PaperConfig
	orders OrderControl
	store  core.IOrderStore
	bus    core.IEventBus
	logger core.ILogger

	mu    sync.Mutex
	ticks map[string]*tickRing
	book  map[string][]*bookEntry
	idSec int64
	idSeq int

	sweepInterval time.Duration

	fillCounter    metric.Int64Counter
	timeoutCounter metric.Int64Counter
	tickCounter    metric.Int64Counter
}

// NewEngine creates the paper venue. store mirrors ticks for
// observability and feeds restart recovery; nil disables both.
func NewEngine(cfg *config.PaperConfig, orders OrderControl, store core.IOrderStore, bus core.IEventBus, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("paper-engine")
	fillCounter, _ := meter.Int64Counter("pipeline_paper_fills_total",
		metric.WithDescription("Paper orders filled against the tick stream, by symbol"))
	timeoutCounter, _ := meter.Int64Counter("pipeline_paper_timeouts_total",
		metric.WithDescription("Paper orders expired unmatched, by symbol"))
	tickCounter, _ := meter.Int64Counter("pipeline_paper_ticks_total",
		metric.WithDescription("Ticks consumed, by symbol"))

	return &Engine{
		cfg:            cfg,
		orders:         orders,
		store:          store,
		bus:            bus,
		logger:         logger.WithField("component", "paper_engine"),
		ticks:          make(map[string]*tickRing),
		book:           make(map[string][]*bookEntry),
		sweepInterval:  time.Second,
		fillCounter:    fillCounter,
		timeoutCounter: timeoutCounter,
		tickCounter:    tickCounter,
	}
}

// nextBrokerID mints the synthetic venue order id: second-resolution
// stamp plus a per-second sequence, unique across restarts. Called
// with e.mu held.
func (e *Engine) nextBrokerID() string {
	sec := time.Now().Unix()
	if sec != e.idSec {
		e.idSec = sec
		e.idSeq = 0
	}
	e.idSeq++
	return fmt.Sprintf("PAPER-%d%03d", sec, e.idSeq)
}

// Submit books the order for matching and returns the synthetic venue
// id. A redelivered submission folds into the existing entry so the id
// stays stable across queue retries.
func (e *Engine) Submit(ctx context.Context, o *core.Order) (string, int, error) {
	if o.Symbol == "" {
		return "", 0, apperrors.E(apperrors.ErrValidation, "order %s has no symbol", o.ID)
	}

	e.mu.Lock()
	for _, entry := range e.book[o.Symbol] {
		if entry.orderID == o.ID {
			id := entry.brokerOrderID
			e.mu.Unlock()
			return id, 0, nil
		}
	}
	entry := &bookEntry{
		orderID:       o.ID,
		userID:        o.UserID,
		brokerOrderID: e.nextBrokerID(),
		symbol:        o.Symbol,
		side:          o.Side,
		orderType:     o.OrderType,
		quantity:      o.Quantity,
		limit:         o.Price,
		trigger:       o.TriggerPrice,
		armed:         o.OrderType != core.OrderTypeStop,
		deadline:      time.Now().Add(e.cfg.MatchTimeout()),
	}
	e.book[o.Symbol] = append(e.book[o.Symbol], entry)
	e.mu.Unlock()

	e.bus.PublishBrokerEvent(core.BrokerEvent{
		Type:          core.BrokerEventAck,
		UserID:        o.UserID,
		OrderID:       o.ID,
		BrokerOrderID: entry.brokerOrderID,
		Ts:            time.Now(),
	})
	e.logger.Debug("order booked", "order_id", o.ID, "symbol", o.Symbol, "paper_order_id", entry.brokerOrderID)
	return entry.brokerOrderID, 0, nil
}

// OnTick ingests one market data tick: the ring and the stream mirror
// advance, then the symbol's resting orders are checked in
// registration order. The whole pass runs under the engine lock so
// fills are reproducible.
func (e *Engine) OnTick(ctx context.Context, tick core.Tick) {
	if tick.Symbol == "" {
		return
	}
	e.tickCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", tick.Symbol)))

	e.mu.Lock()
	defer e.mu.Unlock()

	ring, ok := e.ticks[tick.Symbol]
	if !ok {
		ring = newTickRing(e.cfg.BufferSize)
		e.ticks[tick.Symbol] = ring
	}
	ring.push(tick)

	if e.store != nil {
		if err := e.store.AppendTick(ctx, tick); err != nil {
			e.logger.Debug("tick mirror write failed", "symbol", tick.Symbol, "error", err)
		}
	}

	entries := e.book[tick.Symbol]
	if len(entries) == 0 {
		return
	}
	kept := entries[:0]
	for _, entry := range entries {
		px, ok := entry.matchPrice(tick)
		if !ok {
			kept = append(kept, entry)
			continue
		}
		if !e.fill(ctx, entry, px) {
			kept = append(kept, entry)
		}
	}
	e.book[tick.Symbol] = kept
}

// fill applies one full fill. Returns true when the entry settled and
// leaves the book; an order that cannot take the fill yet stays
// resting.
func (e *Engine) fill(ctx context.Context, entry *bookEntry, px decimal.Decimal) bool {
	if _, err := e.orders.ApplyFill(ctx, entry.orderID, entry.quantity, px, actorPaper); err != nil {
		switch apperrors.Tag(err) {
		case "not_found":
			e.logger.Warn("resting order vanished, dropping", "order_id", entry.orderID)
			return true
		case "invalid_transition":
			// Not yet PLACED (worker mid-placement) or mid-cancel.
			// Leave it; the sweep prunes entries that will never fill.
			e.logger.Debug("order not fillable yet", "order_id", entry.orderID, "error", err)
			return false
		default:
			e.logger.Warn("fill failed", "order_id", entry.orderID, "error", err)
			return false
		}
	}

	e.fillCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", entry.symbol)))
	e.bus.PublishBrokerEvent(core.BrokerEvent{
		Type:          core.BrokerEventFill,
		UserID:        entry.userID,
		OrderID:       entry.orderID,
		BrokerOrderID: entry.brokerOrderID,
		FilledQty:     entry.quantity,
		FillPrice:     px,
		Ts:            time.Now(),
	})
	e.logger.Info("paper fill",
		"order_id", entry.orderID, "symbol", entry.symbol, "qty", entry.quantity, "price", px)
	return true
}

// Run drives the timeout sweep. The sweep has its own ticker so
// unmatched orders expire even when the tick stream goes quiet.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	e.logger.Info("paper matching started",
		"match_timeout", e.cfg.MatchTimeout(), "buffer_size", e.cfg.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// sweep is one pass over the book: drop entries whose orders settled
// elsewhere, confirm pending cancels, expire everything past deadline.
func (e *Engine) sweep(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for symbol, entries := range e.book {
		kept := entries[:0]
		for _, entry := range entries {
			if !e.retire(ctx, entry, now) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(e.book, symbol)
		} else {
			e.book[symbol] = kept
		}
	}
}

// retire decides one entry's fate during a sweep. Returns true when
// the entry leaves the book.
func (e *Engine) retire(ctx context.Context, entry *bookEntry, now time.Time) bool {
	o, err := e.orders.Get(ctx, entry.orderID)
	if err != nil {
		if apperrors.Tag(err) == "not_found" {
			e.logger.Warn("resting order vanished, dropping", "order_id", entry.orderID)
			return true
		}
		return false
	}
	if o.State.IsTerminal() {
		return true
	}
	if o.State == core.StateCancelling {
		if _, err := e.orders.ConfirmCancel(ctx, entry.orderID, "cancelled in paper book", actorPaper); err != nil {
			e.logger.Warn("cancel confirmation failed", "order_id", entry.orderID, "error", err)
			return false
		}
		e.bus.PublishBrokerEvent(core.BrokerEvent{
			Type:          core.BrokerEventCancel,
			UserID:        entry.userID,
			OrderID:       entry.orderID,
			BrokerOrderID: entry.brokerOrderID,
			Reason:        "cancelled in paper book",
			Ts:            time.Now(),
		})
		return true
	}
	if now.Before(entry.deadline) {
		return false
	}
	return e.expire(ctx, entry, o)
}

// expire times one entry out: the order lands in REJECTED with reason
// MatchTimeout. A PLACED order takes the settlement hop through
// FILLING, its only route to REJECTED; a failed hop leaves the entry
// for the next sweep.
func (e *Engine) expire(ctx context.Context, entry *bookEntry, o *core.Order) bool {
	if o.State == core.StatePlaced {
		if _, err := e.orders.Transition(ctx, entry.orderID, core.StateFilling, "match timeout", actorPaper); err != nil {
			e.logger.Warn("timeout transition failed", "order_id", entry.orderID, "error", err)
			return false
		}
	}
	if _, err := e.orders.Reject(ctx, entry.orderID, matchTimeoutReason, actorPaper); err != nil {
		e.logger.Warn("timeout reject failed", "order_id", entry.orderID, "error", err)
		return false
	}

	e.timeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", entry.symbol)))
	e.bus.PublishBrokerEvent(core.BrokerEvent{
		Type:          core.BrokerEventReject,
		UserID:        entry.userID,
		OrderID:       entry.orderID,
		BrokerOrderID: entry.brokerOrderID,
		Reason:        matchTimeoutReason,
		Ts:            time.Now(),
	})
	e.logger.Info("paper order timed out", "order_id", entry.orderID, "symbol", entry.symbol)
	return true
}

// Recover re-books resting paper orders after a restart. The book is
// memory-only; PLACED paper orders in the store resume with their
// original deadline so a crash does not reset the match window, and
// CANCELLING ones come back so the sweep can confirm them. A recovered
// STOP re-arms from scratch.
func (e *Engine) Recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	active, err := e.store.ListActiveOrders(ctx)
	if err != nil {
		return err
	}

	n := 0
	e.mu.Lock()
	for _, o := range active {
		if !o.PaperTrade {
			continue
		}
		if o.State != core.StatePlaced && o.State != core.StateCancelling {
			continue
		}
		found := false
		for _, entry := range e.book[o.Symbol] {
			if entry.orderID == o.ID {
				found = true
				break
			}
		}
		if found {
			continue
		}
		e.book[o.Symbol] = append(e.book[o.Symbol], &bookEntry{
			orderID:       o.ID,
			userID:        o.UserID,
			brokerOrderID: o.BrokerOrderID,
			symbol:        o.Symbol,
			side:          o.Side,
			orderType:     o.OrderType,
			quantity:      o.Quantity,
			limit:         o.Price,
			trigger:       o.TriggerPrice,
			armed:         o.OrderType != core.OrderTypeStop,
			deadline:      o.UpdatedAt.Add(e.cfg.MatchTimeout()),
		})
		n++
	}
	e.mu.Unlock()

	if n > 0 {
		e.logger.Info("re-booked resting paper orders", "count", n)
	}
	return nil
}

// LastTick returns the newest buffered tick for a symbol.
func (e *Engine) LastTick(symbol string) (core.Tick, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ring, ok := e.ticks[symbol]
	if !ok {
		return core.Tick{}, false
	}
	return ring.latest()
}

// Ticks returns the buffered ticks for a symbol, oldest first.
func (e *Engine) Ticks(symbol string) []core.Tick {
	e.mu.Lock()
	defer e.mu.Unlock()
	ring, ok := e.ticks[symbol]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// Resting returns the number of orders waiting in the book.
func (e *Engine) Resting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entries := range e.book {
		n += len(entries)
	}
	return n
}

// CheckHealth reports red when the sweep has visibly stopped retiring
// entries past their deadline.
func (e *Engine) CheckHealth() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	lag := 5 * e.sweepInterval
	for _, entries := range e.book {
		for _, entry := range entries {
			if time.Since(entry.deadline) > lag {
				return apperrors.E(apperrors.ErrTransient,
					"order %s overdue in paper book", entry.orderID)
			}
		}
	}
	return nil
}
