// Package dbsync implements the asynchronous writer that persists hot
// Redis state to SQL. The global transition log is the authority: the
// worker replays it from a durable cursor, so bus events only serve as
// dirty hints that pull the next flush forward. SQL being down never
// blocks the trading path; the worker stalls, keeps the hot state
// flowing and catches up once the database returns.
package dbsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	subscriberName = "db_sync"
	metaCursorKey  = "last_applied_id"

	// pageSize rows per log read, maxPages reads per flush. A flush
	// that fills every page reports work remaining so catch-up loops.
	pageSize = 256
	maxPages = 8
)

// Worker drains the hot state into SQL on an adaptive interval.
type Worker struct {
	store  core.IOrderStore
	sql    *SQLStore
	bus    core.IEventBus
	cfg    *config.DSWConfig
	logger core.ILogger
	holder *telemetry.MetricsHolder

	// flushMu serializes log replay; Flush and CatchUp both take it.
	flushMu sync.Mutex

	mu          sync.Mutex
	dirty       map[string]FieldMask
	cursor      string
	interval    time.Duration
	stalled     bool
	lastSession time.Time

	flushCounter metric.Int64Counter
	rowCounter   metric.Int64Counter
	flushLatency metric.Float64Histogram
}

// NewWorker wires the sync worker. Call CatchUp before Run so the
// cursor resumes from the last durably applied log entry.
func NewWorker(store core.IOrderStore, sqlStore *SQLStore, bus core.IEventBus, cfg *config.DSWConfig, logger core.ILogger) *Worker {
	meter := telemetry.GetMeter("db-sync")
	flushCounter, _ := meter.Int64Counter("pipeline_dsw_flushes_total",
		metric.WithDescription("Completed flush cycles"))
	rowCounter, _ := meter.Int64Counter("pipeline_dsw_rows_total",
		metric.WithDescription("Rows written to SQL, by kind"))
	flushLatency, _ := meter.Float64Histogram("pipeline_dsw_flush_seconds",
		metric.WithDescription("Flush cycle latency"))

	return &Worker{
		store:        store,
		sql:          sqlStore,
		bus:          bus,
		cfg:          cfg,
		logger:       logger.WithField("component", "db_sync"),
		holder:       telemetry.GetGlobalMetrics(),
		dirty:        make(map[string]FieldMask),
		interval:     cfg.IntervalMax(),
		flushCounter: flushCounter,
		rowCounter:   rowCounter,
		flushLatency: flushLatency,
	}
}

// maskFor maps a transition to the columns it dirties. An order's
// first logged hop writes the whole row since SQL has never seen it.
func maskFor(t core.Transition) FieldMask {
	var mask FieldMask
	switch t.To {
	case core.StatePlaced:
		mask = MaskStatus | MaskBroker
	case core.StateFilling, core.StateFilled:
		mask = MaskStatus | MaskFill
	default:
		mask = MaskStatus
	}
	if t.From == core.StateCreated {
		mask = MaskAll
	}
	return mask
}

func (w *Worker) markDirty(ev core.OrderStateChanged) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty[ev.Transition.OrderID] |= maskFor(ev.Transition)
	depth := len(w.dirty)
	w.holder.SetDSWDirtyDepth(int64(depth))
	return depth
}

// Run flushes on the adaptive interval and early when the dirty set
// reaches the batch size. On shutdown it drains once more so a clean
// stop loses nothing.
func (w *Worker) Run(ctx context.Context) error {
	events := w.bus.SubscribeOrderChanges(subscriberName)
	defer w.bus.Unsubscribe(subscriberName)

	timer := time.NewTimer(w.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.Flush(drainCtx); err != nil {
				w.logger.Warn("final drain failed", "error", err)
			}
			cancel()
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if w.markDirty(ev) >= w.cfg.BatchSize {
				if err := w.Flush(ctx); err != nil {
					w.logger.Error("batch flush failed", "error", err)
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.Interval())
			}

		case <-timer.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("interval flush failed", "error", err)
			}
			timer.Reset(w.Interval())
		}
	}
}

// Flush replays pending log entries and dirty records into SQL,
// retrying transient failures with doubling backoff. Exhausting the
// retry budget latches the stall flag; from then on flushes refuse
// until CatchUp succeeds.
func (w *Worker) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if w.Stalled() {
		return apperrors.E(apperrors.ErrDBSyncStalled, "sync halted, awaiting catch-up")
	}

	started := time.Now()
	backoff := w.cfg.IntervalMin()
	var lastErr error
	for attempt := 0; ; attempt++ {
		rows, err := w.flushOnce(ctx)
		if err == nil {
			w.flushLatency.Record(ctx, time.Since(started).Seconds())
			w.flushCounter.Add(ctx, 1)
			w.adaptInterval()
			w.logger.Debug("flush complete", "rows", rows, "attempts", attempt+1)
			return nil
		}
		lastErr = err
		if attempt+1 >= w.cfg.MaxSQLRetries {
			break
		}
		w.logger.Warn("flush attempt failed", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return apperrors.Timeout("db sync flush", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.IntervalMax() {
			backoff = w.cfg.IntervalMax()
		}
	}
	w.stall(lastErr)
	return apperrors.Wrap(apperrors.ErrDBSyncStalled, lastErr,
		"flush abandoned after %d attempts", w.cfg.MaxSQLRetries)
}

// flushOnce pages the global log from the cursor, lands orders,
// transitions, positions and sessions, then advances the durable
// cursor. Returns the number of rows written so catch-up can loop
// until the backlog is gone.
func (w *Worker) flushOnce(ctx context.Context) (int, error) {
	newCursor := w.Cursor()
	pending := make(map[string][]core.Transition)
	total := 0
	for page := 0; page < maxPages; page++ {
		logged, err := w.store.GlobalTransitions(ctx, newCursor, pageSize)
		if err != nil {
			return 0, err
		}
		for _, lt := range logged {
			pending[lt.OrderID] = append(pending[lt.OrderID], lt.Transition)
			newCursor = lt.StreamID
		}
		total += len(logged)
		if len(logged) < pageSize {
			break
		}
	}

	// Fold log-derived masks into the dirty set, then snapshot it.
	// Entries whose mask grows mid-flush survive the clear below.
	w.mu.Lock()
	for id, txs := range pending {
		for _, t := range txs {
			w.dirty[id] |= maskFor(t)
		}
	}
	snapshot := make(map[string]FieldMask, len(w.dirty))
	for id, mask := range w.dirty {
		snapshot[id] = mask
	}
	w.mu.Unlock()

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	orders, err := w.store.GetOrders(ctx, ids)
	if err != nil {
		return 0, err
	}
	if err := w.sql.UpsertOrders(ctx, orders, snapshot); err != nil {
		return 0, err
	}
	w.rowCounter.Add(ctx, int64(len(orders)), metric.WithAttributes(attribute.String("kind", "orders")))

	for id, txs := range pending {
		if err := w.sql.ApplyTransitions(ctx, id, txs); err != nil {
			return 0, err
		}
	}
	w.rowCounter.Add(ctx, int64(total), metric.WithAttributes(attribute.String("kind", "transitions")))

	if newCursor != w.Cursor() {
		if err := w.sql.SetMeta(ctx, metaCursorKey, newCursor); err != nil {
			return 0, err
		}
		w.setCursor(newCursor)
	}

	if err := w.syncPositions(ctx, orders, snapshot); err != nil {
		return 0, err
	}
	if err := w.syncSessions(ctx); err != nil {
		return 0, err
	}

	// Clear only entries whose mask did not grow while we flushed.
	w.mu.Lock()
	for id, mask := range snapshot {
		if w.dirty[id] == mask {
			delete(w.dirty, id)
		}
	}
	w.holder.SetDSWDirtyDepth(int64(len(w.dirty)))
	w.mu.Unlock()

	return len(orders) + total, nil
}

// syncPositions mirrors the derived records for every order whose fill
// columns moved this cycle.
func (w *Worker) syncPositions(ctx context.Context, orders []*core.Order, masks map[string]FieldMask) error {
	seen := make(map[string]bool)
	var out []*core.Position
	for _, o := range orders {
		if masks[o.ID]&MaskFill == 0 {
			continue
		}
		key := o.UserID + ":" + o.Symbol
		if seen[key] {
			continue
		}
		seen[key] = true
		p, err := w.store.GetPosition(ctx, o.UserID, o.Symbol)
		if errors.Is(err, apperrors.ErrNotFound) {
			// Fill event raced ahead of the fold; next cycle catches it.
			continue
		}
		if err != nil {
			return err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	if err := w.sql.UpsertPositions(ctx, out); err != nil {
		return err
	}
	w.rowCounter.Add(ctx, int64(len(out)), metric.WithAttributes(attribute.String("kind", "positions")))
	return nil
}

// syncSessions mirrors cached broker sessions on the slow cadence;
// they change rarely and carry no trading state.
func (w *Worker) syncSessions(ctx context.Context) error {
	w.mu.Lock()
	due := time.Since(w.lastSession) >= w.cfg.IntervalMax()
	w.mu.Unlock()
	if !due {
		return nil
	}
	records, err := w.store.ListSessionRecords(ctx)
	if err != nil {
		return err
	}
	if err := w.sql.UpsertSessions(ctx, records); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastSession = time.Now()
	w.mu.Unlock()
	if len(records) > 0 {
		w.rowCounter.Add(ctx, int64(len(records)), metric.WithAttributes(attribute.String("kind", "sessions")))
	}
	return nil
}

// adaptInterval halves the flush interval while the backlog is deep
// and doubles it while shallow, clamped to the configured bounds.
func (w *Worker) adaptInterval() {
	w.mu.Lock()
	defer w.mu.Unlock()
	depth := len(w.dirty)
	switch {
	case depth > w.cfg.HighWater:
		w.interval /= 2
	case depth < w.cfg.LowWater:
		w.interval *= 2
	}
	if w.interval < w.cfg.IntervalMin() {
		w.interval = w.cfg.IntervalMin()
	}
	if w.interval > w.cfg.IntervalMax() {
		w.interval = w.cfg.IntervalMax()
	}
	w.holder.SetDSWInterval(w.interval.Milliseconds())
}

func (w *Worker) stall(cause error) {
	w.mu.Lock()
	w.stalled = true
	w.mu.Unlock()
	w.holder.SetDSWStalled(true)
	w.logger.Error("db sync stalled, hot state continues; run catch-up once SQL recovers", "error", cause)
}

// CatchUp resumes the cursor from SQL and replays the log until the
// backlog is empty, then clears the stall latch. Bootstrap calls it
// before Run; operators call it after repairing the database.
func (w *Worker) CatchUp(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	durable, err := w.sql.GetMeta(ctx, metaCursorKey)
	if err != nil {
		return err
	}
	w.setCursor(durable)

	for {
		rows, err := w.flushOnce(ctx)
		if err != nil {
			return err
		}
		if rows == 0 {
			break
		}
		w.logger.Info("catch-up applied batch", "rows", rows)
	}

	w.mu.Lock()
	w.stalled = false
	w.mu.Unlock()
	w.holder.SetDSWStalled(false)
	w.logger.Info("catch-up complete", "cursor", w.Cursor())
	return nil
}

// CheckHealth reports red while stalled or while SQL is unreachable.
func (w *Worker) CheckHealth() error {
	if w.Stalled() {
		return apperrors.E(apperrors.ErrDBSyncStalled, "flushes halted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return w.sql.Ping(ctx)
}

// Depth returns the current dirty set size.
func (w *Worker) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

// Interval returns the current adaptive flush interval.
func (w *Worker) Interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// Stalled reports whether the worker has latched the stall flag.
func (w *Worker) Stalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled
}

// Cursor returns the last applied global log position.
func (w *Worker) Cursor() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *Worker) setCursor(id string) {
	w.mu.Lock()
	w.cursor = id
	w.mu.Unlock()
}
