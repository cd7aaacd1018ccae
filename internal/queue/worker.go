package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	"order_pipeline/pkg/concurrency"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrderControl is the slice of the order manager the workers drive.
type OrderControl interface {
	Get(ctx context.Context, orderID string) (*core.Order, error)
	Transition(ctx context.Context, orderID string, to core.OrderState, reason, actor string) (*core.Order, error)
	MarkPlaced(ctx context.Context, orderID, brokerOrderID string, retries int, actor string) (*core.Order, error)
	Reject(ctx context.Context, orderID, reason, actor string) (*core.Order, error)
	ConfirmCancel(ctx context.Context, orderID, reason, actor string) (*core.Order, error)
}

// Submitter places a claimed order with its execution venue and
// returns the venue's order id plus the retries the submission burned.
type Submitter interface {
	Submit(ctx context.Context, o *core.Order) (string, int, error)
}

// WorkerStats is one worker's processing tally.
type WorkerStats struct {
	Claimed      uint64    `json:"claimed"`
	Processed    uint64    `json:"processed"`
	Failed       uint64    `json:"failed"`
	Requeued     uint64    `json:"requeued"`
	DeadLettered uint64    `json:"dead_lettered"`
	LastClaimAt  time.Time `json:"last_claim_at"`
}

// Workers runs the claim loops: N long-lived consumers pulling from the
// dispatcher, routing paper orders to the paper matcher and the rest to
// the broker adapter, plus the periodic rebalancer.
type Workers struct {
	dispatcher *Dispatcher
	orders     OrderControl
	paper      Submitter
	live       Submitter
	cfg        *config.QueueConfig
	logger     core.ILogger

	pool   *concurrency.Pool
	cancel context.CancelFunc

	statsMu sync.RWMutex
	stats   map[string]*WorkerStats

	processedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	processingHist   metric.Float64Histogram
}

// NewWorkers creates the worker set. paper handles orders flagged
// paper-trade; live handles everything else.
func NewWorkers(dispatcher *Dispatcher, orders OrderControl, paper, live Submitter, cfg *config.QueueConfig, logger core.ILogger) *Workers {
	meter := telemetry.GetMeter("queue-workers")
	processedCounter, _ := meter.Int64Counter("pipeline_worker_processed_total",
		metric.WithDescription("Items processed to placement, by worker"))
	failedCounter, _ := meter.Int64Counter("pipeline_worker_failed_total",
		metric.WithDescription("Items that failed processing, by worker and outcome"))
	processingHist, _ := meter.Float64Histogram("pipeline_worker_processing_ms",
		metric.WithDescription("Per-item processing time"), metric.WithUnit("ms"))

	return &Workers{
		dispatcher:       dispatcher,
		orders:           orders,
		paper:            paper,
		live:             live,
		cfg:              cfg,
		logger:           logger.WithField("component", "queue_workers"),
		stats:            make(map[string]*WorkerStats),
		processedCounter: processedCounter,
		failedCounter:    failedCounter,
		processingHist:   processingHist,
	}
}

// Start creates the consumer group, spins up the claim loops and the
// rebalance ticker. Blocks only until the loops are handed to the pool.
func (w *Workers) Start(ctx context.Context) error {
	if err := w.dispatcher.Init(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	// One extra slot for the rebalancer; loops are long-lived so the
	// pool floor matches the task count.
	w.pool = concurrency.New(concurrency.PoolConfig{
		Name:        "queue-workers",
		MaxWorkers:  w.cfg.Workers + 1,
		MaxCapacity: w.cfg.Workers + 1,
	}, w.logger)

	for i := 0; i < w.cfg.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		w.statsMu.Lock()
		w.stats[name] = &WorkerStats{}
		w.statsMu.Unlock()
		if err := w.pool.Submit(func() { w.claimLoop(loopCtx, name) }); err != nil {
			return err
		}
	}
	if err := w.pool.Submit(func() { w.rebalanceLoop(loopCtx) }); err != nil {
		return err
	}
	w.logger.Info("queue workers started", "workers", w.cfg.Workers)
	return nil
}

// Stop cancels the loops and waits for in-flight items to settle.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.pool != nil {
		w.pool.Stop()
		ps := w.pool.Stats()
		w.logger.Info("queue workers stopped", "tasks", ps.Submitted, "panics", ps.Failed)
		return
	}
	w.logger.Info("queue workers stopped")
}

// Stats returns a snapshot of every worker's tally.
func (w *Workers) Stats() map[string]WorkerStats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	out := make(map[string]WorkerStats, len(w.stats))
	for name, s := range w.stats {
		out[name] = *s
	}
	return out
}

func (w *Workers) statsFor(name string) *WorkerStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	s, ok := w.stats[name]
	if !ok {
		s = &WorkerStats{}
		w.stats[name] = s
	}
	return s
}

func (w *Workers) claimLoop(ctx context.Context, name string) {
	logger := w.logger.WithField("worker", name)
	for ctx.Err() == nil {
		item, err := w.dispatcher.Claim(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if item == nil {
			continue
		}

		s := w.statsFor(name)
		w.statsMu.Lock()
		s.Claimed++
		s.LastClaimAt = time.Now()
		w.statsMu.Unlock()

		start := time.Now()
		w.process(ctx, name, item)
		w.processingHist.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("worker", name)))
	}
}

func (w *Workers) rebalanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RebalanceInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.dispatcher.Rebalance(ctx); err != nil {
				w.logger.Warn("rebalance failed", "error", err)
			}
			if _, err := w.dispatcher.Depths(ctx); err != nil {
				w.logger.Debug("depth refresh failed", "error", err)
			}
		}
	}
}

// process runs one claimed item to an outcome: placed, requeued,
// rejected or dead-lettered. Every path settles the queue entry.
func (w *Workers) process(ctx context.Context, name string, item *core.QueueItem) {
	logger := w.logger.WithField("worker", name).WithField("order_id", item.OrderID)

	if item.Attempts >= w.cfg.MaxAttempts {
		w.bury(ctx, name, item, "dispatch attempts exhausted", logger)
		return
	}

	o, err := w.orders.Get(ctx, item.OrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			w.bury(ctx, name, item, "order record missing", logger)
			return
		}
		w.requeue(ctx, name, item, err, logger)
		return
	}

	switch o.State {
	case core.StatePending:
		if _, err := w.orders.Transition(ctx, o.ID, core.StatePlacing, "claimed", name); err != nil {
			// Another actor moved it first; the item is settled.
			w.ack(ctx, item, logger)
			return
		}
	case core.StatePlacing:
		if item.Attempts == 0 {
			// Fresh delivery for an order already mid-placement means a
			// second queue entry existed; drop it.
			w.ack(ctx, item, logger)
			return
		}
		// Redelivery of an interrupted placement: resume the submit.
		// The idempotency key keeps the broker side single.
	case core.StateCancelling:
		if _, err := w.orders.ConfirmCancel(ctx, o.ID, "cancelled before dispatch", name); err != nil {
			logger.Warn("cancel confirmation failed", "error", err)
		}
		w.ack(ctx, item, logger)
		return
	default:
		// Terminal or already placed: the entry is stale.
		w.ack(ctx, item, logger)
		return
	}

	sub := w.live
	venue := "broker"
	if o.PaperTrade {
		sub = w.paper
		venue = "paper"
	}

	brokerOrderID, retries, err := sub.Submit(ctx, o)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrBrokerReject) || errors.Is(err, apperrors.ErrValidation):
			if _, rejErr := w.orders.Reject(ctx, o.ID, err.Error(), name); rejErr != nil {
				logger.Warn("reject after venue refusal failed", "error", rejErr)
			}
			w.ack(ctx, item, logger)
			w.countFailure(ctx, name, "rejected")
		case apperrors.IsRetryable(err):
			w.requeue(ctx, name, item, err, logger)
		default:
			if _, rejErr := w.orders.Reject(ctx, o.ID, err.Error(), name); rejErr != nil {
				logger.Warn("reject after fatal submit failure failed", "error", rejErr)
			}
			w.bury(ctx, name, item, err.Error(), logger)
		}
		return
	}

	if _, err := w.orders.MarkPlaced(ctx, o.ID, brokerOrderID, retries, name); err != nil {
		logger.Error("placement recorded at venue but transition failed", "broker_order_id", brokerOrderID, "error", err)
	}
	w.ack(ctx, item, logger)

	s := w.statsFor(name)
	w.statsMu.Lock()
	s.Processed++
	w.statsMu.Unlock()
	w.processedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", name),
		attribute.String("venue", venue),
	))
	logger.Info("order placed", "venue", venue, "broker_order_id", brokerOrderID, "retries", retries)
}

func (w *Workers) ack(ctx context.Context, item *core.QueueItem, logger core.ILogger) {
	if err := w.dispatcher.Ack(ctx, item); err != nil {
		logger.Warn("ack failed; rebalancer will settle the entry", "error", err)
	}
}

func (w *Workers) requeue(ctx context.Context, name string, item *core.QueueItem, cause error, logger core.ILogger) {
	if err := w.dispatcher.Requeue(ctx, item, cause.Error()); err != nil {
		logger.Error("requeue failed", "error", err)
		return
	}
	s := w.statsFor(name)
	w.statsMu.Lock()
	s.Requeued++
	w.statsMu.Unlock()
	w.countFailure(ctx, name, "requeued")
}

func (w *Workers) bury(ctx context.Context, name string, item *core.QueueItem, reason string, logger core.ILogger) {
	if _, err := w.orders.Reject(ctx, item.OrderID, reason, name); err != nil &&
		!errors.Is(err, apperrors.ErrInvalidTransition) && !errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("reject on dead-letter failed", "error", err)
	}
	if err := w.dispatcher.DeadLetter(ctx, item, reason); err != nil {
		logger.Error("dead-letter failed", "error", err)
		return
	}
	s := w.statsFor(name)
	w.statsMu.Lock()
	s.DeadLettered++
	w.statsMu.Unlock()
	w.countFailure(ctx, name, "dead_lettered")
}

func (w *Workers) countFailure(ctx context.Context, name, outcome string) {
	s := w.statsFor(name)
	w.statsMu.Lock()
	s.Failed++
	w.statsMu.Unlock()
	w.failedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", name),
		attribute.String("outcome", outcome),
	))
}
