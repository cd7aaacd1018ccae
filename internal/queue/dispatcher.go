// Package queue implements priority dispatch between the order manager
// and the submission workers: three Redis streams (one per priority), a
// shared consumer group, claim/ack/requeue semantics with bounded
// attempts, a dead letter stream and a rebalancer that recovers items
// stranded by dead consumers.
package queue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	group          = "dispatchers"
	streamDLQ      = "queue:dead"
	rebalancerName = "rebalancer"
	claimPoll      = 10 * time.Millisecond
)

func streamFor(p core.Priority) string {
	return "queue:p" + strconv.Itoa(int(p))
}

var priorityScan = []core.Priority{core.PriorityHigh, core.PriorityNormal, core.PriorityLow}

// Dispatcher is the queue itself. All consumers share one group; every
// item is delivered to exactly one consumer until acked, requeued or
// dead-lettered.
type Dispatcher struct {
	client *redis.Client
	cfg    *config.QueueConfig
	logger core.ILogger

	mu     sync.Mutex
	claims map[string]uint64 // per-consumer claim counter for the fairness tick

	enqueueCounter metric.Int64Counter
	dlqCounter     metric.Int64Counter
	requeueCounter metric.Int64Counter
}

// NewDispatcher creates the dispatcher over a shared Redis client.
func NewDispatcher(client *redis.Client, cfg *config.QueueConfig, logger core.ILogger) *Dispatcher {
	meter := telemetry.GetMeter("queue-dispatcher")
	enqueueCounter, _ := meter.Int64Counter("pipeline_queue_enqueued_total",
		metric.WithDescription("Total items enqueued, by priority"))
	dlqCounter, _ := meter.Int64Counter("pipeline_queue_dlq_total",
		metric.WithDescription("Total items moved to the dead letter stream"))
	requeueCounter, _ := meter.Int64Counter("pipeline_queue_requeued_total",
		metric.WithDescription("Total items returned to their stream for another attempt"))

	return &Dispatcher{
		client:         client,
		cfg:            cfg,
		logger:         logger.WithField("component", "queue_dispatcher"),
		claims:         make(map[string]uint64),
		enqueueCounter: enqueueCounter,
		dlqCounter:     dlqCounter,
		requeueCounter: requeueCounter,
	}
}

// Init creates the consumer group on every stream. Safe to call on
// every start; existing groups are kept.
func (d *Dispatcher) Init(ctx context.Context) error {
	streams := make([]string, 0, len(priorityScan)+1)
	for _, p := range priorityScan {
		streams = append(streams, streamFor(p))
	}
	streams = append(streams, streamDLQ)
	for _, s := range streams {
		err := d.client.XGroupCreateMkStream(ctx, s, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return apperrors.Wrap(apperrors.ErrTransient, err, "create group on %s", s)
		}
	}
	return nil
}

// Depths returns the pending entries per priority and refreshes the
// depth gauges.
func (d *Dispatcher) Depths(ctx context.Context) (map[core.Priority]int64, error) {
	out := make(map[core.Priority]int64, len(priorityScan))
	for _, p := range priorityScan {
		n, err := d.client.XLen(ctx, streamFor(p)).Result()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransient, err, "read depth of %s", streamFor(p))
		}
		out[p] = n
		telemetry.GetGlobalMetrics().SetQueueDepth(p.Label(), n)
	}
	return out, nil
}

// CheckHealth reports saturation. A full queue means enqueues are
// being refused even though Redis itself answers.
func (d *Dispatcher) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	depths, err := d.Depths(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range depths {
		total += n
	}
	if total >= int64(d.cfg.MaxSize) {
		return apperrors.E(apperrors.ErrQueueFull, "queue at capacity (%d items)", total)
	}
	return nil
}

// Enqueue appends the order to its priority stream. Fails with the
// queue-full tag when the combined depth is at the cap.
func (d *Dispatcher) Enqueue(ctx context.Context, o *core.Order) error {
	depths, err := d.Depths(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range depths {
		total += n
	}
	if total >= int64(d.cfg.MaxSize) {
		return apperrors.E(apperrors.ErrQueueFull, "queue at capacity (%d items)", total)
	}

	p := o.Priority
	if !p.Valid() {
		p = core.PriorityNormal
	}
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamFor(p),
		Values: map[string]interface{}{
			"order_id":    o.ID,
			"enqueued_at": time.Now().UnixNano(),
			"attempts":    0,
		},
	}).Err()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, err, "enqueue order %s", o.ID)
	}
	d.enqueueCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", p.Label())))
	telemetry.GetGlobalMetrics().SetQueueDepth(p.Label(), depths[p]+1)
	return nil
}

// scanOrder returns the priority order for this consumer's next claim.
// Every Nth claim flips to lowest-first so a busy high stream cannot
// starve the others.
func (d *Dispatcher) scanOrder(consumer string) []core.Priority {
	d.mu.Lock()
	n := d.claims[consumer]
	d.claims[consumer] = n + 1
	d.mu.Unlock()

	if d.cfg.FairnessEvery > 0 && (n+1)%uint64(d.cfg.FairnessEvery) == 0 {
		return []core.Priority{core.PriorityLow, core.PriorityNormal, core.PriorityHigh}
	}
	return priorityScan
}

// Claim hands the consumer one item, polling the streams in priority
// order until the claim block elapses. Returns (nil, nil) when no work
// arrived in time. The item stays pending until Ack, Requeue or
// DeadLetter.
func (d *Dispatcher) Claim(ctx context.Context, consumer string) (*core.QueueItem, error) {
	order := d.scanOrder(consumer)
	deadline := time.Now().Add(d.cfg.ClaimBlock())

	for {
		for _, p := range order {
			item, err := d.tryClaim(ctx, consumer, p)
			if err != nil {
				return nil, err
			}
			if item != nil {
				return item, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimPoll):
		}
	}
}

func (d *Dispatcher) tryClaim(ctx context.Context, consumer string, p core.Priority) (*core.QueueItem, error) {
	res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamFor(p), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransient, err, "claim from %s", streamFor(p))
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			return itemFromMessage(p, msg), nil
		}
	}
	return nil, nil
}

func itemFromMessage(p core.Priority, msg redis.XMessage) *core.QueueItem {
	item := &core.QueueItem{Priority: p, StreamID: msg.ID}
	if v, ok := msg.Values["order_id"].(string); ok {
		item.OrderID = v
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		ns, _ := strconv.ParseInt(v, 10, 64)
		item.EnqueuedAt = time.Unix(0, ns)
	}
	if v, ok := msg.Values["attempts"].(string); ok {
		item.Attempts, _ = strconv.Atoi(v)
	}
	return item
}

// Ack marks the item done and removes it from the pending set.
func (d *Dispatcher) Ack(ctx context.Context, item *core.QueueItem) error {
	err := d.client.XAck(ctx, streamFor(item.Priority), group, item.StreamID).Err()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, err, "ack %s", item.StreamID)
	}
	return nil
}

// Requeue acks the delivered entry and appends a fresh one with the
// attempt counter bumped. The item loses its queue position; retries
// wait behind current traffic.
func (d *Dispatcher) Requeue(ctx context.Context, item *core.QueueItem, reason string) error {
	stream := streamFor(item.Priority)
	pipe := d.client.TxPipeline()
	pipe.XAck(ctx, stream, group, item.StreamID)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"order_id":    item.OrderID,
			"enqueued_at": item.EnqueuedAt.UnixNano(),
			"attempts":    item.Attempts + 1,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, err, "requeue %s", item.OrderID)
	}
	d.requeueCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", item.Priority.Label())))
	d.logger.Debug("item requeued", "order_id", item.OrderID, "attempts", item.Attempts+1, "reason", reason)
	return nil
}

// DeadLetter moves the item to the dead letter stream and acks the
// original. Dead-lettered items need operator action; nothing reads
// them back automatically.
func (d *Dispatcher) DeadLetter(ctx context.Context, item *core.QueueItem, reason string) error {
	pipe := d.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamDLQ,
		Values: map[string]interface{}{
			"order_id":  item.OrderID,
			"priority":  int(item.Priority),
			"attempts":  item.Attempts,
			"reason":    reason,
			"failed_at": time.Now().UnixNano(),
		},
	})
	pipe.XAck(ctx, streamFor(item.Priority), group, item.StreamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, err, "dead-letter %s", item.OrderID)
	}
	d.dlqCounter.Add(ctx, 1)
	d.logger.Warn("item dead-lettered", "order_id", item.OrderID, "attempts", item.Attempts, "reason", reason)
	return nil
}

// Rebalance reclaims entries that sat pending past the stale threshold
// (their consumer died mid-processing) and returns them to their stream
// with the interrupted attempt counted.
func (d *Dispatcher) Rebalance(ctx context.Context) (int, error) {
	reclaimed := 0
	for _, p := range priorityScan {
		stream := streamFor(p)
		start := "0-0"
		for {
			msgs, next, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: rebalancerName,
				MinIdle:  d.cfg.StaleThreshold(),
				Start:    start,
				Count:    64,
			}).Result()
			if err != nil {
				return reclaimed, apperrors.Wrap(apperrors.ErrTransient, err, "autoclaim on %s", stream)
			}
			for _, msg := range msgs {
				item := itemFromMessage(p, msg)
				if err := d.Requeue(ctx, item, "reclaimed from stale consumer"); err != nil {
					return reclaimed, err
				}
				reclaimed++
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
	if reclaimed > 0 {
		d.logger.Info("rebalance reclaimed stale items", "count", reclaimed)
	}
	return reclaimed, nil
}

// DeadLetters pages the dead letter stream for the ops surface.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]core.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := d.client.XRangeN(ctx, streamDLQ, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransient, err, "read dead letters")
	}
	out := make([]core.QueueItem, 0, len(msgs))
	for _, msg := range msgs {
		item := core.QueueItem{StreamID: msg.ID}
		if v, ok := msg.Values["order_id"].(string); ok {
			item.OrderID = v
		}
		if v, ok := msg.Values["priority"].(string); ok {
			n, _ := strconv.Atoi(v)
			item.Priority = core.Priority(n)
		}
		if v, ok := msg.Values["attempts"].(string); ok {
			item.Attempts, _ = strconv.Atoi(v)
		}
		out = append(out, item)
	}
	return out, nil
}
