package feed

import (
	"context"

	"order_pipeline/internal/core"
	"order_pipeline/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const subscriberName = "feed_relay"

// Relay forwards bus traffic onto the hub as typed frames.
type Relay struct {
	bus    core.IEventBus
	hub    *Hub
	logger core.ILogger

	frameCounter metric.Int64Counter
}

func NewRelay(bus core.IEventBus, hub *Hub, logger core.ILogger) *Relay {
	meter := telemetry.GetMeter("feed")
	frameCounter, _ := meter.Int64Counter("pipeline_feed_frames_total",
		metric.WithDescription("Frames relayed to the hub, by type"))

	return &Relay{
		bus:          bus,
		hub:          hub,
		logger:       logger.WithField("component", "feed_relay"),
		frameCounter: frameCounter,
	}
}

// Run consumes both bus topics until the context ends.
func (r *Relay) Run(ctx context.Context) error {
	orders := r.bus.SubscribeOrderChanges(subscriberName)
	brokers := r.bus.SubscribeBrokerEvents(subscriberName)
	defer r.bus.Unsubscribe(subscriberName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-orders:
			if !ok {
				return nil
			}
			r.hub.Broadcast(NewOrderUpdateMessage(ev))
			r.count(ctx, TypeOrderUpdate)
		case ev, ok := <-brokers:
			if !ok {
				return nil
			}
			r.hub.Broadcast(NewBrokerEventMessage(ev))
			r.count(ctx, TypeBrokerEvent)
		}
	}
}

func (r *Relay) count(ctx context.Context, msgType string) {
	r.frameCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}
