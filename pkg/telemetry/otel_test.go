package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("test-service")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	// Verify providers are set
	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	// Test GetTracer/GetMeter
	tracer := GetTracer("test-tracer")
	if tracer == nil {
		t.Error("Failed to get tracer")
	}

	meter := GetMeter("test-meter")
	if meter == nil {
		t.Error("Failed to get meter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestMetricsHolderObservation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	holder := &MetricsHolder{
		queueDepthMap: make(map[string]int64),
		sessionMap:    make(map[string]int64),
	}
	if err := holder.InitMetrics(mp.Meter("test")); err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}

	holder.SetQueueDepth("high", 7)
	holder.SetSessionHealth("user1:mock", 0)
	holder.SetSessionHealth("user2:mock", 2)
	holder.RemoveSession("user1:mock")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	gauges := make(map[string]metricdata.Gauge[int64])
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
				gauges[m.Name] = g
			}
		}
	}

	depth, ok := gauges[MetricQueueDepth]
	if !ok || len(depth.DataPoints) != 1 {
		t.Fatalf("Expected one queue depth point, got %+v", depth)
	}
	if depth.DataPoints[0].Value != 7 {
		t.Errorf("Expected depth 7, got %d", depth.DataPoints[0].Value)
	}
	if prio, _ := depth.DataPoints[0].Attributes.Value(attribute.Key("priority")); prio.AsString() != "high" {
		t.Errorf("Expected priority attribute high, got %s", prio.AsString())
	}

	// Removed sessions must stop being observed entirely.
	health, ok := gauges[MetricSessionHealth]
	if !ok || len(health.DataPoints) != 1 {
		t.Fatalf("Expected one session health point, got %+v", health)
	}
	if health.DataPoints[0].Value != 2 {
		t.Errorf("Expected health level 2, got %d", health.DataPoints[0].Value)
	}
}
