package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names for the stateful gauges owned by the holder. Counters
// and histograms live with the components that emit them.
const (
	MetricQueueDepth    = "pipeline_queue_depth"
	MetricSessionHealth = "pipeline_session_health"
	MetricDSWIntervalMs = "pipeline_dsw_interval_ms"
	MetricDSWDirtyDepth = "pipeline_dsw_dirty_depth"
	MetricDSWStalled    = "pipeline_dsw_stalled"
)

// MetricsHolder holds the observable gauges whose values are pushed by
// components and pulled by the exporter callback.
type MetricsHolder struct {
	QueueDepth    metric.Int64ObservableGauge
	SessionHealth metric.Int64ObservableGauge
	DSWIntervalMs metric.Int64ObservableGauge
	DSWDirtyDepth metric.Int64ObservableGauge
	DSWStalled    metric.Int64ObservableGauge

	mu             sync.RWMutex
	queueDepthMap  map[string]int64
	sessionMap     map[string]int64
	dswIntervalMs  int64
	dswDirtyDepth  int64
	dswStalledFlag int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton holder. Instruments stay nil
// until InitMetrics binds them to a meter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap: make(map[string]int64),
			sessionMap:    make(map[string]int64),
		}
	})
	return globalMetrics
}

// gauge registers an observable gauge whose callback reads holder
// state under the read lock.
func (m *MetricsHolder) gauge(meter metric.Meter, name, desc string, observe func(metric.Int64Observer)) (metric.Int64ObservableGauge, error) {
	return meter.Int64ObservableGauge(name, metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			observe(obs)
			return nil
		}))
}

// InitMetrics binds the gauges to the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.QueueDepth, err = m.gauge(meter, MetricQueueDepth, "Pending items per priority stream",
		func(obs metric.Int64Observer) {
			for prio, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("priority", prio)))
			}
		})
	if err != nil {
		return err
	}

	m.SessionHealth, err = m.gauge(meter, MetricSessionHealth, "Session health (0=healthy..4=expired), by session",
		func(obs metric.Int64Observer) {
			for key, val := range m.sessionMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("session", key)))
			}
		})
	if err != nil {
		return err
	}

	m.DSWIntervalMs, err = m.gauge(meter, MetricDSWIntervalMs, "Current adaptive flush interval",
		func(obs metric.Int64Observer) { obs.Observe(m.dswIntervalMs) })
	if err != nil {
		return err
	}

	m.DSWDirtyDepth, err = m.gauge(meter, MetricDSWDirtyDepth, "Dirty records awaiting flush",
		func(obs metric.Int64Observer) { obs.Observe(m.dswDirtyDepth) })
	if err != nil {
		return err
	}

	m.DSWStalled, err = m.gauge(meter, MetricDSWStalled, "DB sync stall state (1=stalled)",
		func(obs metric.Int64Observer) { obs.Observe(m.dswStalledFlag) })
	return err
}

// Helpers to update observable state

func (m *MetricsHolder) SetQueueDepth(priority string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[priority] = depth
}

func (m *MetricsHolder) SetSessionHealth(sessionKey string, level int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionMap[sessionKey] = level
}

func (m *MetricsHolder) RemoveSession(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessionMap, sessionKey)
}

func (m *MetricsHolder) SetDSWInterval(ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dswIntervalMs = ms
}

func (m *MetricsHolder) SetDSWDirtyDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dswDirtyDepth = depth
}

func (m *MetricsHolder) SetDSWStalled(stalled bool) {
	val := int64(0)
	if stalled {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dswStalledFlag = val
}
