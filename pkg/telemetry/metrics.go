package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsTotal        = "execd_signals_total"
	MetricDispatchTotal       = "execd_dispatch_total"
	MetricDispatchLatency     = "execd_dispatch_latency_ms"
	MetricExchangeLatency     = "execd_exchange_latency_ms"
	MetricExchangeRetries     = "execd_exchange_retries_total"
	MetricOCOTransitionsTotal = "execd_oco_transitions_total"
	MetricLockContention      = "execd_lock_contention_total"
	MetricOpenOrders          = "execd_open_orders"
	MetricPositionSize        = "execd_position_size"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsTotal      metric.Int64Counter
	DispatchTotal     metric.Int64Counter
	DispatchLatency   metric.Float64Histogram
	ExchangeLatency   metric.Float64Histogram
	ExchangeRetries   metric.Int64Counter
	OCOTransitions    metric.Int64Counter
	LockContention    metric.Int64Counter
	OpenOrders        metric.Int64ObservableGauge
	PositionSize      metric.Float64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	openOrdersMap   map[string]int64
	positionSizeMap map[string]float64

	ready bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap:   make(map[string]int64),
			positionSizeMap: make(map[string]float64),
		}
		// Instruments are created in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal, metric.WithDescription("Signals received from ingress"))
	if err != nil {
		return err
	}

	m.DispatchTotal, err = meter.Int64Counter(MetricDispatchTotal, metric.WithDescription("Dispatch results by outcome"))
	if err != nil {
		return err
	}

	m.DispatchLatency, err = meter.Float64Histogram(MetricDispatchLatency, metric.WithDescription("End-to-end dispatch latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ExchangeLatency, err = meter.Float64Histogram(MetricExchangeLatency, metric.WithDescription("Latency of exchange gateway calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ExchangeRetries, err = meter.Int64Counter(MetricExchangeRetries, metric.WithDescription("Retried exchange calls"))
	if err != nil {
		return err
	}

	m.OCOTransitions, err = meter.Int64Counter(MetricOCOTransitionsTotal, metric.WithDescription("OCO pair state transitions"))
	if err != nil {
		return err
	}

	m.LockContention, err = meter.Int64Counter(MetricLockContention, metric.WithDescription("Denied lock acquisitions"))
	if err != nil {
		return err
	}

	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders, metric.WithDescription("Non-terminal orders per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Signed net position per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ready = true
	return nil
}

// RecordDispatch counts one dispatch result by outcome
func (m *MetricsHolder) RecordDispatch(ctx context.Context, outcome string) {
	if !m.ready {
		return
	}
	m.DispatchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordOCOTransition counts one pair transition
func (m *MetricsHolder) RecordOCOTransition(ctx context.Context, from, to string) {
	if !m.ready {
		return
	}
	m.OCOTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordExchangeRetry counts one retried gateway call
func (m *MetricsHolder) RecordExchangeRetry(ctx context.Context, op string) {
	if !m.ready {
		return
	}
	m.ExchangeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordLockDenied counts one denied acquisition
func (m *MetricsHolder) RecordLockDenied(ctx context.Context, name string) {
	if !m.ready {
		return
	}
	m.LockContention.Add(ctx, 1, metric.WithAttributes(attribute.String("lock", name)))
}

// SetOpenOrders updates the per-symbol open order gauge
func (m *MetricsHolder) SetOpenOrders(symbol string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = n
}

// SetPositionSize updates the per-symbol position gauge
func (m *MetricsHolder) SetPositionSize(symbol string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = qty
}
