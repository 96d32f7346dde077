// Package exchange wraps venue gateways with the resilience pipeline applied
// to every outbound call: per-attempt deadline, retry with exponential
// backoff, and a circuit breaker shared across call types.
package exchange

import (
	"context"
	"time"

	"execd/internal/core"
	"execd/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ResilientConfig tunes the pipeline
type ResilientConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Deadline bounds each individual attempt. It must be shorter than the
	// lock TTL of the calling dispatch.
	Deadline time.Duration
}

// Resilient decorates a core.IGateway. Place retries are safe because the
// client order ID is fixed across attempts and venues treat it as an
// idempotency key.
type Resilient struct {
	inner  core.IGateway
	cfg    ResilientConfig
	logger core.ILogger

	placePipe  failsafe.Executor[core.PlaceResult]
	cancelPipe failsafe.Executor[core.CancelResult]

	tracer trace.Tracer
}

// NewResilient builds the pipeline around inner
func NewResilient(inner core.IGateway, cfg ResilientConfig, logger core.ILogger) *Resilient {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 16 * cfg.BaseBackoff
	}

	metrics := telemetry.GetGlobalMetrics()

	placeRetry := retrypolicy.NewBuilder[core.PlaceResult]().
		HandleIf(func(r core.PlaceResult, err error) bool {
			return err != nil || r.Status == core.PlaceTransient
		}).
		WithBackoff(cfg.BaseBackoff, cfg.MaxBackoff).
		WithMaxRetries(cfg.MaxAttempts - 1).
		OnRetry(func(e failsafe.ExecutionEvent[core.PlaceResult]) {
			metrics.RecordExchangeRetry(context.Background(), "place")
			logger.Warn("retrying place", "attempt", e.Attempts(), "reason", e.LastResult().Reason)
		}).
		Build()

	cancelRetry := retrypolicy.NewBuilder[core.CancelResult]().
		HandleIf(func(r core.CancelResult, err error) bool {
			return err != nil || r.Status == core.CancelTransient
		}).
		WithBackoff(cfg.BaseBackoff, cfg.MaxBackoff).
		WithMaxRetries(cfg.MaxAttempts - 1).
		OnRetry(func(e failsafe.ExecutionEvent[core.CancelResult]) {
			metrics.RecordExchangeRetry(context.Background(), "cancel")
		}).
		Build()

	placeBreaker := circuitbreaker.NewBuilder[core.PlaceResult]().
		HandleIf(func(r core.PlaceResult, err error) bool {
			return err != nil || r.Status == core.PlaceTransient
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	cancelBreaker := circuitbreaker.NewBuilder[core.CancelResult]().
		HandleIf(func(r core.CancelResult, err error) bool {
			return err != nil || r.Status == core.CancelTransient
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Resilient{
		inner:      inner,
		cfg:        cfg,
		logger:     logger,
		placePipe:  failsafe.With[core.PlaceResult](placeRetry, placeBreaker),
		cancelPipe: failsafe.With[core.CancelResult](cancelRetry, cancelBreaker),
		tracer:     telemetry.GetTracer("exchange"),
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

// Place submits the order through the retry pipeline. A transient result
// after the retry budget is exhausted is returned as-is; the caller maps it
// to an exchange_failed outcome.
func (r *Resilient) Place(ctx context.Context, order *core.Order) core.PlaceResult {
	ctx, span := r.tracer.Start(ctx, "exchange.place", trace.WithAttributes(
		attribute.String("symbol", order.Symbol),
		attribute.String("order_id", order.OrderID),
	))
	defer span.End()

	start := time.Now()
	result, err := r.placePipe.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[core.PlaceResult]) (core.PlaceResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
		return r.inner.Place(attemptCtx, order), nil
	})
	r.observe(ctx, "place", start)

	if err != nil {
		// Breaker open or context done before an attempt completed.
		return core.PlaceResult{Status: core.PlaceTransient, Reason: err.Error()}
	}
	return result
}

// Cancel removes an order through the retry pipeline
func (r *Resilient) Cancel(ctx context.Context, exchangeOrderID string) core.CancelResult {
	ctx, span := r.tracer.Start(ctx, "exchange.cancel", trace.WithAttributes(
		attribute.String("exchange_order_id", exchangeOrderID),
	))
	defer span.End()

	start := time.Now()
	result, err := r.cancelPipe.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[core.CancelResult]) (core.CancelResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
		return r.inner.Cancel(attemptCtx, exchangeOrderID), nil
	})
	r.observe(ctx, "cancel", start)

	if err != nil {
		return core.CancelResult{Status: core.CancelTransient, Reason: err.Error()}
	}
	return result
}

// Query passes through with the per-attempt deadline only; callers that need
// retries wrap it themselves.
func (r *Resilient) Query(ctx context.Context, exchangeOrderID string) (core.OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()
	start := time.Now()
	status, err := r.inner.Query(ctx, exchangeOrderID)
	r.observe(ctx, "query", start)
	return status, err
}

func (r *Resilient) QueryByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()
	start := time.Now()
	order, err := r.inner.QueryByClientID(ctx, clientOrderID)
	r.observe(ctx, "query_by_client_id", start)
	return order, err
}

func (r *Resilient) Events() <-chan core.ExecutionEvent { return r.inner.Events() }

func (r *Resilient) observe(ctx context.Context, op string, start time.Time) {
	m := telemetry.GetGlobalMetrics()
	if m.ExchangeLatency == nil {
		return
	}
	m.ExchangeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("venue", r.inner.Name()),
	))
}
