package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"execd/internal/core"
	"execd/internal/position"
	"execd/internal/store"
	"execd/pkg/concurrency"
	apperrors "execd/pkg/errors"
	"execd/pkg/retry"
	"execd/pkg/telemetry"
)

// EventRouter consumes the gateway's at-least-once execution stream and
// applies each event exactly once: order record update, position fold, OCO
// transition. Claim-before-apply on the per-order sequence makes concurrent
// redeliveries collapse to one application.
type EventRouter struct {
	kv        core.IKVStore
	positions *position.View
	oco       core.IOCOManager
	audit     core.IAuditSink
	logger    core.ILogger
	pool      *concurrency.WorkerPool
	now       func() time.Time
}

func NewEventRouter(kv core.IKVStore, positions *position.View, oco core.IOCOManager, audit core.IAuditSink, logger core.ILogger, pool *concurrency.WorkerPool) *EventRouter {
	return &EventRouter{
		kv:        kv,
		positions: positions,
		oco:       oco,
		audit:     audit,
		logger:    logger.WithField("component", "event_router"),
		pool:      pool,
		now:       time.Now,
	}
}

// Run consumes events until ctx is done or the stream closes
func (r *EventRouter) Run(ctx context.Context, events <-chan core.ExecutionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			r.pool.Submit(func() {
				if err := r.Handle(ctx, ev); err != nil {
					r.logger.Error("Event application failed",
						"exchange_order_id", ev.ExchangeOrderID, "sequence", ev.Sequence, "error", err)
				}
			})
		}
	}
}

// Handle applies one event. Duplicates and stale sequences are no-ops.
func (r *EventRouter) Handle(ctx context.Context, ev core.ExecutionEvent) error {
	orderID, err := r.resolveOrder(ctx, ev.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			// Not ours, or the index write lost a race we cannot win here.
			// The reconciler sweep picks the order up by client order ID.
			r.logger.Warn("Event for unindexed order dropped",
				"exchange_order_id", ev.ExchangeOrderID, "sequence", ev.Sequence)
			return nil
		}
		return err
	}

	claimed, err := r.claim(ctx, ev)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	order, ver, err := store.LoadOrder(ctx, r.kv, orderID)
	if err != nil {
		return err
	}

	if !order.Status.IsTerminal() {
		order.Status = ev.Status
		if ev.FillQty.IsPositive() {
			order.FilledQty = order.FilledQty.Add(ev.FillQty)
		}
		order.UpdatedAt = r.now()
		if _, err := store.SaveOrder(ctx, r.kv, order, ver); err != nil {
			return fmt.Errorf("persist order update: %w", err)
		}
	}

	if ev.FillQty.IsPositive() {
		if err := r.positions.ApplyFill(ctx, order.Symbol, order.Side, ev.FillQty, ev.FillPrice); err != nil {
			return fmt.Errorf("apply fill: %w", err)
		}
		pos, err := r.positions.Position(ctx, order.Symbol)
		if err == nil {
			qty, _ := pos.NetQuantity.Float64()
			telemetry.GetGlobalMetrics().SetPositionSize(order.Symbol, qty)
		}
	}

	r.audit.Append(ctx, &core.AuditEntry{
		Timestamp:       r.now(),
		Kind:            core.AuditOrderUpdate,
		OrderID:         order.OrderID,
		ExchangeOrderID: ev.ExchangeOrderID,
		OCOGroupID:      order.OCOGroupID,
		Outcome:         string(ev.Status),
		Payload: map[string]any{
			"sequence":   ev.Sequence,
			"fill_qty":   ev.FillQty.String(),
			"fill_price": ev.FillPrice.String(),
		},
	})

	return r.oco.OnEvent(ctx, ev)
}

// resolveOrder maps the exchange order ID to the engine order ID. The index
// is written right after placement acknowledgment, so an event racing that
// write gets a few short retries.
func (r *EventRouter) resolveOrder(ctx context.Context, exchangeOrderID string) (string, error) {
	var orderID string
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	}, func(err error) bool {
		return errors.Is(err, apperrors.ErrKeyNotFound)
	}, func() error {
		var err error
		orderID, err = store.ResolveExchangeOrderID(ctx, r.kv, exchangeOrderID)
		return err
	})
	return orderID, err
}

// claim advances the per-order applied sequence. Returns false when the
// event's sequence was already claimed by an earlier or concurrent delivery.
func (r *EventRouter) claim(ctx context.Context, ev core.ExecutionEvent) (bool, error) {
	key := store.EventSeqKey(ev.ExchangeOrderID)

	raw, ver, err := r.kv.Get(ctx, key)
	last := int64(0)
	switch {
	case errors.Is(err, apperrors.ErrKeyNotFound):
		ver = 0
	case err != nil:
		return false, err
	default:
		last, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return false, fmt.Errorf("corrupt sequence record %q: %w", key, err)
		}
	}

	if ev.Sequence <= last {
		return false, nil
	}

	_, err = r.kv.Put(ctx, key, []byte(strconv.FormatInt(ev.Sequence, 10)), ver)
	if errors.Is(err, apperrors.ErrVersionConflict) {
		return false, nil // concurrent delivery claimed it
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
