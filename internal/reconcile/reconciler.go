// Package reconcile closes the gap between the state store and the venue
// after crashes and lost events. It re-drives pending placements by client
// order ID, refreshes stale orders, resumes OCO pairs, and sweeps expired
// dedup records and lock leases.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"execd/internal/core"
	"execd/internal/position"
	"execd/internal/signal"
	"execd/internal/store"
	apperrors "execd/pkg/errors"
	"execd/pkg/telemetry"
)

// Config tunes the reconciler
type Config struct {
	Interval time.Duration
	// Holdoff is how old a pending order must be before the reconciler
	// touches it. Younger orders are presumed in flight in a live dispatch.
	Holdoff time.Duration
}

// Reconciler runs the startup pass and the periodic sweep
type Reconciler struct {
	kv        core.IKVStore
	gateway   core.IGateway
	oco       core.IOCOManager
	dedup     *signal.Dedup
	positions *position.View
	audit     core.IAuditSink
	logger    core.ILogger
	cfg       Config
	now       func() time.Time
}

func New(kv core.IKVStore, gateway core.IGateway, oco core.IOCOManager, dedup *signal.Dedup, positions *position.View, audit core.IAuditSink, logger core.ILogger, cfg Config) *Reconciler {
	if cfg.Holdoff <= 0 {
		cfg.Holdoff = 30 * time.Second
	}
	return &Reconciler{
		kv:        kv,
		gateway:   gateway,
		oco:       oco,
		dedup:     dedup,
		positions: positions,
		audit:     audit,
		logger:    logger.WithField("component", "reconciler"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run executes one startup sweep immediately, then one per interval until
// ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("Startup reconcile sweep failed", "error", err)
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs all reconciliation passes once
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.reconcileOrders(ctx); err != nil {
		return err
	}
	if err := r.oco.Resume(ctx); err != nil {
		r.logger.Error("OCO resume failed", "error", err)
	}
	if purged, err := r.dedup.PurgeExpired(ctx); err != nil {
		r.logger.Warn("Dedup purge failed", "error", err)
	} else if purged > 0 {
		r.logger.Info("Purged expired dedup records", "count", purged)
	}
	if err := r.purgeExpiredLocks(ctx); err != nil {
		r.logger.Warn("Lock purge failed", "error", err)
	}
	return nil
}

// reconcileOrders resolves every non-terminal order against the venue.
// Pending orders are the crash window: the engine persisted intent but never
// recorded the venue's answer.
func (r *Reconciler) reconcileOrders(ctx context.Context) error {
	records, err := r.kv.List(ctx, store.OrderPrefix)
	if err != nil {
		return err
	}

	openBySymbol := make(map[string]int64)
	liveByFingerprint := make(map[string][]string)
	trackLive := func(o *core.Order, id string) {
		openBySymbol[o.Symbol]++
		// Protective legs share the entry's fingerprint by design; only
		// entry and close orders count toward the one-live-order rule.
		if o.Fingerprint != "" && (o.Type == core.TypeMarket || o.Type == core.TypeLimit) {
			liveByFingerprint[o.Fingerprint] = append(liveByFingerprint[o.Fingerprint], id)
		}
	}

	for key := range records {
		orderID := key[len(store.OrderPrefix):]
		order, ver, err := store.LoadOrder(ctx, r.kv, orderID)
		if err != nil {
			r.logger.Error("Skipping unreadable order", "order_id", orderID, "error", err)
			continue
		}
		if order.Status.IsTerminal() {
			continue
		}
		if r.now().Sub(order.UpdatedAt) < r.cfg.Holdoff {
			trackLive(order, orderID)
			continue
		}

		switch order.Status {
		case core.StatusPending:
			r.resolvePending(ctx, order, ver)
		default:
			r.refreshOpen(ctx, order, ver)
		}

		if fresh, _, err := store.LoadOrder(ctx, r.kv, orderID); err == nil && !fresh.Status.IsTerminal() {
			trackLive(fresh, orderID)
		}
	}

	r.alertDuplicateLive(ctx, liveByFingerprint)

	metrics := telemetry.GetGlobalMetrics()
	for symbol, n := range openBySymbol {
		metrics.SetOpenOrders(symbol, n)
	}
	return nil
}

// alertDuplicateLive pages the operator when one signal owns two live orders.
// The engine cannot pick which to cancel safely, either may already be
// partially filled, so the sweep only reports.
func (r *Reconciler) alertDuplicateLive(ctx context.Context, liveByFingerprint map[string][]string) {
	for fp, ids := range liveByFingerprint {
		if len(ids) < 2 {
			continue
		}
		r.logger.Error("Multiple live orders for one signal", "fingerprint", fp, "order_ids", ids)
		if err := r.audit.Append(ctx, &core.AuditEntry{
			Timestamp:         r.now(),
			Kind:              core.AuditAlert,
			SignalFingerprint: fp,
			Outcome:           "operator_action_required",
			Reason:            "duplicate live orders for one signal",
			Payload:           map[string]any{"order_ids": ids},
		}); err != nil {
			r.logger.Error("Failed to audit duplicate-order alert", "fingerprint", fp, "error", err)
		}
	}
}

// resolvePending answers the question "did my place land before the crash"
// using the client order ID the venue deduplicates on.
func (r *Reconciler) resolvePending(ctx context.Context, order *core.Order, ver int64) {
	remote, err := r.gateway.QueryByClientID(ctx, order.OrderID)
	switch {
	case err == nil:
		order.ExchangeOrderID = remote.ExchangeOrderID
		order.Status = remote.Status
		order.FilledQty = remote.FilledQty
		order.UpdatedAt = r.now()
		if _, err := store.SaveOrder(ctx, r.kv, order, ver); err != nil {
			r.logger.Error("Failed to adopt reconciled order", "order_id", order.OrderID, "error", err)
			return
		}
		if err := store.IndexOrderByExchangeID(ctx, r.kv, remote.ExchangeOrderID, order.OrderID); err != nil {
			r.logger.Error("Failed to index reconciled order", "order_id", order.OrderID, "error", err)
			return
		}
		if remote.Status == core.StatusFilled {
			r.applyMissedFill(ctx, order)
		}
		r.auditReconcile(ctx, order, "adopted", string(remote.Status))
		r.logger.Info("Adopted order from venue", "order_id", order.OrderID, "status", string(remote.Status))

	case errors.Is(err, apperrors.ErrOrderNotFound):
		// The placement never reached the venue. Close the record so the
		// signal's risk budget is freed.
		order.Status = core.StatusExpired
		order.UpdatedAt = r.now()
		if _, err := store.SaveOrder(ctx, r.kv, order, ver); err != nil {
			r.logger.Error("Failed to expire orphan order", "order_id", order.OrderID, "error", err)
			return
		}
		r.auditReconcile(ctx, order, "expired", "placement never reached venue")
		r.logger.Info("Expired orphan pending order", "order_id", order.OrderID)

	default:
		r.logger.Warn("Pending order unresolved, retrying next sweep", "order_id", order.OrderID, "error", err)
	}
}

// refreshOpen re-queries an accepted order whose events may have been lost
func (r *Reconciler) refreshOpen(ctx context.Context, order *core.Order, ver int64) {
	if order.ExchangeOrderID == "" {
		return
	}
	status, err := r.gateway.Query(ctx, order.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			order.Status = core.StatusExpired
			order.UpdatedAt = r.now()
			store.SaveOrder(ctx, r.kv, order, ver)
			r.auditReconcile(ctx, order, "expired", "order unknown to venue")
		}
		return
	}
	if status == order.Status {
		return
	}

	prev := order.Status
	order.Status = status
	order.UpdatedAt = r.now()
	if _, err := store.SaveOrder(ctx, r.kv, order, ver); err != nil {
		r.logger.Error("Failed to refresh order", "order_id", order.OrderID, "error", err)
		return
	}
	if status == core.StatusFilled {
		r.applyMissedFill(ctx, order)
	}
	r.auditReconcile(ctx, order, "refreshed", string(prev)+" -> "+string(status))
	r.logger.Info("Refreshed stale order from venue",
		"order_id", order.OrderID, "from", string(prev), "to", string(status))
}

// applyMissedFill folds a fill discovered by polling, which never produced a
// stream event, into the position read model.
func (r *Reconciler) applyMissedFill(ctx context.Context, order *core.Order) {
	qty := order.FilledQty
	if !qty.IsPositive() {
		qty = order.Quantity
	}
	price := order.Price
	if err := r.positions.ApplyFill(ctx, order.Symbol, order.Side, qty, price); err != nil {
		r.logger.Error("Failed to fold reconciled fill", "order_id", order.OrderID, "error", err)
	}
}

// purgeExpiredLocks deletes lapsed lease records so the lock namespace does
// not grow without bound.
func (r *Reconciler) purgeExpiredLocks(ctx context.Context) error {
	records, err := r.kv.List(ctx, store.LockPrefix)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	for key, raw := range records {
		var lease core.Lock
		if err := json.Unmarshal(raw, &lease); err != nil {
			continue
		}
		if !lease.Expired(now) {
			continue
		}
		_, ver, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		// Conditional delete: a concurrent re-acquire bumps the version and
		// wins.
		if err := r.kv.Delete(ctx, key, ver); err == nil {
			r.logger.Debug("Purged expired lock lease", "lock", lease.Name)
		}
	}
	return nil
}

func (r *Reconciler) auditReconcile(ctx context.Context, order *core.Order, outcome, reason string) {
	r.audit.Append(ctx, &core.AuditEntry{
		Timestamp:       r.now(),
		Kind:            core.AuditReconcile,
		OrderID:         order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		OCOGroupID:      order.OCOGroupID,
		Outcome:         outcome,
		Reason:          reason,
	})
}
