// Package dispatcher turns validated signals into exchange orders exactly
// once. The pipeline for one signal: validate, fingerprint, advisory dedup,
// signal lock, authoritative dedup, resume any in-flight order from an
// earlier delivery, translate, risk gate, persist, place, mark processed.
// Every terminal outcome is audited, and the audit writes are a barrier:
// when one fails the dispatch fails.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execd/internal/config"
	"execd/internal/core"
	"execd/internal/lock"
	"execd/internal/position"
	"execd/internal/signal"
	"execd/internal/store"
	"execd/pkg/concurrency"
	apperrors "execd/pkg/errors"
	"execd/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Dispatcher coordinates the signal-to-order pipeline
type Dispatcher struct {
	cfg       *config.Config
	kv        core.IKVStore
	locks     *lock.Manager
	dedup     *signal.Dedup
	risk      core.IRiskChecker
	positions *position.View
	gateway   core.IGateway
	oco       core.IOCOManager
	audit     core.IAuditSink
	logger    core.ILogger
	pool      *concurrency.WorkerPool
	now       func() time.Time
}

// New wires a dispatcher. The pool is owned by the caller and is only used
// for asynchronous submission.
func New(
	cfg *config.Config,
	kv core.IKVStore,
	locks *lock.Manager,
	dedup *signal.Dedup,
	risk core.IRiskChecker,
	positions *position.View,
	gateway core.IGateway,
	oco core.IOCOManager,
	audit core.IAuditSink,
	logger core.ILogger,
	pool *concurrency.WorkerPool,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		kv:        kv,
		locks:     locks,
		dedup:     dedup,
		risk:      risk,
		positions: positions,
		gateway:   gateway,
		oco:       oco,
		audit:     audit,
		logger:    logger.WithField("component", "dispatcher"),
		pool:      pool,
		now:       time.Now,
	}
}

// Submit enqueues a signal for asynchronous dispatch
func (d *Dispatcher) Submit(ctx context.Context, sig *core.Signal) error {
	return d.pool.Submit(func() {
		result := d.Dispatch(ctx, sig)
		d.logger.Debug("Async dispatch finished",
			"symbol", sig.Symbol, "outcome", string(result.Outcome), "order_id", result.OrderID)
	})
}

// Dispatch runs the full pipeline for one signal and returns its terminal
// outcome. Safe to call concurrently from any number of workers or replicas;
// at most one caller per fingerprint reaches the exchange.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *core.Signal) core.DispatchResult {
	start := d.now()
	metrics := telemetry.GetGlobalMetrics()
	fp := signal.Fingerprint(sig)

	if err := d.audit.Append(ctx, &core.AuditEntry{
		Timestamp:         start,
		Kind:              core.AuditSignalReceived,
		SignalFingerprint: fp,
		Outcome:           "received",
		Payload: map[string]any{
			"strategy_id": sig.StrategyID,
			"symbol":      sig.Symbol,
			"action":      string(sig.Action),
		},
	}); err != nil {
		// The audit trail is the authoritative record. With it unavailable
		// nothing may reach the exchange; the bus redelivers.
		d.logger.Error("Audit append failed, refusing signal", "fingerprint", fp, "error", err)
		result := core.ExchangeFailed(fmt.Sprintf("audit append: %v", err))
		metrics.RecordDispatch(ctx, string(result.Outcome))
		return result
	}
	if metrics.SignalsTotal != nil {
		metrics.SignalsTotal.Add(ctx, 1)
	}

	result := d.dispatch(ctx, sig, fp)

	if err := d.audit.Append(ctx, &core.AuditEntry{
		Timestamp:         d.now(),
		Kind:              core.AuditDispatch,
		SignalFingerprint: fp,
		OrderID:           result.OrderID,
		Outcome:           string(result.Outcome),
		Reason:            result.Reason,
	}); err != nil {
		d.logger.Error("Audit append failed for dispatch record", "fingerprint", fp, "error", err)
		if result.Outcome == core.OutcomeExecuted {
			// The order is live but the execution is unrecorded. Fail the
			// dispatch so the bus redelivers; the fingerprint index resumes
			// the same order and the trail is completed then.
			result = core.ExchangeFailed(fmt.Sprintf("audit append: %v", err))
		}
	}
	metrics.RecordDispatch(ctx, string(result.Outcome))
	if metrics.DispatchLatency != nil {
		metrics.DispatchLatency.Record(ctx, float64(d.now().Sub(start).Milliseconds()))
	}

	d.logger.Info("Signal dispatched",
		"fingerprint", fp, "symbol", sig.Symbol, "action", string(sig.Action),
		"outcome", string(result.Outcome), "reason", result.Reason)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, sig *core.Signal, fp string) core.DispatchResult {
	if err := signal.Validate(sig); err != nil {
		return core.Invalid(err.Error())
	}

	// Advisory fast path: skip the lock entirely for obvious replays.
	seen, err := d.dedup.Seen(ctx, fp)
	if err != nil {
		d.logger.Warn("Dedup read failed, continuing to lock", "fingerprint", fp, "error", err)
	} else if seen {
		return core.Duplicate()
	}

	var result core.DispatchResult
	ok, err := d.locks.WithLock(ctx, "signal:"+fp, d.cfg.LockTTL(), func(token int64) error {
		result = d.executeLocked(ctx, sig, fp)
		return nil
	})
	if err != nil {
		d.logger.Error("Signal lock errored", "fingerprint", fp, "error", err)
		return core.LockDenied()
	}
	if !ok {
		// Another worker or replica owns this fingerprint right now. It will
		// either execute it or the signal will be redelivered.
		return core.LockDenied()
	}
	return result
}

// executeLocked holds the signal lock for the whole exchange interaction
func (d *Dispatcher) executeLocked(ctx context.Context, sig *core.Signal, fp string) core.DispatchResult {
	// Authoritative re-check: the advisory read raced an earlier winner.
	seen, err := d.dedup.Seen(ctx, fp)
	if err != nil {
		return core.ExchangeFailed(fmt.Sprintf("dedup read: %v", err))
	}
	if seen {
		return core.Duplicate()
	}

	// A redelivered signal whose earlier attempt left a live order must
	// re-drive that order, never mint a second one.
	if prior := d.resumeInFlight(ctx, fp); prior != nil {
		return *prior
	}

	if sig.Action == core.ActionClose {
		return d.executeClose(ctx, sig, fp)
	}

	qty, err := resolveQuantity(sig,
		decimal.NewFromFloat(d.cfg.Exec.DefaultTargetNotional),
		decimal.NewFromFloat(d.cfg.Risk.MinOrderNotional),
		decimal.NewFromFloat(d.cfg.Exchange.QuantityStep))
	if err != nil {
		return core.Invalid(err.Error())
	}

	entry := buildEntry(sig, fp, qty, d.now())

	view, err := d.positions.Snapshot(ctx, sig.Symbol, sig.StrategyID, sig.Confidence)
	if err != nil {
		return core.ExchangeFailed(fmt.Sprintf("risk view: %v", err))
	}
	if decision := d.risk.Check(entry, view); !decision.Allowed {
		return core.RiskRejected(decision.Reason)
	}

	// Persist intent before any network call so a crash between here and the
	// acknowledgment is recoverable by client order ID.
	var pair *core.OCOPair
	var stop, takeProfit *core.Order
	if sig.HasProtection() {
		pair, stop, takeProfit = buildBracket(sig, entry, d.now())
	}
	if _, err := store.SaveOrder(ctx, d.kv, entry, 0); err != nil {
		return core.ExchangeFailed(fmt.Sprintf("persist entry: %v", err))
	}
	if err := store.IndexOrderByFingerprint(ctx, d.kv, fp, entry.OrderID); err != nil {
		return core.ExchangeFailed(fmt.Sprintf("index fingerprint: %v", err))
	}
	if pair != nil {
		if _, err := store.SaveOrder(ctx, d.kv, stop, 0); err != nil {
			return core.ExchangeFailed(fmt.Sprintf("persist stop leg: %v", err))
		}
		if _, err := store.SaveOrder(ctx, d.kv, takeProfit, 0); err != nil {
			return core.ExchangeFailed(fmt.Sprintf("persist take-profit leg: %v", err))
		}
		if _, err := store.SaveOCO(ctx, d.kv, pair, 0); err != nil {
			return core.ExchangeFailed(fmt.Sprintf("persist pair: %v", err))
		}
	}

	outcome := d.placeAndRecord(ctx, entry, fp)
	if outcome.Outcome != core.OutcomeExecuted {
		return outcome
	}

	if won, err := d.dedup.MarkProcessed(ctx, fp); err != nil {
		d.logger.Error("Processed mark failed after execution", "fingerprint", fp, "error", err)
	} else if !won {
		d.logger.Warn("Processed record already present under lock", "fingerprint", fp)
	}

	if pair != nil {
		if err := d.oco.Arm(ctx, pair, stop, takeProfit); err != nil {
			// The pair record is persisted in arming state; the reconciler
			// re-drives it. The entry is live either way.
			d.logger.Error("OCO arm failed, left for reconciler", "group_id", pair.GroupID, "error", err)
		}
	}
	return outcome
}

// executeClose serializes position flattening per symbol. Concurrent close
// signals for one symbol would otherwise both read the same net quantity and
// double-close.
func (d *Dispatcher) executeClose(ctx context.Context, sig *core.Signal, fp string) core.DispatchResult {
	var result core.DispatchResult
	ok, err := d.locks.WithLock(ctx, "symbol:"+sig.Symbol+":close", d.cfg.LockTTL(), func(token int64) error {
		pos, err := d.positions.Position(ctx, sig.Symbol)
		if err != nil {
			result = core.ExchangeFailed(fmt.Sprintf("position read: %v", err))
			return nil
		}
		if pos.NetQuantity.IsZero() {
			// Nothing to flatten. Not marked processed: a close that raced a
			// pending fill must still be honored when redelivered.
			result = core.Invalid("no open position for " + sig.Symbol)
			return nil
		}

		order := buildClose(sig, fp, pos, d.now())

		// Closes face the same gate as entries. The reducing-order carve-out
		// in the policy keeps the exposure ceilings from blocking a flatten.
		view, err := d.positions.Snapshot(ctx, sig.Symbol, sig.StrategyID, sig.Confidence)
		if err != nil {
			result = core.ExchangeFailed(fmt.Sprintf("risk view: %v", err))
			return nil
		}
		if decision := d.risk.Check(order, view); !decision.Allowed {
			result = core.RiskRejected(decision.Reason)
			return nil
		}

		if _, err := store.SaveOrder(ctx, d.kv, order, 0); err != nil {
			result = core.ExchangeFailed(fmt.Sprintf("persist close: %v", err))
			return nil
		}
		if err := store.IndexOrderByFingerprint(ctx, d.kv, fp, order.OrderID); err != nil {
			result = core.ExchangeFailed(fmt.Sprintf("index fingerprint: %v", err))
			return nil
		}
		result = d.placeAndRecord(ctx, order, fp)
		if result.Outcome == core.OutcomeExecuted {
			d.dedup.MarkProcessed(ctx, fp)
		}
		return nil
	})
	if err != nil {
		d.logger.Error("Close lock errored", "symbol", sig.Symbol, "error", err)
		return core.LockDenied()
	}
	if !ok {
		return core.LockDenied()
	}
	return result
}

// placeAndRecord sends one order and persists what the venue answered
func (d *Dispatcher) placeAndRecord(ctx context.Context, order *core.Order, fp string) core.DispatchResult {
	res := d.gateway.Place(ctx, order)

	rec, ver, err := store.LoadOrder(ctx, d.kv, order.OrderID)
	if err != nil {
		return core.ExchangeFailed(fmt.Sprintf("reload order: %v", err))
	}

	switch res.Status {
	case core.PlaceAccepted:
		rec.ExchangeOrderID = res.ExchangeOrderID
		rec.Status = core.StatusAccepted
		rec.UpdatedAt = d.now()
		if _, err := store.SaveOrder(ctx, d.kv, rec, ver); err != nil {
			return core.ExchangeFailed(fmt.Sprintf("persist acceptance: %v", err))
		}
		if err := store.IndexOrderByExchangeID(ctx, d.kv, res.ExchangeOrderID, rec.OrderID); err != nil {
			return core.ExchangeFailed(fmt.Sprintf("index order: %v", err))
		}
		if err := d.audit.Append(ctx, &core.AuditEntry{
			Timestamp:         d.now(),
			Kind:              core.AuditOrderSubmitted,
			SignalFingerprint: fp,
			OrderID:           rec.OrderID,
			ExchangeOrderID:   res.ExchangeOrderID,
			Outcome:           "accepted",
		}); err != nil {
			// Failing here keeps the fingerprint unmarked; the redelivery
			// resumes this order and retries the append.
			d.logger.Error("Audit append failed after acceptance", "order_id", rec.OrderID, "error", err)
			return core.ExchangeFailed(fmt.Sprintf("audit append: %v", err))
		}
		return core.Executed(rec.OrderID)

	case core.PlaceRejected:
		rec.Status = core.StatusRejected
		rec.UpdatedAt = d.now()
		store.SaveOrder(ctx, d.kv, rec, ver)
		if err := d.audit.Append(ctx, &core.AuditEntry{
			Timestamp:         d.now(),
			Kind:              core.AuditOrderSubmitted,
			SignalFingerprint: fp,
			OrderID:           rec.OrderID,
			Outcome:           "rejected",
			Reason:            res.Reason,
		}); err != nil {
			d.logger.Error("Audit append failed for rejection record", "order_id", rec.OrderID, "error", err)
		}
		return core.ExchangeFailed("rejected: " + res.Reason)

	default:
		// Retry budget exhausted with the outcome unknown. The pending record
		// stays; a redelivery or the reconciler resolves it by client order ID.
		d.logger.Warn("Order placement unresolved after retries",
			"order_id", rec.OrderID, "reason", res.Reason)
		return core.ExchangeFailed("unresolved: " + res.Reason)
	}
}

// resumeInFlight checks the fingerprint index for an order an earlier
// delivery of this signal already minted. While that order is live the
// fingerprint owns it exclusively: redeliveries re-drive it rather than
// create a sibling. Returns nil when there is nothing to resume.
func (d *Dispatcher) resumeInFlight(ctx context.Context, fp string) *core.DispatchResult {
	orderID, err := store.ResolveFingerprint(ctx, d.kv, fp)
	if err != nil {
		if !errors.Is(err, apperrors.ErrKeyNotFound) {
			d.logger.Warn("Fingerprint index read failed", "fingerprint", fp, "error", err)
		}
		return nil
	}
	order, _, err := store.LoadOrder(ctx, d.kv, orderID)
	if err != nil {
		d.logger.Warn("Indexed order unreadable", "fingerprint", fp, "order_id", orderID, "error", err)
		return nil
	}
	if order.Status.IsTerminal() {
		// The earlier attempt concluded without being marked processed (for
		// example an expired orphan); the signal may mint a fresh order.
		return nil
	}

	d.logger.Info("Resuming in-flight order for redelivered signal",
		"fingerprint", fp, "order_id", orderID, "status", string(order.Status))

	result := core.Executed(order.OrderID)
	if order.Status == core.StatusPending {
		// The venue's answer was never recorded. Replaying with the original
		// client order ID is idempotent on the venue side.
		result = d.placeAndRecord(ctx, order, fp)
		if result.Outcome != core.OutcomeExecuted {
			return &result
		}
	}

	if won, err := d.dedup.MarkProcessed(ctx, fp); err != nil {
		d.logger.Error("Processed mark failed after resume", "fingerprint", fp, "error", err)
	} else if !won {
		d.logger.Debug("Processed record already present", "fingerprint", fp)
	}
	if order.OCOGroupID != "" {
		d.armResumedPair(ctx, order.OCOGroupID)
	}
	return &result
}

// armResumedPair re-drives a pair the original dispatch persisted but never
// armed. Failures are left for the reconciler, same as on the first attempt.
func (d *Dispatcher) armResumedPair(ctx context.Context, groupID string) {
	pair, _, err := store.LoadOCO(ctx, d.kv, groupID)
	if err != nil || pair.State != core.OCOArming {
		return
	}
	stop, _, err := store.LoadOrder(ctx, d.kv, pair.StopOrderID)
	if err != nil {
		return
	}
	takeProfit, _, err := store.LoadOrder(ctx, d.kv, pair.TakeProfitOrderID)
	if err != nil {
		return
	}
	if err := d.oco.Arm(ctx, pair, stop, takeProfit); err != nil {
		d.logger.Error("OCO arm failed on resume, left for reconciler", "group_id", groupID, "error", err)
	}
}
