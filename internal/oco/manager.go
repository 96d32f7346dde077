// Package oco owns the one-cancels-other pair state machine. All transitions
// run under the pair's lock, so concurrent event deliveries and replica
// failover cannot race a pair into an impossible state.
//
// Lifecycle: arming -> armed -> one_filled -> completed, with failed as the
// terminal escape hatch that always carries an operator alert.
package oco

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execd/internal/core"
	"execd/internal/lock"
	"execd/internal/store"
	apperrors "execd/pkg/errors"
	"execd/pkg/retry"
	"execd/pkg/telemetry"
)

// Config tunes the manager
type Config struct {
	LockTTL       time.Duration
	CancelBudget  int           // sibling cancel attempts before giving up
	CancelBackoff time.Duration // initial backoff between cancel attempts
}

// Manager implements core.IOCOManager
type Manager struct {
	kv       core.IKVStore
	locks    *lock.Manager
	gateway  core.IGateway
	audit    core.IAuditSink
	logger   core.ILogger
	notifier core.INotifier // optional, set via SetNotifier
	cfg      Config
	now      func() time.Time
}

func NewManager(kv core.IKVStore, locks *lock.Manager, gateway core.IGateway, audit core.IAuditSink, logger core.ILogger, cfg Config) *Manager {
	if cfg.CancelBackoff <= 0 {
		cfg.CancelBackoff = 250 * time.Millisecond
	}
	return &Manager{
		kv:      kv,
		locks:   locks,
		gateway: gateway,
		audit:   audit,
		logger:  logger.WithField("component", "oco_manager"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetNotifier attaches an external alert channel; the audit trail still
// records every alert regardless.
func (m *Manager) SetNotifier(n core.INotifier) { m.notifier = n }

func lockName(groupID string) string { return "oco:" + groupID }

// Arm places both protective legs. The pair and both leg orders must already
// be persisted (pair in arming state, legs pending); placement is therefore
// resumable after a crash because client order IDs survive in the store.
func (m *Manager) Arm(ctx context.Context, pair *core.OCOPair, stop, takeProfit *core.Order) error {
	ok, err := m.locks.WithLock(ctx, lockName(pair.GroupID), m.cfg.LockTTL, func(token int64) error {
		return m.armLocked(ctx, pair.GroupID)
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("oco %s: lock denied, another replica is arming", pair.GroupID)
	}
	return nil
}

// armLocked drives a pair from arming to armed (or failed). It reloads all
// records under the lock; the caller's copies may be stale.
func (m *Manager) armLocked(ctx context.Context, groupID string) error {
	pair, pairVer, err := store.LoadOCO(ctx, m.kv, groupID)
	if err != nil {
		return err
	}
	if pair.State != core.OCOArming {
		return nil // already driven by a previous attempt
	}

	placeLeg := func(orderID string) (placed bool, err error) {
		order, ver, err := store.LoadOrder(ctx, m.kv, orderID)
		if err != nil {
			return false, err
		}
		if order.ExchangeOrderID != "" {
			return true, nil // placed before a crash
		}
		res := m.gateway.Place(ctx, order)
		switch res.Status {
		case core.PlaceAccepted:
			order.ExchangeOrderID = res.ExchangeOrderID
			order.Status = core.StatusAccepted
			order.UpdatedAt = m.now()
			if _, err := store.SaveOrder(ctx, m.kv, order, ver); err != nil {
				return false, err
			}
			if err := store.IndexOrderByExchangeID(ctx, m.kv, res.ExchangeOrderID, order.OrderID); err != nil {
				return false, err
			}
			m.auditLeg(ctx, pair, order, core.AuditOrderSubmitted, "accepted", "")
			return true, nil
		case core.PlaceRejected:
			order.Status = core.StatusRejected
			order.UpdatedAt = m.now()
			if _, err := store.SaveOrder(ctx, m.kv, order, ver); err != nil {
				return false, err
			}
			m.auditLeg(ctx, pair, order, core.AuditOrderSubmitted, "rejected", res.Reason)
			return false, fmt.Errorf("leg %s rejected: %s: %w", orderID, res.Reason, apperrors.ErrOrderRejected)
		default:
			return false, fmt.Errorf("leg %s placement transient: %s: %w", orderID, res.Reason, apperrors.ErrNetwork)
		}
	}

	if _, err := placeLeg(pair.StopOrderID); err != nil {
		if errors.Is(err, apperrors.ErrOrderRejected) {
			return m.failLocked(ctx, pair, pairVer, "stop leg rejected")
		}
		return err // transient: stay arming, reconciler re-drives
	}

	if _, err := placeLeg(pair.TakeProfitOrderID); err != nil {
		if errors.Is(err, apperrors.ErrOrderRejected) {
			// Take back the stop leg so the position is not half-bracketed
			// with only one live protective order.
			m.cancelLegBestEffort(ctx, pair.StopOrderID)
			return m.failLocked(ctx, pair, pairVer, "take-profit leg rejected")
		}
		return err
	}

	return m.transitionLocked(ctx, pair, pairVer, core.OCOArmed, "")
}

// OnEvent applies one exchange execution event to the pair the order belongs
// to. Events for orders outside any pair, and redeliveries of transitions
// already applied, are no-ops.
func (m *Manager) OnEvent(ctx context.Context, ev core.ExecutionEvent) error {
	orderID, err := store.ResolveExchangeOrderID(ctx, m.kv, ev.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	order, _, err := store.LoadOrder(ctx, m.kv, orderID)
	if err != nil {
		return err
	}
	if order.OCOGroupID == "" {
		return nil
	}

	ok, err := m.locks.WithLock(ctx, lockName(order.OCOGroupID), m.cfg.LockTTL, func(token int64) error {
		return m.applyLocked(ctx, order.OCOGroupID, orderID, ev, token)
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("oco %s: lock denied: %w", order.OCOGroupID, apperrors.ErrLockLost)
	}
	return nil
}

func (m *Manager) applyLocked(ctx context.Context, groupID, orderID string, ev core.ExecutionEvent, token int64) error {
	pair, pairVer, err := store.LoadOCO(ctx, m.kv, groupID)
	if err != nil {
		return err
	}
	if pair.State.IsTerminal() {
		return nil
	}
	if pair.SiblingOf(orderID) == "" {
		return nil // entry order carries the group ID but is not a leg
	}

	switch ev.Status {
	case core.StatusFilled:
		return m.onLegFilled(ctx, pair, pairVer, orderID, token)
	case core.StatusCancelled:
		return m.onLegCancelled(ctx, pair, pairVer, orderID)
	default:
		return nil
	}
}

func (m *Manager) onLegFilled(ctx context.Context, pair *core.OCOPair, pairVer int64, orderID string, token int64) error {
	switch pair.State {
	case core.OCOArming, core.OCOArmed:
		pair.FilledOrderID = orderID
		pair.LastEventAt = m.now()
		newVer, err := m.transitionAndSave(ctx, pair, pairVer, core.OCOOneFilled, "")
		if err != nil {
			return err
		}
		return m.cancelSiblingLocked(ctx, pair, newVer, token)

	case core.OCOOneFilled:
		if pair.FilledOrderID == orderID {
			// Redelivery while the sibling cancel is outstanding: re-drive it.
			return m.cancelSiblingLocked(ctx, pair, pairVer, token)
		}
		// Both legs report fills. The venue broke the OCO contract; freeze
		// the pair and page the operator.
		m.alert(ctx, pair, fmt.Sprintf("both legs filled: %s and %s", pair.FilledOrderID, orderID))
		if err := m.failLocked(ctx, pair, pairVer, "both legs filled"); err != nil {
			return err
		}
		return fmt.Errorf("oco %s: both legs filled: %w", pair.GroupID, apperrors.ErrInconsistent)
	}
	return nil
}

func (m *Manager) onLegCancelled(ctx context.Context, pair *core.OCOPair, pairVer int64, orderID string) error {
	switch pair.State {
	case core.OCOOneFilled:
		if pair.SiblingOf(pair.FilledOrderID) == orderID {
			return m.transitionLocked(ctx, pair, pairVer, core.OCOCompleted, "")
		}
		return nil
	case core.OCOArming, core.OCOArmed:
		// A protective leg vanished without a fill: the position is exposed
		// on one side until an operator intervenes.
		m.alert(ctx, pair, fmt.Sprintf("leg %s cancelled externally while %s", orderID, pair.State))
		return m.failLocked(ctx, pair, pairVer, "leg cancelled externally")
	}
	return nil
}

// cancelSiblingLocked cancels the unfilled leg with the configured attempt
// budget, keeping the pair lock alive across backoff sleeps. Not-found counts
// as success: the sibling is already terminal on the venue.
func (m *Manager) cancelSiblingLocked(ctx context.Context, pair *core.OCOPair, pairVer int64, token int64) error {
	siblingID := pair.SiblingOf(pair.FilledOrderID)
	sibling, _, err := store.LoadOrder(ctx, m.kv, siblingID)
	if err != nil {
		return err
	}
	if sibling.Status.IsTerminal() {
		return m.transitionLocked(ctx, pair, pairVer, core.OCOCompleted, "")
	}

	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	lost := m.locks.KeepAlive(keepCtx, lockName(pair.GroupID), m.cfg.LockTTL, token)

	policy := retry.Policy{
		MaxAttempts:    m.cfg.CancelBudget,
		InitialBackoff: m.cfg.CancelBackoff,
		MaxBackoff:     10 * m.cfg.CancelBackoff,
	}
	err = retry.Do(ctx, policy, apperrors.IsTransient, func() error {
		select {
		case <-lost:
			return apperrors.ErrLockLost
		default:
		}
		res := m.gateway.Cancel(ctx, sibling.ExchangeOrderID)
		switch res.Status {
		case core.CancelDone, core.CancelNotFound:
			return nil
		default:
			return fmt.Errorf("cancel %s: %s: %w", siblingID, res.Reason, apperrors.ErrNetwork)
		}
	})

	m.audit.Append(ctx, &core.AuditEntry{
		Timestamp:       m.now(),
		Kind:            core.AuditCancel,
		OrderID:         siblingID,
		ExchangeOrderID: sibling.ExchangeOrderID,
		OCOGroupID:      pair.GroupID,
		Outcome:         cancelOutcome(err),
	})

	if err != nil {
		m.alert(ctx, pair, fmt.Sprintf("sibling cancel budget exhausted for %s: %v", siblingID, err))
		return m.failLocked(ctx, pair, pairVer, "sibling cancel failed")
	}
	return m.transitionLocked(ctx, pair, pairVer, core.OCOCompleted, "")
}

// Resume re-drives every non-terminal pair after a restart
func (m *Manager) Resume(ctx context.Context) error {
	records, err := m.kv.List(ctx, store.OCOPrefix)
	if err != nil {
		return err
	}
	for key := range records {
		groupID := key[len(store.OCOPrefix):]
		pair, _, err := store.LoadOCO(ctx, m.kv, groupID)
		if err != nil {
			m.logger.Error("Skipping unreadable pair", "group_id", groupID, "error", err)
			continue
		}
		if pair.State.IsTerminal() {
			continue
		}

		ok, err := m.locks.WithLock(ctx, lockName(groupID), m.cfg.LockTTL, func(token int64) error {
			// Reload under the lock; the pre-lock read may be stale.
			fresh, freshVer, err := store.LoadOCO(ctx, m.kv, groupID)
			if err != nil {
				return err
			}
			switch fresh.State {
			case core.OCOArming:
				return m.armLocked(ctx, groupID)
			case core.OCOArmed:
				return m.verifyArmedLocked(ctx, groupID, token)
			case core.OCOOneFilled:
				return m.cancelSiblingLocked(ctx, fresh, freshVer, token)
			}
			return nil
		})
		if err != nil {
			m.logger.Error("Pair resume failed, will retry next cycle", "group_id", groupID, "state", string(pair.State), "error", err)
			continue
		}
		if !ok {
			m.logger.Debug("Pair held by another replica", "group_id", groupID)
		}
	}
	return nil
}

// verifyArmedLocked polls both legs; a fill whose event was lost while the
// process was down is applied as if the event had arrived.
func (m *Manager) verifyArmedLocked(ctx context.Context, groupID string, token int64) error {
	pair, pairVer, err := store.LoadOCO(ctx, m.kv, groupID)
	if err != nil {
		return err
	}
	if pair.State != core.OCOArmed {
		return nil
	}
	for _, legID := range []string{pair.StopOrderID, pair.TakeProfitOrderID} {
		leg, legVer, err := store.LoadOrder(ctx, m.kv, legID)
		if err != nil {
			return err
		}
		status, err := m.gateway.Query(ctx, leg.ExchangeOrderID)
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				m.alert(ctx, pair, fmt.Sprintf("leg %s unknown to venue", legID))
				return m.failLocked(ctx, pair, pairVer, "leg missing on venue")
			}
			return err
		}
		if status == leg.Status {
			continue
		}
		leg.Status = status
		leg.UpdatedAt = m.now()
		if _, err := store.SaveOrder(ctx, m.kv, leg, legVer); err != nil {
			return err
		}
		switch status {
		case core.StatusFilled:
			pair.FilledOrderID = legID
			pair.LastEventAt = m.now()
			newVer, err := m.transitionAndSave(ctx, pair, pairVer, core.OCOOneFilled, "reconciled fill")
			if err != nil {
				return err
			}
			return m.cancelSiblingLocked(ctx, pair, newVer, token)
		case core.StatusCancelled:
			m.alert(ctx, pair, fmt.Sprintf("leg %s cancelled while armed", legID))
			return m.failLocked(ctx, pair, pairVer, "leg cancelled externally")
		}
	}
	return nil
}

// transitionAndSave persists the state change and returns the new record
// version so the caller can keep mutating under the same lock.
func (m *Manager) transitionAndSave(ctx context.Context, pair *core.OCOPair, pairVer int64, to core.OCOState, reason string) (int64, error) {
	from := pair.State
	pair.State = to
	pair.LastEventAt = m.now()
	newVer, err := store.SaveOCO(ctx, m.kv, pair, pairVer)
	if err != nil {
		return 0, err
	}
	telemetry.GetGlobalMetrics().RecordOCOTransition(ctx, string(from), string(to))
	m.audit.Append(ctx, &core.AuditEntry{
		Timestamp:  m.now(),
		Kind:       core.AuditOCOTransition,
		OCOGroupID: pair.GroupID,
		Outcome:    string(to),
		Reason:     reason,
		Payload:    map[string]any{"from": string(from), "filled_order_id": pair.FilledOrderID},
	})
	m.logger.Info("OCO transition", "group_id", pair.GroupID, "from", string(from), "to", string(to))
	return newVer, nil
}

func (m *Manager) transitionLocked(ctx context.Context, pair *core.OCOPair, pairVer int64, to core.OCOState, reason string) error {
	_, err := m.transitionAndSave(ctx, pair, pairVer, to, reason)
	return err
}

func (m *Manager) failLocked(ctx context.Context, pair *core.OCOPair, pairVer int64, reason string) error {
	return m.transitionLocked(ctx, pair, pairVer, core.OCOFailed, reason)
}

func (m *Manager) cancelLegBestEffort(ctx context.Context, orderID string) {
	order, ver, err := store.LoadOrder(ctx, m.kv, orderID)
	if err != nil || order.ExchangeOrderID == "" {
		return
	}
	res := m.gateway.Cancel(ctx, order.ExchangeOrderID)
	if res.Status == core.CancelDone || res.Status == core.CancelNotFound {
		order.Status = core.StatusCancelled
		order.UpdatedAt = m.now()
		store.SaveOrder(ctx, m.kv, order, ver)
	}
}

func (m *Manager) auditLeg(ctx context.Context, pair *core.OCOPair, order *core.Order, kind, outcome, reason string) {
	m.audit.Append(ctx, &core.AuditEntry{
		Timestamp:       m.now(),
		Kind:            kind,
		OrderID:         order.OrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		OCOGroupID:      pair.GroupID,
		Outcome:         outcome,
		Reason:          reason,
	})
}

func (m *Manager) alert(ctx context.Context, pair *core.OCOPair, reason string) {
	m.logger.Error("OCO pair requires operator action", "group_id", pair.GroupID, "reason", reason)
	m.audit.Append(ctx, &core.AuditEntry{
		Timestamp:  m.now(),
		Kind:       core.AuditAlert,
		OCOGroupID: pair.GroupID,
		Outcome:    "operator_action_required",
		Reason:     reason,
	})
	if m.notifier != nil {
		m.notifier.Critical(ctx, "OCO pair requires operator action", reason,
			map[string]string{"group_id": pair.GroupID, "symbol": pair.Symbol})
	}
}

func cancelOutcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "done"
}
