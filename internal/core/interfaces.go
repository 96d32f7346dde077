// Package core defines the domain types and interfaces of the execution engine
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IKVStore is the key/value-shaped state store. All mutations are conditional
// updates (optimistic concurrency): Put with expectedVersion 0 is
// insert-if-absent; a non-zero expectedVersion is compare-and-swap. Both fail
// with ErrVersionConflict when the precondition does not hold.
type IKVStore interface {
	// Get returns the value and its current version, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, int64, error)
	// Put writes value and returns the new version.
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)
	// Delete removes the key; expectedVersion 0 deletes unconditionally.
	Delete(ctx context.Context, key string, expectedVersion int64) error
	// List returns all key/value pairs under prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

// IAuditSink is the append-only audit log. Append assigns the monotonic
// EventID and must be durable before the caller acknowledges upstream.
type IAuditSink interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Close() error
}

// ILockManager provides cross-process mutual exclusion with TTL leases.
// The holder ID is fixed at construction; a lease whose holder crashes is
// reclaimed after expiry.
type ILockManager interface {
	// Acquire returns a fencing token (acquired_at in monotonic units) on
	// grant, or ok=false when the lock is held by another live holder.
	Acquire(ctx context.Context, name string, ttl time.Duration) (token int64, ok bool, err error)
	// Renew extends the lease identified by token; returns ErrLockLost when
	// the lease changed hands since that acquisition.
	Renew(ctx context.Context, name string, ttl time.Duration, token int64) error
	// Release drops the lease identified by token; a stale token is a no-op.
	Release(ctx context.Context, name string, token int64) error
}

// IGateway is the external exchange contract. The
// engine never talks to a venue except through these five operations.
type IGateway interface {
	Name() string
	Place(ctx context.Context, order *Order) PlaceResult
	Cancel(ctx context.Context, exchangeOrderID string) CancelResult
	Query(ctx context.Context, exchangeOrderID string) (OrderStatus, error)
	// QueryByClientID resolves an order by the engine-assigned client order
	// ID; used by the reconciler after a crash. Returns ErrOrderNotFound.
	QueryByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	// Events is the at-least-once fill/cancel stream.
	Events() <-chan ExecutionEvent
}

// RiskView is the snapshot of mutable state the risk policy evaluates
// against. Collecting it up front keeps the policy itself pure.
type RiskView struct {
	Position                 Position
	AggregateNotional        decimal.Decimal
	StrategyOrdersLastMinute int
	StrategyOpenOrders       int
	Confidence               float64
}

// IRiskChecker is the pure allow/deny policy over a proposed order
type IRiskChecker interface {
	Check(order *Order, view RiskView) RiskDecision
}

// IPositionView is the read model over the state store
type IPositionView interface {
	Position(ctx context.Context, symbol string) (Position, error)
	AggregateNotional(ctx context.Context) (decimal.Decimal, error)
	StrategyActivity(ctx context.Context, strategyID string) (ordersLastMinute, openOrders int, err error)
}

// IOCOManager owns the OCO pair state machine
type IOCOManager interface {
	// Arm places both protective legs for a pair persisted in arming state.
	Arm(ctx context.Context, pair *OCOPair, stop, takeProfit *Order) error
	// OnEvent applies one exchange execution event (idempotent).
	OnEvent(ctx context.Context, ev ExecutionEvent) error
	// Resume re-drives non-terminal pairs after a restart.
	Resume(ctx context.Context) error
}

// INotifier pushes operator-action alerts to external channels (Slack,
// Telegram). Delivery is best-effort and must never block the caller.
type INotifier interface {
	Critical(ctx context.Context, title, message string, fields map[string]string)
}

// ILogger is the logging interface injected everywhere
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
