package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is the intent carried by a trading signal
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionClose SignalAction = "close"
)

// OrderSide is the exchange-facing side of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the reducing side
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the exchange order type
type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStop       OrderType = "STOP"
	TypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus is the lifecycle status of an order
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status admits no further transitions
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Signal is an immutable intent to trade produced by an upstream strategy
type Signal struct {
	StrategyID string            `json:"strategy_id"`
	Symbol     string            `json:"symbol"`
	Action     SignalAction      `json:"action"`
	Price      decimal.Decimal   `json:"price,omitempty"`    // zero = market
	Quantity   decimal.Decimal   `json:"quantity,omitempty"` // zero = derive from target notional
	StopLoss   decimal.Decimal   `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal   `json:"take_profit,omitempty"`
	Confidence float64           `json:"confidence"`
	Timeframe  string            `json:"timeframe"`
	Timestamp  time.Time         `json:"timestamp"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// HasProtection reports whether the signal requests an OCO bracket
func (s *Signal) HasProtection() bool {
	return s.StopLoss.IsPositive() || s.TakeProfit.IsPositive()
}

// Order is an engine-tracked exchange order. The engine-assigned OrderID is
// also sent as the exchange client order ID, so exchange-side lookups after a
// crash are deterministic.
type Order struct {
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Fingerprint     string          `json:"originating_signal_fingerprint"`
	OCOGroupID      string          `json:"oco_group_id,omitempty"`
	StrategyID      string          `json:"strategy_id,omitempty"`
	FilledQty       decimal.Decimal `json:"filled_qty,omitempty"`
}

// Notional returns quantity * price
func (o *Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// OCOState is the lifecycle state of an OCO pair
type OCOState string

const (
	OCOArming    OCOState = "arming"
	OCOArmed     OCOState = "armed"
	OCOOneFilled OCOState = "one_filled"
	OCOCompleted OCOState = "completed"
	OCOFailed    OCOState = "failed"
)

// IsTerminal reports whether the pair admits no further transitions
func (s OCOState) IsTerminal() bool {
	return s == OCOCompleted || s == OCOFailed
}

// OCOPair tracks a stop-loss / take-profit bracket whose legs are mutually
// exclusive: a fill on one leg cancels the other.
type OCOPair struct {
	GroupID           string    `json:"group_id"`
	Symbol            string    `json:"symbol"`
	Side              OrderSide `json:"side"`
	StopOrderID       string    `json:"stop_order_id"`
	TakeProfitOrderID string    `json:"take_profit_order_id"`
	State             OCOState  `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	LastEventAt       time.Time `json:"last_event_at"`
	FilledOrderID     string    `json:"filled_order_id,omitempty"`
}

// SiblingOf returns the other leg's order ID, or "" if orderID is not a leg
func (p *OCOPair) SiblingOf(orderID string) string {
	switch orderID {
	case p.StopOrderID:
		return p.TakeProfitOrderID
	case p.TakeProfitOrderID:
		return p.StopOrderID
	}
	return ""
}

// Lock is a TTL lease held in the state store
type Lock struct {
	Name       string    `json:"name"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ProcessedSignal marks a fingerprint as executed until its retention horizon
type ProcessedSignal struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Position is the per-symbol exposure read model. NetQuantity is signed and
// eventually consistent with the fills recorded in the audit log.
type Position struct {
	Symbol             string          `json:"symbol"`
	NetQuantity        decimal.Decimal `json:"net_quantity"`
	AverageEntry       decimal.Decimal `json:"average_entry"`
	OpenOrdersNotional decimal.Decimal `json:"open_orders_notional"`
}

// ExecutionEvent is one entry of the exchange fill/cancel stream. The stream
// is at-least-once; consumers deduplicate by (ExchangeOrderID, Sequence).
type ExecutionEvent struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Sequence        int64           `json:"sequence"`
	Status          OrderStatus     `json:"status"`
	FillQty         decimal.Decimal `json:"fill_qty"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	Timestamp       time.Time       `json:"timestamp"`
}
