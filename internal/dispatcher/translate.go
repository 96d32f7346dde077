package dispatcher

import (
	"time"

	"execd/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// newOrderID mints a time-ordered order ID. It doubles as the exchange client
// order ID, which is what makes crash recovery deterministic.
func newOrderID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// buildEntry translates a buy/sell signal into the entry order
func buildEntry(sig *core.Signal, fingerprint string, qty decimal.Decimal, now time.Time) *core.Order {
	side := core.SideBuy
	if sig.Action == core.ActionSell {
		side = core.SideSell
	}
	orderType := core.TypeLimit
	if !sig.Price.IsPositive() {
		orderType = core.TypeMarket
	}
	return &core.Order{
		OrderID:     newOrderID(),
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        orderType,
		Quantity:    qty,
		Price:       sig.Price,
		Status:      core.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Fingerprint: fingerprint,
		StrategyID:  sig.StrategyID,
	}
}

// buildBracket creates the OCO pair and its two protective legs for an entry.
// Legs are on the reducing side of the entry.
func buildBracket(sig *core.Signal, entry *core.Order, now time.Time) (*core.OCOPair, *core.Order, *core.Order) {
	groupID := newOrderID()
	legSide := entry.Side.Opposite()

	leg := func(orderType core.OrderType, price decimal.Decimal) *core.Order {
		return &core.Order{
			OrderID:     newOrderID(),
			Symbol:      sig.Symbol,
			Side:        legSide,
			Type:        orderType,
			Quantity:    entry.Quantity,
			Price:       price,
			Status:      core.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			Fingerprint: entry.Fingerprint,
			OCOGroupID:  groupID,
			StrategyID:  sig.StrategyID,
		}
	}

	stop := leg(core.TypeStop, sig.StopLoss)
	takeProfit := leg(core.TypeTakeProfit, sig.TakeProfit)

	pair := &core.OCOPair{
		GroupID:           groupID,
		Symbol:            sig.Symbol,
		Side:              legSide,
		StopOrderID:       stop.OrderID,
		TakeProfitOrderID: takeProfit.OrderID,
		State:             core.OCOArming,
		CreatedAt:         now,
	}
	entry.OCOGroupID = groupID
	return pair, stop, takeProfit
}

// buildClose creates the market order that flattens the current position
func buildClose(sig *core.Signal, fingerprint string, pos core.Position, now time.Time) *core.Order {
	side := core.SideSell
	if pos.NetQuantity.IsNegative() {
		side = core.SideBuy
	}
	return &core.Order{
		OrderID:     newOrderID(),
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        core.TypeMarket,
		Quantity:    pos.NetQuantity.Abs(),
		Status:      core.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Fingerprint: fingerprint,
		StrategyID:  sig.StrategyID,
	}
}
