package signal

import (
	"fmt"
	"time"

	"execd/internal/core"
)

// MaxSignalAge guards against replayed stale signals reaching the exchange
const MaxSignalAge = 15 * time.Minute

// Validate checks schema and semantic ranges. A non-nil error means the
// signal is terminally invalid; it is never an I/O failure.
func Validate(s *core.Signal) error {
	if s.StrategyID == "" {
		return fmt.Errorf("strategy_id is required")
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	switch s.Action {
	case core.ActionBuy, core.ActionSell, core.ActionClose:
	default:
		return fmt.Errorf("action must be one of buy, sell, close: got %q", s.Action)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if age := time.Since(s.Timestamp); age > MaxSignalAge {
		return fmt.Errorf("signal is stale: age %s exceeds %s", age.Truncate(time.Second), MaxSignalAge)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1]: got %v", s.Confidence)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("price must be positive when present")
	}
	if s.Quantity.IsNegative() {
		return fmt.Errorf("quantity must be positive when present")
	}
	if s.StopLoss.IsNegative() || s.TakeProfit.IsNegative() {
		return fmt.Errorf("protective prices must be positive when present")
	}
	if s.Action != core.ActionClose && s.Price.IsZero() && s.HasProtection() {
		// Market entries with protection still need a reference price for
		// the bracket to make sense relative to the entry.
		if s.StopLoss.IsPositive() && s.TakeProfit.IsPositive() && s.StopLoss.GreaterThanOrEqual(s.TakeProfit) && s.Action == core.ActionBuy {
			return fmt.Errorf("stop_loss must be below take_profit for a buy")
		}
	}
	if s.Price.IsPositive() && s.StopLoss.IsPositive() && s.TakeProfit.IsPositive() {
		switch s.Action {
		case core.ActionBuy:
			if !(s.StopLoss.LessThan(s.Price) && s.TakeProfit.GreaterThan(s.Price)) {
				return fmt.Errorf("buy bracket must satisfy stop_loss < price < take_profit")
			}
		case core.ActionSell:
			if !(s.StopLoss.GreaterThan(s.Price) && s.TakeProfit.LessThan(s.Price)) {
				return fmt.Errorf("sell bracket must satisfy take_profit < price < stop_loss")
			}
		}
	}
	return nil
}
