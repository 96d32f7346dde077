package dispatcher

import (
	"fmt"

	"execd/internal/core"

	"github.com/shopspring/decimal"
)

// resolveQuantity picks the order quantity for an entry signal. An explicit
// quantity wins; otherwise the quantity is derived from the target notional,
// floored at the venue minimum, and rounded UP to the quantity step so the
// resulting notional never lands below the floor.
func resolveQuantity(sig *core.Signal, targetNotional, minNotional, step decimal.Decimal) (decimal.Decimal, error) {
	if sig.Quantity.IsPositive() {
		return sig.Quantity, nil
	}
	if !sig.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("market signal without quantity: nothing to derive size from")
	}

	target := targetNotional
	if target.LessThan(minNotional) {
		target = minNotional
	}

	raw := target.Div(sig.Price)
	qty := roundUpToStep(raw, step)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("derived quantity is zero at price %s", sig.Price)
	}
	return qty, nil
}

// roundUpToStep rounds qty up to the next multiple of step
func roundUpToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	steps := qty.Div(step).Ceil()
	return steps.Mul(step)
}
