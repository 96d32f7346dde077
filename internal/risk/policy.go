// Package risk implements the pure allow/deny policy applied to every
// proposed order. The policy holds no mutable state: everything it needs is
// in the order, the RiskView snapshot, and the config.
package risk

import (
	"fmt"

	"execd/internal/config"
	"execd/internal/core"

	"github.com/shopspring/decimal"
)

// Deny reasons surfaced in audit entries and dispatch results
const (
	ReasonSymbolNotAllowed  = "symbol_not_allowed"
	ReasonSymbolExposure    = "max_symbol_exposure"
	ReasonAggregateExposure = "max_aggregate_exposure"
	ReasonMaxNotional       = "max_order_notional"
	ReasonMinNotional       = "min_notional"
	ReasonOrderRate         = "max_orders_per_minute"
	ReasonOpenOrders        = "max_open_orders"
	ReasonConfidence        = "min_confidence"
)

// Policy implements core.IRiskChecker
type Policy struct {
	cfg       config.RiskConfig
	allowlist map[string]struct{}
}

// NewPolicy builds the policy from config
func NewPolicy(cfg config.RiskConfig) *Policy {
	allow := make(map[string]struct{}, len(cfg.SymbolAllowlist))
	for _, s := range cfg.SymbolAllowlist {
		allow[s] = struct{}{}
	}
	return &Policy{cfg: cfg, allowlist: allow}
}

// Check runs the checks in a fixed order, short-circuiting on the first
// deny. Same inputs always yield the same decision.
func (p *Policy) Check(order *core.Order, view core.RiskView) core.RiskDecision {
	// 1. Symbol allow-list
	if _, ok := p.allowlist[order.Symbol]; !ok {
		return core.Deny(ReasonSymbolNotAllowed)
	}

	// 2-5. Exposure and notional ceilings. A reducing order shrinks the open
	// position and cannot raise exposure, so the ceilings do not apply; the
	// allow-list, strategy caps, and confidence gate still do.
	if !reduces(order, view.Position) {
		if d := p.checkCeilings(order, view); !d.Allowed {
			return d
		}
	}

	// 6. Per-strategy quantitative caps
	if p.cfg.MaxOrdersPerMinute > 0 && view.StrategyOrdersLastMinute >= p.cfg.MaxOrdersPerMinute {
		return core.Deny(ReasonOrderRate)
	}
	if p.cfg.MaxOpenOrders > 0 && view.StrategyOpenOrders >= p.cfg.MaxOpenOrders {
		return core.Deny(ReasonOpenOrders)
	}

	// 7. Confidence threshold; exactly at the bound is accepted
	if view.Confidence < p.cfg.MinConfidence {
		return core.Deny(ReasonConfidence)
	}

	return core.Allow()
}

func (p *Policy) checkCeilings(order *core.Order, view core.RiskView) core.RiskDecision {
	notional := order.Notional()

	// 2. Per-symbol net exposure after this order
	maxSymbol := decimal.NewFromFloat(p.cfg.MaxPositionNotionalPerSymbol)
	if maxSymbol.IsPositive() {
		exposure := view.Position.NetQuantity.Abs().Mul(order.Price).
			Add(view.Position.OpenOrdersNotional).
			Add(notional)
		if exposure.GreaterThan(maxSymbol) {
			return core.Deny(fmt.Sprintf("%s: %s exceeds %s", ReasonSymbolExposure, exposure, maxSymbol))
		}
	}

	// 3. Aggregate exposure across all symbols
	maxAggregate := decimal.NewFromFloat(p.cfg.MaxAggregateNotional)
	if maxAggregate.IsPositive() {
		if view.AggregateNotional.Add(notional).GreaterThan(maxAggregate) {
			return core.Deny(ReasonAggregateExposure)
		}
	}

	// 4. Maximum single-order notional
	maxOrder := decimal.NewFromFloat(p.cfg.MaxOrderNotional)
	if maxOrder.IsPositive() && notional.GreaterThan(maxOrder) {
		return core.Deny(fmt.Sprintf("%s: %s exceeds %s", ReasonMaxNotional, notional, maxOrder))
	}

	// 5. Minimum order notional (exchange floor). Market orders carry no
	// price, so the floor is enforced at quantity computation time instead.
	if order.Price.IsPositive() {
		minOrder := decimal.NewFromFloat(p.cfg.MinOrderNotional)
		if notional.LessThan(minOrder) {
			return core.Deny(fmt.Sprintf("%s: %s below %s", ReasonMinNotional, notional, minOrder))
		}
	}

	return core.Allow()
}

// reduces reports whether the order shrinks the open position without
// crossing through flat. An oversized opposite-side order flips the position
// and is treated like any exposure-raising order.
func reduces(order *core.Order, pos core.Position) bool {
	net := pos.NetQuantity
	switch {
	case net.IsPositive() && order.Side == core.SideSell:
		return !order.Quantity.GreaterThan(net)
	case net.IsNegative() && order.Side == core.SideBuy:
		return !order.Quantity.GreaterThan(net.Neg())
	}
	return false
}
