package risk

import (
	"strings"
	"testing"

	"execd/internal/config"
	"execd/internal/core"

	"github.com/shopspring/decimal"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionNotionalPerSymbol: 10000,
		MaxAggregateNotional:         50000,
		MinOrderNotional:             5.0,
		MaxOrderNotional:             1000,
		MinConfidence:                0.3,
		SymbolAllowlist:              []string{"BTCUSDT", "ETHUSDT"},
		MaxOrdersPerMinute:           10,
		MaxOpenOrders:                20,
	}
}

func proposedOrder() *core.Order {
	return &core.Order{
		OrderID:  "o1",
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Type:     core.TypeLimit,
		Quantity: decimal.NewFromFloat(0.002),
		Price:    decimal.NewFromInt(50000),
	}
}

func cleanView() core.RiskView {
	return core.RiskView{
		Position:   core.Position{Symbol: "BTCUSDT", NetQuantity: decimal.Zero},
		Confidence: 0.8,
	}
}

func TestCheck_Allow(t *testing.T) {
	p := NewPolicy(testConfig())
	d := p.Check(proposedOrder(), cleanView())
	if !d.Allowed {
		t.Fatalf("expected allow, got deny(%s)", d.Reason)
	}
}

func TestCheck_SymbolAllowlist(t *testing.T) {
	p := NewPolicy(testConfig())
	o := proposedOrder()
	o.Symbol = "DOGEUSDT"
	d := p.Check(o, cleanView())
	if d.Allowed || d.Reason != ReasonSymbolNotAllowed {
		t.Fatalf("expected %s, got %+v", ReasonSymbolNotAllowed, d)
	}
}

func TestCheck_SymbolExposure(t *testing.T) {
	p := NewPolicy(testConfig())
	view := cleanView()
	view.Position.NetQuantity = decimal.NewFromFloat(0.199) // 9950 at 50000
	d := p.Check(proposedOrder(), view)
	if d.Allowed || !strings.HasPrefix(d.Reason, ReasonSymbolExposure) {
		t.Fatalf("expected %s, got %+v", ReasonSymbolExposure, d)
	}
}

func TestCheck_AggregateExposure(t *testing.T) {
	p := NewPolicy(testConfig())
	view := cleanView()
	view.AggregateNotional = decimal.NewFromInt(49950)
	d := p.Check(proposedOrder(), view)
	if d.Allowed || d.Reason != ReasonAggregateExposure {
		t.Fatalf("expected %s, got %+v", ReasonAggregateExposure, d)
	}
}

func TestCheck_MaxOrderNotional(t *testing.T) {
	p := NewPolicy(testConfig())
	o := proposedOrder()
	o.Quantity = decimal.NewFromFloat(0.03) // 1500 at 50000
	d := p.Check(o, cleanView())
	if d.Allowed || !strings.HasPrefix(d.Reason, ReasonMaxNotional) {
		t.Fatalf("expected %s, got %+v", ReasonMaxNotional, d)
	}
}

func TestCheck_MinNotionalBoundary(t *testing.T) {
	p := NewPolicy(testConfig())

	// Exactly at the floor: accepted
	o := proposedOrder()
	o.Price = decimal.NewFromInt(1000)
	o.Quantity = decimal.NewFromFloat(0.005) // == 5.00
	if d := p.Check(o, cleanView()); !d.Allowed {
		t.Fatalf("notional at floor must pass, got deny(%s)", d.Reason)
	}

	// One tick below: denied
	o.Quantity = decimal.NewFromFloat(0.00499)
	d := p.Check(o, cleanView())
	if d.Allowed || !strings.HasPrefix(d.Reason, ReasonMinNotional) {
		t.Fatalf("expected %s, got %+v", ReasonMinNotional, d)
	}
}

func TestCheck_StrategyCaps(t *testing.T) {
	p := NewPolicy(testConfig())

	view := cleanView()
	view.StrategyOrdersLastMinute = 10
	if d := p.Check(proposedOrder(), view); d.Allowed || d.Reason != ReasonOrderRate {
		t.Fatalf("expected %s, got %+v", ReasonOrderRate, d)
	}

	view = cleanView()
	view.StrategyOpenOrders = 20
	if d := p.Check(proposedOrder(), view); d.Allowed || d.Reason != ReasonOpenOrders {
		t.Fatalf("expected %s, got %+v", ReasonOpenOrders, d)
	}
}

func TestCheck_ConfidenceBoundary(t *testing.T) {
	p := NewPolicy(testConfig())

	view := cleanView()
	view.Confidence = 0.3
	if d := p.Check(proposedOrder(), view); !d.Allowed {
		t.Fatalf("confidence at threshold must pass, got deny(%s)", d.Reason)
	}

	view.Confidence = 0.29
	if d := p.Check(proposedOrder(), view); d.Allowed || d.Reason != ReasonConfidence {
		t.Fatalf("expected %s, got %+v", ReasonConfidence, d)
	}
}

func TestCheck_ReducingOrderSkipsCeilings(t *testing.T) {
	p := NewPolicy(testConfig())

	view := cleanView()
	view.Position.NetQuantity = decimal.NewFromFloat(0.5)
	view.AggregateNotional = decimal.NewFromInt(50000) // already at the cap

	// Shrinks the long position: exposure cannot rise, ceilings do not apply
	sell := &core.Order{
		Symbol:   "BTCUSDT",
		Side:     core.SideSell,
		Type:     core.TypeLimit,
		Quantity: decimal.NewFromFloat(0.4),
		Price:    decimal.NewFromInt(50000),
	}
	if d := p.Check(sell, view); !d.Allowed {
		t.Fatalf("reducing order must skip the exposure ceilings, got deny(%s)", d.Reason)
	}

	// Oversized: crosses through flat and raises short exposure, so the
	// ceilings apply again.
	flip := &core.Order{
		Symbol:   "BTCUSDT",
		Side:     core.SideSell,
		Type:     core.TypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(50000),
	}
	if d := p.Check(flip, view); d.Allowed {
		t.Fatal("an order crossing through flat must face the exposure ceilings")
	}

	// The gates outside the ceilings still bind a reducing order
	offList := *sell
	offList.Symbol = "DOGEUSDT"
	if d := p.Check(&offList, view); d.Allowed || d.Reason != ReasonSymbolNotAllowed {
		t.Fatalf("allow-list must bind reducing orders, got %+v", d)
	}
	lowConf := view
	lowConf.Confidence = 0.1
	if d := p.Check(sell, lowConf); d.Allowed || d.Reason != ReasonConfidence {
		t.Fatalf("confidence gate must bind reducing orders, got %+v", d)
	}
}

func TestCheck_Deterministic(t *testing.T) {
	p := NewPolicy(testConfig())
	o := proposedOrder()
	view := cleanView()

	first := p.Check(o, view)
	for i := 0; i < 100; i++ {
		if got := p.Check(o, view); got != first {
			t.Fatalf("policy must be deterministic: %+v vs %+v", got, first)
		}
	}
}
