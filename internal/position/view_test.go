package position

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"execd/internal/core"
	"execd/internal/store"

	"github.com/shopspring/decimal"
)

func putOrder(t *testing.T, kv core.IKVStore, o core.Order) {
	t.Helper()
	raw, err := json.Marshal(o)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Put(context.Background(), store.OrderKey(o.OrderID), raw, 0); err != nil {
		t.Fatal(err)
	}
}

func TestPosition_FlatByDefault(t *testing.T) {
	v := NewView(store.NewMemoryStore())
	pos, err := v.Position(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !pos.NetQuantity.IsZero() || !pos.OpenOrdersNotional.IsZero() {
		t.Errorf("unknown symbol should read flat: %+v", pos)
	}
}

func TestApplyFill_BuildAndReduce(t *testing.T) {
	ctx := context.Background()
	v := NewView(store.NewMemoryStore())

	if err := v.ApplyFill(ctx, "BTCUSDT", core.SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromInt(50000)); err != nil {
		t.Fatal(err)
	}
	if err := v.ApplyFill(ctx, "BTCUSDT", core.SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromInt(52000)); err != nil {
		t.Fatal(err)
	}

	pos, err := v.Position(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !pos.NetQuantity.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("net quantity = %s, want 0.2", pos.NetQuantity)
	}
	if !pos.AverageEntry.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("average entry = %s, want 51000", pos.AverageEntry)
	}

	// Reducing keeps the entry price
	if err := v.ApplyFill(ctx, "BTCUSDT", core.SideSell, decimal.NewFromFloat(0.05), decimal.NewFromInt(53000)); err != nil {
		t.Fatal(err)
	}
	pos, _ = v.Position(ctx, "BTCUSDT")
	if !pos.NetQuantity.Equal(decimal.NewFromFloat(0.15)) {
		t.Errorf("net quantity = %s, want 0.15", pos.NetQuantity)
	}
	if !pos.AverageEntry.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("reducing must not move average entry, got %s", pos.AverageEntry)
	}
}

func TestApplyFill_FlatClearsEntry(t *testing.T) {
	ctx := context.Background()
	v := NewView(store.NewMemoryStore())

	qty := decimal.NewFromFloat(0.1)
	price := decimal.NewFromInt(50000)
	if err := v.ApplyFill(ctx, "ETHUSDT", core.SideBuy, qty, price); err != nil {
		t.Fatal(err)
	}
	if err := v.ApplyFill(ctx, "ETHUSDT", core.SideSell, qty, decimal.NewFromInt(51000)); err != nil {
		t.Fatal(err)
	}

	pos, _ := v.Position(ctx, "ETHUSDT")
	if !pos.NetQuantity.IsZero() || !pos.AverageEntry.IsZero() {
		t.Errorf("closed position should be flat: %+v", pos)
	}
}

func TestApplyFill_CrossThroughFlat(t *testing.T) {
	ctx := context.Background()
	v := NewView(store.NewMemoryStore())

	if err := v.ApplyFill(ctx, "BTCUSDT", core.SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromInt(50000)); err != nil {
		t.Fatal(err)
	}
	if err := v.ApplyFill(ctx, "BTCUSDT", core.SideSell, decimal.NewFromFloat(0.3), decimal.NewFromInt(48000)); err != nil {
		t.Fatal(err)
	}

	pos, _ := v.Position(ctx, "BTCUSDT")
	if !pos.NetQuantity.Equal(decimal.NewFromFloat(-0.2)) {
		t.Errorf("net quantity = %s, want -0.2", pos.NetQuantity)
	}
	if !pos.AverageEntry.Equal(decimal.NewFromInt(48000)) {
		t.Errorf("remainder should open at the crossing fill price, got %s", pos.AverageEntry)
	}
}

func TestOpenOrdersNotional(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	v := NewView(kv)

	putOrder(t, kv, core.Order{
		OrderID: "o1", Symbol: "BTCUSDT", Side: core.SideBuy, Status: core.StatusAccepted,
		Quantity: decimal.NewFromFloat(0.01), Price: decimal.NewFromInt(50000),
	})
	putOrder(t, kv, core.Order{
		OrderID: "o2", Symbol: "BTCUSDT", Side: core.SideBuy, Status: core.StatusFilled,
		Quantity: decimal.NewFromFloat(1), Price: decimal.NewFromInt(50000),
	})
	putOrder(t, kv, core.Order{
		OrderID: "o3", Symbol: "ETHUSDT", Side: core.SideBuy, Status: core.StatusPending,
		Quantity: decimal.NewFromFloat(1), Price: decimal.NewFromInt(3000),
	})

	pos, err := v.Position(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !pos.OpenOrdersNotional.Equal(decimal.NewFromInt(500)) {
		t.Errorf("open orders notional = %s, want 500 (terminal and foreign orders excluded)", pos.OpenOrdersNotional)
	}

	total, err := v.AggregateNotional(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !total.Equal(decimal.NewFromInt(3500)) {
		t.Errorf("aggregate notional = %s, want 3500", total)
	}
}

func TestStrategyActivity(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	v := NewView(kv)

	base := time.Now()
	v.now = func() time.Time { return base }

	putOrder(t, kv, core.Order{
		OrderID: "o1", StrategyID: "ema", Status: core.StatusAccepted,
		CreatedAt: base.Add(-10 * time.Second),
		Quantity:  decimal.NewFromFloat(1), Price: decimal.NewFromInt(100),
	})
	putOrder(t, kv, core.Order{
		OrderID: "o2", StrategyID: "ema", Status: core.StatusFilled,
		CreatedAt: base.Add(-2 * time.Minute),
		Quantity:  decimal.NewFromFloat(1), Price: decimal.NewFromInt(100),
	})
	putOrder(t, kv, core.Order{
		OrderID: "o3", StrategyID: "momentum", Status: core.StatusAccepted,
		CreatedAt: base.Add(-5 * time.Second),
		Quantity:  decimal.NewFromFloat(1), Price: decimal.NewFromInt(100),
	})

	lastMinute, open, err := v.StrategyActivity(ctx, "ema")
	if err != nil {
		t.Fatal(err)
	}
	if lastMinute != 1 {
		t.Errorf("orders last minute = %d, want 1", lastMinute)
	}
	if open != 1 {
		t.Errorf("open orders = %d, want 1", open)
	}
}
