package dispatcher

import (
	"context"
	"testing"
	"time"

	"execd/internal/audit"
	"execd/internal/core"
	"execd/internal/position"
	"execd/internal/store"
	"execd/pkg/concurrency"
	"execd/pkg/logging"

	"github.com/shopspring/decimal"
)

type ocoRecorder struct {
	events []core.ExecutionEvent
}

func (r *ocoRecorder) Arm(ctx context.Context, pair *core.OCOPair, stop, tp *core.Order) error {
	return nil
}
func (r *ocoRecorder) OnEvent(ctx context.Context, ev core.ExecutionEvent) error {
	r.events = append(r.events, ev)
	return nil
}
func (r *ocoRecorder) Resume(ctx context.Context) error { return nil }

type routerFixture struct {
	kv        core.IKVStore
	positions *position.View
	oco       *ocoRecorder
	sink      *audit.MemorySink
	router    *EventRouter
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	kv := store.NewMemoryStore()
	positions := position.NewView(kv)
	rec := &ocoRecorder{}
	sink := audit.NewMemorySink()
	logger := logging.Nop()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "events", MaxWorkers: 2, MaxCapacity: 64}, logger)
	t.Cleanup(pool.Stop)
	return &routerFixture{
		kv:        kv,
		positions: positions,
		oco:       rec,
		sink:      sink,
		router:    NewEventRouter(kv, positions, rec, sink, logger, pool),
	}
}

func (f *routerFixture) seedOrder(t *testing.T, orderID, xid string) {
	t.Helper()
	ctx := context.Background()
	order := &core.Order{
		OrderID:         orderID,
		ExchangeOrderID: xid,
		Symbol:          "BTCUSDT",
		Side:            core.SideBuy,
		Type:            core.TypeLimit,
		Quantity:        decimal.NewFromFloat(0.002),
		Price:           decimal.NewFromInt(50000),
		Status:          core.StatusAccepted,
		CreatedAt:       time.Now(),
	}
	if _, err := store.SaveOrder(ctx, f.kv, order, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.IndexOrderByExchangeID(ctx, f.kv, xid, orderID); err != nil {
		t.Fatal(err)
	}
}

func fill(xid string, seq int64) core.ExecutionEvent {
	return core.ExecutionEvent{
		ExchangeOrderID: xid,
		Sequence:        seq,
		Status:          core.StatusFilled,
		FillQty:         decimal.NewFromFloat(0.002),
		FillPrice:       decimal.NewFromInt(50000),
		Timestamp:       time.Now(),
	}
}

func TestHandle_AppliesFill(t *testing.T) {
	f := newRouterFixture(t)
	f.seedOrder(t, "o1", "X-1")
	ctx := context.Background()

	if err := f.router.Handle(ctx, fill("X-1", 2)); err != nil {
		t.Fatal(err)
	}

	order, _, err := store.LoadOrder(ctx, f.kv, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != core.StatusFilled {
		t.Errorf("order status = %s, want filled", order.Status)
	}
	if !order.FilledQty.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("filled qty = %s", order.FilledQty)
	}

	pos, err := f.positions.Position(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !pos.NetQuantity.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("position = %s, want 0.002", pos.NetQuantity)
	}

	if len(f.oco.events) != 1 {
		t.Errorf("oco manager saw %d events, want 1", len(f.oco.events))
	}
	if len(f.sink.ByKind(core.AuditOrderUpdate)) != 1 {
		t.Error("order update not audited")
	}
}

func TestHandle_DuplicateSequenceSkipped(t *testing.T) {
	f := newRouterFixture(t)
	f.seedOrder(t, "o2", "X-2")
	ctx := context.Background()

	ev := fill("X-2", 2)
	if err := f.router.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := f.router.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}

	// Redelivery must not double the position
	pos, _ := f.positions.Position(ctx, "BTCUSDT")
	if !pos.NetQuantity.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("position after redelivery = %s, want 0.002", pos.NetQuantity)
	}
	if len(f.oco.events) != 1 {
		t.Errorf("oco manager saw %d events, want 1", len(f.oco.events))
	}
}

func TestHandle_StaleSequenceSkipped(t *testing.T) {
	f := newRouterFixture(t)
	f.seedOrder(t, "o3", "X-3")
	ctx := context.Background()

	if err := f.router.Handle(ctx, fill("X-3", 5)); err != nil {
		t.Fatal(err)
	}
	// An older event arriving late is dropped
	late := core.ExecutionEvent{
		ExchangeOrderID: "X-3",
		Sequence:        3,
		Status:          core.StatusAccepted,
		Timestamp:       time.Now(),
	}
	if err := f.router.Handle(ctx, late); err != nil {
		t.Fatal(err)
	}

	order, _, _ := store.LoadOrder(ctx, f.kv, "o3")
	if order.Status != core.StatusFilled {
		t.Errorf("late event regressed status to %s", order.Status)
	}
}

func TestHandle_UnindexedOrderDropped(t *testing.T) {
	f := newRouterFixture(t)
	if err := f.router.Handle(context.Background(), fill("X-ghost", 1)); err != nil {
		t.Fatalf("unindexed event must be dropped, not errored: %v", err)
	}
}
