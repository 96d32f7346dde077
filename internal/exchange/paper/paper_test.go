package paper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"execd/internal/core"

	"github.com/shopspring/decimal"
)

func limitOrder(id string) *core.Order {
	return &core.Order{
		OrderID:  id,
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Type:     core.TypeLimit,
		Quantity: decimal.NewFromFloat(0.001),
		Price:    decimal.NewFromInt(50000),
	}
}

func drainOne(t *testing.T, v *Venue) core.ExecutionEvent {
	t.Helper()
	select {
	case ev := <-v.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return core.ExecutionEvent{}
	}
}

func TestPlace_IdempotentByClientID(t *testing.T) {
	ctx := context.Background()
	v := New(100)

	first := v.Place(ctx, limitOrder("ord-1"))
	if first.Status != core.PlaceAccepted || first.ExchangeOrderID == "" {
		t.Fatalf("place failed: %+v", first)
	}

	second := v.Place(ctx, limitOrder("ord-1"))
	if second.Status != core.PlaceAccepted {
		t.Fatalf("repeat place failed: %+v", second)
	}
	if second.ExchangeOrderID != first.ExchangeOrderID {
		t.Errorf("same client order ID must map to the same order: %s vs %s",
			second.ExchangeOrderID, first.ExchangeOrderID)
	}

	// Only one accepted event, not two
	ev := drainOne(t, v)
	if ev.Status != core.StatusAccepted {
		t.Errorf("want accepted event, got %s", ev.Status)
	}
	select {
	case extra := <-v.Events():
		t.Errorf("unexpected second event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPlace_MarketFillsImmediately(t *testing.T) {
	ctx := context.Background()
	v := New(100)

	o := limitOrder("ord-m")
	o.Type = core.TypeMarket
	o.Price = decimal.NewFromInt(50000)
	res := v.Place(ctx, o)
	if res.Status != core.PlaceAccepted {
		t.Fatalf("place failed: %+v", res)
	}

	if ev := drainOne(t, v); ev.Status != core.StatusAccepted {
		t.Fatalf("want accepted first, got %s", ev.Status)
	}
	fill := drainOne(t, v)
	if fill.Status != core.StatusFilled {
		t.Fatalf("want filled, got %s", fill.Status)
	}
	if !fill.FillQty.Equal(o.Quantity) {
		t.Errorf("fill qty = %s, want %s", fill.FillQty, o.Quantity)
	}
	if fill.Sequence != 2 {
		t.Errorf("fill sequence = %d, want 2", fill.Sequence)
	}
}

func TestCancel_Lifecycle(t *testing.T) {
	ctx := context.Background()
	v := New(100)

	res := v.Place(ctx, limitOrder("ord-c"))
	drainOne(t, v)

	if c := v.Cancel(ctx, res.ExchangeOrderID); c.Status != core.CancelDone {
		t.Fatalf("cancel open order: %+v", c)
	}
	if ev := drainOne(t, v); ev.Status != core.StatusCancelled {
		t.Errorf("want cancelled event, got %s", ev.Status)
	}

	// Terminal and unknown orders both answer not-found
	if c := v.Cancel(ctx, res.ExchangeOrderID); c.Status != core.CancelNotFound {
		t.Errorf("cancel of cancelled order: %+v", c)
	}
	if c := v.Cancel(ctx, "PX-999999"); c.Status != core.CancelNotFound {
		t.Errorf("cancel of unknown order: %+v", c)
	}
}

func TestQueryByClientID(t *testing.T) {
	ctx := context.Background()
	v := New(100)

	res := v.Place(ctx, limitOrder("ord-q"))
	got, err := v.QueryByClientID(ctx, "ord-q")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExchangeOrderID != res.ExchangeOrderID || got.Status != core.StatusAccepted {
		t.Errorf("unexpected order: %+v", got)
	}

	if _, err := v.QueryByClientID(ctx, "never-placed"); err == nil {
		t.Error("unknown client order ID must error")
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	v := New(100)

	v.FailNextPlaces(2)
	if res := v.Place(ctx, limitOrder("ord-f")); res.Status != core.PlaceTransient {
		t.Fatalf("want transient, got %+v", res)
	}
	if res := v.Place(ctx, limitOrder("ord-f")); res.Status != core.PlaceTransient {
		t.Fatalf("want transient, got %+v", res)
	}
	if res := v.Place(ctx, limitOrder("ord-f")); res.Status != core.PlaceAccepted {
		t.Fatalf("third attempt should succeed, got %+v", res)
	}

	v.RejectNextPlace("insufficient balance")
	rej := v.Place(ctx, limitOrder("ord-r"))
	if rej.Status != core.PlaceRejected || rej.Reason != "insufficient balance" {
		t.Fatalf("want rejection, got %+v", rej)
	}
}

func TestPlace_NoConsumerDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	v := New(1_000_000)

	// Nobody drains v.Events(); once the buffer fills every further
	// emission must still return.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer+64; i++ {
			o := limitOrder(fmt.Sprintf("ord-b-%d", i))
			o.Type = core.TypeMarket
			if res := v.Place(ctx, o); res.Status != core.PlaceAccepted {
				t.Errorf("place %d: %+v", i, res)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("venue blocked on its event channel with no consumer")
	}
}

func TestEmitDuplicates(t *testing.T) {
	ctx := context.Background()
	v := New(100)
	v.EmitDuplicates(true)

	v.Place(ctx, limitOrder("ord-d"))
	first := drainOne(t, v)
	second := drainOne(t, v)
	if first != second {
		t.Errorf("duplicate delivery must repeat the event exactly: %+v vs %+v", first, second)
	}
}
