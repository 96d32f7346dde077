// Package position maintains the per-symbol exposure read model over the
// state store and answers the snapshot queries the risk policy needs.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execd/internal/core"
	"execd/internal/store"
	apperrors "execd/pkg/errors"

	"github.com/shopspring/decimal"
)

// casRetries bounds the optimistic-concurrency retry loop in ApplyFill
const casRetries = 8

// View implements core.IPositionView. Open-order figures are derived by
// scanning the order namespace, so they are always consistent with what the
// dispatcher persisted; net quantity comes from the position records that
// ApplyFill maintains.
type View struct {
	kv  core.IKVStore
	now func() time.Time
}

func NewView(kv core.IKVStore) *View {
	return &View{kv: kv, now: time.Now}
}

// Position returns the symbol's exposure snapshot. A symbol with no record
// and no open orders reads as a flat position.
func (v *View) Position(ctx context.Context, symbol string) (core.Position, error) {
	pos := core.Position{Symbol: symbol}

	raw, _, err := v.kv.Get(ctx, store.PositionKey(symbol))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &pos); err != nil {
			return pos, fmt.Errorf("decode position %s: %w", symbol, err)
		}
	case errors.Is(err, apperrors.ErrKeyNotFound):
		// flat
	default:
		return pos, err
	}

	orders, err := v.openOrders(ctx)
	if err != nil {
		return pos, err
	}
	notional := decimal.Zero
	for _, o := range orders {
		if o.Symbol == symbol {
			notional = notional.Add(o.Notional())
		}
	}
	pos.OpenOrdersNotional = notional
	return pos, nil
}

// AggregateNotional returns total exposure across all symbols: absolute net
// quantity priced at average entry, plus the notional of every open order.
func (v *View) AggregateNotional(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero

	records, err := v.kv.List(ctx, store.PositionPrefix)
	if err != nil {
		return total, err
	}
	for key, raw := range records {
		var pos core.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			return total, fmt.Errorf("decode %s: %w", key, err)
		}
		total = total.Add(pos.NetQuantity.Abs().Mul(pos.AverageEntry))
	}

	orders, err := v.openOrders(ctx)
	if err != nil {
		return total, err
	}
	for _, o := range orders {
		total = total.Add(o.Notional())
	}
	return total, nil
}

// StrategyActivity counts the strategy's orders created within the last
// minute and its currently open orders.
func (v *View) StrategyActivity(ctx context.Context, strategyID string) (ordersLastMinute, openOrders int, err error) {
	records, err := v.kv.List(ctx, store.OrderPrefix)
	if err != nil {
		return 0, 0, err
	}
	cutoff := v.now().Add(-time.Minute)
	for key, raw := range records {
		var o core.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return 0, 0, fmt.Errorf("decode %s: %w", key, err)
		}
		if o.StrategyID != strategyID {
			continue
		}
		if o.CreatedAt.After(cutoff) {
			ordersLastMinute++
		}
		if !o.Status.IsTerminal() {
			openOrders++
		}
	}
	return ordersLastMinute, openOrders, nil
}

// Snapshot collects the full risk view for one proposed order
func (v *View) Snapshot(ctx context.Context, symbol, strategyID string, confidence float64) (core.RiskView, error) {
	pos, err := v.Position(ctx, symbol)
	if err != nil {
		return core.RiskView{}, err
	}
	aggregate, err := v.AggregateNotional(ctx)
	if err != nil {
		return core.RiskView{}, err
	}
	lastMinute, open, err := v.StrategyActivity(ctx, strategyID)
	if err != nil {
		return core.RiskView{}, err
	}
	return core.RiskView{
		Position:                 pos,
		AggregateNotional:        aggregate,
		StrategyOrdersLastMinute: lastMinute,
		StrategyOpenOrders:       open,
		Confidence:               confidence,
	}, nil
}

// ApplyFill folds one fill into the symbol's position record. Buys increase
// net quantity, sells decrease it; average entry is volume-weighted while the
// position grows and kept when it shrinks. Concurrent appliers are resolved
// by compare-and-swap.
func (v *View) ApplyFill(ctx context.Context, symbol string, side core.OrderSide, qty, price decimal.Decimal) error {
	key := store.PositionKey(symbol)

	for attempt := 0; attempt < casRetries; attempt++ {
		pos := core.Position{Symbol: symbol}
		raw, version, err := v.kv.Get(ctx, key)
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &pos); err != nil {
				return fmt.Errorf("decode position %s: %w", symbol, err)
			}
		case errors.Is(err, apperrors.ErrKeyNotFound):
			version = 0
		default:
			return err
		}

		signed := qty
		if side == core.SideSell {
			signed = qty.Neg()
		}
		next := pos.NetQuantity.Add(signed)

		switch {
		case pos.NetQuantity.IsZero():
			pos.AverageEntry = price
		case pos.NetQuantity.Sign() == signed.Sign():
			// growing: volume-weighted average entry
			oldNotional := pos.NetQuantity.Abs().Mul(pos.AverageEntry)
			addNotional := qty.Mul(price)
			pos.AverageEntry = oldNotional.Add(addNotional).Div(pos.NetQuantity.Abs().Add(qty))
		case next.Sign() != 0 && next.Sign() != pos.NetQuantity.Sign():
			// crossed through flat: remainder opens at the fill price
			pos.AverageEntry = price
		}
		pos.NetQuantity = next
		if next.IsZero() {
			pos.AverageEntry = decimal.Zero
		}

		encoded, err := json.Marshal(pos)
		if err != nil {
			return err
		}
		_, err = v.kv.Put(ctx, key, encoded, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperrors.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("apply fill %s: %w", symbol, apperrors.ErrVersionConflict)
}

func (v *View) openOrders(ctx context.Context) ([]core.Order, error) {
	records, err := v.kv.List(ctx, store.OrderPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(records))
	for key, raw := range records {
		var o core.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}
