// Package paper implements a deterministic in-process venue. It honors the
// same contract as a real exchange gateway: client order IDs are idempotency
// keys, the event stream is sequenced and at-least-once, and requests are
// rate limited.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execd/internal/core"
	apperrors "execd/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const eventBuffer = 1024

// Venue implements core.IGateway
type Venue struct {
	mu          sync.Mutex
	orders      map[string]*core.Order // by exchange order ID
	byClientID  map[string]string      // client order ID -> exchange order ID
	seq         map[string]int64       // per-order event sequence
	events      chan core.ExecutionEvent
	limiter     *rate.Limiter
	nextID      int64
	now         func() time.Time

	// Fault injection, set by tests
	failPlaces int           // next N places answer transient
	rejectNext string        // non-empty: next place is rejected with this reason
	duplicates bool          // emit every event twice
}

// New builds a paper venue limited to rps requests per second
func New(rps float64) *Venue {
	if rps <= 0 {
		rps = 20
	}
	return &Venue{
		orders:     make(map[string]*core.Order),
		byClientID: make(map[string]string),
		seq:        make(map[string]int64),
		events:     make(chan core.ExecutionEvent, eventBuffer),
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		now:        time.Now,
	}
}

func (v *Venue) Name() string { return "paper" }

// Place accepts the order, assigning an exchange order ID. A repeated client
// order ID returns the original result instead of a second order. Market
// orders fill immediately at the order price.
func (v *Venue) Place(ctx context.Context, order *core.Order) core.PlaceResult {
	if err := v.limiter.Wait(ctx); err != nil {
		return core.PlaceResult{Status: core.PlaceTransient, Reason: err.Error()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if xid, ok := v.byClientID[order.OrderID]; ok {
		return core.PlaceResult{Status: core.PlaceAccepted, ExchangeOrderID: xid}
	}

	if v.failPlaces > 0 {
		v.failPlaces--
		return core.PlaceResult{Status: core.PlaceTransient, Reason: apperrors.ErrNetwork.Error()}
	}
	if v.rejectNext != "" {
		reason := v.rejectNext
		v.rejectNext = ""
		return core.PlaceResult{Status: core.PlaceRejected, Reason: reason}
	}

	v.nextID++
	xid := fmt.Sprintf("PX-%06d", v.nextID)

	stored := *order
	stored.ExchangeOrderID = xid
	stored.Status = core.StatusAccepted
	stored.UpdatedAt = v.now()
	v.orders[xid] = &stored
	v.byClientID[order.OrderID] = xid

	v.emitLocked(xid, core.StatusAccepted, decimal.Zero, decimal.Zero)

	if stored.Type == core.TypeMarket {
		v.fillLocked(xid, stored.Quantity, stored.Price)
	}

	return core.PlaceResult{Status: core.PlaceAccepted, ExchangeOrderID: xid}
}

// Cancel marks an open order cancelled. Unknown and already-terminal orders
// answer not-found, which callers treat as success for cancel-the-sibling
// purposes.
func (v *Venue) Cancel(ctx context.Context, exchangeOrderID string) core.CancelResult {
	if err := v.limiter.Wait(ctx); err != nil {
		return core.CancelResult{Status: core.CancelTransient, Reason: err.Error()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[exchangeOrderID]
	if !ok || order.Status.IsTerminal() {
		return core.CancelResult{Status: core.CancelNotFound}
	}

	order.Status = core.StatusCancelled
	order.UpdatedAt = v.now()
	v.emitLocked(exchangeOrderID, core.StatusCancelled, decimal.Zero, decimal.Zero)
	return core.CancelResult{Status: core.CancelDone}
}

func (v *Venue) Query(ctx context.Context, exchangeOrderID string) (core.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[exchangeOrderID]
	if !ok {
		return "", apperrors.ErrOrderNotFound
	}
	return order.Status, nil
}

func (v *Venue) QueryByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	xid, ok := v.byClientID[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	copied := *v.orders[xid]
	return &copied, nil
}

func (v *Venue) Events() <-chan core.ExecutionEvent { return v.events }

// Fill simulates the venue filling an open order, fully, at the given price.
// Used by tests and by the market-order fast path.
func (v *Venue) Fill(exchangeOrderID string, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[exchangeOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", exchangeOrderID, order.Status)
	}
	v.fillLocked(exchangeOrderID, order.Quantity, price)
	return nil
}

// FillClient fills by client order ID
func (v *Venue) FillClient(clientOrderID string, price decimal.Decimal) error {
	v.mu.Lock()
	xid, ok := v.byClientID[clientOrderID]
	v.mu.Unlock()
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	return v.Fill(xid, price)
}

// FailNextPlaces makes the next n place calls answer transient
func (v *Venue) FailNextPlaces(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failPlaces = n
}

// RejectNextPlace makes the next place call answer a terminal rejection
func (v *Venue) RejectNextPlace(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectNext = reason
}

// EmitDuplicates re-delivers every event a second time, exercising the
// at-least-once contract consumers must tolerate.
func (v *Venue) EmitDuplicates(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.duplicates = on
}

// OpenOrders returns the exchange order IDs of all non-terminal orders
func (v *Venue) OpenOrders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for xid, o := range v.orders {
		if !o.Status.IsTerminal() {
			out = append(out, xid)
		}
	}
	return out
}

func (v *Venue) fillLocked(xid string, qty, price decimal.Decimal) {
	order := v.orders[xid]
	order.Status = core.StatusFilled
	order.FilledQty = qty
	order.UpdatedAt = v.now()
	if price.IsZero() {
		price = order.Price
	}
	v.emitLocked(xid, core.StatusFilled, qty, price)
}

func (v *Venue) emitLocked(xid string, status core.OrderStatus, fillQty, fillPrice decimal.Decimal) {
	v.seq[xid]++
	ev := core.ExecutionEvent{
		ExchangeOrderID: xid,
		Sequence:        v.seq[xid],
		Status:          status,
		FillQty:         fillQty,
		FillPrice:       fillPrice,
		Timestamp:       v.now(),
	}
	v.send(ev)
	if v.duplicates {
		v.send(ev)
	}
}

// send never blocks: emitLocked runs under v.mu, and a full buffer with a
// slow consumer must not deadlock the venue call that produced the event.
// Dropped events surface later through the reconciler's status polling.
func (v *Venue) send(ev core.ExecutionEvent) {
	select {
	case v.events <- ev:
	default:
	}
}
