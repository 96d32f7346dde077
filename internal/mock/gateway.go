// Package mock provides a scriptable gateway for unit tests. Tests enqueue
// the results they want each call to return; calls are recorded for
// assertion.
package mock

import (
	"context"
	"sync"

	"execd/internal/core"
	apperrors "execd/pkg/errors"
)

// Gateway implements core.IGateway with scripted responses
type Gateway struct {
	mu sync.Mutex

	placeScript  []core.PlaceResult
	cancelScript []core.CancelResult

	PlacedOrders []core.Order
	CancelledIDs []string

	statuses map[string]core.OrderStatus
	byClient map[string]*core.Order

	events chan core.ExecutionEvent
}

func NewGateway() *Gateway {
	return &Gateway{
		statuses: make(map[string]core.OrderStatus),
		byClient: make(map[string]*core.Order),
		events:   make(chan core.ExecutionEvent, 64),
	}
}

func (g *Gateway) Name() string { return "mock" }

// ScriptPlace enqueues results returned by successive Place calls. When the
// script runs out, Place answers accepted with a synthetic exchange ID.
func (g *Gateway) ScriptPlace(results ...core.PlaceResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeScript = append(g.placeScript, results...)
}

// ScriptCancel enqueues results returned by successive Cancel calls
func (g *Gateway) ScriptCancel(results ...core.CancelResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelScript = append(g.cancelScript, results...)
}

// SetStatus sets the answer Query gives for an exchange order ID
func (g *Gateway) SetStatus(exchangeOrderID string, status core.OrderStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[exchangeOrderID] = status
}

// SetClientOrder sets the answer QueryByClientID gives
func (g *Gateway) SetClientOrder(clientOrderID string, order *core.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byClient[clientOrderID] = order
}

// Emit pushes an event into the stream
func (g *Gateway) Emit(ev core.ExecutionEvent) {
	g.events <- ev
}

func (g *Gateway) Place(ctx context.Context, order *core.Order) core.PlaceResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PlacedOrders = append(g.PlacedOrders, *order)
	if len(g.placeScript) > 0 {
		res := g.placeScript[0]
		g.placeScript = g.placeScript[1:]
		return res
	}
	return core.PlaceResult{Status: core.PlaceAccepted, ExchangeOrderID: "MX-" + order.OrderID}
}

func (g *Gateway) Cancel(ctx context.Context, exchangeOrderID string) core.CancelResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CancelledIDs = append(g.CancelledIDs, exchangeOrderID)
	if len(g.cancelScript) > 0 {
		res := g.cancelScript[0]
		g.cancelScript = g.cancelScript[1:]
		return res
	}
	return core.CancelResult{Status: core.CancelDone}
}

func (g *Gateway) Query(ctx context.Context, exchangeOrderID string) (core.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[exchangeOrderID]
	if !ok {
		return "", apperrors.ErrOrderNotFound
	}
	return status, nil
}

func (g *Gateway) QueryByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.byClient[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (g *Gateway) Events() <-chan core.ExecutionEvent { return g.events }

// PlaceCount returns how many Place calls the gateway has seen
func (g *Gateway) PlaceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.PlacedOrders)
}
