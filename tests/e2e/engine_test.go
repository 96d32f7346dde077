package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"execd/internal/audit"
	"execd/internal/config"
	"execd/internal/core"
	"execd/internal/dispatcher"
	"execd/internal/exchange"
	"execd/internal/exchange/paper"
	"execd/internal/lock"
	"execd/internal/oco"
	"execd/internal/position"
	"execd/internal/reconcile"
	"execd/internal/risk"
	"execd/internal/signal"
	"execd/internal/store"
	"execd/pkg/concurrency"
	"execd/pkg/logging"
	"execd/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTCUSDT"

func init() {
	if _, err := telemetry.Setup("test"); err != nil {
		panic(err)
	}
}

// engine is one replica wired end to end over a shared store and venue
type engine struct {
	cfg        *config.Config
	kv         core.IKVStore
	venue      *paper.Venue
	sink       *audit.MemorySink
	positions  *position.View
	dispatcher *dispatcher.Dispatcher
	router     *dispatcher.EventRouter
	reconciler *reconcile.Reconciler
}

func newEngine(t *testing.T, replicaID string, kv core.IKVStore, venue *paper.Venue, sink *audit.MemorySink) *engine {
	t.Helper()
	logger := logging.Nop()
	cfg := config.DefaultConfig()

	locks := lock.NewManager(kv, replicaID, logger)
	dedup := signal.NewDedup(kv, cfg.DedupRetention())
	positions := position.NewView(kv)
	policy := risk.NewPolicy(cfg.Risk)
	gw := exchange.NewResilient(venue, exchange.ResilientConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		Deadline:    time.Second,
	}, logger)
	ocoMgr := oco.NewManager(kv, locks, gw, sink, logger, oco.Config{
		LockTTL:       time.Second,
		CancelBudget:  3,
		CancelBackoff: time.Millisecond,
	})

	dispatchPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "dispatch-" + replicaID, MaxWorkers: 4, MaxCapacity: 64,
	}, logger)
	eventPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "events-" + replicaID, MaxWorkers: 2, MaxCapacity: 256,
	}, logger)
	t.Cleanup(dispatchPool.Stop)
	t.Cleanup(eventPool.Stop)

	return &engine{
		cfg:        cfg,
		kv:         kv,
		venue:      venue,
		sink:       sink,
		positions:  positions,
		dispatcher: dispatcher.New(cfg, kv, locks, dedup, policy, positions, gw, ocoMgr, sink, logger, dispatchPool),
		router:     dispatcher.NewEventRouter(kv, positions, ocoMgr, sink, logger, eventPool),
		reconciler: reconcile.New(kv, gw, ocoMgr, dedup, positions, sink, logger, reconcile.Config{
			Interval: time.Hour,
			Holdoff:  time.Millisecond,
		}),
	}
}

// startRouter consumes the venue event stream until the test ends. Only one
// engine per test may consume the stream; the channel is not fanned out.
func (e *engine) startRouter(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.router.Run(ctx, e.venue.Events())
}

func bracketSignal() *core.Signal {
	return &core.Signal{
		StrategyID: "trend",
		Symbol:     symbol,
		Action:     core.ActionBuy,
		Price:      decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.002),
		StopLoss:   decimal.NewFromInt(49000),
		TakeProfit: decimal.NewFromInt(51000),
		Confidence: 0.9,
		Timeframe:  "1h",
		Timestamp:  time.Now(),
	}
}

func TestSignalToFill_FullPipeline(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	sink := audit.NewMemorySink()
	eng := newEngine(t, "replica-a", kv, venue, sink)
	eng.startRouter(t)

	res := eng.dispatcher.Dispatch(ctx, bracketSignal())
	require.Equal(t, core.OutcomeExecuted, res.Outcome, "reason: %s", res.Reason)
	require.NotEmpty(t, res.OrderID)

	entry, _, err := store.LoadOrder(ctx, kv, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, entry.Status)
	require.NotEmpty(t, entry.ExchangeOrderID)
	require.NotEmpty(t, entry.OCOGroupID)

	// Both protective legs placed and the pair armed
	pair, _, err := store.LoadOCO(ctx, kv, entry.OCOGroupID)
	require.NoError(t, err)
	assert.Equal(t, core.OCOArmed, pair.State)

	require.NoError(t, venue.FillClient(res.OrderID, decimal.NewFromInt(50000)))

	require.Eventually(t, func() bool {
		pos, err := eng.positions.Position(ctx, symbol)
		return err == nil && pos.NetQuantity.Equal(decimal.NewFromFloat(0.002))
	}, 2*time.Second, 10*time.Millisecond, "fill never folded into the position")

	kinds := map[string]bool{}
	for _, e := range sink.Entries() {
		kinds[e.Kind] = true
	}
	for _, want := range []string{
		core.AuditSignalReceived,
		core.AuditDispatch,
		core.AuditOrderSubmitted,
		core.AuditOCOTransition,
		core.AuditOrderUpdate,
	} {
		assert.True(t, kinds[want], "audit trail missing kind %q", want)
	}
}

func TestDuplicateSignal_SuppressedAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	sink := audit.NewMemorySink()
	engA := newEngine(t, "replica-a", kv, venue, sink)
	engB := newEngine(t, "replica-b", kv, venue, sink)

	sig := bracketSignal()
	res := engA.dispatcher.Dispatch(ctx, sig)
	require.Equal(t, core.OutcomeExecuted, res.Outcome, "reason: %s", res.Reason)

	// Same fingerprint again, same replica and a different one
	assert.Equal(t, core.OutcomeDuplicate, engA.dispatcher.Dispatch(ctx, sig).Outcome)
	assert.Equal(t, core.OutcomeDuplicate, engB.dispatcher.Dispatch(ctx, sig).Outcome)

	// Entry plus two legs, nothing more
	assert.Len(t, venue.OpenOrders(), 3)
}

func TestConcurrentReplicas_ExactlyOneExecutes(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	sink := audit.NewMemorySink()
	engines := []*engine{
		newEngine(t, "replica-a", kv, venue, sink),
		newEngine(t, "replica-b", kv, venue, sink),
	}

	sig := bracketSignal()
	sig.StopLoss = decimal.Zero
	sig.TakeProfit = decimal.Zero

	results := make([]core.DispatchResult, len(engines))
	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(i int, eng *engine) {
			defer wg.Done()
			results[i] = eng.dispatcher.Dispatch(ctx, sig)
		}(i, eng)
	}
	wg.Wait()

	executed := 0
	for _, res := range results {
		switch res.Outcome {
		case core.OutcomeExecuted:
			executed++
		case core.OutcomeDuplicate, core.OutcomeLockDenied:
		default:
			t.Fatalf("unexpected outcome %s (%s)", res.Outcome, res.Reason)
		}
	}
	assert.Equal(t, 1, executed, "exactly one replica must reach the venue")
	assert.Len(t, venue.OpenOrders(), 1)
}

func TestOCO_StopFillCancelsTakeProfit(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	sink := audit.NewMemorySink()
	eng := newEngine(t, "replica-a", kv, venue, sink)
	eng.startRouter(t)

	res := eng.dispatcher.Dispatch(ctx, bracketSignal())
	require.Equal(t, core.OutcomeExecuted, res.Outcome, "reason: %s", res.Reason)

	entry, _, err := store.LoadOrder(ctx, kv, res.OrderID)
	require.NoError(t, err)
	pair, _, err := store.LoadOCO(ctx, kv, entry.OCOGroupID)
	require.NoError(t, err)
	require.Equal(t, core.OCOArmed, pair.State)

	tp, _, err := store.LoadOrder(ctx, kv, pair.TakeProfitOrderID)
	require.NoError(t, err)
	require.NotEmpty(t, tp.ExchangeOrderID)

	require.NoError(t, venue.FillClient(res.OrderID, decimal.NewFromInt(50000)))
	require.NoError(t, venue.FillClient(pair.StopOrderID, decimal.NewFromInt(49000)))

	require.Eventually(t, func() bool {
		fresh, _, err := store.LoadOCO(ctx, kv, pair.GroupID)
		return err == nil && fresh.State == core.OCOCompleted
	}, 2*time.Second, 10*time.Millisecond, "pair never completed")

	status, err := venue.Query(ctx, tp.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, status, "surviving leg must be cancelled at the venue")

	fresh, _, err := store.LoadOCO(ctx, kv, pair.GroupID)
	require.NoError(t, err)
	assert.Equal(t, pair.StopOrderID, fresh.FilledOrderID)
}

func TestReconcile_AdoptsOrderPlacedBeforeCrash(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	sink := audit.NewMemorySink()
	eng := newEngine(t, "replica-a", kv, venue, sink)

	// The crash window: the venue accepted the placement but the engine died
	// before recording the acknowledgment. Only the pending record survives.
	order := &core.Order{
		OrderID:   uuid.Must(uuid.NewV7()).String(),
		Symbol:    symbol,
		Side:      core.SideBuy,
		Type:      core.TypeLimit,
		Quantity:  decimal.NewFromFloat(0.002),
		Price:     decimal.NewFromInt(50000),
		Status:    core.StatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Minute),
	}
	_, err := store.SaveOrder(ctx, kv, order, 0)
	require.NoError(t, err)
	placed := venue.Place(ctx, order)
	require.Equal(t, core.PlaceAccepted, placed.Status)

	require.NoError(t, eng.reconciler.Sweep(ctx))

	adopted, _, err := store.LoadOrder(ctx, kv, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAccepted, adopted.Status)
	assert.Equal(t, placed.ExchangeOrderID, adopted.ExchangeOrderID)

	recon := sink.ByKind(core.AuditReconcile)
	require.Len(t, recon, 1)
	assert.Equal(t, "adopted", recon[0].Outcome)
}

func TestReconcile_ExpiresOrphanNeverPlaced(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	sink := audit.NewMemorySink()
	eng := newEngine(t, "replica-a", kv, venue, sink)

	order := &core.Order{
		OrderID:   uuid.Must(uuid.NewV7()).String(),
		Symbol:    symbol,
		Side:      core.SideBuy,
		Type:      core.TypeLimit,
		Quantity:  decimal.NewFromFloat(0.002),
		Price:     decimal.NewFromInt(50000),
		Status:    core.StatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Minute),
	}
	_, err := store.SaveOrder(ctx, kv, order, 0)
	require.NoError(t, err)

	require.NoError(t, eng.reconciler.Sweep(ctx))

	expired, _, err := store.LoadOrder(ctx, kv, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, expired.Status)
}

func TestEventStream_DuplicateDeliveryAppliedOnce(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	venue := paper.New(1000)
	venue.EmitDuplicates(true)
	sink := audit.NewMemorySink()
	eng := newEngine(t, "replica-a", kv, venue, sink)
	eng.startRouter(t)

	sig := bracketSignal()
	sig.StopLoss = decimal.Zero
	sig.TakeProfit = decimal.Zero
	res := eng.dispatcher.Dispatch(ctx, sig)
	require.Equal(t, core.OutcomeExecuted, res.Outcome, "reason: %s", res.Reason)

	require.NoError(t, venue.FillClient(res.OrderID, decimal.NewFromInt(50000)))

	require.Eventually(t, func() bool {
		pos, err := eng.positions.Position(ctx, symbol)
		return err == nil && pos.NetQuantity.Equal(decimal.NewFromFloat(0.002))
	}, 2*time.Second, 10*time.Millisecond)

	// Redelivered fill must not double the position
	time.Sleep(100 * time.Millisecond)
	pos, err := eng.positions.Position(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromFloat(0.002)),
		"position = %s after duplicate delivery", pos.NetQuantity)
}
