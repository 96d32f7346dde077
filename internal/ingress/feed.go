// Package ingress adapts the upstream strategy signal feed to the
// dispatcher. The feed is a WebSocket stream of JSON signals; delivery is
// at-least-once, which is exactly what the dispatcher's dedup absorbs.
package ingress

import (
	"context"
	"encoding/json"
	"time"

	"execd/internal/core"
	"execd/pkg/websocket"
)

// Submitter is the dispatcher surface the feed needs
type Submitter interface {
	Submit(ctx context.Context, sig *core.Signal) error
}

// Feed consumes the signal stream and hands each signal to the dispatcher
type Feed struct {
	client     *websocket.Client
	dispatcher Submitter
	logger     core.ILogger
	ctx        context.Context
}

// NewFeed builds the feed for the given upstream URL
func NewFeed(url string, reconnectWait time.Duration, dispatcher Submitter, logger core.ILogger) *Feed {
	f := &Feed{
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "signal_feed"),
		ctx:        context.Background(),
	}
	f.client = websocket.NewClient(url, f.onMessage, f.logger)
	if reconnectWait > 0 {
		f.client.SetReconnectWait(reconnectWait)
	}
	return f
}

// Start begins consuming the feed until Stop is called
func (f *Feed) Start(ctx context.Context) {
	f.ctx = ctx
	f.client.Start()
}

// Stop disconnects the feed
func (f *Feed) Stop() {
	f.client.Stop()
}

// onMessage decodes one frame. Undecodable frames are logged and dropped;
// everything decodable goes to the dispatcher, which owns validation.
func (f *Feed) onMessage(message []byte) {
	var sig core.Signal
	if err := json.Unmarshal(message, &sig); err != nil {
		f.logger.Warn("Dropping undecodable signal frame", "error", err, "size", len(message))
		return
	}
	if err := f.dispatcher.Submit(f.ctx, &sig); err != nil {
		f.logger.Error("Signal submission rejected, dispatch queue full",
			"strategy_id", sig.StrategyID, "symbol", sig.Symbol, "error", err)
	}
}
