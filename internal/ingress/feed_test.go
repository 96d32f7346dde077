package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"execd/internal/core"
	"execd/pkg/logging"

	"github.com/gorilla/websocket"
)

type captureSubmitter struct {
	mu      sync.Mutex
	signals []core.Signal
}

func (c *captureSubmitter) Submit(ctx context.Context, sig *core.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, *sig)
	return nil
}

func (c *captureSubmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

func TestFeed_SubmitsDecodedSignals(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"strategy_id":"ema","symbol":"BTCUSDT","action":"buy","price":"50000","confidence":0.8,"timeframe":"1h","timestamp":"2026-08-25T10:00:00Z"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"strategy_id":"ema","symbol":"ETHUSDT","action":"sell","price":"3000","confidence":0.6,"timeframe":"4h","timestamp":"2026-08-25T10:01:00Z"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	sub := &captureSubmitter{}
	feed := NewFeed("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, sub, logging.Nop())
	feed.Start(context.Background())
	defer feed.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.signals) != 2 {
		t.Fatalf("submitted %d signals, want 2 (bad frame dropped)", len(sub.signals))
	}
	if sub.signals[0].Symbol != "BTCUSDT" || sub.signals[0].Action != core.ActionBuy {
		t.Errorf("first signal mangled: %+v", sub.signals[0])
	}
	if sub.signals[1].Symbol != "ETHUSDT" || sub.signals[1].Action != core.ActionSell {
		t.Errorf("second signal mangled: %+v", sub.signals[1])
	}
}
