package audit

import (
	"context"
	"path/filepath"
	"testing"

	"execd/internal/core"
)

func TestSQLiteSink_MonotonicEventIDs(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open sink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		e := &core.AuditEntry{
			Kind:              core.AuditDispatch,
			SignalFingerprint: "fp-1",
			Outcome:           "executed",
			Payload:           map[string]any{"attempt": i},
		}
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if e.EventID <= last {
			t.Fatalf("event_id not monotonic: %d after %d", e.EventID, last)
		}
		last = e.EventID
	}

	entries, err := sink.Entries(ctx, "fp-1")
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].Payload["attempt"] != float64(0) {
		t.Errorf("payload round-trip failed: %v", entries[0].Payload)
	}
}

func TestMemorySink_FailNext(t *testing.T) {
	sink := NewMemorySink()
	sink.FailNext = context.DeadlineExceeded

	err := sink.Append(context.Background(), &core.AuditEntry{Kind: core.AuditDispatch, Outcome: "executed"})
	if err == nil {
		t.Fatal("expected forced failure")
	}
	if len(sink.Entries()) != 0 {
		t.Error("failed append must not record an entry")
	}

	// Next append succeeds again
	if err := sink.Append(context.Background(), &core.AuditEntry{Kind: core.AuditDispatch, Outcome: "executed"}); err != nil {
		t.Fatalf("second append failed: %v", err)
	}
}
