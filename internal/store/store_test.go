package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"execd/internal/core"
	apperrors "execd/pkg/errors"
)

func stores(t *testing.T) map[string]core.IKVStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]core.IKVStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_InsertIfAbsent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := s.Put(ctx, "order/abc", []byte("one"), 0)
			if err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			if v != 1 {
				t.Errorf("expected version 1, got %d", v)
			}

			// Second insert must conflict
			_, err = s.Put(ctx, "order/abc", []byte("two"), 0)
			if !errors.Is(err, apperrors.ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}

			val, ver, err := s.Get(ctx, "order/abc")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if string(val) != "one" || ver != 1 {
				t.Errorf("losing insert must not overwrite: value=%q version=%d", val, ver)
			}
		})
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v1, _ := s.Put(ctx, "oco/g1", []byte("arming"), 0)
			v2, err := s.Put(ctx, "oco/g1", []byte("armed"), v1)
			if err != nil {
				t.Fatalf("cas failed: %v", err)
			}
			if v2 != v1+1 {
				t.Errorf("expected version %d, got %d", v1+1, v2)
			}

			// Stale version must conflict
			_, err = s.Put(ctx, "oco/g1", []byte("one_filled"), v1)
			if !errors.Is(err, apperrors.ErrVersionConflict) {
				t.Fatalf("expected version conflict on stale cas, got %v", err)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.Get(context.Background(), "missing")
			if !errors.Is(err, apperrors.ErrKeyNotFound) {
				t.Fatalf("expected key not found, got %v", err)
			}
		})
	}
}

func TestStore_ListPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.Put(ctx, "order/a", []byte("1"), 0)
			_, _ = s.Put(ctx, "order/b", []byte("2"), 0)
			_, _ = s.Put(ctx, "oco/c", []byte("3"), 0)

			got, err := s.List(ctx, "order/")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 keys under order/, got %d", len(got))
			}
			if _, ok := got["oco/c"]; ok {
				t.Error("list must not leak keys outside the prefix")
			}
		})
	}
}

func TestStore_DeleteConditional(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v, _ := s.Put(ctx, "lock/x", []byte("held"), 0)

			if err := s.Delete(ctx, "lock/x", v+5); !errors.Is(err, apperrors.ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}
			if err := s.Delete(ctx, "lock/x", v); err != nil {
				t.Fatalf("conditional delete failed: %v", err)
			}
			if _, _, err := s.Get(ctx, "lock/x"); !errors.Is(err, apperrors.ErrKeyNotFound) {
				t.Fatalf("expected key gone, got %v", err)
			}
		})
	}
}

func TestStore_ConcurrentInsertSingleWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 16

			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Put(ctx, "signal/fp1", []byte("seen"), 0); err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if winners != 1 {
				t.Fatalf("exactly one insert must win, got %d", winners)
			}
		})
	}
}

func TestIndexOrderByFingerprint(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := IndexOrderByFingerprint(ctx, s, "fp1", "order-a"); err != nil {
				t.Fatalf("first index write failed: %v", err)
			}
			if got, err := ResolveFingerprint(ctx, s, "fp1"); err != nil || got != "order-a" {
				t.Fatalf("resolve = %q, %v", got, err)
			}

			// Re-indexing the same mapping is a no-op
			if err := IndexOrderByFingerprint(ctx, s, "fp1", "order-a"); err != nil {
				t.Fatalf("idempotent re-index failed: %v", err)
			}

			// Repointing (the old order went terminal) replaces the mapping
			if err := IndexOrderByFingerprint(ctx, s, "fp1", "order-b"); err != nil {
				t.Fatalf("repoint failed: %v", err)
			}
			if got, _ := ResolveFingerprint(ctx, s, "fp1"); got != "order-b" {
				t.Errorf("resolve after repoint = %q, want order-b", got)
			}

			if _, err := ResolveFingerprint(ctx, s, "never-seen"); !errors.Is(err, apperrors.ErrKeyNotFound) {
				t.Errorf("unknown fingerprint: %v", err)
			}
		})
	}
}
