package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execd/internal/core"
	"execd/internal/store"
	apperrors "execd/pkg/errors"
)

// Dedup is the processed-signal registry. Seen is the advisory fast path;
// MarkProcessed under the signal lock is the authoritative barrier because
// insert-if-absent admits exactly one writer.
type Dedup struct {
	kv        core.IKVStore
	retention time.Duration
	now       func() time.Time
}

// NewDedup creates a registry with the configured retention horizon
func NewDedup(kv core.IKVStore, retention time.Duration) *Dedup {
	return &Dedup{kv: kv, retention: retention, now: time.Now}
}

// Seen reports whether the fingerprint has a live processed record
func (d *Dedup) Seen(ctx context.Context, fingerprint string) (bool, error) {
	value, _, err := d.kv.Get(ctx, store.SignalKey(fingerprint))
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read processed record: %w", err)
	}

	var rec core.ProcessedSignal
	if err := json.Unmarshal(value, &rec); err != nil {
		return false, fmt.Errorf("corrupt processed record %q: %w", fingerprint, err)
	}
	return d.now().UTC().Before(rec.ExpiresAt), nil
}

// MarkProcessed records the fingerprint. Returns false when another writer
// already holds the record (a concurrent duplicate).
func (d *Dedup) MarkProcessed(ctx context.Context, fingerprint string) (bool, error) {
	now := d.now().UTC()
	rec := core.ProcessedSignal{
		Fingerprint: fingerprint,
		FirstSeenAt: now,
		ExpiresAt:   now.Add(d.retention),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal processed record: %w", err)
	}

	if _, err := d.kv.Put(ctx, store.SignalKey(fingerprint), value, 0); err != nil {
		if errors.Is(err, apperrors.ErrVersionConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write processed record: %w", err)
	}
	return true, nil
}

// PurgeExpired deletes processed records past their retention horizon.
// Called opportunistically by the reconciler.
func (d *Dedup) PurgeExpired(ctx context.Context) (int, error) {
	all, err := d.kv.List(ctx, store.SignalPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list processed records: %w", err)
	}

	now := d.now().UTC()
	purged := 0
	for key, value := range all {
		var rec core.ProcessedSignal
		if err := json.Unmarshal(value, &rec); err != nil {
			continue
		}
		if now.After(rec.ExpiresAt) {
			if err := d.kv.Delete(ctx, key, 0); err == nil {
				purged++
			}
		}
	}
	return purged, nil
}
