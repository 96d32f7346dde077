package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"execd/internal/core"
	apperrors "execd/pkg/errors"
)

// Typed record helpers shared by the dispatcher, the OCO manager, and the
// reconciler. They only wrap the JSON round trip; version handling stays with
// the caller.

// LoadOrder reads an order record and its version
func LoadOrder(ctx context.Context, kv core.IKVStore, orderID string) (*core.Order, int64, error) {
	raw, version, err := kv.Get(ctx, OrderKey(orderID))
	if err != nil {
		return nil, 0, err
	}
	var o core.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, 0, fmt.Errorf("corrupt order record %q: %w", orderID, err)
	}
	return &o, version, nil
}

// SaveOrder writes an order record with the caller's version expectation
func SaveOrder(ctx context.Context, kv core.IKVStore, o *core.Order, expectedVersion int64) (int64, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return 0, err
	}
	return kv.Put(ctx, OrderKey(o.OrderID), raw, expectedVersion)
}

// LoadOCO reads a pair record and its version
func LoadOCO(ctx context.Context, kv core.IKVStore, groupID string) (*core.OCOPair, int64, error) {
	raw, version, err := kv.Get(ctx, OCOKey(groupID))
	if err != nil {
		return nil, 0, err
	}
	var p core.OCOPair
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, 0, fmt.Errorf("corrupt oco record %q: %w", groupID, err)
	}
	return &p, version, nil
}

// SaveOCO writes a pair record with the caller's version expectation
func SaveOCO(ctx context.Context, kv core.IKVStore, p *core.OCOPair, expectedVersion int64) (int64, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return kv.Put(ctx, OCOKey(p.GroupID), raw, expectedVersion)
}

// IndexOrderByExchangeID records the exchange ID -> engine ID mapping used to
// route stream events. Re-indexing the same mapping is a no-op.
func IndexOrderByExchangeID(ctx context.Context, kv core.IKVStore, exchangeOrderID, orderID string) error {
	_, err := kv.Put(ctx, OrderByExchangeKey(exchangeOrderID), []byte(orderID), 0)
	if errors.Is(err, apperrors.ErrVersionConflict) {
		return nil
	}
	return err
}

// ResolveExchangeOrderID maps an exchange order ID back to the engine order ID
func ResolveExchangeOrderID(ctx context.Context, kv core.IKVStore, exchangeOrderID string) (string, error) {
	raw, _, err := kv.Get(ctx, OrderByExchangeKey(exchangeOrderID))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// IndexOrderByFingerprint points a signal fingerprint at the order it minted.
// Callers only write after checking the index, so a conflict either means the
// same mapping is already present or the pointer was left at an order that
// has since gone terminal; both are safe to overwrite via CAS.
func IndexOrderByFingerprint(ctx context.Context, kv core.IKVStore, fingerprint, orderID string) error {
	_, err := kv.Put(ctx, OrderByFingerprintKey(fingerprint), []byte(orderID), 0)
	if !errors.Is(err, apperrors.ErrVersionConflict) {
		return err
	}
	raw, ver, err := kv.Get(ctx, OrderByFingerprintKey(fingerprint))
	if err != nil {
		return err
	}
	if string(raw) == orderID {
		return nil
	}
	_, err = kv.Put(ctx, OrderByFingerprintKey(fingerprint), []byte(orderID), ver)
	return err
}

// ResolveFingerprint maps a signal fingerprint to the engine order it minted
func ResolveFingerprint(ctx context.Context, kv core.IKVStore, fingerprint string) (string, error) {
	raw, _, err := kv.Get(ctx, OrderByFingerprintKey(fingerprint))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
