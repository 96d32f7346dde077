// Package store implements the key/value-shaped state store used for locks,
// dedup records, orders, OCO pairs, and the position read model.
package store

// Key prefixes. The layout is flat: one namespace per record kind.
const (
	LockPrefix     = "lock/"
	SignalPrefix   = "signal/"
	OrderPrefix    = "order/"
	OCOPrefix      = "oco/"
	PositionPrefix = "position/"
	// OrderByExchangePrefix is the secondary index used to route exchange
	// events back to engine orders.
	OrderByExchangePrefix = "order_by_exchange_id/"
	// OrderByFingerprintPrefix is the secondary index enforcing one live
	// order per originating signal.
	OrderByFingerprintPrefix = "order_by_fingerprint/"
	// EventSeqPrefix records the highest applied stream sequence per
	// exchange order, for at-least-once event deduplication.
	EventSeqPrefix = "evseq/"
)

func LockKey(name string) string             { return LockPrefix + name }
func SignalKey(fingerprint string) string    { return SignalPrefix + fingerprint }
func OrderKey(orderID string) string         { return OrderPrefix + orderID }
func OCOKey(groupID string) string           { return OCOPrefix + groupID }
func PositionKey(symbol string) string       { return PositionPrefix + symbol }
func OrderByExchangeKey(xid string) string   { return OrderByExchangePrefix + xid }
func OrderByFingerprintKey(fp string) string { return OrderByFingerprintPrefix + fp }
func EventSeqKey(xid string) string          { return EventSeqPrefix + xid }
