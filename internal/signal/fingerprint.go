// Package signal handles signal validation, fingerprinting, and the
// processed-signal deduplication registry.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"execd/internal/core"
)

// Fingerprint inputs are frozen: strategy, symbol, action, price rounded to
// two decimal places, timeframe, and the timestamp bucketed to 60 seconds.
// Two signals with equal fingerprints are duplicates by definition.
const (
	priceRoundPlaces = 2
	bucketSeconds    = 60
)

// Fingerprint derives the deterministic deduplication key for a signal
func Fingerprint(s *core.Signal) string {
	price := "market"
	if s.Price.IsPositive() {
		price = s.Price.Round(priceRoundPlaces).String()
	}
	bucket := s.Timestamp.UTC().Unix() / bucketSeconds

	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		s.StrategyID, s.Symbol, s.Action, price, s.Timeframe, bucket)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}
