package engine

import (
	"time"

	"github.com/edgewatch/candlefeed/internal/model"
)

// tradeKey is the dedup identity of a trade within one symbol. The feed
// carries no usable unique trade ID, so (timestamp, price, size) is the
// closest approximation; two genuinely distinct trades can collide on it.
type tradeKey struct {
	ts    int64
	price float64
	size  float64
}

// recencySet filters exact duplicate trade redeliveries for one symbol.
// Not safe for concurrent use; callers hold the symbol lock.
type recencySet struct {
	seen           map[tradeKey]struct{}
	retentionMS    int64
	sweepThreshold int
}

func newRecencySet(retention time.Duration, sweepThreshold int) *recencySet {
	return &recencySet{
		seen:           make(map[tradeKey]struct{}),
		retentionMS:    retention.Milliseconds(),
		sweepThreshold: sweepThreshold,
	}
}

// accept records the trade's identity and reports whether it is novel.
// A duplicate is an identical identity seen within the retention window.
func (s *recencySet) accept(t model.Trade) bool {
	key := tradeKey{ts: t.Timestamp, price: t.Price, size: t.Size}
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}

	// Sweep lazily: only once the set has grown past the threshold, drop
	// identities older than the retention window.
	if len(s.seen) > s.sweepThreshold {
		s.sweep(t.Timestamp)
	}
	return true
}

// sweep purges identities with timestamps before nowMS-retention.
func (s *recencySet) sweep(nowMS int64) {
	cutoff := nowMS - s.retentionMS
	for key := range s.seen {
		if key.ts < cutoff {
			delete(s.seen, key)
		}
	}
}

// size returns the number of retained identities.
func (s *recencySet) size() int {
	return len(s.seen)
}
