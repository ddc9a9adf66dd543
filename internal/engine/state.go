package engine

import (
	"sync"
	"time"

	"github.com/edgewatch/candlefeed/internal/model"
)

// symbolState is the per-symbol aggregation state. It is the only state
// touched by both the ingestion path and the finalization clock; every
// field except buffer is guarded by mu. The buffer has its own internal
// lock so snapshots never contend with ingestion.
type symbolState struct {
	mu sync.Mutex

	// pending maps interval boundary -> trades awaiting finalization.
	pending map[int64][]model.Trade

	// dedup is the recency set for duplicate redeliveries.
	dedup *recencySet

	// cursor is the last finalized boundary; meaningless until cursorSet.
	cursor    int64
	cursorSet bool

	// lastClose carries the prior real close for forward-fill.
	lastClose float64
	hasClose  bool

	// lastTradeAt is the local receive time of the most recent accepted
	// trade, consulted by the health check.
	lastTradeAt time.Time

	// failed quarantines the symbol after an invariant violation.
	failed bool

	buffer *CandleBuffer
}

func newSymbolState(cfg Config) *symbolState {
	return &symbolState{
		pending: make(map[int64][]model.Trade),
		dedup:   newRecencySet(cfg.DedupRetention, cfg.DedupSweepThreshold),
		buffer:  NewCandleBuffer(cfg.BufferSize, cfg.Interval.Milliseconds()),
	}
}

// addPending appends a trade to its boundary bucket. Caller holds mu.
func (st *symbolState) addPending(t model.Trade, intervalMS int64) {
	b := model.BoundaryFor(t.Timestamp, intervalMS)
	st.pending[b] = append(st.pending[b], t)
}

// takePending atomically removes and returns one boundary's bucket.
// Caller holds mu.
func (st *symbolState) takePending(boundary int64) ([]model.Trade, bool) {
	trades, ok := st.pending[boundary]
	if !ok {
		return nil, false
	}
	delete(st.pending, boundary)
	return trades, true
}

// earliestPending returns the smallest boundary with pending trades.
// Caller holds mu.
func (st *symbolState) earliestPending() (int64, bool) {
	var min int64
	found := false
	for b := range st.pending {
		if !found || b < min {
			min = b
			found = true
		}
	}
	return min, found
}

// healthy reports whether the symbol's feed is considered live: a trade
// was received within the health threshold. A symbol that has never
// traded is handled by the no-cursor skip, not by this check.
func (st *symbolState) healthy(now time.Time, threshold time.Duration) bool {
	if st.lastTradeAt.IsZero() {
		return false
	}
	return now.Sub(st.lastTradeAt) < threshold
}
