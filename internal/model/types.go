package model

import (
	"time"

	"github.com/google/uuid"
)

// Side identifies the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade represents a single executed trade from the exchange feed.
// Trades are immutable and ephemeral: they exist only between the read
// loop that parsed them and the finalization pass that folds them into
// a candle.
type Trade struct {
	Symbol    string  // Market symbol (e.g., "BTCUSDT")
	Timestamp int64   // Execution time (ms since epoch)
	Price     float64 // Execution price
	Size      float64 // Executed quantity (base asset)
	TakerSide Side    // Aggressor side
}

// Candle is a finalized fixed-width OHLCV bucket. Candles are created
// only by the finalization clock, appended to the buffer once, and never
// mutated afterwards.
type Candle struct {
	Symbol      string  // Market symbol
	BucketStart int64   // Interval boundary (ms since epoch)
	Open        float64 // First trade price in the bucket
	High        float64 // Highest trade price
	Low         float64 // Lowest trade price
	Close       float64 // Last trade price
	Volume      float64 // Sum of trade sizes
	ForwardFill bool    // True if synthesized from the prior close (volume 0)
	Seq         uint64  // Process-wide monotonic sequence, assigned at creation
}

// GapEvent is emitted when a boundary cannot be finalized.
type GapEvent struct {
	ID         uuid.UUID // Unique event ID
	Symbol     string    // Affected symbol
	Boundary   int64     // Boundary that was not finalized (ms since epoch)
	Reason     string    // "unhealthy" or "invariant_violation"
	DetectedAt time.Time // Local detection time
}

// Gap event reasons.
const (
	GapReasonUnhealthy = "unhealthy"
	GapReasonInvariant = "invariant_violation"
)

// BoundaryFor returns the interval boundary containing ts.
func BoundaryFor(ts, intervalMS int64) int64 {
	return (ts / intervalMS) * intervalMS
}
