package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edgewatch/candlefeed/internal/model"
)

// ErrBoundaryOrder is returned when an append would break the buffer's
// contiguity invariant. It signals a finalization logic defect, never a
// data problem.
var ErrBoundaryOrder = errors.New("candle boundary out of order")

// CandleBuffer is a bounded rolling sequence of finalized candles for
// one symbol. Boundaries are strictly contiguous: each appended candle
// must start exactly one interval after the previous one. Once full, the
// oldest candle is evicted.
type CandleBuffer struct {
	mu         sync.RWMutex
	candles    []model.Candle
	head       int // oldest element
	count      int
	capacity   int
	intervalMS int64
}

// NewCandleBuffer creates a buffer holding at most capacity candles.
func NewCandleBuffer(capacity int, intervalMS int64) *CandleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CandleBuffer{
		candles:    make([]model.Candle, capacity),
		capacity:   capacity,
		intervalMS: intervalMS,
	}
}

// Append adds a finalized candle, evicting the oldest past capacity.
// Returns ErrBoundaryOrder if the candle does not continue the sequence.
func (b *CandleBuffer) Append(c model.Candle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 {
		last := b.candles[(b.head+b.count-1)%b.capacity]
		if want := last.BucketStart + b.intervalMS; c.BucketStart != want {
			return fmt.Errorf("%w: got %d, want %d", ErrBoundaryOrder, c.BucketStart, want)
		}
	}

	if b.count == b.capacity {
		// Evict oldest
		b.candles[b.head] = c
		b.head = (b.head + 1) % b.capacity
		return nil
	}

	b.candles[(b.head+b.count)%b.capacity] = c
	b.count++
	return nil
}

// Snapshot returns a point-in-time copy of the buffered candles in
// boundary order. The copy never tears under concurrent appends.
func (b *CandleBuffer) Snapshot() []model.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Candle, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.candles[(b.head+i)%b.capacity]
	}
	return out
}

// Len returns the number of buffered candles.
func (b *CandleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
