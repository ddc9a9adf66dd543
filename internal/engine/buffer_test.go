package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/edgewatch/candlefeed/internal/model"
)

func candleAt(boundary int64) model.Candle {
	return model.Candle{Symbol: "BTCUSDT", BucketStart: boundary, Close: 100.0}
}

func TestCandleBuffer_AppendAndSnapshot(t *testing.T) {
	b := NewCandleBuffer(10, interval)

	for i := int64(0); i < 3; i++ {
		if err := b.Append(candleAt(base + i*interval)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	for i, c := range snap {
		if want := base + int64(i)*interval; c.BucketStart != want {
			t.Errorf("snap[%d].BucketStart = %d, want %d", i, c.BucketStart, want)
		}
	}
}

func TestCandleBuffer_RejectsNonContiguous(t *testing.T) {
	b := NewCandleBuffer(10, interval)

	if err := b.Append(candleAt(base)); err != nil {
		t.Fatalf("Append error = %v", err)
	}

	// Skipping a boundary
	if err := b.Append(candleAt(base + 2*interval)); !errors.Is(err, ErrBoundaryOrder) {
		t.Errorf("skip: err = %v, want ErrBoundaryOrder", err)
	}

	// Repeating a boundary
	if err := b.Append(candleAt(base)); !errors.Is(err, ErrBoundaryOrder) {
		t.Errorf("repeat: err = %v, want ErrBoundaryOrder", err)
	}

	// Going backwards
	if err := b.Append(candleAt(base - interval)); !errors.Is(err, ErrBoundaryOrder) {
		t.Errorf("backwards: err = %v, want ErrBoundaryOrder", err)
	}

	// A failed append leaves the sequence intact.
	if err := b.Append(candleAt(base + interval)); err != nil {
		t.Errorf("valid append after rejections failed: %v", err)
	}
}

func TestCandleBuffer_EvictsOldestAtCapacity(t *testing.T) {
	b := NewCandleBuffer(3, interval)

	for i := int64(0); i < 5; i++ {
		if err := b.Append(candleAt(base + i*interval)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}

	snap := b.Snapshot()
	wantStarts := []int64{base + 2*interval, base + 3*interval, base + 4*interval}
	for i, c := range snap {
		if c.BucketStart != wantStarts[i] {
			t.Errorf("snap[%d].BucketStart = %d, want %d", i, c.BucketStart, wantStarts[i])
		}
	}
}

func TestCandleBuffer_SnapshotIsCopy(t *testing.T) {
	b := NewCandleBuffer(10, interval)
	b.Append(candleAt(base))

	snap := b.Snapshot()
	snap[0].Close = -1

	if got := b.Snapshot()[0].Close; got != 100.0 {
		t.Errorf("buffer mutated through snapshot: Close = %v", got)
	}
}

func TestCandleBuffer_SnapshotUnderConcurrentAppend(t *testing.T) {
	b := NewCandleBuffer(50, interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 200; i++ {
			b.Append(candleAt(base + i*interval))
		}
	}()

	// Every snapshot must be internally contiguous regardless of timing.
	for i := 0; i < 100; i++ {
		snap := b.Snapshot()
		for j := 1; j < len(snap); j++ {
			if snap[j].BucketStart != snap[j-1].BucketStart+interval {
				t.Fatalf("torn snapshot: %d follows %d", snap[j].BucketStart, snap[j-1].BucketStart)
			}
		}
	}
	wg.Wait()
}
