package engine

import (
	"context"
	"testing"
	"time"

	"github.com/edgewatch/candlefeed/internal/model"
	"github.com/edgewatch/candlefeed/internal/pipe"
)

// base is aligned to a 10s boundary.
const base = int64(1_700_000_000_000)

const interval = 10_000

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Second
	cfg.BufferSize = 100
	return cfg
}

// newTestEngine returns an engine with a controllable clock. The
// finalization pass is driven directly instead of through Start.
func newTestEngine(t *testing.T, cfg Config, sinks ...*pipe.Buffer[model.Candle]) (*engine, *time.Time) {
	t.Helper()

	now := time.UnixMilli(base)
	e := New(cfg, nil, sinks...).(*engine)
	e.now = func() time.Time { return now }
	return e, &now
}

func trade(symbol string, ts int64, price, size float64) model.Trade {
	return model.Trade{
		Symbol:    symbol,
		Timestamp: ts,
		Price:     price,
		Size:      size,
		TakerSide: model.SideBuy,
	}
}

func TestEngine_RealCandle(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	// Out of arrival order on purpose; open/close follow timestamps.
	*now = time.UnixMilli(base + 5_000)
	e.Ingest(trade("BTCUSDT", base+3_000, 101.0, 2.0))
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))
	e.Ingest(trade("BTCUSDT", base+9_000, 99.5, 0.5))
	e.Ingest(trade("BTCUSDT", base+6_000, 102.0, 1.5))

	*now = time.UnixMilli(base + 15_000)
	e.finalizeAll(*now)

	candles := e.Snapshot("BTCUSDT")
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	c := candles[0]
	if c.BucketStart != base {
		t.Errorf("BucketStart = %d, want %d", c.BucketStart, base)
	}
	if c.Open != 100.0 {
		t.Errorf("Open = %v, want 100.0", c.Open)
	}
	if c.High != 102.0 {
		t.Errorf("High = %v, want 102.0", c.High)
	}
	if c.Low != 99.5 {
		t.Errorf("Low = %v, want 99.5", c.Low)
	}
	if c.Close != 99.5 {
		t.Errorf("Close = %v, want 99.5", c.Close)
	}
	if c.Volume != 5.0 {
		t.Errorf("Volume = %v, want 5.0", c.Volume)
	}
	if c.ForwardFill {
		t.Error("ForwardFill = true, want false")
	}
	if c.Seq != 1 {
		t.Errorf("Seq = %d, want 1", c.Seq)
	}
}

func TestEngine_InProgressBucketNotClosed(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 5_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))

	// Still inside the first interval: nothing has elapsed.
	e.finalizeAll(*now)

	if got := e.Snapshot("BTCUSDT"); len(got) != 0 {
		t.Fatalf("got %d candles before the bucket elapsed, want 0", len(got))
	}
}

func TestEngine_DuplicateDropped(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 2_000)
	tr := trade("BTCUSDT", base+1_000, 100.0, 1.0)

	if !e.Ingest(tr) {
		t.Fatal("first ingest rejected")
	}
	if e.Ingest(tr) {
		t.Fatal("duplicate ingest accepted")
	}

	// Same timestamp and price but different size is a distinct trade.
	if !e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 2.0)) {
		t.Fatal("distinct trade rejected")
	}

	stats := e.Stats()
	if stats.DuplicatesDropped != 1 {
		t.Errorf("DuplicatesDropped = %d, want 1", stats.DuplicatesDropped)
	}
	if stats.TradesAccepted != 2 {
		t.Errorf("TradesAccepted = %d, want 2", stats.TradesAccepted)
	}
}

func TestEngine_LateTradeDropped(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 2_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))

	*now = time.UnixMilli(base + 15_000)
	e.finalizeAll(*now)

	// The first bucket is finalized; a straggler for it cannot reopen it.
	if e.Ingest(trade("BTCUSDT", base+9_000, 105.0, 1.0)) {
		t.Fatal("late trade accepted")
	}

	if got := e.Stats().LateTradesDropped; got != 1 {
		t.Errorf("LateTradesDropped = %d, want 1", got)
	}

	candles := e.Snapshot("BTCUSDT")
	if len(candles) != 1 || candles[0].High != 100.0 {
		t.Error("finalized candle was modified by a late trade")
	}
}

func TestEngine_UnknownSymbol(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	if e.Ingest(trade("DOGEUSDT", base+1_000, 0.1, 100)) {
		t.Fatal("trade for unregistered symbol accepted")
	}
	if got := e.Stats().UnknownSymbol; got != 1 {
		t.Errorf("UnknownSymbol = %d, want 1", got)
	}
}

func TestEngine_ForwardFill(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 2_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))

	// Two empty intervals elapse while the feed stays healthy.
	*now = time.UnixMilli(base + 31_000)
	e.finalizeAll(*now)

	candles := e.Snapshot("BTCUSDT")
	if len(candles) != 3 {
		t.Fatalf("got %d candles, want 3", len(candles))
	}

	for i, c := range candles[1:] {
		if !c.ForwardFill {
			t.Errorf("candle %d: ForwardFill = false, want true", i+1)
		}
		if c.Open != 100.0 || c.Close != 100.0 || c.High != 100.0 || c.Low != 100.0 {
			t.Errorf("candle %d: prices not carried from prior close: %+v", i+1, c)
		}
		if c.Volume != 0 {
			t.Errorf("candle %d: Volume = %v, want 0", i+1, c.Volume)
		}
	}

	// Seq reflects emission order.
	for i, c := range candles {
		if c.Seq != uint64(i+1) {
			t.Errorf("candle %d: Seq = %d, want %d", i, c.Seq, i+1)
		}
	}
}

func TestEngine_NoFillBeforeFirstTrade(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	// Many intervals elapse before the symbol ever trades.
	*now = time.UnixMilli(base + 100_000)
	e.finalizeAll(*now)

	if got := e.Snapshot("BTCUSDT"); len(got) != 0 {
		t.Fatalf("got %d candles before first trade, want 0", len(got))
	}

	// The first trade starts the sequence at its own bucket; no fills
	// are synthesized for the silent prefix.
	e.Ingest(trade("BTCUSDT", base+101_000, 50.0, 1.0))

	*now = time.UnixMilli(base + 115_000)
	e.finalizeAll(*now)

	candles := e.Snapshot("BTCUSDT")
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if candles[0].BucketStart != base+100_000 {
		t.Errorf("BucketStart = %d, want %d", candles[0].BucketStart, base+100_000)
	}
}

func TestEngine_UnhealthyHoldsAndBackfills(t *testing.T) {
	cfg := testConfig()
	cfg.HealthThreshold = 5 * time.Second
	e, now := newTestEngine(t, cfg)
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 1_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))

	// The feed goes silent past the health threshold. The first bucket
	// has real trades, but nothing after it may be fabricated.
	*now = time.UnixMilli(base + 31_000)
	e.finalizeAll(*now)

	candles := e.Snapshot("BTCUSDT")
	if len(candles) != 1 {
		t.Fatalf("got %d candles during outage, want 1", len(candles))
	}

	select {
	case ev := <-e.Events():
		if ev.Symbol != "BTCUSDT" || ev.Reason != model.GapReasonUnhealthy {
			t.Errorf("unexpected gap event: %+v", ev)
		}
		if ev.Boundary != base+10_000 {
			t.Errorf("gap Boundary = %d, want %d", ev.Boundary, base+10_000)
		}
	default:
		t.Fatal("no gap event emitted during outage")
	}

	// The feed recovers; the held boundaries back-fill in order behind
	// the new real candle.
	*now = time.UnixMilli(base + 35_000)
	e.Ingest(trade("BTCUSDT", base+32_000, 110.0, 2.0))
	*now = time.UnixMilli(base + 39_000)
	e.Ingest(trade("BTCUSDT", base+38_000, 112.0, 1.0))

	*now = time.UnixMilli(base + 41_000)
	e.finalizeAll(*now)

	candles = e.Snapshot("BTCUSDT")
	if len(candles) != 4 {
		t.Fatalf("got %d candles after recovery, want 4", len(candles))
	}

	wantStarts := []int64{base, base + 10_000, base + 20_000, base + 30_000}
	for i, c := range candles {
		if c.BucketStart != wantStarts[i] {
			t.Errorf("candle %d: BucketStart = %d, want %d", i, c.BucketStart, wantStarts[i])
		}
	}
	if candles[1].ForwardFill != true || candles[2].ForwardFill != true {
		t.Error("back-filled candles not marked as forward fills")
	}
	if candles[3].ForwardFill || candles[3].Open != 110.0 || candles[3].Close != 112.0 {
		t.Errorf("recovery candle wrong: %+v", candles[3])
	}
}

func TestEngine_SinkDispatchAndSeqOrder(t *testing.T) {
	sink := pipe.NewBuffer[model.Candle](16)
	e, now := newTestEngine(t, testConfig(), sink)
	e.Register("BTCUSDT")
	e.Register("ETHUSDT")

	*now = time.UnixMilli(base + 2_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))
	e.Ingest(trade("ETHUSDT", base+1_500, 10.0, 3.0))

	*now = time.UnixMilli(base + 15_000)
	e.finalizeAll(*now)

	got := sink.DrainTo(0)
	if len(got) != 2 {
		t.Fatalf("sink got %d candles, want 2", len(got))
	}

	seen := map[uint64]bool{}
	for _, c := range got {
		if c.Seq == 0 {
			t.Errorf("candle %s has zero Seq", c.Symbol)
		}
		if seen[c.Seq] {
			t.Errorf("duplicate Seq %d", c.Seq)
		}
		seen[c.Seq] = true
	}
}

func TestEngine_QuarantineOnBoundaryViolation(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	// Corrupt the buffer so the next append cannot be contiguous.
	e.mu.RLock()
	st := e.symbols["BTCUSDT"]
	e.mu.RUnlock()
	st.buffer.Append(model.Candle{Symbol: "BTCUSDT", BucketStart: base + 20_000})

	*now = time.UnixMilli(base + 2_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))

	*now = time.UnixMilli(base + 15_000)
	e.finalizeAll(*now)

	if got := e.Stats().Quarantined; got != 1 {
		t.Fatalf("Quarantined = %d, want 1", got)
	}

	select {
	case ev := <-e.Events():
		if ev.Reason != model.GapReasonInvariant {
			t.Errorf("gap Reason = %q, want %q", ev.Reason, model.GapReasonInvariant)
		}
	default:
		t.Fatal("no invariant gap event emitted")
	}

	// The quarantined symbol produces nothing further.
	*now = time.UnixMilli(base + 45_000)
	e.finalizeAll(*now)

	if got := e.Snapshot("BTCUSDT"); len(got) != 1 {
		t.Errorf("quarantined symbol emitted candles: %d buffered", len(got))
	}
}

func TestEngine_RegisterIdempotent(t *testing.T) {
	e, now := newTestEngine(t, testConfig())
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 2_000)
	e.Ingest(trade("BTCUSDT", base+1_000, 100.0, 1.0))

	// Re-registering must not reset existing state.
	e.Register("BTCUSDT")

	*now = time.UnixMilli(base + 15_000)
	e.finalizeAll(*now)

	if got := e.Snapshot("BTCUSDT"); len(got) != 1 {
		t.Fatalf("got %d candles, want 1", len(got))
	}
	if got := e.Stats().Symbols; got != 1 {
		t.Errorf("Symbols = %d, want 1", got)
	}
}

func TestEngine_InterleavingDeterminism(t *testing.T) {
	// A fixed trade set must produce one canonical candle sequence no
	// matter how ingestion order and clock ticks interleave.
	trades := []model.Trade{
		trade("BTCUSDT", base+1_000, 100.0, 1.0),
		trade("BTCUSDT", base+8_000, 101.0, 2.0),
		trade("BTCUSDT", base+12_000, 99.0, 1.5),
		trade("BTCUSDT", base+19_000, 98.5, 0.5),
		trade("BTCUSDT", base+25_000, 102.0, 3.0),
	}

	run := func(perm []int, tickTimes []int64) []model.Candle {
		e, now := newTestEngine(t, testConfig())
		e.Register("BTCUSDT")

		*now = time.UnixMilli(base + 2_000)
		for _, i := range perm {
			e.Ingest(trades[i])
		}
		for _, tick := range tickTimes {
			*now = time.UnixMilli(tick)
			e.finalizeAll(*now)
		}
		return e.Snapshot("BTCUSDT")
	}

	want := run([]int{0, 1, 2, 3, 4}, []int64{base + 45_000})

	variants := []struct {
		perm  []int
		ticks []int64
	}{
		{[]int{4, 3, 2, 1, 0}, []int64{base + 45_000}},
		{[]int{2, 0, 4, 1, 3}, []int64{base + 15_000, base + 25_000, base + 45_000}},
		{[]int{1, 4, 0, 3, 2}, []int64{base + 11_000, base + 21_000, base + 31_000, base + 45_000}},
	}

	for vi, v := range variants {
		got := run(v.perm, v.ticks)
		if len(got) != len(want) {
			t.Fatalf("variant %d: %d candles, want %d", vi, len(got), len(want))
		}
		for i := range want {
			g, w := got[i], want[i]
			if g.BucketStart != w.BucketStart || g.Open != w.Open || g.High != w.High ||
				g.Low != w.Low || g.Close != w.Close || g.Volume != w.Volume ||
				g.ForwardFill != w.ForwardFill {
				t.Errorf("variant %d candle %d = %+v, want %+v", vi, i, g, w)
			}
		}
	}
}

func TestEngine_StopDrainsElapsedBuckets(t *testing.T) {
	sink := pipe.NewBuffer[model.Candle](16)
	cfg := testConfig()
	e := New(cfg, nil, sink)
	e.Register("BTCUSDT")

	// A trade in the previous, fully elapsed interval.
	prev := model.BoundaryFor(time.Now().UnixMilli(), interval) - interval
	e.Ingest(trade("BTCUSDT", prev+1_000, 100.0, 1.0))

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := e.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := sink.DrainTo(0); len(got) != 1 {
		t.Errorf("sink got %d candles after drain, want 1", len(got))
	}
}
