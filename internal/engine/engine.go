package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgewatch/candlefeed/internal/model"
	"github.com/edgewatch/candlefeed/internal/pipe"
)

// Config holds engine settings.
type Config struct {
	Interval            time.Duration // Candle width
	BufferSize          int           // Rolling candles kept per symbol
	DedupRetention      time.Duration // Trade identity retention window
	DedupSweepThreshold int           // Identity set size that triggers a sweep
	HealthThreshold     time.Duration // Max feed silence before forward-fill is suppressed
	EventBufferSize     int           // Gap event channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            10 * time.Second,
		BufferSize:          100,
		DedupRetention:      60 * time.Second,
		DedupSweepThreshold: 1000,
		HealthThreshold:     60 * time.Second,
		EventBufferSize:     256,
	}
}

// Engine aggregates deduplicated trades into finalized candles.
type Engine interface {
	// Start begins the finalization clock.
	Start(ctx context.Context) error

	// Stop performs a final drain tick and shuts the clock down.
	Stop(ctx context.Context) error

	// Register creates aggregation state for a symbol. Idempotent; safe
	// to call at runtime for newly listed symbols.
	Register(symbol string)

	// Ingest accepts one raw trade. Returns true if the trade was novel
	// and bucketed, false if it was a duplicate, late, or for an
	// unregistered symbol. Never blocks on finalization of other symbols.
	Ingest(trade model.Trade) bool

	// Snapshot returns a consistent copy of a symbol's finalized candles
	// in boundary order. This is the sole read interface for downstream
	// evaluators.
	Snapshot(symbol string) []model.Candle

	// Events returns gap/health events for observability.
	Events() <-chan model.GapEvent

	// Stats returns current engine statistics.
	Stats() Stats
}

// Stats contains runtime statistics.
type Stats struct {
	Symbols            int
	TradesAccepted     int64
	DuplicatesDropped  int64
	LateTradesDropped  int64
	UnknownSymbol      int64
	RealCandles        int64
	ForwardFillCandles int64
	GapEvents          int64
	EventsDropped      int64
	Quarantined        int64
}

// engine is the internal implementation.
type engine struct {
	cfg        Config
	logger     *slog.Logger
	intervalMS int64

	// Symbol registry (add-only)
	mu      sync.RWMutex
	symbols map[string]*symbolState

	// Candle sequence, assigned at creation time. Owned by the engine so
	// tests can construct isolated instances.
	seq uint64

	// Sinks receive every finalized candle without blocking the clock.
	sinks []*pipe.Buffer[model.Candle]

	events chan model.GapEvent

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is injectable for tests.
	now func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// New creates an engine. Finalized candles are delivered to every sink
// in addition to the per-symbol buffers.
func New(cfg Config, logger *slog.Logger, sinks ...*pipe.Buffer[model.Candle]) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBufferSize < 1 {
		cfg.EventBufferSize = DefaultConfig().EventBufferSize
	}

	return &engine{
		cfg:        cfg,
		logger:     logger,
		intervalMS: cfg.Interval.Milliseconds(),
		symbols:    make(map[string]*symbolState),
		sinks:      sinks,
		events:     make(chan model.GapEvent, cfg.EventBufferSize),
		now:        time.Now,
	}
}

// Start begins the finalization clock.
func (e *engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.clockLoop()

	e.logger.Info("engine started",
		"interval", e.cfg.Interval,
		"buffer_size", e.cfg.BufferSize,
		"health_threshold", e.cfg.HealthThreshold,
	)
	return nil
}

// Stop shuts down the clock. The clock performs one final drain tick so
// no fully elapsed interval is lost on graceful shutdown.
func (e *engine) Stop(ctx context.Context) error {
	e.logger.Info("stopping engine")

	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
	case <-ctx.Done():
		e.logger.Warn("engine stop timed out")
	}
	return nil
}

// Events returns the gap event channel.
func (e *engine) Events() <-chan model.GapEvent {
	return e.events
}

// Register creates state for a symbol if it does not exist yet.
func (e *engine) Register(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.symbols[symbol]; exists {
		return
	}
	e.symbols[symbol] = newSymbolState(e.cfg)
	e.logger.Debug("symbol registered", "symbol", symbol)
}

// Ingest accepts one raw trade from a connection read loop.
func (e *engine) Ingest(t model.Trade) bool {
	e.mu.RLock()
	st := e.symbols[t.Symbol]
	e.mu.RUnlock()

	if st == nil {
		e.count(func(s *Stats) { s.UnknownSymbol++ })
		return false
	}

	now := e.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.dedup.accept(t) {
		e.count(func(s *Stats) { s.DuplicatesDropped++ })
		return false
	}

	// A trade for an already finalized boundary cannot reopen it.
	boundary := model.BoundaryFor(t.Timestamp, e.intervalMS)
	if st.cursorSet && boundary <= st.cursor {
		e.count(func(s *Stats) { s.LateTradesDropped++ })
		e.logger.Debug("dropping late trade",
			"symbol", t.Symbol,
			"boundary", boundary,
			"cursor", st.cursor,
		)
		return false
	}

	st.addPending(t, e.intervalMS)
	st.lastTradeAt = now
	e.count(func(s *Stats) { s.TradesAccepted++ })
	return true
}

// Snapshot returns a copy of a symbol's finalized candles.
func (e *engine) Snapshot(symbol string) []model.Candle {
	e.mu.RLock()
	st := e.symbols[symbol]
	e.mu.RUnlock()

	if st == nil {
		return nil
	}
	return st.buffer.Snapshot()
}

// Stats returns current statistics.
func (e *engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.symbols)
	e.mu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.stats
	s.Symbols = n
	return s
}

// clockLoop is the single finalization task. It aligns to the next
// interval boundary, then finalizes all elapsed boundaries every tick.
func (e *engine) clockLoop() {
	defer e.wg.Done()

	// Align the first tick to an interval boundary so finalization runs
	// just after each bucket closes.
	now := e.now()
	next := model.BoundaryFor(now.UnixMilli(), e.intervalMS) + e.intervalMS
	select {
	case <-e.ctx.Done():
		e.finalizeAll(e.now())
		return
	case <-time.After(time.Duration(next-now.UnixMilli()) * time.Millisecond):
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.finalizeAll(e.now())

		select {
		case <-e.ctx.Done():
			// Final drain tick: close everything fully elapsed by now.
			e.finalizeAll(e.now())
			return
		case <-ticker.C:
		}
	}
}

// finalizeAll runs one finalization pass over every symbol.
func (e *engine) finalizeAll(now time.Time) {
	e.mu.RLock()
	states := make(map[string]*symbolState, len(e.symbols))
	for sym, st := range e.symbols {
		states[sym] = st
	}
	e.mu.RUnlock()

	for sym, st := range states {
		e.finalizeSymbol(sym, st, now)
	}
}

// finalizeSymbol closes every elapsed boundary for one symbol, in order.
// A boundary is elapsed only once its full interval lies in the past;
// the in-progress bucket is never closed early.
func (e *engine) finalizeSymbol(symbol string, st *symbolState, now time.Time) {
	current := model.BoundaryFor(now.UnixMilli(), e.intervalMS)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.failed {
		return
	}

	// The cursor starts at the first trade's boundary; before any trade
	// there is nothing to finalize and nothing to forward-fill from.
	if !st.cursorSet {
		first, ok := st.earliestPending()
		if !ok {
			return
		}
		st.cursor = first - e.intervalMS
		st.cursorSet = true
	}

	healthy := st.healthy(now, e.cfg.HealthThreshold)

	for {
		b := st.cursor + e.intervalMS
		if b >= current {
			return
		}

		trades, hasTrades := st.takePending(b)

		var c model.Candle
		switch {
		case hasTrades && len(trades) > 0:
			c = aggregate(symbol, b, trades)
			st.lastClose = c.Close
			st.hasClose = true
			e.count(func(s *Stats) { s.RealCandles++ })

		case st.hasClose && healthy:
			c = forwardFill(symbol, b, st.lastClose)
			e.count(func(s *Stats) { s.ForwardFillCandles++ })

		case st.hasClose && !healthy:
			// Silent outage: fabricating candles would feed downstream
			// evaluation with fiction. Hold the cursor and retry once a
			// trade restores health; catch-up then back-fills in order.
			e.emitGap(symbol, b, model.GapReasonUnhealthy)
			return

		default:
			// Pending trades exist somewhere ahead but no close price is
			// known yet; advance past the empty leading boundary.
			st.cursor = b
			continue
		}

		e.seq++
		c.Seq = e.seq

		if err := st.buffer.Append(c); err != nil {
			// A contiguity break means the clock itself is defective for
			// this symbol; continuing would make every downstream read
			// untrustworthy.
			st.failed = true
			e.count(func(s *Stats) { s.Quarantined++ })
			e.emitGap(symbol, b, model.GapReasonInvariant)
			e.logger.Error("boundary invariant violated, quarantining symbol",
				"symbol", symbol,
				"boundary", b,
				"error", err,
			)
			return
		}

		st.cursor = b
		e.dispatch(c)
	}
}

// dispatch forwards a finalized candle to all sinks.
func (e *engine) dispatch(c model.Candle) {
	for _, sink := range e.sinks {
		sink.Send(c)
	}
}

// emitGap publishes a gap event without ever blocking the clock.
func (e *engine) emitGap(symbol string, boundary int64, reason string) {
	e.count(func(s *Stats) { s.GapEvents++ })

	ev := model.GapEvent{
		ID:         uuid.New(),
		Symbol:     symbol,
		Boundary:   boundary,
		Reason:     reason,
		DetectedAt: e.now(),
	}

	select {
	case e.events <- ev:
	default:
		e.count(func(s *Stats) { s.EventsDropped++ })
	}

	e.logger.Warn("boundary not finalized",
		"symbol", symbol,
		"boundary", boundary,
		"reason", reason,
	)
}

func (e *engine) count(fn func(*Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

// aggregate folds one boundary's trades into a real candle. Open comes
// from the earliest execution, close from the latest; ties resolve to
// arrival order, which is non-decreasing per connection.
func aggregate(symbol string, boundary int64, trades []model.Trade) model.Candle {
	open := trades[0]
	last := trades[0]
	high := trades[0].Price
	low := trades[0].Price
	volume := trades[0].Size

	for _, t := range trades[1:] {
		if t.Timestamp < open.Timestamp {
			open = t
		}
		if t.Timestamp >= last.Timestamp {
			last = t
		}
		if t.Price > high {
			high = t.Price
		}
		if t.Price < low {
			low = t.Price
		}
		volume += t.Size
	}

	return model.Candle{
		Symbol:      symbol,
		BucketStart: boundary,
		Open:        open.Price,
		High:        high,
		Low:         low,
		Close:       last.Price,
		Volume:      volume,
	}
}

// forwardFill synthesizes a zero-volume candle carrying the prior close.
func forwardFill(symbol string, boundary int64, lastClose float64) model.Candle {
	return model.Candle{
		Symbol:      symbol,
		BucketStart: boundary,
		Open:        lastClose,
		High:        lastClose,
		Low:         lastClose,
		Close:       lastClose,
		Volume:      0,
		ForwardFill: true,
	}
}
