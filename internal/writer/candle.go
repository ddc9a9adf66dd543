package writer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgewatch/candlefeed/internal/model"
	"github.com/edgewatch/candlefeed/internal/pipe"
)

// CandleWriter consumes finalized candles from the engine's output
// buffer and writes them to the candles table.
type CandleWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the aggregation engine
	input *pipe.Buffer[model.Candle]

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []candleRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewCandleWriter creates a new CandleWriter.
func NewCandleWriter(
	cfg WriterConfig,
	input *pipe.Buffer[model.Candle],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *CandleWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CandleWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]candleRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming candles and writing to the database.
func (w *CandleWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("candle writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer. Any candles still buffered are
// drained and flushed before returning.
func (w *CandleWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping candle writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("candle writer stop timed out")
	}

	// Drain whatever the engine emitted during shutdown, then flush.
	w.drain()
	w.flush(context.Background())

	w.logger.Info("candle writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *CandleWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *CandleWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			candle, ok := w.input.TryReceive()
			if !ok {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleCandle(candle)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *CandleWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleCandle transforms and adds a candle to the batch.
func (w *CandleWriter) handleCandle(c model.Candle) {
	row := transform(c)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// drain pulls any remaining candles out of the input buffer.
func (w *CandleWriter) drain() {
	remaining := w.input.DrainTo(w.input.Len())

	w.batchMu.Lock()
	for _, c := range remaining {
		w.batch = append(w.batch, transform(c))
	}
	w.batchMu.Unlock()
}

// transform converts a Candle to a candleRow.
func transform(c model.Candle) candleRow {
	return candleRow{
		Symbol:      c.Symbol,
		BucketStart: c.BucketStart,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		ForwardFill: c.ForwardFill,
		Seq:         c.Seq,
	}
}

// flush writes the current batch to the database.
func (w *CandleWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]candleRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	orderRows(batch)

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed candles",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// orderRows restores global emission order by sequence number; rows
// from different symbols interleave in the buffer, and batch contents
// must be persisted in the order the clock created them.
func orderRows(rows []candleRow) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Seq < rows[j].Seq
	})
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *CandleWriter) batchInsert(ctx context.Context, rows []candleRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO candles (symbol, bucket_start, open, high, low, close, volume, forward_fill, seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (symbol, bucket_start) DO NOTHING
		`, r.Symbol, r.BucketStart, r.Open, r.High, r.Low, r.Close, r.Volume, r.ForwardFill, r.Seq)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
