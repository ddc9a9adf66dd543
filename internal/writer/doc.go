// Package writer implements the batch candle writer.
//
// The writer drains finalized candles from the engine's output buffer,
// orders each batch by emission sequence, and inserts into the candles
// hypertable with append-only semantics (never update, only insert).
// Conflicts on (symbol, bucket_start) are dropped, so replays after a
// crash are harmless.
package writer
