package writer

import "time"

// WriterConfig configures batch behavior.
type WriterConfig struct {
	BatchSize     int           // Flush when the batch reaches this size
	FlushInterval time.Duration // Flush at least this often
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// candleRow is the database representation of a finalized candle.
type candleRow struct {
	Symbol      string
	BucketStart int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	ForwardFill bool
	Seq         uint64
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}
