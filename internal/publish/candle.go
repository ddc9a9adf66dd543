package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/edgewatch/candlefeed/internal/model"
	"github.com/edgewatch/candlefeed/internal/pipe"
)

// candleMessage is the topic payload for one finalized candle.
type candleMessage struct {
	Symbol      string  `json:"symbol"`
	BucketStart int64   `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	ForwardFill bool    `json:"forward_fill"`
	Seq         uint64  `json:"seq"`
}

// PublisherMetrics tracks publisher activity.
type PublisherMetrics struct {
	Published int64
	Errors    int64
}

// CandlePublisher consumes finalized candles from the engine's output
// buffer and publishes them to a Kafka topic.
type CandlePublisher struct {
	writer *kafka.Writer
	input  *pipe.Buffer[model.Candle]
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	metrics PublisherMetrics
}

// NewCandlePublisher creates a publisher for the given brokers and topic.
func NewCandlePublisher(brokers []string, topic string, input *pipe.Buffer[model.Candle], logger *slog.Logger) *CandlePublisher {
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &CandlePublisher{
		writer: writer,
		input:  input,
		logger: logger,
	}
}

// Start begins consuming candles and publishing to the topic.
func (p *CandlePublisher) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.consumeLoop()

	p.logger.Info("candle publisher started", "topic", p.writer.Topic)
	return nil
}

// Stop gracefully shuts down the publisher and closes the Kafka writer.
func (p *CandlePublisher) Stop(ctx context.Context) error {
	p.logger.Info("stopping candle publisher")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("candle publisher stop timed out")
	}

	if err := p.writer.Close(); err != nil {
		return err
	}

	p.logger.Info("candle publisher stopped")
	return nil
}

// Stats returns current metrics.
func (p *CandlePublisher) Stats() PublisherMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// consumeLoop reads from the input buffer and publishes each candle.
func (p *CandlePublisher) consumeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			candle, ok := p.input.TryReceive()
			if !ok {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			p.publish(candle)
		}
	}
}

// publish sends one candle to the topic, keyed by symbol.
func (p *CandlePublisher) publish(c model.Candle) {
	value, err := json.Marshal(encode(c))
	if err != nil {
		p.logger.Error("failed to encode candle", "error", err, "symbol", c.Symbol)
		p.count(func(m *PublisherMetrics) { m.Errors++ })
		return
	}

	err = p.writer.WriteMessages(p.ctx, kafka.Message{
		Key:   []byte(c.Symbol),
		Value: value,
	})
	if err != nil {
		p.logger.Error("failed to publish candle",
			"error", err,
			"symbol", c.Symbol,
			"bucket_start", c.BucketStart,
		)
		p.count(func(m *PublisherMetrics) { m.Errors++ })
		return
	}

	p.count(func(m *PublisherMetrics) { m.Published++ })
}

func (p *CandlePublisher) count(fn func(*PublisherMetrics)) {
	p.mu.Lock()
	fn(&p.metrics)
	p.mu.Unlock()
}

// encode converts a candle to its topic payload.
func encode(c model.Candle) candleMessage {
	return candleMessage{
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
