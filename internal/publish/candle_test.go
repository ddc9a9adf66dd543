package publish

import (
	"encoding/json"
	"testing"

	"github.com/edgewatch/candlefeed/internal/model"
	"github.com/edgewatch/candlefeed/internal/pipe"
)

func TestEncode(t *testing.T) {
	c := model.Candle{
		Symbol:      "BTCUSDT",
		BucketStart: 1_700_000_000_000,
		Open:        42000.5,
		High:        42100.0,
		Low:         41950.25,
		Close:       42050.0,
		Volume:      12.5,
		ForwardFill: true,
		Seq:         7,
	}

	data, err := json.Marshal(encode(c))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v, want BTCUSDT", got["symbol"])
	}
	if got["bucket_start"] != float64(1_700_000_000_000) {
		t.Errorf("bucket_start = %v", got["bucket_start"])
	}
	if got["close"] != 42050.0 {
		t.Errorf("close = %v, want 42050.0", got["close"])
	}
	if got["forward_fill"] != true {
		t.Errorf("forward_fill = %v, want true", got["forward_fill"])
	}
	if got["seq"] != float64(7) {
		t.Errorf("seq = %v, want 7", got["seq"])
	}
}

func TestCandlePublisher_Stats(t *testing.T) {
	input := pipe.NewBuffer[model.Candle](10)
	p := NewCandlePublisher([]string{"localhost:9092"}, "candles", input, nil)

	stats := p.Stats()
	if stats.Published != 0 || stats.Errors != 0 {
		t.Errorf("initial stats = %+v, want zeros", stats)
	}
}
