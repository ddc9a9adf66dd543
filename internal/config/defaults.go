package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultWSURL                = "wss://fstream.binance.com/stream"
	DefaultRestURL              = "https://fapi.binance.com"
	DefaultAPITimeout           = 10 * time.Second
	DefaultMaxRetries           = 3
	DefaultQuoteAsset           = "USDT"
	DefaultInterval             = 10 * time.Second
	DefaultBufferSize           = 100
	DefaultDedupRetention       = 60 * time.Second
	DefaultDedupSweepThreshold  = 1000
	DefaultHealthThreshold      = 60 * time.Second
	DefaultMaxConnections       = 20
	DefaultSymbolsPerConnection = 10
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 90 * time.Second
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultMessageBufferSize    = 4096
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultKafkaTopic           = "candles"
	DefaultHealthPort           = 8080
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = uuid.NewString()
	}

	// Exchange defaults
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = DefaultWSURL
	}
	if c.Exchange.RestURL == "" {
		c.Exchange.RestURL = DefaultRestURL
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = DefaultAPITimeout
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = DefaultMaxRetries
	}

	// Universe defaults
	if c.Universe.QuoteAsset == "" {
		c.Universe.QuoteAsset = DefaultQuoteAsset
	}

	// Aggregation defaults
	if c.Aggregation.Interval == 0 {
		c.Aggregation.Interval = DefaultInterval
	}
	if c.Aggregation.BufferSize == 0 {
		c.Aggregation.BufferSize = DefaultBufferSize
	}
	if c.Aggregation.DedupRetention == 0 {
		c.Aggregation.DedupRetention = DefaultDedupRetention
	}
	if c.Aggregation.DedupSweepThreshold == 0 {
		c.Aggregation.DedupSweepThreshold = DefaultDedupSweepThreshold
	}
	if c.Aggregation.HealthThreshold == 0 {
		c.Aggregation.HealthThreshold = DefaultHealthThreshold
	}

	// Connections defaults
	if c.Connections.MaxCount == 0 {
		c.Connections.MaxCount = DefaultMaxConnections
	}
	if c.Connections.SymbolsPerConnection == 0 {
		c.Connections.SymbolsPerConnection = DefaultSymbolsPerConnection
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.SubscribeTimeout == 0 {
		c.Connections.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Connections.MessageBufferSize == 0 {
		c.Connections.MessageBufferSize = DefaultMessageBufferSize
	}

	// Database defaults (only meaningful when enabled)
	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultMinConns
		}
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}

	// Kafka defaults
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}
