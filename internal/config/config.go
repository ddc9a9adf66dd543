package config

import "time"

// Config is the root configuration for an aggregator instance.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Universe    UniverseConfig    `yaml:"universe"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Connections ConnectionsConfig `yaml:"connections"`
	Database    DBConfig          `yaml:"database"`
	Writer      WriterConfig      `yaml:"writer"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Health      HealthConfig      `yaml:"health"`
}

// InstanceConfig identifies this aggregator.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ExchangeConfig holds exchange endpoint settings.
type ExchangeConfig struct {
	WSURL      string        `yaml:"ws_url"`   // Combined-stream WebSocket base URL
	RestURL    string        `yaml:"rest_url"` // REST base URL (symbol discovery)
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// UniverseConfig controls symbol discovery.
type UniverseConfig struct {
	// Symbols pins the tracked universe to a static list. When set,
	// discovery and refresh are skipped entirely.
	Symbols         []string      `yaml:"symbols"`
	QuoteAsset      string        `yaml:"quote_asset"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // 0 disables refresh
}

// AggregationConfig holds the candle engine settings.
type AggregationConfig struct {
	Interval            time.Duration `yaml:"interval"`              // Candle width
	BufferSize          int           `yaml:"buffer_size"`           // Rolling candles kept per symbol (W)
	DedupRetention      time.Duration `yaml:"dedup_retention"`       // How long trade identities are remembered
	DedupSweepThreshold int           `yaml:"dedup_sweep_threshold"` // Set size that triggers a sweep
	HealthThreshold     time.Duration `yaml:"health_threshold"`      // Max silence before forward-fill is suppressed
}

// ConnectionsConfig holds WebSocket connection group settings.
type ConnectionsConfig struct {
	MaxCount             int           `yaml:"max_count"`
	SymbolsPerConnection int           `yaml:"symbols_per_connection"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	MessageBufferSize    int           `yaml:"message_buffer_size"`
}

// DBConfig holds the time-series database connection. Leaving host empty
// disables candle persistence.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether persistence is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// KafkaConfig holds the optional candle topic publisher. Leaving brokers
// empty disables publishing.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether publishing is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
