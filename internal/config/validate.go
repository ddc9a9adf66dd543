package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Exchange.WSURL == "" {
		return errors.New("exchange.ws_url is required")
	}
	if c.Exchange.RestURL == "" && len(c.Universe.Symbols) == 0 {
		return errors.New("exchange.rest_url is required unless universe.symbols is set")
	}

	if c.Aggregation.Interval < time.Second {
		return fmt.Errorf("aggregation.interval must be >= 1s, got %s", c.Aggregation.Interval)
	}
	if c.Aggregation.BufferSize < 1 {
		return errors.New("aggregation.buffer_size must be >= 1")
	}
	if c.Aggregation.DedupRetention <= 0 {
		return errors.New("aggregation.dedup_retention must be positive")
	}
	if c.Aggregation.DedupSweepThreshold < 1 {
		return errors.New("aggregation.dedup_sweep_threshold must be >= 1")
	}
	if c.Aggregation.HealthThreshold <= 0 {
		return errors.New("aggregation.health_threshold must be positive")
	}

	if c.Connections.MaxCount < 1 {
		return errors.New("connections.max_count must be >= 1")
	}
	if c.Connections.SymbolsPerConnection < 1 {
		return errors.New("connections.symbols_per_connection must be >= 1")
	}
	if c.Connections.ReconnectBaseDelay > c.Connections.ReconnectMaxDelay {
		return fmt.Errorf("connections.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Connections.ReconnectBaseDelay, c.Connections.ReconnectMaxDelay)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
