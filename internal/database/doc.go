// Package database provides connection pool management for the candle
// store. A single TimescaleDB pool holds the candles hypertable;
// persistence is optional and disabled when no host is configured.
package database
