// Package model defines shared data types used across the candle pipeline.
//
// Conventions:
//   - Prices and sizes: float64, as reported by the exchange feed
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Boundaries: bucket start timestamps, always a multiple of the interval
package model
