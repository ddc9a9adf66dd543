// Package engine implements the candle aggregation core.
//
// The engine owns one SymbolState per tracked symbol and runs a single
// finalization clock that closes every elapsed interval boundary in
// strictly increasing order. Ingestion (connection read loops) and
// finalization share the per-symbol state under a per-symbol mutex held
// for the minimal critical section; symbols never serialize against each
// other.
//
// Finalization outcomes per boundary:
//   - trades pending: real OHLCV candle
//   - no trades, prior close known, symbol healthy: forward-fill candle
//   - no trades, symbol unhealthy: gap event, cursor held, bounded
//     catch-up once health restores
//   - no trade ever seen: boundary skipped until the first trade arrives
//
// Every finalized candle carries a process-wide monotonic sequence
// number assigned at creation time, which downstream sinks use to
// restore creation order regardless of delivery order.
package engine
