// Package connection implements the WebSocket connection group.
//
// The group maintains N persistent connections to the exchange's
// combined-stream endpoint. Each connection owns a disjoint partition of
// the tracked symbols (bounded size) and runs an independent read loop:
// parse trade events, forward them to the aggregation engine. Transport
// failures are recovered locally with exponential backoff and
// re-subscription; a stale-connection probe catches silently dead
// sockets. Connections share no locks, so one failing partition never
// blocks the others.
package connection
