package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/edgewatch/candlefeed/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrCapacity        = errors.New("connection group at capacity")
)

// TradeSink receives parsed trades from connection read loops. The
// aggregation engine implements it.
type TradeSink interface {
	Ingest(trade model.Trade) bool
}

// TimestampedMessage wraps raw message data with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL          string        // Full combined-stream URL including streams query
	PingInterval time.Duration // Keepalive ping cadence
	PingTimeout  time.Duration // Max time without ping/pong before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PingTimeout:  90 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   4096,
	}
}

// GroupConfig configures the connection group.
type GroupConfig struct {
	WSURL                string        // Combined-stream base URL (e.g. wss://fstream.binance.com/stream)
	MaxConnections       int           // Hard cap on concurrent connections
	SymbolsPerConnection int           // Partition size bound
	ReconnectBaseDelay   time.Duration // Base wait for reconnection backoff
	ReconnectMaxDelay    time.Duration // Max wait for reconnection backoff
	PingInterval         time.Duration // Keepalive ping cadence
	PingTimeout          time.Duration // Stale-connection threshold
	SubscribeTimeout     time.Duration // Timeout waiting for a subscribe ack
	MessageBufferSize    int           // Per-connection message channel size
}

// DefaultGroupConfig returns sensible defaults.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		MaxConnections:       20,
		SymbolsPerConnection: 10,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		PingInterval:         30 * time.Second,
		PingTimeout:          90 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		MessageBufferSize:    4096,
	}
}

// command is a live stream-management request.
type command struct {
	Method string   `json:"method"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	Params []string `json:"params"` // Stream names, e.g. "btcusdt@trade"
	ID     int64    `json:"id"`
}

// commandAck is the server's reply to a command.
type commandAck struct {
	Result json.RawMessage `json:"result"` // null on success
	ID     int64           `json:"id"`
	Code   int             `json:"code,omitempty"` // Set on error replies
	Msg    string          `json:"msg,omitempty"`
}

// combinedStreamWire is the envelope of a combined-stream data message:
// {"stream":"btcusdt@trade","data":{...}}.
type combinedStreamWire struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeWire is the wire format of a trade event.
type tradeWire struct {
	EventType    string `json:"e"` // "trade"
	EventTime    int64  `json:"E"` // Event time (ms)
	Symbol       string `json:"s"` // e.g. "BTCUSDT"
	TradeTime    int64  `json:"T"` // Execution time (ms)
	Price        string `json:"p"` // Decimal string
	Quantity     string `json:"q"` // Decimal string
	BuyerIsMaker bool   `json:"m"` // true: buyer was maker, so the taker sold
}
