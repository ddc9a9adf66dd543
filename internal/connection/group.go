package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewatch/candlefeed/internal/model"
)

// Group orchestrates the WebSocket connection pool. Each connection owns
// a disjoint partition of the tracked symbols.
type Group interface {
	// Start partitions the initial symbols, dials all connections, and
	// begins forwarding trades to the sink.
	Start(ctx context.Context) error

	// Stop gracefully shuts down all connections.
	Stop(ctx context.Context) error

	// AddSymbol subscribes a newly listed symbol at runtime, placing it
	// on the least-loaded connection with room, or a new connection.
	AddSymbol(symbol string) error

	// Stats returns current connection statistics.
	Stats() GroupStats
}

// GroupStats provides statistics about the connection group.
type GroupStats struct {
	Connections      int
	ConnectedCount   int
	Symbols          int
	MessagesReceived int64
	TradesForwarded  int64
	ParseErrors      int64
	Reconnects       int64
}

// connState holds the state for a single connection.
type connState struct {
	client Client
	id     int

	// Symbols in this connection's partition
	mu      sync.Mutex
	symbols map[string]struct{}

	// Command/ack correlation
	pendingMu sync.Mutex
	pending   map[int64]chan commandAck
	cmdID     int64 // Atomic counter
}

// group implements the Group interface.
type group struct {
	cfg     GroupConfig
	sink    TradeSink
	logger  *slog.Logger
	initial []string

	connsMu sync.RWMutex
	conns   []*connState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   GroupStats
}

// NewGroup creates a connection group for the given initial symbols.
func NewGroup(cfg GroupConfig, symbols []string, sink TradeSink, logger *slog.Logger) Group {
	if logger == nil {
		logger = slog.Default()
	}

	initial := make([]string, len(symbols))
	copy(initial, symbols)

	return &group{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		initial: initial,
	}
}

// Start dials one connection per symbol partition.
func (g *group) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	partitions := partition(g.initial, g.cfg.SymbolsPerConnection)
	if len(partitions) > g.cfg.MaxConnections {
		return fmt.Errorf("%w: %d symbols need %d connections, max is %d",
			ErrCapacity, len(g.initial), len(partitions), g.cfg.MaxConnections)
	}

	for i, part := range partitions {
		conn := g.newConnState(i+1, part)

		g.connsMu.Lock()
		g.conns = append(g.conns, conn)
		g.connsMu.Unlock()

		g.startConn(conn)
	}

	g.logger.Info("connection group started",
		"connections", len(partitions),
		"symbols", len(g.initial),
	)
	return nil
}

// Stop gracefully shuts down.
func (g *group) Stop(ctx context.Context) error {
	g.logger.Info("stopping connection group")

	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown timeout, forcing close")
	}

	g.connsMu.RLock()
	for _, conn := range g.conns {
		conn.client.Close()
	}
	g.connsMu.RUnlock()

	g.logger.Info("connection group stopped")
	return nil
}

// Stats returns current statistics.
func (g *group) Stats() GroupStats {
	g.connsMu.RLock()
	connections := len(g.conns)
	connected := 0
	symbols := 0
	for _, conn := range g.conns {
		if conn.client.IsConnected() {
			connected++
		}
		conn.mu.Lock()
		symbols += len(conn.symbols)
		conn.mu.Unlock()
	}
	g.connsMu.RUnlock()

	g.statsMu.Lock()
	s := g.stats
	g.statsMu.Unlock()

	s.Connections = connections
	s.ConnectedCount = connected
	s.Symbols = symbols
	return s
}

// AddSymbol subscribes a newly listed symbol at runtime.
func (g *group) AddSymbol(symbol string) error {
	conn := g.findSymbol(symbol)
	if conn != nil {
		return nil // already subscribed
	}

	conn = g.selectConn()
	if conn == nil {
		g.connsMu.Lock()
		if len(g.conns) >= g.cfg.MaxConnections {
			g.connsMu.Unlock()
			return ErrCapacity
		}
		conn = g.newConnState(len(g.conns)+1, []string{symbol})
		g.conns = append(g.conns, conn)
		g.connsMu.Unlock()

		g.startConn(conn)
		return nil
	}

	conn.mu.Lock()
	conn.symbols[symbol] = struct{}{}
	conn.mu.Unlock()

	if err := g.subscribe(conn, streamName(symbol)); err != nil {
		// Rollback so the partition reflects the live subscriptions.
		// The caller retries: the refresher only marks a symbol known
		// after AddSymbol succeeds, so its next pass tries again.
		conn.mu.Lock()
		delete(conn.symbols, symbol)
		conn.mu.Unlock()
		return err
	}

	g.logger.Info("symbol subscribed", "symbol", symbol, "conn", conn.id)
	return nil
}

// newConnState creates a connection owning the given partition. The
// client is constructed here so a connState is never visible with a nil
// client.
func (g *group) newConnState(id int, symbols []string) *connState {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	conn := &connState{
		id:      id,
		symbols: set,
		pending: make(map[int64]chan commandAck),
	}
	conn.client = NewClient(g.clientConfig(conn), g.logger.With("conn_id", conn.id))
	return conn
}

// startConn dials a connection and starts its read loop. A failed dial
// hands off to the reconnect loop instead of failing the group.
func (g *group) startConn(conn *connState) {
	if err := conn.client.Connect(g.ctx); err != nil {
		g.logger.Warn("initial connect failed", "conn", conn.id, "error", err)
		g.wg.Add(1)
		go g.reconnect(conn)
		return
	}

	g.wg.Add(1)
	go g.readLoop(conn)
}

// clientConfig builds the per-connection client config with the stream
// URL for the connection's current partition.
func (g *group) clientConfig(conn *connState) ClientConfig {
	return ClientConfig{
		URL:          g.streamURL(conn),
		PingInterval: g.cfg.PingInterval,
		PingTimeout:  g.cfg.PingTimeout,
		WriteTimeout: 5 * time.Second,
		BufferSize:   g.cfg.MessageBufferSize,
	}
}

// streamURL builds the combined-stream URL for a connection's partition,
// e.g. wss://host/stream?streams=btcusdt@trade/ethusdt@trade.
func (g *group) streamURL(conn *connState) string {
	conn.mu.Lock()
	streams := make([]string, 0, len(conn.symbols))
	for sym := range conn.symbols {
		streams = append(streams, streamName(sym))
	}
	conn.mu.Unlock()

	return g.cfg.WSURL + "?streams=" + strings.Join(streams, "/")
}

// findSymbol returns the connection owning a symbol, or nil.
func (g *group) findSymbol(symbol string) *connState {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()

	for _, conn := range g.conns {
		conn.mu.Lock()
		_, ok := conn.symbols[symbol]
		conn.mu.Unlock()
		if ok {
			return conn
		}
	}
	return nil
}

// selectConn returns the connected connection with the fewest symbols
// that still has partition room, or nil.
func (g *group) selectConn() *connState {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()

	var best *connState
	bestCount := g.cfg.SymbolsPerConnection

	for _, conn := range g.conns {
		if !conn.client.IsConnected() {
			continue
		}
		conn.mu.Lock()
		count := len(conn.symbols)
		conn.mu.Unlock()

		if count < bestCount {
			bestCount = count
			best = conn
		}
	}
	return best
}

// readLoop consumes messages from one connection.
func (g *group) readLoop(conn *connState) {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			return

		case err := <-conn.client.Errors():
			g.logger.Warn("connection error",
				"conn", conn.id,
				"error", err,
			)
			g.wg.Add(1)
			go g.reconnect(conn)
			return

		case msg, ok := <-conn.client.Messages():
			if !ok {
				return
			}
			g.handleMessage(conn, msg)
		}
	}
}

// handleMessage parses one raw message and forwards any trade it holds.
func (g *group) handleMessage(conn *connState, msg TimestampedMessage) {
	g.count(func(s *GroupStats) { s.MessagesReceived++ })

	if ack, ok := tryParseAck(msg.Data); ok {
		conn.routeAck(ack)
		return
	}

	trade, err := parseTrade(msg.Data)
	if err != nil {
		g.count(func(s *GroupStats) { s.ParseErrors++ })
		g.logger.Warn("failed to parse trade message",
			"conn", conn.id,
			"error", err,
		)
		return
	}
	if trade == nil {
		return // not a trade stream message
	}

	g.sink.Ingest(*trade)
	g.count(func(s *GroupStats) { s.TradesForwarded++ })
}

// reconnect re-dials a connection with exponential backoff, rebuilding
// the stream URL from the partition's current symbols.
func (g *group) reconnect(conn *connState) {
	defer g.wg.Done()

	wait := g.cfg.ReconnectBaseDelay
	maxWait := g.cfg.ReconnectMaxDelay

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-time.After(wait):
		}

		g.logger.Info("attempting reconnection", "conn", conn.id)

		// Close old connection and replace it
		conn.client.Close()

		conn.pendingMu.Lock()
		conn.pending = make(map[int64]chan commandAck)
		conn.pendingMu.Unlock()

		conn.client = NewClient(g.clientConfig(conn), g.logger.With("conn_id", conn.id))

		if err := conn.client.Connect(g.ctx); err != nil {
			g.logger.Warn("reconnection failed",
				"conn", conn.id,
				"error", err,
			)

			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
			continue
		}

		g.count(func(s *GroupStats) { s.Reconnects++ })
		g.logger.Info("reconnected", "conn", conn.id)

		g.wg.Add(1)
		go g.readLoop(conn)
		return
	}
}

// subscribe sends a SUBSCRIBE command and waits for the ack.
func (g *group) subscribe(conn *connState, stream string) error {
	id := atomic.AddInt64(&conn.cmdID, 1)
	ackCh := make(chan commandAck, 1)

	conn.pendingMu.Lock()
	conn.pending[id] = ackCh
	conn.pendingMu.Unlock()

	defer func() {
		conn.pendingMu.Lock()
		delete(conn.pending, id)
		conn.pendingMu.Unlock()
	}()

	cmd := command{
		Method: "SUBSCRIBE",
		Params: []string{stream},
		ID:     id,
	}

	data, _ := json.Marshal(cmd)
	if err := conn.client.Send(data); err != nil {
		return err
	}

	select {
	case <-g.ctx.Done():
		return g.ctx.Err()
	case <-time.After(g.cfg.SubscribeTimeout):
		return ErrTimeout
	case ack := <-ackCh:
		if ack.Code != 0 {
			return fmt.Errorf("subscribe rejected %d: %s", ack.Code, ack.Msg)
		}
		return nil
	}
}

// routeAck delivers a command ack to the waiting goroutine.
func (c *connState) routeAck(ack commandAck) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ack.ID]
	if ok {
		delete(c.pending, ack.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

func (g *group) count(fn func(*GroupStats)) {
	g.statsMu.Lock()
	fn(&g.stats)
	g.statsMu.Unlock()
}

// tryParseAck attempts to parse a message as a command ack. Data
// messages carry a "stream" key instead of an "id".
func tryParseAck(data []byte) (commandAck, bool) {
	if !bytes.Contains(data, []byte(`"id":`)) || bytes.Contains(data, []byte(`"stream"`)) {
		return commandAck{}, false
	}

	var ack commandAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return commandAck{}, false
	}
	if ack.ID == 0 {
		return commandAck{}, false
	}
	return ack, true
}

// parseTrade parses a combined-stream trade message. Returns (nil, nil)
// for messages from non-trade streams.
func parseTrade(data []byte) (*model.Trade, error) {
	var envelope combinedStreamWire
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !strings.HasSuffix(envelope.Stream, "@trade") {
		return nil, nil
	}

	var wire tradeWire
	if err := json.Unmarshal(envelope.Data, &wire); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}

	price, err := strconv.ParseFloat(wire.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", wire.Price, err)
	}
	size, err := strconv.ParseFloat(wire.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", wire.Quantity, err)
	}

	symbol := wire.Symbol
	if symbol == "" {
		symbol = symbolFromStream(envelope.Stream)
	}

	// Buyer-is-maker means a resting buy was filled by an aggressive sell.
	side := model.SideBuy
	if wire.BuyerIsMaker {
		side = model.SideSell
	}

	return &model.Trade{
		Symbol:    symbol,
		Timestamp: wire.TradeTime,
		Price:     price,
		Size:      size,
		TakerSide: side,
	}, nil
}

// partition splits symbols into chunks of at most size each.
func partition(symbols []string, size int) [][]string {
	if size <= 0 || len(symbols) == 0 {
		return nil
	}

	var parts [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		parts = append(parts, symbols[start:end])
	}
	return parts
}

// streamName returns the trade stream name for a symbol.
func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// symbolFromStream extracts the symbol from a stream name like
// "btcusdt@trade".
func symbolFromStream(stream string) string {
	name, _, _ := strings.Cut(stream, "@")
	return strings.ToUpper(name)
}
