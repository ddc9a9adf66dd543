package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgewatch/candlefeed/internal/config"
	"github.com/edgewatch/candlefeed/internal/connection"
	"github.com/edgewatch/candlefeed/internal/database"
	"github.com/edgewatch/candlefeed/internal/engine"
	"github.com/edgewatch/candlefeed/internal/model"
	"github.com/edgewatch/candlefeed/internal/pipe"
	"github.com/edgewatch/candlefeed/internal/publish"
	"github.com/edgewatch/candlefeed/internal/universe"
	"github.com/edgewatch/candlefeed/internal/version"
	"github.com/edgewatch/candlefeed/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/aggregator.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting aggregator",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.Exchange.WSURL,
		"interval", cfg.Aggregation.Interval,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database (optional)
	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		logger.Info("database connected")
	} else {
		logger.Info("persistence disabled, candles kept in memory only")
	}

	// Candle sinks: one buffer per downstream consumer
	var sinks []*pipe.Buffer[model.Candle]

	var writerBuf *pipe.Buffer[model.Candle]
	if pool != nil {
		writerBuf = pipe.NewBuffer[model.Candle](1024)
		sinks = append(sinks, writerBuf)
	}

	var publishBuf *pipe.Buffer[model.Candle]
	if cfg.Kafka.Enabled() {
		publishBuf = pipe.NewBuffer[model.Candle](1024)
		sinks = append(sinks, publishBuf)
	}

	// Create the aggregation engine
	eng := engine.New(engineConfig(cfg), logger, sinks...)

	// Resolve the symbol universe
	restClient := universe.NewClient(
		cfg.Exchange.RestURL,
		universe.WithLogger(logger),
		universe.WithTimeout(cfg.Exchange.Timeout),
		universe.WithRetries(cfg.Exchange.MaxRetries, time.Second),
	)

	symbols := cfg.Universe.Symbols
	if len(symbols) == 0 {
		logger.Info("resolving trading universe", "quote_asset", cfg.Universe.QuoteAsset)
		symbols, err = restClient.TradingSymbols(ctx, cfg.Universe.QuoteAsset)
		if err != nil {
			logger.Error("failed to resolve universe", "error", err)
			os.Exit(1)
		}
	}
	if len(symbols) == 0 {
		logger.Error("empty trading universe")
		os.Exit(1)
	}
	logger.Info("universe resolved", "symbols", len(symbols))

	for _, sym := range symbols {
		eng.Register(sym)
	}

	// Connection group forwarding trades into the engine
	group := connection.NewGroup(groupConfig(cfg), symbols, eng, logger)

	// Start health server early so startup is observable
	healthPort := 8080
	if cfg.Health.Port > 0 {
		healthPort = cfg.Health.Port
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", healthPort),
		Handler: createHealthHandler(pool, eng, group, logger),
	}

	go func() {
		logger.Info("starting health server", "port", healthPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Start components
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	var candleWriter *writer.CandleWriter
	if writerBuf != nil {
		candleWriter = writer.NewCandleWriter(writerConfig(cfg), writerBuf, pool, logger)
		if err := candleWriter.Start(ctx); err != nil {
			logger.Error("failed to start candle writer", "error", err)
			os.Exit(1)
		}
	}

	var publisher *publish.CandlePublisher
	if publishBuf != nil {
		publisher = publish.NewCandlePublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, publishBuf, logger)
		if err := publisher.Start(ctx); err != nil {
			logger.Error("failed to start candle publisher", "error", err)
			os.Exit(1)
		}
	}

	if err := group.Start(ctx); err != nil {
		logger.Error("failed to start connection group", "error", err)
		os.Exit(1)
	}

	var refresher *universe.Refresher
	if len(cfg.Universe.Symbols) == 0 {
		refresher = universe.NewRefresher(
			restClient, eng, group,
			cfg.Universe.QuoteAsset,
			cfg.Universe.RefreshInterval,
			symbols,
			logger,
		)
		if err := refresher.Start(ctx); err != nil {
			logger.Error("failed to start universe refresher", "error", err)
			os.Exit(1)
		}
	}

	// Drain gap events so the channel never backs up
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eng.Events():
				logger.Info("gap event",
					"id", ev.ID,
					"symbol", ev.Symbol,
					"boundary", ev.Boundary,
					"reason", ev.Reason,
				)
			}
		}
	}()

	logger.Info("aggregator running",
		"instance_id", cfg.Instance.ID,
		"symbols", len(symbols),
		"health_url", fmt.Sprintf("http://localhost:%d/health", healthPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the feed first, then let the engine run its final drain tick,
	// then flush the sinks.
	if refresher != nil {
		refresher.Stop(shutdownCtx)
	}
	group.Stop(shutdownCtx)
	eng.Stop(shutdownCtx)
	if candleWriter != nil {
		candleWriter.Stop(shutdownCtx)
	}
	if publisher != nil {
		publisher.Stop(shutdownCtx)
	}

	healthServer.Shutdown(shutdownCtx)

	logger.Info("aggregator stopped")
}

// engineConfig maps config onto engine settings.
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.Interval = cfg.Aggregation.Interval
	ec.BufferSize = cfg.Aggregation.BufferSize
	ec.DedupRetention = cfg.Aggregation.DedupRetention
	ec.DedupSweepThreshold = cfg.Aggregation.DedupSweepThreshold
	ec.HealthThreshold = cfg.Aggregation.HealthThreshold
	return ec
}

// groupConfig maps config onto connection group settings.
func groupConfig(cfg *config.Config) connection.GroupConfig {
	return connection.GroupConfig{
		WSURL:                cfg.Exchange.WSURL,
		MaxConnections:       cfg.Connections.MaxCount,
		SymbolsPerConnection: cfg.Connections.SymbolsPerConnection,
		ReconnectBaseDelay:   cfg.Connections.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connections.ReconnectMaxDelay,
		PingInterval:         cfg.Connections.PingInterval,
		PingTimeout:          cfg.Connections.PingTimeout,
		SubscribeTimeout:     cfg.Connections.SubscribeTimeout,
		MessageBufferSize:    cfg.Connections.MessageBufferSize,
	}
}

// writerConfig maps config onto batch writer settings.
func writerConfig(cfg *config.Config) writer.WriterConfig {
	return writer.WriterConfig{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(pool *pgxpool.Pool, eng engine.Engine, group connection.Group, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		// Check database
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		// Check connection group
		gs := group.Stats()
		health.Components["connections"] = map[string]interface{}{
			"total":     gs.Connections,
			"connected": gs.ConnectedCount,
			"symbols":   gs.Symbols,
		}
		if gs.ConnectedCount == 0 {
			health.Status = "degraded"
		}

		// Engine counters
		es := eng.Stats()
		health.Components["engine"] = map[string]interface{}{
			"symbols":         es.Symbols,
			"trades_accepted": es.TradesAccepted,
			"duplicates":      es.DuplicatesDropped,
			"real_candles":    es.RealCandles,
			"forward_fills":   es.ForwardFillCandles,
			"gap_events":      es.GapEvents,
			"quarantined":     es.Quarantined,
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/candles", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			http.Error(w, "missing symbol parameter", http.StatusBadRequest)
			return
		}

		candles := eng.Snapshot(symbol)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbol":  symbol,
			"count":   len(candles),
			"candles": candles,
		})
	})

	return mux
}
