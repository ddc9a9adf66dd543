package universe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Resolver fetches the current trading universe. *Client implements it.
type Resolver interface {
	TradingSymbols(ctx context.Context, quoteAsset string) ([]string, error)
}

// Registrar accepts symbols into the aggregation engine.
type Registrar interface {
	Register(symbol string)
}

// Subscriber attaches symbols to a live market-data subscription.
type Subscriber interface {
	AddSymbol(symbol string) error
}

// Refresher periodically re-resolves the universe and reconciles newly
// listed symbols into the running system.
type Refresher struct {
	resolver   Resolver
	registrar  Registrar
	subscriber Subscriber
	quoteAsset string
	interval   time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher seeded with the initial universe.
func NewRefresher(resolver Resolver, registrar Registrar, subscriber Subscriber, quoteAsset string, interval time.Duration, initial []string, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	known := make(map[string]struct{}, len(initial))
	for _, s := range initial {
		known[s] = struct{}{}
	}

	return &Refresher{
		resolver:   resolver,
		registrar:  registrar,
		subscriber: subscriber,
		quoteAsset: quoteAsset,
		interval:   interval,
		logger:     logger,
		known:      known,
	}
}

// Start launches the refresh loop. A non-positive interval disables it.
func (r *Refresher) Start(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("universe refresh disabled")
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.refreshLoop(ctx)

	r.logger.Info("universe refresher started", "interval", r.interval)
	return nil
}

// Stop shuts down the refresh loop.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("refresher stop: %w", ctx.Err())
	}
}

// Known returns the number of symbols currently tracked.
func (r *Refresher) Known() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}

func (r *Refresher) refreshLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("universe refresh failed", "error", err)
			}
		}
	}
}

// refresh fetches the universe and wires up any newly listed symbols.
// Delisted symbols are left alone; their streams just go quiet.
func (r *Refresher) refresh(ctx context.Context) error {
	symbols, err := r.resolver.TradingSymbols(ctx, r.quoteAsset)
	if err != nil {
		return err
	}

	added := 0
	for _, sym := range symbols {
		r.mu.Lock()
		_, seen := r.known[sym]
		r.mu.Unlock()
		if seen {
			continue
		}

		// Register with the engine before subscribing so no trade
		// arrives for an unknown symbol.
		r.registrar.Register(sym)

		if err := r.subscriber.AddSymbol(sym); err != nil {
			r.logger.Warn("failed to subscribe new symbol",
				"symbol", sym,
				"error", err,
			)
			continue
		}

		r.mu.Lock()
		r.known[sym] = struct{}{}
		r.mu.Unlock()

		r.logger.Info("new symbol listed", "symbol", sym)
		added++
	}

	if added > 0 {
		r.logger.Info("universe refreshed", "added", added, "total", r.Known())
	}
	return nil
}
