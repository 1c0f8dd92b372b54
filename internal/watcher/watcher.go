// Package watcher monitors the treasury balance.
//
// Distribution runs fail their preflight when the treasury cannot cover the
// pool, so the watcher raises the alarm before the next run does.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/tokens"
)

// BalanceSource reads the treasury balance.
type BalanceSource interface {
	Treasury() string
	Decimals() int
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// Config for the treasury watcher
type Config struct {
	PollInterval time.Duration
	// PoolTokens is the low-water mark in whole tokens.
	PoolTokens int64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{PollInterval: time.Minute}
}

// Status is the last observation.
type Status struct {
	Balance   *big.Int
	Low       bool
	CheckedAt time.Time
}

// Watcher polls the treasury balance.
type Watcher struct {
	source BalanceSource
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	last    *Status
	started bool

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New creates a new treasury watcher
func New(cfg Config, source BalanceSource, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Watcher{
		source: source,
		config: cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start checks once and then polls until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	if err := w.Check(ctx); err != nil {
		w.logger.Warn("treasury check failed", "error", err)
	}
	w.logger.Info("treasury watcher started",
		"treasury", w.source.Treasury(),
		"interval", w.config.PollInterval,
	)

	go w.pollLoop(ctx)
}

// Stop stops the watcher. It is a no-op if Start was never called.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Check(ctx); err != nil {
				w.logger.Error("treasury check failed", "error", err)
			}
		}
	}
}

// Check reads the balance once and updates the low flag. A failed read keeps
// the previous status.
func (w *Watcher) Check(ctx context.Context) error {
	bal, err := w.source.Balance(ctx, w.source.Treasury())
	if err != nil {
		return fmt.Errorf("read treasury balance: %w", err)
	}

	decimals := w.source.Decimals()
	need := tokens.ToBaseUnits(w.config.PoolTokens, decimals)
	low := bal.Cmp(need) < 0

	w.mu.Lock()
	wasLow := w.last != nil && w.last.Low
	w.last = &Status{Balance: new(big.Int).Set(bal), Low: low, CheckedAt: time.Now()}
	w.mu.Unlock()

	whole, _ := new(big.Float).Quo(
		new(big.Float).SetInt(bal),
		new(big.Float).SetInt(tokens.ToBaseUnits(1, decimals)),
	).Float64()
	metrics.TreasuryBalance.Set(whole)

	switch {
	case low && !wasLow:
		metrics.TreasuryLow.Set(1)
		w.logger.Warn("treasury below distribution pool",
			"balance", tokens.Format(bal, decimals),
			"pool", tokens.Format(need, decimals),
		)
	case !low && wasLow:
		metrics.TreasuryLow.Set(0)
		w.logger.Info("treasury replenished", "balance", tokens.Format(bal, decimals))
	}
	return nil
}

// Last returns a copy of the last observation, or nil before the first
// successful check.
func (w *Watcher) Last() *Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return nil
	}
	cp := *w.last
	cp.Balance = new(big.Int).Set(w.last.Balance)
	return &cp
}
