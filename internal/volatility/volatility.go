// Package volatility implements VolatilityEngine: a TTL cache of
// per-symbol realized volatility, refreshed by batched, bounded-
// concurrency kline fetches.
package volatility

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/billygk/fundingwatch/internal/logger"
	"github.com/billygk/fundingwatch/internal/models"
)

const cacheKeyPrefix = "volatility_5m_"

// KlineFetcher is the narrow ExchangeClient surface the engine needs: a
// 5-minute kline window per symbol.
type KlineFetcher interface {
	FetchKline(ctx context.Context, category models.Category, symbol models.Symbol, intervalMinutes int, limit int) ([]models.Candle, error)
}

// entry is one VolatilityCache row.
type entry struct {
	sigma      decimal.Decimal
	computedAt time.Time
}

// Engine owns the volatility cache and its refresh loop. The cache key is
// logically "volatility_5m_"+symbol — an opaque prefix kept verbatim from
// how the original tool namespaced it, in case a future cache backend
// shares key space with other TTL'd lookups.
type Engine struct {
	client   KlineFetcher
	ttl      time.Duration
	pool     *semaphore.Weighted
	category func(models.Symbol) models.Category

	mu    sync.RWMutex
	cache map[models.Symbol]entry

	pendingMu sync.Mutex
	pending   map[models.Symbol]bool
}

// New builds a VolatilityEngine. poolSize bounds how many kline fetches
// run concurrently during a batch refresh. categoryOf resolves a
// symbol's category so the engine can call FetchKline correctly.
func New(client KlineFetcher, ttl time.Duration, poolSize int, categoryOf func(models.Symbol) models.Category) *Engine {
	return &Engine{
		client:   client,
		ttl:      ttl,
		pool:     semaphore.NewWeighted(int64(poolSize)),
		category: categoryOf,
		cache:    make(map[models.Symbol]entry),
		pending:  make(map[models.Symbol]bool),
	}
}

// Sigma implements watchlist.VolatilityLookup: a fresh cache hit returns
// (sigma, true); a miss or expired entry returns (0, false).
func (e *Engine) Sigma(symbol models.Symbol) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ent, ok := e.cache[symbol]
	if !ok || time.Since(ent.computedAt) > e.ttl {
		return decimal.Zero, false
	}
	return ent.sigma, true
}

// EnqueueMissing marks symbols for compute on the next RefreshOnce call,
// deduplicating against symbols already pending.
func (e *Engine) EnqueueMissing(symbols []models.Symbol) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for _, s := range symbols {
		e.pending[s] = true
	}
}

// RefreshOnce computes volatility for every currently-pending symbol plus
// every symbol in activeSymbols whose cache entry has expired, bounded to
// poolSize concurrent kline fetches. Failed symbols get exactly one retry
// within this same cycle; a symbol that fails twice is left stale (or
// absent) until the next cycle.
func (e *Engine) RefreshOnce(ctx context.Context, activeSymbols []models.Symbol) {
	targets := e.collectTargets(activeSymbols)

	if len(targets) > 0 {
		var wg sync.WaitGroup
		for _, sym := range targets {
			sym := sym
			if err := e.pool.Acquire(ctx, 1); err != nil {
				e.evictInactive(activeSymbols)
				return
			}
			wg.Add(1)
			go func() {
				defer e.pool.Release(1)
				defer wg.Done()
				e.computeWithRetry(ctx, sym)
			}()
		}
		wg.Wait()

		e.pendingMu.Lock()
		for _, sym := range targets {
			delete(e.pending, sym)
		}
		e.pendingMu.Unlock()
	}

	e.evictInactive(activeSymbols)
}

// evictInactive drops cache entries for symbols no longer on the active
// watchlist, bounding VolatilityCache to the current universe's size
// rather than letting it grow across every symbol ever seen.
func (e *Engine) evictInactive(activeSymbols []models.Symbol) {
	active := make(map[models.Symbol]bool, len(activeSymbols))
	for _, sym := range activeSymbols {
		active[sym] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for sym := range e.cache {
		if !active[sym] {
			delete(e.cache, sym)
		}
	}
}

func (e *Engine) collectTargets(activeSymbols []models.Symbol) []models.Symbol {
	seen := make(map[models.Symbol]bool)
	var out []models.Symbol

	e.pendingMu.Lock()
	for sym := range e.pending {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	e.pendingMu.Unlock()

	e.mu.RLock()
	for _, sym := range activeSymbols {
		ent, ok := e.cache[sym]
		if !ok || time.Since(ent.computedAt) > e.ttl {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	e.mu.RUnlock()

	return out
}

func (e *Engine) computeWithRetry(ctx context.Context, symbol models.Symbol) {
	sigma, err := e.compute(ctx, symbol)
	if err != nil {
		sigma, err = e.compute(ctx, symbol)
	}
	if err != nil {
		logger.Warnf("volatility: compute failed for %s after retry: %v", symbol, err)
		return
	}

	e.mu.Lock()
	e.cache[symbol] = entry{sigma: sigma, computedAt: time.Now()}
	e.mu.Unlock()
}

// compute fetches a 30-point 5-minute kline window and returns the
// standard deviation of log-returns across it.
func (e *Engine) compute(ctx context.Context, symbol models.Symbol) (decimal.Decimal, error) {
	candles, err := e.client.FetchKline(ctx, e.category(symbol), symbol, 5, 30)
	if err != nil {
		return decimal.Zero, err
	}
	return logReturnStdDev(candles), nil
}

// logReturnStdDev computes the population standard deviation of
// consecutive log-returns over a candle series. Fewer than 2 candles
// yields zero volatility rather than a division error.
func logReturnStdDev(candles []models.Candle) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		cur, _ := candles[i].Close.Float64()
		if prev <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) == 0 {
		return decimal.Zero
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sqDiffSum float64
	for _, r := range returns {
		d := r - mean
		sqDiffSum += d * d
	}
	variance := sqDiffSum / float64(len(returns))
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// CacheKey mirrors the opaque namespacing the cache is conceptually keyed
// under; exposed for callers/tests that need to reason about key shape
// without reaching into the unexported cache map.
func CacheKey(symbol models.Symbol) string {
	return cacheKeyPrefix + string(symbol)
}
