// Package orchestrator wires every component together in the startup
// order the component design specifies, fans out cancellation on
// shutdown, and waits (with a bound) for every worker to stop.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billygk/fundingwatch/internal/bybit"
	"github.com/billygk/fundingwatch/internal/config"
	"github.com/billygk/fundingwatch/internal/logger"
	"github.com/billygk/fundingwatch/internal/models"
	"github.com/billygk/fundingwatch/internal/scheduler"
	"github.com/billygk/fundingwatch/internal/store"
	"github.com/billygk/fundingwatch/internal/volatility"
	"github.com/billygk/fundingwatch/internal/watchlist"
	"github.com/billygk/fundingwatch/internal/wsfeed"
)

// Orchestrator owns the full component graph and its lifecycle.
type Orchestrator struct {
	cfg    *config.Config
	client *bybit.Client
	store  *store.Store

	builder   *watchlist.Builder
	volEngine *volatility.Engine
	sched     *scheduler.Scheduler

	connectors map[models.Category]*wsfeed.Connector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tickerCacheSpreadFetcher adapts a single already-fetched page of
// tickers into watchlist.SpreadFetcher. The rescan always fetches a
// fresh ticker page immediately before building the watchlist, so
// bid/ask here is never staler than the rest of the pass.
type tickerCacheSpreadFetcher struct {
	cache map[models.Symbol]models.TickerRow
}

func (f *tickerCacheSpreadFetcher) prime(rows []models.TickerRow) {
	f.cache = make(map[models.Symbol]models.TickerRow, len(rows))
	for _, r := range rows {
		f.cache[r.Symbol] = r
	}
}

func (f *tickerCacheSpreadFetcher) BidAsk(ctx context.Context, category models.Category, symbol models.Symbol) (decimal.Decimal, decimal.Decimal, bool) {
	row, ok := f.cache[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return row.Bid1Price, row.Ask1Price, true
}

// storeSink adapts *store.Store to wsfeed.TickerSink.
type storeSink struct {
	store *store.Store
}

func (s *storeSink) MergeTicker(symbol models.Symbol, patch models.LiveTicker) {
	s.store.MergeTicker(symbol, patch)
}

// rescanAdapter adapts the orchestrator's own rescan procedure to
// scheduler.WatchlistRefresher, so the scheduler package doesn't need to
// know about ExchangeClient or WatchlistBuilder directly.
type rescanAdapter struct {
	o *Orchestrator
}

func (a *rescanAdapter) Rescan(ctx context.Context) ([]models.FundingRecord, error) {
	instruments, err := a.o.fetchAllInstruments(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := a.o.fetchAllTickers(ctx)
	if err != nil {
		return nil, err
	}

	spreadFetcher := &tickerCacheSpreadFetcher{}
	spreadFetcher.prime(tickers)
	builder := watchlist.NewBuilder(a.o.cfg, nil, spreadFetcher, a.o.volEngine)

	result := builder.Build(ctx, instruments, tickers, nowMs())
	return recordsOf(result.FundingTable), nil
}

// subscriptionExtender adapts the orchestrator's live WS connectors to
// scheduler.SubscriptionExtender.
type subscriptionExtender struct {
	o *Orchestrator
}

func (e *subscriptionExtender) ExtendSubscriptions(category models.Category, symbols []models.Symbol) {
	conn, ok := e.o.connectors[category]
	if !ok || len(symbols) == 0 {
		return
	}
	conn.AddSymbols(symbols)
}

// New constructs every component but starts nothing; call Run to begin
// the startup sequence.
func New(cfg *config.Config) *Orchestrator {
	client := bybit.NewClient(
		cfg.BaseRESTURL,
		cfg.HTTPTimeout(),
		cfg.RateLimitN,
		cfg.RateLimitWindow(),
		cfg.RetryMaxAttempts,
		cfg.RetryBase(),
		cfg.BreakerFailThreshold,
		cfg.BreakerOpenDuration(),
	)

	st := store.New(time.Duration(cfg.LiveTickerTTLSec) * time.Second)

	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		store:      st,
		connectors: make(map[models.Category]*wsfeed.Connector),
	}
}

// Store exposes the shared state for renderers.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Run executes the 8-step startup sequence, then blocks until ctx is
// cancelled, at which point it runs the shutdown fan-out and returns.
// While waiting it does not check whether the started workers are still
// running.
func (o *Orchestrator) Run(ctx context.Context, listener models.OpportunityListener) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	// Step 3: fetch instruments, build category map.
	instruments, err := o.fetchAllInstruments(runCtx)
	if err != nil {
		return err
	}

	tickers, err := o.fetchAllTickers(runCtx)
	if err != nil {
		return err
	}

	spreadFetcher := &tickerCacheSpreadFetcher{}
	spreadFetcher.prime(tickers)

	instrumentCategory := make(map[models.Symbol]models.Category, len(instruments))
	for _, i := range instruments {
		instrumentCategory[i.Symbol] = i.Category
	}
	categoryOf := func(sym models.Symbol) models.Category {
		if cat, ok := instrumentCategory[sym]; ok {
			return cat
		}
		// No official mapping for this symbol (e.g. it rotated off the
		// instruments-info universe between rescans): fall back to the
		// documented naming heuristic rather than guessing linear.
		if strings.Contains(string(sym), "USDT") {
			return models.CategoryLinear
		}
		return models.CategoryInverse
	}

	o.volEngine = volatility.New(o.client, cfg2ttl(o.cfg), o.cfg.VolatilityPoolSize, categoryOf)
	o.builder = watchlist.NewBuilder(o.cfg, nil, spreadFetcher, o.volEngine)

	// Step 4: first WatchlistBuilder pass.
	result := o.builder.Build(runCtx, instruments, tickers, nowMs())
	o.store.ReplaceWatchlist(recordsOf(result.FundingTable))

	// Step 5: start VolatilityEngine refresher.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.volatilityRefreshLoop(runCtx)
	}()

	// Step 5b: start the Store's stale-live-ticker purge loop.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.purgeExpiredLoop(runCtx)
	}()

	// Step 6: start WSConnector(s) for categories in use.
	if len(result.LinearSymbols) > 0 {
		o.startConnector(runCtx, models.CategoryLinear, o.cfg.BaseWSURLLinear, result.LinearSymbols)
	}
	if len(result.InverseSymbols) > 0 {
		o.startConnector(runCtx, models.CategoryInverse, o.cfg.BaseWSURLInverse, result.InverseSymbols)
	}

	// Step 7: start Scheduler (rescan + imminent-funding).
	refresher := &rescanAdapter{o: o}
	extender := &subscriptionExtender{o: o}
	o.sched = scheduler.New(o.store, refresher, extender, listener,
		time.Duration(o.cfg.RescanIntervalSec)*time.Second,
		time.Duration(o.cfg.ScanSchedulerIntervalSec)*time.Second,
		o.cfg.FundingThresholdMinutes,
	)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sched.Run(runCtx)
	}()

	// Step 8: wait state.
	<-runCtx.Done()
	return o.shutdown()
}

// Shutdown cancels every worker's context. Safe to call once.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) shutdown() error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("orchestrator: all workers stopped cleanly")
	case <-time.After(time.Duration(o.cfg.ShutdownTimeoutSec) * time.Second):
		logger.Warnf("orchestrator: shutdown timeout elapsed, some workers may still be running")
	}

	o.client.Close()
	return nil
}

func (o *Orchestrator) startConnector(ctx context.Context, category models.Category, url string, symbols []models.Symbol) {
	sink := &storeSink{store: o.store}
	conn := wsfeed.New(category, url, o.cfg.WSSubChunkSize, o.cfg.WSIdleTimeout(), sink, symbols)
	o.connectors[category] = conn

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		conn.Run(ctx)
	}()
}

func (o *Orchestrator) volatilityRefreshLoop(ctx context.Context) {
	interval := o.cfg.VolatilityRefreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := activeSymbols(o.store)
			o.volEngine.RefreshOnce(ctx, active)
			for _, sym := range active {
				if sigma, ok := o.volEngine.Sigma(sym); ok {
					o.store.SetVolatility(sym, sigma)
				}
			}
		}
	}
}

// purgeExpiredLoop periodically drops realtime-table entries that have
// aged past T_live. Snapshot already ignores such entries on read; the
// purge reclaims their memory for symbols whose WS feed has gone quiet.
func (o *Orchestrator) purgeExpiredLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.LiveTickerTTLSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.store.PurgeExpired()
		}
	}
}

func activeSymbols(st *store.Store) []models.Symbol {
	recs := st.FundingRecords()
	out := make([]models.Symbol, 0, len(recs))
	for sym := range recs {
		out = append(out, sym)
	}
	return out
}

func (o *Orchestrator) fetchAllInstruments(ctx context.Context) ([]models.InstrumentInfo, error) {
	var out []models.InstrumentInfo
	for _, cat := range categoriesFor(o.cfg.Category) {
		rows, err := o.client.FetchInstruments(ctx, cat)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (o *Orchestrator) fetchAllTickers(ctx context.Context) ([]models.TickerRow, error) {
	var out []models.TickerRow
	for _, cat := range categoriesFor(o.cfg.Category) {
		rows, err := o.client.FetchTickers(ctx, cat)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func categoriesFor(cfg string) []models.Category {
	switch cfg {
	case "linear":
		return []models.Category{models.CategoryLinear}
	case "inverse":
		return []models.Category{models.CategoryInverse}
	default:
		return []models.Category{models.CategoryLinear, models.CategoryInverse}
	}
}

func recordsOf(table map[models.Symbol]models.FundingRecord) []models.FundingRecord {
	out := make([]models.FundingRecord, 0, len(table))
	for _, rec := range table {
		out = append(out, rec)
	}
	return out
}

func cfg2ttl(cfg *config.Config) time.Duration { return cfg.VolatilityTTL() }

// nowMs is kept as a thin wrapper so every "now" reference in this
// package routes through one place.
func nowMs() int64 { return time.Now().UnixMilli() }
