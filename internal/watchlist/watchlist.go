// Package watchlist implements WatchlistBuilder: the seven-stage filter
// pipeline that turns raw instrument/ticker rows into a ranked set of
// funding-rate opportunities.
package watchlist

import (
	"context"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/billygk/fundingwatch/internal/config"
	"github.com/billygk/fundingwatch/internal/logger"
	"github.com/billygk/fundingwatch/internal/models"
)

// staticBlacklist holds symbols known to be delisted or otherwise unfit
// for tracking regardless of what instruments-info currently reports.
// Kept alongside the dynamic per-instrument status check rather than
// instead of it: either signal alone has been wrong before.
var staticBlacklist = map[models.Symbol]bool{}

// SpotLister is the optional spot-availability collaborator (stage 3).
// A nil SpotLister skips the stage entirely.
type SpotLister interface {
	IsSpotListed(symbol models.Symbol) bool
}

// SpreadFetcher supplies fresh bid/ask for stage 4. In practice this is
// backed by the same ExchangeClient used elsewhere, or by already-hot WS
// state when available.
type SpreadFetcher interface {
	BidAsk(ctx context.Context, category models.Category, symbol models.Symbol) (bid, ask decimal.Decimal, ok bool)
}

// VolatilityLookup is the VolatilityCache read surface (stage 5). Misses
// are enqueued by the caller via EnqueueMissing, not computed inline.
type VolatilityLookup interface {
	Sigma(symbol models.Symbol) (sigma decimal.Decimal, ok bool)
	EnqueueMissing(symbols []models.Symbol)
}

// Result is what the builder returns: the split symbol sets and both
// funding tables, matching spec.md's WatchlistState shape.
type Result struct {
	LinearSymbols        []models.Symbol
	InverseSymbols       []models.Symbol
	FundingTable         map[models.Symbol]models.FundingRecord
	OriginalFundingTable map[models.Symbol]int64
}

// Builder runs the filter pipeline. It holds no state of its own between
// calls — every Build call is a fresh pass over the inputs given.
type Builder struct {
	cfg      *config.Config
	spot     SpotLister
	spread   SpreadFetcher
	vol      VolatilityLookup
}

func NewBuilder(cfg *config.Config, spot SpotLister, spread SpreadFetcher, vol VolatilityLookup) *Builder {
	return &Builder{cfg: cfg, spot: spot, spread: spread, vol: vol}
}

type candidate struct {
	rec models.FundingRecord
}

// Build runs the full seven-stage pipeline over instruments+tickers and
// returns the ranked result. A single-symbol error at any stage is
// skipped with a log line; it never aborts the whole pass. Total REST
// failure is the caller's concern (an empty or error-bearing tickers
// slice should not even reach Build).
func (b *Builder) Build(ctx context.Context, instruments []models.InstrumentInfo, tickers []models.TickerRow, now int64) Result {
	universe := b.assembleUniverse(instruments)
	byRow := indexTickers(tickers)

	candidates := b.filterFundingVolumeTime(universe, byRow, now)
	candidates = b.filterSpotAvailability(candidates)
	candidates = b.filterSpread(ctx, candidates)
	candidates = b.filterVolatility(candidates)
	candidates = b.applyHardLimit(candidates)
	candidates = b.score(candidates)

	return b.materialize(candidates)
}

// assembleUniverse is stage 1: union of linear+inverse perpetual symbols
// with a tradeable status, minus the static blacklist.
func (b *Builder) assembleUniverse(instruments []models.InstrumentInfo) []models.InstrumentInfo {
	out := make([]models.InstrumentInfo, 0, len(instruments))
	for _, inst := range instruments {
		if staticBlacklist[inst.Symbol] {
			continue
		}
		switch inst.ContractType {
		case "LinearPerpetual", "InversePerpetual":
		default:
			continue
		}
		switch inst.Status {
		case "Trading", "Listed":
		default:
			continue
		}
		out = append(out, inst)
	}
	return out
}

func indexTickers(tickers []models.TickerRow) map[models.Symbol]models.TickerRow {
	m := make(map[models.Symbol]models.TickerRow, len(tickers))
	for _, t := range tickers {
		m[t.Symbol] = t
	}
	return m
}

// filterFundingVolumeTime is stage 2.
func (b *Builder) filterFundingVolumeTime(universe []models.InstrumentInfo, byRow map[models.Symbol]models.TickerRow, now int64) []candidate {
	var out []candidate
	for _, inst := range universe {
		row, ok := byRow[inst.Symbol]
		if !ok {
			logger.Debugf("watchlist: no ticker row for %s, skipping", inst.Symbol)
			continue
		}

		rate, _ := row.FundingRate.Float64()
		if b.cfg.FundingMin != nil && rate < *b.cfg.FundingMin {
			continue
		}
		if b.cfg.FundingMax != nil && rate > *b.cfg.FundingMax {
			continue
		}

		minVolume := decimal.NewFromFloat(b.cfg.VolumeMinMillions * 1e6)
		if row.Volume24h.LessThan(minVolume) {
			continue
		}

		minutesToFunding := float64(row.NextFundingTime-now) / 60000.0
		if minutesToFunding < float64(b.cfg.FundingTimeMinMinutes) || minutesToFunding > float64(b.cfg.FundingTimeMaxMinutes) {
			continue
		}

		out = append(out, candidate{rec: models.FundingRecord{
			Symbol:        inst.Symbol,
			Category:      inst.Category,
			FundingRate:   row.FundingRate,
			Volume24h:     row.Volume24h,
			NextFundingTs: row.NextFundingTime,
		}})
	}
	return out
}

// filterSpotAvailability is stage 3; a no-op when the collaborator isn't wired.
func (b *Builder) filterSpotAvailability(in []candidate) []candidate {
	if b.spot == nil {
		return in
	}
	out := in[:0]
	for _, c := range in {
		if b.spot.IsSpotListed(c.rec.Symbol) {
			out = append(out, c)
		}
	}
	return out
}

// filterSpread is stage 4.
func (b *Builder) filterSpread(ctx context.Context, in []candidate) []candidate {
	var out []candidate
	for _, c := range in {
		bid, ask, ok := b.spread.BidAsk(ctx, c.rec.Category, c.rec.Symbol)
		if !ok || bid.IsZero() || ask.IsZero() || ask.LessThanOrEqual(bid) {
			logger.Debugf("watchlist: invalid bid/ask for %s, skipping", c.rec.Symbol)
			continue
		}
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		spreadPct := ask.Sub(bid).Div(mid)
		if spreadPct.GreaterThan(decimal.NewFromFloat(b.cfg.SpreadMax)) {
			continue
		}
		c.rec.SpreadPct = spreadPct
		out = append(out, c)
	}
	return out
}

// filterVolatility is stage 5.
func (b *Builder) filterVolatility(in []candidate) []candidate {
	var missing []models.Symbol
	var out []candidate

	for _, c := range in {
		sigma, ok := b.vol.Sigma(c.rec.Symbol)
		if !ok {
			missing = append(missing, c.rec.Symbol)
			if b.cfg.VolatilityMin != nil || b.cfg.VolatilityMax != nil {
				continue // bound set but sigma unknown: drop
			}
			out = append(out, c)
			continue
		}

		f, _ := sigma.Float64()
		if b.cfg.VolatilityMin != nil && f < *b.cfg.VolatilityMin {
			continue
		}
		if b.cfg.VolatilityMax != nil && f > *b.cfg.VolatilityMax {
			continue
		}
		c.rec.VolatilityPct = &sigma
		out = append(out, c)
	}

	if len(missing) > 0 {
		b.vol.EnqueueMissing(missing)
	}
	return out
}

// applyHardLimit is stage 6.
func (b *Builder) applyHardLimit(in []candidate) []candidate {
	if len(in) <= b.cfg.Limit {
		return in
	}
	return in[:b.cfg.Limit]
}

// score is stage 7: weighted linear score, descending sort, truncate to
// top_symbols, ties broken by symbol ascending.
func (b *Builder) score(in []candidate) []candidate {
	w := b.cfg.Weights
	for i := range in {
		rec := &in[i].rec
		fundingAbs, _ := rec.FundingRate.Abs().Float64()
		volume, _ := rec.Volume24h.Float64()
		spread, _ := rec.SpreadPct.Float64()
		var sigma float64
		if rec.VolatilityPct != nil {
			sigma, _ = rec.VolatilityPct.Float64()
		}

		score := w.Funding*fundingAbs + w.Volume*math.Log1p(volume) - w.Spread*spread - w.Volatility*sigma
		weight := decimal.NewFromFloat(score)
		rec.Weight = &weight
	}

	sort.Slice(in, func(i, j int) bool {
		wi, wj := in[i].rec.Weight, in[j].rec.Weight
		if !wi.Equal(*wj) {
			return wi.GreaterThan(*wj)
		}
		return in[i].rec.Symbol < in[j].rec.Symbol
	})

	if len(in) > w.TopSymbols {
		in = in[:w.TopSymbols]
	}
	return in
}

func (b *Builder) materialize(in []candidate) Result {
	res := Result{
		FundingTable:         make(map[models.Symbol]models.FundingRecord, len(in)),
		OriginalFundingTable: make(map[models.Symbol]int64, len(in)),
	}
	for _, c := range in {
		res.FundingTable[c.rec.Symbol] = c.rec
		res.OriginalFundingTable[c.rec.Symbol] = c.rec.NextFundingTs
		switch c.rec.Category {
		case models.CategoryLinear:
			res.LinearSymbols = append(res.LinearSymbols, c.rec.Symbol)
		case models.CategoryInverse:
			res.InverseSymbols = append(res.InverseSymbols, c.rec.Symbol)
		}
	}
	return res
}
