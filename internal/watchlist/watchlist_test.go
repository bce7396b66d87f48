package watchlist

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/billygk/fundingwatch/internal/config"
	"github.com/billygk/fundingwatch/internal/models"
)

type fakeSpread struct {
	bidAsk map[models.Symbol][2]string
}

func (f *fakeSpread) BidAsk(ctx context.Context, category models.Category, symbol models.Symbol) (decimal.Decimal, decimal.Decimal, bool) {
	pair, ok := f.bidAsk[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return decimal.RequireFromString(pair[0]), decimal.RequireFromString(pair[1]), true
}

type fakeVolatility struct {
	sigmas  map[models.Symbol]string
	missing []models.Symbol
}

func (f *fakeVolatility) Sigma(symbol models.Symbol) (decimal.Decimal, bool) {
	s, ok := f.sigmas[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return decimal.RequireFromString(s), true
}

func (f *fakeVolatility) EnqueueMissing(symbols []models.Symbol) {
	f.missing = append(f.missing, symbols...)
}

func ptr(f float64) *float64 { return &f }

func baseConfig() *config.Config {
	return &config.Config{
		VolumeMinMillions:     0,
		SpreadMax:             1,
		FundingTimeMinMinutes: 0,
		FundingTimeMaxMinutes: 1440,
		Limit:                 100,
		Weights: config.Weights{
			Funding: 10, Volume: 0.5, Spread: 5, Volatility: 2, TopSymbols: 20,
		},
	}
}

func TestFundingFilterInclusiveBoundary(t *testing.T) {
	cfg := baseConfig()
	cfg.FundingMin = ptr(0.0001)
	cfg.FundingMax = ptr(0.0002)

	instruments := []models.InstrumentInfo{
		{Symbol: "ATEDGE", Category: models.CategoryLinear, ContractType: "LinearPerpetual", Status: "Trading"},
		{Symbol: "BELOW", Category: models.CategoryLinear, ContractType: "LinearPerpetual", Status: "Trading"},
	}
	now := int64(1_000_000)
	tickers := []models.TickerRow{
		{Symbol: "ATEDGE", FundingRate: decimal.RequireFromString("0.0001"), Volume24h: decimal.NewFromInt(1000), NextFundingTime: now + 60000},
		{Symbol: "BELOW", FundingRate: decimal.RequireFromString("0.00009"), Volume24h: decimal.NewFromInt(1000), NextFundingTime: now + 60000},
	}

	b := &Builder{cfg: cfg}
	universe := b.assembleUniverse(instruments)
	candidates := b.filterFundingVolumeTime(universe, indexTickers(tickers), now)

	if len(candidates) != 1 || candidates[0].rec.Symbol != "ATEDGE" {
		t.Fatalf("expected exactly ATEDGE (boundary-inclusive) to survive, got %+v", candidates)
	}
}

func TestSpreadFilterBoundary(t *testing.T) {
	cfg := baseConfig()
	cfg.SpreadMax = 0.01 // 1%

	spread := &fakeSpread{bidAsk: map[models.Symbol][2]string{
		"ATMAX": {"99.5", "100.5"}, // spread = 1/100 = 1% exactly
		"OVER":  {"99", "101"},     // spread = 2%
	}}

	b := &Builder{cfg: cfg, spread: spread}
	in := []candidate{
		{rec: models.FundingRecord{Symbol: "ATMAX", Category: models.CategoryLinear}},
		{rec: models.FundingRecord{Symbol: "OVER", Category: models.CategoryLinear}},
	}

	out := b.filterSpread(context.Background(), in)
	if len(out) != 1 || out[0].rec.Symbol != "ATMAX" {
		t.Fatalf("expected only ATMAX (spread == spread_max) to survive, got %+v", out)
	}
}

func TestVolatilityFilterDropsUnknownWhenBoundSet(t *testing.T) {
	cfg := baseConfig()
	cfg.VolatilityMin = ptr(0.01)

	vol := &fakeVolatility{sigmas: map[models.Symbol]string{
		"KNOWN": "0.02",
	}}

	b := &Builder{cfg: cfg, vol: vol}
	in := []candidate{
		{rec: models.FundingRecord{Symbol: "KNOWN"}},
		{rec: models.FundingRecord{Symbol: "UNKNOWN"}},
	}

	out := b.filterVolatility(in)
	if len(out) != 1 || out[0].rec.Symbol != "KNOWN" {
		t.Fatalf("expected UNKNOWN to be dropped when a volatility bound is set, got %+v", out)
	}
	if len(vol.missing) != 1 || vol.missing[0] != "UNKNOWN" {
		t.Errorf("expected UNKNOWN to be enqueued for volatility compute, got %+v", vol.missing)
	}
}

func TestScoringSortsDescendingTieBrokenBySymbol(t *testing.T) {
	cfg := baseConfig()
	b := &Builder{cfg: cfg}

	in := []candidate{
		{rec: models.FundingRecord{Symbol: "ZSAME", FundingRate: decimal.RequireFromString("0.001"), Volume24h: decimal.NewFromInt(1000), SpreadPct: decimal.Zero}},
		{rec: models.FundingRecord{Symbol: "ASAME", FundingRate: decimal.RequireFromString("0.001"), Volume24h: decimal.NewFromInt(1000), SpreadPct: decimal.Zero}},
		{rec: models.FundingRecord{Symbol: "HIGHEST", FundingRate: decimal.RequireFromString("0.01"), Volume24h: decimal.NewFromInt(1000), SpreadPct: decimal.Zero}},
	}

	out := b.score(in)
	if out[0].rec.Symbol != "HIGHEST" {
		t.Errorf("expected HIGHEST funding rate to score first, got %s", out[0].rec.Symbol)
	}
	if out[1].rec.Symbol != "ASAME" || out[2].rec.Symbol != "ZSAME" {
		t.Errorf("expected tie broken by symbol ascending (ASAME before ZSAME), got %s, %s", out[1].rec.Symbol, out[2].rec.Symbol)
	}
}

func TestHardLimitTruncates(t *testing.T) {
	cfg := baseConfig()
	cfg.Limit = 2
	b := &Builder{cfg: cfg}

	in := []candidate{
		{rec: models.FundingRecord{Symbol: "A"}},
		{rec: models.FundingRecord{Symbol: "B"}},
		{rec: models.FundingRecord{Symbol: "C"}},
	}
	out := b.applyHardLimit(in)
	if len(out) != 2 {
		t.Errorf("expected hard limit to truncate to 2, got %d", len(out))
	}
}
