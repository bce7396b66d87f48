// Package models holds the domain types shared by every component of the
// funding-rate tracker: symbols, REST row shapes, the live ticker patch
// applied by the WebSocket feed, and the ranked snapshot served to
// renderers and to the (external) trading layer.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is the margin currency of a perpetual contract.
type Category string

const (
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

// Symbol is an exchange instrument identifier, e.g. "BTCUSDT".
type Symbol string

// InstrumentInfo is one row of /v5/market/instruments-info.
type InstrumentInfo struct {
	Symbol       Symbol
	Category     Category
	ContractType string // "LinearPerpetual", "InversePerpetual", ...
	Status       string // "Trading", "Listed", ...
}

// TickerRow is one row of /v5/market/tickers.
type TickerRow struct {
	Symbol          Symbol
	FundingRate     decimal.Decimal
	Volume24h       decimal.Decimal
	Bid1Price       decimal.Decimal
	Ask1Price       decimal.Decimal
	NextFundingTime int64 // epoch ms
	MarkPrice       decimal.Decimal
	LastPrice       decimal.Decimal
}

// Candle is one row of /v5/market/kline.
type Candle struct {
	StartTime int64 // epoch ms
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// FundingRecord is the REST-sourced, per-symbol row maintained by the
// watchlist builder and refreshed in place by the scheduler's rescans.
type FundingRecord struct {
	Symbol              Symbol
	Category            Category
	FundingRate         decimal.Decimal
	Volume24h           decimal.Decimal
	NextFundingTs       int64 // epoch ms, source of truth for the countdown
	SpreadPct           decimal.Decimal
	VolatilityPct       *decimal.Decimal // nil until computed
	Weight              *decimal.Decimal // nil until scored
	FundingTimeRemaining string          // derived, human string; Store.Snapshot computes it into SnapshotRow instead
}

// LiveTicker is the WS-sourced, last-writer-wins record for a symbol.
// Every pointer field is either nil (never observed) or holds a value
// that came from a real frame — never a synthetic zero.
type LiveTicker struct {
	FundingRate     *decimal.Decimal
	Volume24h       *decimal.Decimal
	Bid1            *decimal.Decimal
	Ask1            *decimal.Decimal
	NextFundingTime *int64
	MarkPrice       *decimal.Decimal
	LastPrice       *decimal.Decimal
	Ts              time.Time
}

// Merge applies patch on top of t per the spec's merge rule: non-nil
// fields in patch overwrite; nil fields preserve the prior value. Ts is
// advanced to patch.Ts if patch.Ts is not zero. Merge never moves Ts
// backwards: a patch stamped earlier than the current Ts is ignored.
func (t *LiveTicker) Merge(patch LiveTicker) {
	if !patch.Ts.IsZero() && patch.Ts.Before(t.Ts) {
		return
	}
	if patch.FundingRate != nil {
		t.FundingRate = patch.FundingRate
	}
	if patch.Volume24h != nil {
		t.Volume24h = patch.Volume24h
	}
	if patch.Bid1 != nil {
		t.Bid1 = patch.Bid1
	}
	if patch.Ask1 != nil {
		t.Ask1 = patch.Ask1
	}
	if patch.NextFundingTime != nil {
		t.NextFundingTime = patch.NextFundingTime
	}
	if patch.MarkPrice != nil {
		t.MarkPrice = patch.MarkPrice
	}
	if patch.LastPrice != nil {
		t.LastPrice = patch.LastPrice
	}
	if !patch.Ts.IsZero() {
		t.Ts = patch.Ts
	}
}

// SnapshotRow is one ranked row served to renderers and to the trading
// layer via Store.Snapshot().
type SnapshotRow struct {
	Symbol               Symbol
	Category             Category
	FundingRate          decimal.Decimal
	Volume24h            decimal.Decimal
	SpreadPct            decimal.Decimal
	VolatilityPct        *decimal.Decimal
	FundingTimeRemaining string
	Weight               *decimal.Decimal
}

// OpportunityImminent is fired by the scheduler's imminent-funding watch
// when the top-ranked symbol's time-to-funding drops below the
// configured threshold. Idempotent per (Symbol, FundingEpochMs).
type OpportunityImminent struct {
	Symbol          Symbol
	SecondsRemaining int64
	FundingEpochMs   int64
}

// OpportunityListener is the narrow upcall interface the scheduler holds
// instead of a back-pointer to its owner. The (external) trading layer
// implements it.
type OpportunityListener interface {
	OnOpportunity(event OpportunityImminent)
}
