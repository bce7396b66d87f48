// Package store holds the tracker's live state: a REST-sourced funding
// table, a WS-sourced realtime table, and the category/universe map, each
// behind its own lock so readers of one never block writers of another.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billygk/fundingwatch/internal/models"
)

// Store is the single point of truth the rest of the system reads and
// writes through. Three independent locks back three logical tables:
// funding (REST), realtime (WS), and categories (read-mostly universe).
type Store struct {
	liveTTL time.Duration

	fundingMu sync.RWMutex
	funding   map[models.Symbol]models.FundingRecord

	realtimeMu sync.RWMutex
	realtime   map[models.Symbol]*models.LiveTicker

	catMu      sync.RWMutex
	categories map[models.Symbol]models.Category
}

// New builds an empty Store. liveTTL is T_live: how stale a WS-sourced
// value may be before Snapshot prefers the REST fallback instead.
func New(liveTTL time.Duration) *Store {
	return &Store{
		liveTTL:    liveTTL,
		funding:    make(map[models.Symbol]models.FundingRecord),
		realtime:   make(map[models.Symbol]*models.LiveTicker),
		categories: make(map[models.Symbol]models.Category),
	}
}

// ReplaceWatchlist installs a fresh funding table and category map in one
// atomic step, as produced by a WatchlistBuilder pass. Symbols not present
// in records are dropped from both tables; symbols present keep their
// existing LiveTicker if one already exists (a rescan shouldn't discard
// hot WS state for a symbol that was already being tracked).
func (s *Store) ReplaceWatchlist(records []models.FundingRecord) {
	newFunding := make(map[models.Symbol]models.FundingRecord, len(records))
	newCats := make(map[models.Symbol]models.Category, len(records))
	for _, r := range records {
		newFunding[r.Symbol] = r
		newCats[r.Symbol] = r.Category
	}

	s.fundingMu.Lock()
	s.catMu.Lock()
	s.realtimeMu.Lock()
	s.funding = newFunding
	s.categories = newCats
	for sym := range s.realtime {
		if _, ok := newFunding[sym]; !ok {
			delete(s.realtime, sym)
		}
	}
	s.realtimeMu.Unlock()
	s.catMu.Unlock()
	s.fundingMu.Unlock()
}

// UpdateFunding refreshes a single symbol's REST-sourced fields in place,
// without touching its WS state. The scheduler's rescan does not use it;
// it installs whole rescan results through ReplaceWatchlist.
func (s *Store) UpdateFunding(rec models.FundingRecord) {
	s.fundingMu.Lock()
	s.funding[rec.Symbol] = rec
	s.fundingMu.Unlock()

	s.catMu.Lock()
	s.categories[rec.Symbol] = rec.Category
	s.catMu.Unlock()
}

// MergeTicker applies a WS-sourced patch to a symbol's LiveTicker,
// creating the record if this is the first frame seen for it. Unknown
// symbols (not on the watchlist) are ignored — the connector may still
// deliver a frame for a symbol whose subscription is in the process of
// being torn down.
func (s *Store) MergeTicker(symbol models.Symbol, patch models.LiveTicker) {
	s.fundingMu.RLock()
	_, tracked := s.funding[symbol]
	s.fundingMu.RUnlock()
	if !tracked {
		return
	}

	s.realtimeMu.Lock()
	defer s.realtimeMu.Unlock()

	live, ok := s.realtime[symbol]
	if !ok {
		live = &models.LiveTicker{}
		s.realtime[symbol] = live
	}
	live.Merge(patch)
}

// PurgeExpired drops WS-sourced records whose timestamp is older than
// T_live, forcing Snapshot back onto the REST fallback for them.
func (s *Store) PurgeExpired() {
	cutoff := time.Now().Add(-s.liveTTL)
	s.realtimeMu.Lock()
	defer s.realtimeMu.Unlock()
	for sym, live := range s.realtime {
		if live.Ts.Before(cutoff) {
			delete(s.realtime, sym)
		}
	}
}

// Categories returns a snapshot of the symbol->category map.
func (s *Store) Categories() map[models.Symbol]models.Category {
	s.catMu.RLock()
	defer s.catMu.RUnlock()
	out := make(map[models.Symbol]models.Category, len(s.categories))
	for k, v := range s.categories {
		out[k] = v
	}
	return out
}

// FundingRecords returns a copy of the current funding table, keyed by
// symbol, for callers that need the raw rows (e.g. the volatility engine
// deciding what to refresh).
func (s *Store) FundingRecords() map[models.Symbol]models.FundingRecord {
	s.fundingMu.RLock()
	defer s.fundingMu.RUnlock()
	out := make(map[models.Symbol]models.FundingRecord, len(s.funding))
	for k, v := range s.funding {
		out[k] = v
	}
	return out
}

// SetVolatility stamps a symbol's funding-table row with a freshly
// computed volatility percentage, leaving everything else untouched.
func (s *Store) SetVolatility(symbol models.Symbol, sigma decimal.Decimal) {
	s.fundingMu.Lock()
	defer s.fundingMu.Unlock()
	rec, ok := s.funding[symbol]
	if !ok {
		return
	}
	rec.VolatilityPct = &sigma
	s.funding[symbol] = rec
}

// Snapshot joins the funding and realtime tables into the ranked rows
// served to renderers: for each symbol, prefer the live value if it's
// fresher than T_live, otherwise fall back to the REST-sourced value.
// Rows are sorted by Weight descending (nil weight sorts last), ties
// broken by symbol ascending.
func (s *Store) Snapshot(now time.Time) []models.SnapshotRow {
	funding := s.FundingRecords()
	cutoff := now.Add(-s.liveTTL)

	s.realtimeMu.RLock()
	live := make(map[models.Symbol]models.LiveTicker, len(s.realtime))
	for sym, lt := range s.realtime {
		live[sym] = *lt
	}
	s.realtimeMu.RUnlock()

	rows := make([]models.SnapshotRow, 0, len(funding))
	for sym, rec := range funding {
		row := models.SnapshotRow{
			Symbol:               sym,
			Category:             rec.Category,
			FundingRate:          rec.FundingRate,
			Volume24h:            rec.Volume24h,
			SpreadPct:            rec.SpreadPct,
			VolatilityPct:        rec.VolatilityPct,
			Weight:               rec.Weight,
			FundingTimeRemaining: models.FormatRemaining(rec.NextFundingTs, now),
		}

		if lt, ok := live[sym]; ok && lt.Ts.After(cutoff) {
			if lt.FundingRate != nil {
				row.FundingRate = *lt.FundingRate
			}
			if lt.Volume24h != nil {
				row.Volume24h = *lt.Volume24h
			}
			if lt.NextFundingTime != nil {
				row.FundingTimeRemaining = models.FormatRemaining(*lt.NextFundingTime, now)
			}
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		wi, wj := rows[i].Weight, rows[j].Weight
		switch {
		case wi == nil && wj == nil:
			return rows[i].Symbol < rows[j].Symbol
		case wi == nil:
			return false
		case wj == nil:
			return true
		case !wi.Equal(*wj):
			return wi.GreaterThan(*wj)
		default:
			return rows[i].Symbol < rows[j].Symbol
		}
	})

	return rows
}
