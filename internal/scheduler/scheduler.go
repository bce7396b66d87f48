// Package scheduler implements Scheduler: the periodic rescan loop and
// the imminent-funding watch, each its own goroutine reading a shared
// cancellation signal.
package scheduler

import (
	"context"
	"time"

	"github.com/billygk/fundingwatch/internal/logger"
	"github.com/billygk/fundingwatch/internal/models"
	"github.com/billygk/fundingwatch/internal/store"
)

// WatchlistRefresher runs one WatchlistBuilder pass and reports the
// resulting funding records, each carrying its symbol's WS category. The
// scheduler doesn't know how the rescan is implemented; it computes the
// deltas itself from the returned records.
type WatchlistRefresher interface {
	Rescan(ctx context.Context) ([]models.FundingRecord, error)
}

// SubscriptionExtender extends a WS connector's subscription set for
// newly-discovered symbols. Removed symbols are deliberately never
// unsubscribed by the scheduler — aging them out avoids churning
// subscriptions mid-funding-cycle.
type SubscriptionExtender interface {
	ExtendSubscriptions(category models.Category, symbols []models.Symbol)
}

// Scheduler owns the two independent periodic duties described in the
// component design: market rescan and imminent-funding watch.
type Scheduler struct {
	store     *store.Store
	refresher WatchlistRefresher
	extender  SubscriptionExtender
	listener  models.OpportunityListener

	rescanInterval  time.Duration
	watchInterval   time.Duration
	thresholdMins   float64

	emitted map[emittedKey]bool
}

type emittedKey struct {
	symbol  models.Symbol
	fundEpo int64
}

// New builds a Scheduler. listener may be nil if no trading-layer
// collaborator is wired; OpportunityImminent events are simply dropped.
func New(st *store.Store, refresher WatchlistRefresher, extender SubscriptionExtender, listener models.OpportunityListener,
	rescanInterval, watchInterval time.Duration, thresholdMins float64) *Scheduler {
	return &Scheduler{
		store:          st,
		refresher:      refresher,
		extender:       extender,
		listener:       listener,
		rescanInterval: rescanInterval,
		watchInterval:  watchInterval,
		thresholdMins:  thresholdMins,
		emitted:        make(map[emittedKey]bool),
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { s.rescanLoop(ctx); done <- struct{}{} }()
	go func() { s.watchLoop(ctx); done <- struct{}{} }()
	<-done
	<-done
}

func (s *Scheduler) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rescanOnce(ctx)
		}
	}
}

func (s *Scheduler) rescanOnce(ctx context.Context) {
	existing := s.store.FundingRecords()

	records, err := s.refresher.Rescan(ctx)
	if err != nil {
		logger.Errorf("scheduler: rescan failed, keeping previous watchlist live: %v", err)
		return
	}
	if len(records) == 0 {
		logger.Warnf("scheduler: rescan produced an empty universe, keeping previous watchlist live")
		return
	}

	newByCategory := make(map[models.Category][]models.Symbol)
	for _, rec := range records {
		if _, wasTracked := existing[rec.Symbol]; !wasTracked {
			newByCategory[rec.Category] = append(newByCategory[rec.Category], rec.Symbol)
		}
	}

	s.store.ReplaceWatchlist(records)

	if s.extender != nil {
		for category, symbols := range newByCategory {
			s.extender.ExtendSubscriptions(category, symbols)
		}
	}

	logger.Infof("scheduler: rescan complete, %d symbols tracked (%d new)", len(records), totalNew(newByCategory))
}

func totalNew(m map[models.Category][]models.Symbol) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}

func (s *Scheduler) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchOnce()
		}
	}
}

func (s *Scheduler) watchOnce() {
	if s.listener == nil {
		return
	}

	now := time.Now()
	rows := s.store.Snapshot(now)
	if len(rows) == 0 {
		return
	}

	top := rows[0]
	fundingRecords := s.store.FundingRecords()
	rec, ok := fundingRecords[top.Symbol]
	if !ok {
		return
	}

	remaining := time.UnixMilli(rec.NextFundingTs).Sub(now)
	if remaining.Minutes() > s.thresholdMins {
		return
	}

	key := emittedKey{symbol: top.Symbol, fundEpo: rec.NextFundingTs}
	if s.emitted[key] {
		return
	}
	s.emitted[key] = true

	s.listener.OnOpportunity(models.OpportunityImminent{
		Symbol:           top.Symbol,
		SecondsRemaining: int64(remaining.Seconds()),
		FundingEpochMs:   rec.NextFundingTs,
	})
}
