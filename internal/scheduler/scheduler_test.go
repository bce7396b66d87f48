package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billygk/fundingwatch/internal/models"
	"github.com/billygk/fundingwatch/internal/store"
)

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type fakeRefresher struct {
	records []models.FundingRecord
	err     error
	calls   int
}

func (f *fakeRefresher) Rescan(ctx context.Context) ([]models.FundingRecord, error) {
	f.calls++
	return f.records, f.err
}

type fakeExtender struct {
	extended map[models.Category][]models.Symbol
}

func (f *fakeExtender) ExtendSubscriptions(category models.Category, symbols []models.Symbol) {
	if f.extended == nil {
		f.extended = make(map[models.Category][]models.Symbol)
	}
	f.extended[category] = append(f.extended[category], symbols...)
}

type fakeListener struct {
	events []models.OpportunityImminent
}

func (f *fakeListener) OnOpportunity(event models.OpportunityImminent) {
	f.events = append(f.events, event)
}

func TestRescanOnceExtendsSubscriptionsOnlyForNewSymbols(t *testing.T) {
	st := store.New(time.Minute)
	st.ReplaceWatchlist([]models.FundingRecord{
		{Symbol: "BTCUSDT", Category: models.CategoryLinear},
	})

	refresher := &fakeRefresher{records: []models.FundingRecord{
		{Symbol: "BTCUSDT", Category: models.CategoryLinear},
		{Symbol: "ETHUSDT", Category: models.CategoryLinear},
	}}
	extender := &fakeExtender{}

	s := New(st, refresher, extender, nil, time.Hour, time.Hour, 5)
	s.rescanOnce(context.Background())

	if len(extender.extended[models.CategoryLinear]) != 1 || extender.extended[models.CategoryLinear][0] != "ETHUSDT" {
		t.Errorf("expected only ETHUSDT to be extended, got %+v", extender.extended)
	}
}

func TestRescanOnceKeepsPreviousWatchlistOnError(t *testing.T) {
	st := store.New(time.Minute)
	st.ReplaceWatchlist([]models.FundingRecord{
		{Symbol: "BTCUSDT", Category: models.CategoryLinear},
	})

	refresher := &fakeRefresher{err: context.DeadlineExceeded}
	s := New(st, refresher, nil, nil, time.Hour, time.Hour, 5)
	s.rescanOnce(context.Background())

	records := st.FundingRecords()
	if len(records) != 1 {
		t.Errorf("expected previous watchlist to remain live after a failed rescan, got %d records", len(records))
	}
}

func TestRescanOnceKeepsPreviousWatchlistOnEmptyUniverse(t *testing.T) {
	st := store.New(time.Minute)
	st.ReplaceWatchlist([]models.FundingRecord{
		{Symbol: "BTCUSDT", Category: models.CategoryLinear},
	})

	refresher := &fakeRefresher{records: nil}
	extender := &fakeExtender{}
	listener := &fakeListener{}
	s := New(st, refresher, extender, listener, time.Hour, time.Hour, 5)
	s.rescanOnce(context.Background())

	records := st.FundingRecords()
	if len(records) != 1 {
		t.Errorf("expected previous watchlist to remain live after an empty-universe rescan, got %d records", len(records))
	}
	if len(extender.extended) != 0 {
		t.Errorf("expected no subscription extension on an empty-universe rescan, got %+v", extender.extended)
	}
	if len(listener.events) != 0 {
		t.Errorf("expected no opportunity events on an empty-universe rescan, got %+v", listener.events)
	}
}

func TestWatchOnceEmitsOpportunityAtMostOncePerFundingEpoch(t *testing.T) {
	st := store.New(time.Minute)
	nextFunding := time.Now().Add(2 * time.Minute).UnixMilli()
	st.ReplaceWatchlist([]models.FundingRecord{
		{Symbol: "BTCUSDT", Category: models.CategoryLinear, NextFundingTs: nextFunding, Weight: decimalPtr("10")},
	})

	listener := &fakeListener{}
	s := New(st, nil, nil, listener, time.Hour, time.Hour, 5)

	s.watchOnce()
	s.watchOnce()
	s.watchOnce()

	if len(listener.events) != 1 {
		t.Fatalf("expected exactly 1 event across 3 calls for the same funding epoch, got %d", len(listener.events))
	}
	if listener.events[0].Symbol != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %s", listener.events[0].Symbol)
	}
}

func TestWatchOnceDoesNotEmitWhenAboveThreshold(t *testing.T) {
	st := store.New(time.Minute)
	nextFunding := time.Now().Add(30 * time.Minute).UnixMilli()
	st.ReplaceWatchlist([]models.FundingRecord{
		{Symbol: "BTCUSDT", Category: models.CategoryLinear, NextFundingTs: nextFunding, Weight: decimalPtr("10")},
	})

	listener := &fakeListener{}
	s := New(st, nil, nil, listener, time.Hour, time.Hour, 5)
	s.watchOnce()

	if len(listener.events) != 0 {
		t.Errorf("expected no event when funding is far away, got %+v", listener.events)
	}
}
