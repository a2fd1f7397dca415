package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tickcapture/errs"
)

func TestKeyStringAndOrdering(t *testing.T) {
	a := NewKey(" IF2406 ", "CFFEX")
	if a.String() != "IF2406.CFFEX" {
		t.Fatalf("unexpected key rendering %q", a.String())
	}
	b := NewKey("IF2406", "SHFE")
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("expected exchange to break instrument ties")
	}
}

func TestMatchSymbolFallsBackToInstrument(t *testing.T) {
	rec := InstrumentRecord{Instrument: "rb2410", Exchange: "SHFE"}
	if rec.MatchSymbol() != "rb2410" {
		t.Fatalf("expected instrument fallback, got %q", rec.MatchSymbol())
	}
	rec.Symbol = "rb2410.SHFE"
	if rec.MatchSymbol() != "rb2410.SHFE" {
		t.Fatalf("expected explicit symbol, got %q", rec.MatchSymbol())
	}
}

func TestActiveSetRecordsSortedAndLastDuplicateWins(t *testing.T) {
	set := NewActiveSet([]InstrumentRecord{
		{Instrument: "B", Exchange: "Y", TimeOffset: 1},
		{Instrument: "A", Exchange: "X"},
		{Instrument: "B", Exchange: "Y", TimeOffset: 2},
	})
	records := set.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Instrument != "A" || records[1].Instrument != "B" {
		t.Fatalf("records not sorted: %+v", records)
	}
	if records[1].TimeOffset != 2 {
		t.Fatalf("expected last duplicate to win, got %d", records[1].TimeOffset)
	}
	clone := set.Clone()
	delete(clone, NewKey("A", "X"))
	if !set.Contains(NewKey("A", "X")) {
		t.Fatalf("clone must not alias the original")
	}
}

func TestSameMetadataComparesDecimalsByValue(t *testing.T) {
	a := InstrumentRecord{Instrument: "A", TickSize: decimal.RequireFromString("0.2"), Factor: decimal.NewFromInt(300)}
	b := a
	b.TickSize = decimal.RequireFromString("0.20")
	if !a.SameMetadata(b) {
		t.Fatalf("equal decimals with different scale should compare equal")
	}
	b.TimeOffset = 5
	if a.SameMetadata(b) {
		t.Fatalf("time offset change must be detected")
	}
}

func TestConnectionEntryValidation(t *testing.T) {
	entry := ConnectionConfigEntry{BrokerID: "9999", UserID: "u1", SessionLimit: 2, SubscribePerSession: 100}.Normalise(0)
	if entry.Name != "9999.u1.0" {
		t.Fatalf("unexpected derived name %q", entry.Name)
	}
	if entry.Adapter != AdapterWebsocket {
		t.Fatalf("expected websocket default adapter, got %q", entry.Adapter)
	}
	if err := entry.Validate(); !errs.HasCode(err, errs.CodeConfigInvalid) {
		t.Fatalf("expected missing address to be a configuration error, got %v", err)
	}
	entry.Address = "ws://localhost:9000/feed"
	if err := entry.Validate(); err != nil {
		t.Fatalf("expected valid entry, got %v", err)
	}
	if entry.SessionID(1) != "9999.u1.0#1" {
		t.Fatalf("unexpected session id %q", entry.SessionID(1))
	}

	bad := ConnectionConfigEntry{Adapter: "fake", SessionLimit: 0, SubscribePerSession: 1}.Normalise(3)
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected session limit validation error")
	}
	unknown := ConnectionConfigEntry{Adapter: "carrier-pigeon", SessionLimit: 1, SubscribePerSession: 1}.Normalise(4)
	if err := unknown.Validate(); err == nil {
		t.Fatalf("expected unknown adapter validation error")
	}
}

func TestNewTickCopiesLevelsAndMetadata(t *testing.T) {
	md := &MarketData{
		Instrument: "IF2406",
		Exchange:   "CFFEX",
		UpdateTime: time.Date(2024, 6, 14, 9, 30, 0, 0, time.UTC),
		Bids:       []PriceLevel{{Price: 3500.2, Volume: 3}},
	}
	meta := InstrumentRecord{Instrument: "IF2406", Exchange: "CFFEX", TickSize: decimal.RequireFromString("0.2"), TimeOffset: 7}
	tick := NewTick(md, meta)
	md.Bids[0].Volume = 99
	if tick.Bids[0].Volume != 3 {
		t.Fatalf("tick must own its depth levels")
	}
	if tick.Symbol != "IF2406" || tick.TimeOffset != 7 || !tick.TickSize.Equal(meta.TickSize) {
		t.Fatalf("metadata not merged: %+v", tick)
	}
}
