package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/app/metadata"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

type memoryStore struct {
	ticks []schema.Tick
	err   error
}

func (m *memoryStore) WriteTick(_ context.Context, tick schema.Tick) error {
	if m.err != nil {
		return m.err
	}
	m.ticks = append(m.ticks, tick)
	return nil
}

func TestWriterEnrichesRegisteredInstruments(t *testing.T) {
	registry := metadata.NewRegistry()
	registry.Add(schema.InstrumentRecord{
		Instrument: "IF2406", Exchange: "CFFEX",
		TickSize: decimal.RequireFromString("0.2"), Factor: decimal.NewFromInt(300), TimeOffset: 4,
	})
	store := &memoryStore{}
	w := NewWriter(registry, store)

	require.NoError(t, w.Write(context.Background(), &schema.MarketData{Instrument: "IF2406", LastPrice: 3500}))
	require.Len(t, store.ticks, 1)
	tick := store.ticks[0]
	require.Equal(t, "CFFEX", tick.Exchange)
	require.Equal(t, 4, tick.TimeOffset)
	require.True(t, tick.Factor.Equal(decimal.NewFromInt(300)))
}

func TestWriterDropsUnregisteredInstruments(t *testing.T) {
	store := &memoryStore{}
	w := NewWriter(metadata.NewRegistry(), store)
	require.NoError(t, w.Write(context.Background(), &schema.MarketData{Instrument: "ZZ", Exchange: "Q"}))
	require.Empty(t, store.ticks)
	require.EqualValues(t, 1, w.Unregistered())
}

func TestWriterWrapsStoreFailure(t *testing.T) {
	registry := metadata.NewRegistry()
	registry.Add(schema.InstrumentRecord{Instrument: "A", Exchange: "X"})
	boom := errors.New("connection reset")
	w := NewWriter(registry, &memoryStore{err: boom})
	err := w.Write(context.Background(), &schema.MarketData{Instrument: "A", Exchange: "X", SessionID: "s#0"})
	require.ErrorIs(t, err, boom)
	require.True(t, errs.HasCode(err, errs.CodeSinkWrite))
}

func TestFanoutOnlyFailsOnPrimary(t *testing.T) {
	primary := &memoryStore{}
	healthy := &memoryStore{}
	f := NewFanout(NamedStore{Name: "primary", Store: primary},
		NamedStore{Name: "broken", Store: &memoryStore{err: errors.New("nope")}},
		NamedStore{Name: "healthy", Store: healthy},
		NamedStore{Name: "nil"},
	)
	tick := schema.Tick{MarketData: schema.MarketData{Instrument: "A", Exchange: "X"}}
	require.NoError(t, f.WriteTick(context.Background(), tick))
	require.Len(t, primary.ticks, 1)
	require.Len(t, healthy.ticks, 1)

	failing := NewFanout(NamedStore{Name: "primary", Store: &memoryStore{err: errors.New("down")}}, NamedStore{Name: "healthy", Store: healthy})
	require.Error(t, failing.WriteTick(context.Background(), tick))
	require.Len(t, healthy.ticks, 1, "secondaries are skipped when the primary fails")
}
