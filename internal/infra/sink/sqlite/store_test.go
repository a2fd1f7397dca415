package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "ticks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)

	updated := time.Date(2024, 6, 14, 9, 30, 0, 500_000_000, time.UTC)
	tick := schema.Tick{
		MarketData: schema.MarketData{
			SessionID: "ws#0", Symbol: "IF", Instrument: "IF2406", Exchange: "CFFEX",
			TradingDay: "20240614", ActionDay: "20240614",
			UpdateTime: updated, ReceivedAt: updated.Add(time.Millisecond),
			LastPrice: 3500.2, Volume: 10,
			Bids: []schema.PriceLevel{{Price: 3500, Volume: 2}},
		},
		TickSize:   decimal.RequireFromString("0.2"),
		Factor:     decimal.NewFromInt(300),
		TimeOffset: 4,
	}
	require.NoError(t, store.WriteTick(ctx, tick))
	newer := tick
	newer.ReceivedAt = tick.ReceivedAt.Add(time.Second)
	newer.LastPrice = 3501
	require.NoError(t, store.WriteTick(ctx, newer))

	got, ok, err := store.LatestTick(ctx, "IF2406", "CFFEX")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 3501, got.LastPrice, 1e-9)
	require.Equal(t, []schema.PriceLevel{{Price: 3500, Volume: 2}}, got.Bids)
	require.Empty(t, got.Asks)
	require.True(t, got.TickSize.Equal(decimal.RequireFromString("0.2")))
	require.True(t, got.Factor.Equal(decimal.NewFromInt(300)))
	require.True(t, got.UpdateTime.Equal(updated))
	require.Equal(t, 4, got.TimeOffset)

	n, err := store.CountTradingDay(ctx, "20240614")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, ok, err = store.LatestTick(ctx, "none", "X")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreNullMetadata(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)
	require.NoError(t, store.WriteTick(ctx, schema.Tick{MarketData: schema.MarketData{Instrument: "A", Exchange: "X", TradingDay: "20240614"}}))
	got, ok, err := store.LatestTick(ctx, "A", "X")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.TickSize.IsZero())
	require.True(t, got.UpdateTime.IsZero())
	require.False(t, got.ReceivedAt.IsZero())
}

func TestOpenReusesExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ticks.db")
	first, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.WriteTick(ctx, schema.Tick{MarketData: schema.MarketData{Instrument: "A", Exchange: "X", TradingDay: "d"}}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	n, err := second.CountTradingDay(ctx, "d")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.True(t, errs.HasCode(err, errs.CodeConfigInvalid))

	var nilStore *Store
	require.Error(t, nilStore.WriteTick(context.Background(), schema.Tick{}))
	require.NoError(t, nilStore.Close())
}
