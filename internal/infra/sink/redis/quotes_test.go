package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
)

func newCache(t *testing.T, cfg config.QuoteCacheConfig) (*QuoteCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Addr = mr.Addr()
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	cache := NewQuoteCache(client, cfg)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestQuoteCacheStoresAndPublishes(t *testing.T) {
	ctx := context.Background()
	cache, mr := newCache(t, config.QuoteCacheConfig{KeyPrefix: "quote:", Channel: "quotes", TTL: time.Minute})

	sub := cache.client.Subscribe(ctx, "quotes")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	tick := schema.Tick{MarketData: schema.MarketData{Instrument: "IF2406", Exchange: "CFFEX", LastPrice: 3500}}
	require.NoError(t, cache.WriteTick(ctx, tick))

	require.True(t, mr.Exists("quote:IF2406.CFFEX"))
	require.Equal(t, time.Minute, mr.TTL("quote:IF2406.CFFEX"))

	select {
	case msg := <-sub.Channel():
		var got schema.Tick
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, "IF2406", got.Instrument)
	case <-time.After(2 * time.Second):
		t.Fatal("expected published quote")
	}

	latest, ok, err := cache.Latest(ctx, schema.NewKey("IF2406", "CFFEX"))
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 3500, latest.LastPrice, 1e-9)
}

func TestQuoteCacheMissAndNoExpiry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newCache(t, config.QuoteCacheConfig{KeyPrefix: "q:"})
	_, ok, err := cache.Latest(ctx, schema.NewKey("A", "X"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.WriteTick(ctx, schema.Tick{MarketData: schema.MarketData{Instrument: "A", Exchange: "X"}}))
	require.True(t, mr.Exists("q:A.X"))
	require.Zero(t, mr.TTL("q:A.X"))
}

func TestNewClientReportsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewClient(ctx, config.QuoteCacheConfig{Addr: addr})
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}
