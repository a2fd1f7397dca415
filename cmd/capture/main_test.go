package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
)

func testLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestSessionFactoryKnowsShippedAdapters(t *testing.T) {
	registry := newSessionFactory()
	session, err := registry.NewSession(feed.Spec{ID: "fake#0", Capacity: 2, Entry: schema.ConnectionConfigEntry{Adapter: "fake"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "fake#0", session.ID())

	_, err = registry.NewSession(feed.Spec{ID: "ws#0", Entry: schema.ConnectionConfigEntry{Adapter: "ws"}}, nil)
	require.True(t, errs.HasCode(err, errs.CodeConfigInvalid), "websocket sessions need an address")

	_, err = registry.NewSession(feed.Spec{ID: "x#0", Entry: schema.ConnectionConfigEntry{Adapter: "unknown"}}, nil)
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestOpenSinksSQLiteWithQuoteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultAppConfig()
	cfg.Sink.Driver = config.SinkSQLite
	cfg.Sink.SQLite.Path = filepath.Join(t.TempDir(), "ticks.db")
	cfg.QuoteCache.Enabled = true
	cfg.QuoteCache.Addr = mr.Addr()

	logger, buf := testLogger()
	sinks, err := openSinks(context.Background(), logger, cfg)
	require.NoError(t, err)
	require.Equal(t, "sqlite", sinks.primary.Name)
	require.Len(t, sinks.secondaries, 1)
	require.NotNil(t, sinks.quotes)
	require.Contains(t, buf.String(), "quote cache enabled")

	tick := schema.Tick{MarketData: schema.MarketData{Instrument: "A", Exchange: "X", TradingDay: "20240614"}}
	require.NoError(t, sinks.primary.Store.WriteTick(context.Background(), tick))
	require.NoError(t, sinks.secondaries[0].Store.WriteTick(context.Background(), tick))
	require.True(t, mr.Exists(cfg.QuoteCache.KeyPrefix+"A.X"))

	require.NoError(t, sinks.close())
}

func TestOpenSinksSkipsUnreachableQuoteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.DefaultAppConfig()
	cfg.Sink.Driver = config.SinkSQLite
	cfg.Sink.SQLite.Path = filepath.Join(t.TempDir(), "ticks.db")
	cfg.QuoteCache.Enabled = true
	cfg.QuoteCache.Addr = addr

	logger, buf := testLogger()
	sinks, err := openSinks(context.Background(), logger, cfg)
	require.NoError(t, err)
	require.Empty(t, sinks.secondaries)
	require.Nil(t, sinks.quotes)
	require.Contains(t, buf.String(), "quote cache disabled")
	require.NoError(t, sinks.close())
}

func TestOpenSinksRejectsUnknownDriver(t *testing.T) {
	cfg := config.DefaultAppConfig()
	cfg.Sink.Driver = "carrier-pigeon"
	logger, _ := testLogger()
	_, err := openSinks(context.Background(), logger, cfg)
	require.Error(t, err)
}

func TestSinkSetClosesInReverseOrder(t *testing.T) {
	var order []string
	set := &sinkSet{closers: []func() error{
		func() error { order = append(order, "primary"); return nil },
		func() error { order = append(order, "cache"); return errors.New("boom") },
	}}
	err := set.close()
	require.Error(t, err)
	require.Equal(t, []string{"cache", "primary"}, order)
}

func TestGracefulShutdownRunsSteps(t *testing.T) {
	logger, buf := testLogger()
	cancelled := false
	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		sinks:      &sinkSet{},
	})
	require.True(t, cancelled)
	require.Contains(t, buf.String(), "shutdown: closing tick stores completed")
}

func TestLogPersistedState(t *testing.T) {
	dir := t.TempDir()
	paths := config.DefaultAppConfig().Paths
	paths.Dir = dir
	store := config.NewFileStore(paths)
	ctx := context.Background()
	require.NoError(t, store.SaveActiveSet(ctx, []schema.InstrumentRecord{{Instrument: "A", Exchange: "X"}}))
	require.NoError(t, store.SaveTradingDay(ctx, "20240614"))

	logger, buf := testLogger()
	logPersistedState(ctx, logger, store)
	require.Contains(t, buf.String(), "previous active set: 1 instruments")
	require.Contains(t, buf.String(), "previous trading day: 20240614")
}
