package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(PathsConfig{Dir: dir}), dir
}

func writeArtifact(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestFileStoreLoadsArtifacts(t *testing.T) {
	store, dir := newTestStore(t)
	writeArtifact(t, dir, "universe.json", `[
  {"symbol": "IF2406", "instrument": "IF2406", "exchange": "CFFEX", "tick_size": "0.2", "factor": "300"},
  {"instrument": "rb2410", "exchange": "SHFE", "tick_size": "1", "factor": "10", "time_offset": 5}
]`)
	writeArtifact(t, dir, "include.json", `[{"pattern": "^IF", "time_offset": 30}, {"pattern": ".*"}]`)
	writeArtifact(t, dir, "connections.json", `[{"name": "primary", "adapter": "ws", "address": "ws://md:9000", "session_limit": 2, "subscribe_per_session": 500}]`)

	ctx := context.Background()
	universe, err := store.LoadUniverse(ctx)
	require.NoError(t, err)
	require.Len(t, universe, 2)
	require.Equal(t, "IF2406", universe[0].Symbol)
	require.True(t, universe[0].TickSize.Equal(decimal.RequireFromString("0.2")))
	require.Equal(t, 5, universe[1].TimeOffset)

	include, err := store.LoadRules(ctx, schema.RuleInclude)
	require.NoError(t, err)
	require.Equal(t, []schema.RuleSpec{{Pattern: "^IF", TimeOffset: 30}, {Pattern: ".*"}}, include)

	exclude, err := store.LoadRules(ctx, schema.RuleExclude)
	require.NoError(t, err)
	require.Empty(t, exclude, "missing exclude file reads as empty")

	entries, err := store.LoadConnectionConfig(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 500, entries[0].SubscribePerSession)
}

func TestFileStoreMissingUniverseIsAnError(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.LoadUniverse(context.Background())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeConfigInvalid))
}

func TestFileStoreRejectsMalformedJSON(t *testing.T) {
	store, dir := newTestStore(t)
	writeArtifact(t, dir, "exclude.json", `[{"pattern": `)
	_, err := store.LoadRules(context.Background(), schema.RuleExclude)
	require.True(t, errs.HasCode(err, errs.CodeConfigInvalid))

	_, err = store.LoadRules(context.Background(), schema.RuleKind("other"))
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestFileStorePersistsActiveSetAndTradingDay(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	records := []schema.InstrumentRecord{{Instrument: "A", Exchange: "X", TimeOffset: 3}}
	require.NoError(t, store.SaveActiveSet(ctx, records))
	loaded, err := store.LoadActiveSet(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "A", loaded[0].Instrument)
	require.Equal(t, 3, loaded[0].TimeOffset)

	require.NoError(t, store.SaveActiveSet(ctx, nil))
	raw, err := os.ReadFile(filepath.Join(dir, "active.json"))
	require.NoError(t, err)
	require.Equal(t, "[]\n", string(raw))

	day, err := store.LoadTradingDay(ctx)
	require.NoError(t, err)
	require.Empty(t, day.TradingDay)
	require.NoError(t, store.SaveTradingDay(ctx, "20240614"))
	day, err = store.LoadTradingDay(ctx)
	require.NoError(t, err)
	require.Equal(t, "20240614", day.TradingDay)
	require.False(t, day.UpdatedAt.IsZero())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.NotContains(t, entry.Name(), "-", "temp files must not be left behind")
	}
}

func TestFileStoreHonoursContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, store.SaveTradingDay(ctx, "20240614"), context.Canceled)
	_, err := store.LoadUniverse(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
