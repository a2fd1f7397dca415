// Package sqlite persists captured ticks in a local SQLite file. It suits single-host runs and
// development where a PostgreSQL instance is not available.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/observability"
)

const sinkName = "sqlite"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ticks (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT    NOT NULL,
    symbol        TEXT    NOT NULL,
    instrument    TEXT    NOT NULL,
    exchange      TEXT    NOT NULL,
    trading_day   TEXT    NOT NULL,
    action_day    TEXT    NOT NULL DEFAULT '',
    update_time   INTEGER,
    received_at   INTEGER NOT NULL,
    last_price    REAL    NOT NULL DEFAULT 0,
    volume        INTEGER NOT NULL DEFAULT 0,
    turnover      REAL    NOT NULL DEFAULT 0,
    open_interest REAL    NOT NULL DEFAULT 0,
    bids          TEXT    NOT NULL DEFAULT '[]',
    asks          TEXT    NOT NULL DEFAULT '[]',
    tick_size     TEXT,
    factor        TEXT,
    time_offset   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ticks_instrument_received_idx ON ticks (instrument, exchange, received_at);
CREATE INDEX IF NOT EXISTS ticks_trading_day_idx ON ticks (trading_day);
`

const (
	insertSQL = `INSERT INTO ticks (session_id, symbol, instrument, exchange, trading_day, action_day,
    update_time, received_at, last_price, volume, turnover, open_interest, bids, asks, tick_size, factor, time_offset)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	latestSQL = `SELECT session_id, symbol, instrument, exchange, trading_day, action_day, update_time, received_at,
    last_price, volume, turnover, open_interest, bids, asks, tick_size, factor, time_offset
FROM ticks WHERE instrument = ? AND exchange = ?
ORDER BY received_at DESC, id DESC LIMIT 1`
	countSQL = `SELECT COUNT(*) FROM ticks WHERE trading_day = ?`
)

// Store writes ticks into a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the ticks table exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, errs.New("sink/sqlite", errs.CodeConfigInvalid, errs.WithMessage("database path required"))
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New("sink/sqlite", errs.CodeUnavailable, errs.WithMessage("open database"), errs.WithCause(err))
	}
	// A single connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.New("sink/sqlite", errs.CodeUnavailable, errs.WithMessage("ping database"), errs.WithCause(err))
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			observability.Log().Warn("sqlite pragma failed", observability.F("pragma", pragma), observability.F("error", err))
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, errs.New("sink/sqlite", errs.CodeUnavailable, errs.WithMessage("create schema"), errs.WithCause(err))
	}
	return &Store{db: db}, nil
}

// Name identifies the store in logs and metrics.
func (s *Store) Name() string { return sinkName }

// WriteTick inserts one tick row.
func (s *Store) WriteTick(ctx context.Context, tick schema.Tick) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store: nil database")
	}
	bids, err := json.Marshal(levelsOrEmpty(tick.Bids))
	if err != nil {
		return fmt.Errorf("sqlite store: encode bids: %w", err)
	}
	asks, err := json.Marshal(levelsOrEmpty(tick.Asks))
	if err != nil {
		return fmt.Errorf("sqlite store: encode asks: %w", err)
	}
	var updateTime sql.NullInt64
	if !tick.UpdateTime.IsZero() {
		updateTime = sql.NullInt64{Int64: tick.UpdateTime.UnixMicro(), Valid: true}
	}
	receivedAt := tick.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, insertSQL,
		tick.SessionID, tick.Symbol, tick.Instrument, tick.Exchange, tick.TradingDay, tick.ActionDay,
		updateTime, receivedAt.UnixMicro(),
		tick.LastPrice, tick.Volume, tick.Turnover, tick.OpenInterest,
		string(bids), string(asks),
		nullDecimal(tick.TickSize), nullDecimal(tick.Factor), tick.TimeOffset,
	); err != nil {
		return fmt.Errorf("sqlite store: insert %s: %w", tick.Key().String(), err)
	}
	return nil
}

// LatestTick returns the most recently received tick for the instrument.
func (s *Store) LatestTick(ctx context.Context, instrument, exchange string) (schema.Tick, bool, error) {
	if s == nil || s.db == nil {
		return schema.Tick{}, false, fmt.Errorf("sqlite store: nil database")
	}
	var (
		tick             schema.Tick
		updateTime       sql.NullInt64
		receivedAt       int64
		bids, asks       string
		tickSize, factor sql.NullString
	)
	err := s.db.QueryRowContext(ctx, latestSQL, instrument, exchange).Scan(
		&tick.SessionID, &tick.Symbol, &tick.Instrument, &tick.Exchange, &tick.TradingDay, &tick.ActionDay,
		&updateTime, &receivedAt, &tick.LastPrice, &tick.Volume, &tick.Turnover, &tick.OpenInterest,
		&bids, &asks, &tickSize, &factor, &tick.TimeOffset,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Tick{}, false, nil
	}
	if err != nil {
		return schema.Tick{}, false, fmt.Errorf("sqlite store: latest %s.%s: %w", instrument, exchange, err)
	}
	if updateTime.Valid {
		tick.UpdateTime = time.UnixMicro(updateTime.Int64).UTC()
	}
	tick.ReceivedAt = time.UnixMicro(receivedAt).UTC()
	if err := json.Unmarshal([]byte(bids), &tick.Bids); err != nil {
		return schema.Tick{}, false, fmt.Errorf("sqlite store: decode bids: %w", err)
	}
	if err := json.Unmarshal([]byte(asks), &tick.Asks); err != nil {
		return schema.Tick{}, false, fmt.Errorf("sqlite store: decode asks: %w", err)
	}
	if tick.TickSize, err = parseDecimal(tickSize); err != nil {
		return schema.Tick{}, false, err
	}
	if tick.Factor, err = parseDecimal(factor); err != nil {
		return schema.Tick{}, false, err
	}
	return tick, true, nil
}

// CountTradingDay returns the number of ticks stored for a trading day.
func (s *Store) CountTradingDay(ctx context.Context, tradingDay string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlite store: nil database")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, countSQL, tradingDay).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite store: count %s: %w", tradingDay, err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullDecimal(d decimal.Decimal) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(raw sql.NullString) (decimal.Decimal, error) {
	if !raw.Valid || raw.String == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqlite store: parse decimal %q: %w", raw.String, err)
	}
	return d, nil
}

func levelsOrEmpty(levels []schema.PriceLevel) []schema.PriceLevel {
	if levels == nil {
		return []schema.PriceLevel{}
	}
	return levels
}
