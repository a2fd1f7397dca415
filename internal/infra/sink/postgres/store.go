// Package postgres persists captured ticks in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
)

const sinkName = "postgres"

const (
	tickInsertSQL = `
INSERT INTO ticks (
    session_id,
    symbol,
    instrument,
    exchange,
    trading_day,
    action_day,
    update_time,
    received_at,
    last_price,
    volume,
    turnover,
    open_interest,
    bids,
    asks,
    tick_size,
    factor,
    time_offset
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14::jsonb, $15, $16, $17);
`
	tickLatestSQL = `
SELECT session_id, symbol, instrument, exchange, trading_day, action_day, update_time, received_at,
       last_price, volume, turnover, open_interest, bids, asks, tick_size::text, factor::text, time_offset
FROM ticks
WHERE instrument = $1 AND exchange = $2
ORDER BY received_at DESC, id DESC
LIMIT 1;
`
	tickCountSQL = `SELECT COUNT(*) FROM ticks WHERE trading_day = $1;`
)

// Open creates a pgx pool from the database configuration and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, errs.New("sink/postgres", errs.CodeConfigInvalid, errs.WithMessage("parse dsn"), errs.WithCause(err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.New("sink/postgres", errs.CodeUnavailable, errs.WithMessage("create pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("sink/postgres", errs.CodeUnavailable, errs.WithMessage("ping database"), errs.WithCause(err))
	}
	return pool, nil
}

// TickStore writes ticks into the ticks table.
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore constructs a TickStore backed by the provided pgx pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

// Pool exposes the underlying pgx pool.
func (s *TickStore) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Name identifies the store in logs and metrics.
func (s *TickStore) Name() string { return sinkName }

// WriteTick inserts one tick row.
func (s *TickStore) WriteTick(ctx context.Context, tick schema.Tick) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("tick store: nil pool")
	}
	bids, err := json.Marshal(levelsOrEmpty(tick.Bids))
	if err != nil {
		return fmt.Errorf("tick store: encode bids: %w", err)
	}
	asks, err := json.Marshal(levelsOrEmpty(tick.Asks))
	if err != nil {
		return fmt.Errorf("tick store: encode asks: %w", err)
	}
	tickSize, err := numericFromDecimal(tick.TickSize)
	if err != nil {
		return fmt.Errorf("tick store: tick size: %w", err)
	}
	factor, err := numericFromDecimal(tick.Factor)
	if err != nil {
		return fmt.Errorf("tick store: factor: %w", err)
	}
	var updateTime *time.Time
	if !tick.UpdateTime.IsZero() {
		ts := tick.UpdateTime.UTC()
		updateTime = &ts
	}
	receivedAt := tick.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	if _, err := s.pool.Exec(ctx, tickInsertSQL,
		tick.SessionID,
		tick.Symbol,
		tick.Instrument,
		tick.Exchange,
		tick.TradingDay,
		tick.ActionDay,
		updateTime,
		receivedAt.UTC(),
		tick.LastPrice,
		tick.Volume,
		tick.Turnover,
		tick.OpenInterest,
		string(bids),
		string(asks),
		tickSize,
		factor,
		tick.TimeOffset,
	); err != nil {
		return fmt.Errorf("tick store: insert %s: %w", tick.Key().String(), err)
	}
	return nil
}

// LatestTick returns the most recently received tick for the instrument.
func (s *TickStore) LatestTick(ctx context.Context, instrument, exchange string) (schema.Tick, bool, error) {
	if s == nil || s.pool == nil {
		return schema.Tick{}, false, fmt.Errorf("tick store: nil pool")
	}
	var (
		tick       schema.Tick
		updateTime *time.Time
		bids, asks []byte
		tickSize   *string
		factor     *string
	)
	err := s.pool.QueryRow(ctx, tickLatestSQL, instrument, exchange).Scan(
		&tick.SessionID, &tick.Symbol, &tick.Instrument, &tick.Exchange, &tick.TradingDay, &tick.ActionDay,
		&updateTime, &tick.ReceivedAt, &tick.LastPrice, &tick.Volume, &tick.Turnover, &tick.OpenInterest,
		&bids, &asks, &tickSize, &factor, &tick.TimeOffset,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Tick{}, false, nil
	}
	if err != nil {
		return schema.Tick{}, false, fmt.Errorf("tick store: latest %s.%s: %w", instrument, exchange, err)
	}
	if updateTime != nil {
		tick.UpdateTime = *updateTime
	}
	if err := json.Unmarshal(bids, &tick.Bids); err != nil {
		return schema.Tick{}, false, fmt.Errorf("tick store: decode bids: %w", err)
	}
	if err := json.Unmarshal(asks, &tick.Asks); err != nil {
		return schema.Tick{}, false, fmt.Errorf("tick store: decode asks: %w", err)
	}
	if tick.TickSize, err = decimalFromText(tickSize); err != nil {
		return schema.Tick{}, false, err
	}
	if tick.Factor, err = decimalFromText(factor); err != nil {
		return schema.Tick{}, false, err
	}
	return tick, true, nil
}

// CountTradingDay returns the number of ticks stored for a trading day.
func (s *TickStore) CountTradingDay(ctx context.Context, tradingDay string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("tick store: nil pool")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, tickCountSQL, tradingDay).Scan(&n); err != nil {
		return 0, fmt.Errorf("tick store: count %s: %w", tradingDay, err)
	}
	return n, nil
}

func levelsOrEmpty(levels []schema.PriceLevel) []schema.PriceLevel {
	if levels == nil {
		return []schema.PriceLevel{}
	}
	return levels
}
