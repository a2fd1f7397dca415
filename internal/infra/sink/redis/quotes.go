// Package redis keeps the latest quote per instrument in Redis and publishes each update on a
// pub/sub channel for downstream subscribers.
package redis

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
)

const sinkName = "redis"

// QuoteCache stores one JSON snapshot per instrument under KeyPrefix+INSTRUMENT.EXCHANGE.
type QuoteCache struct {
	client *goredis.Client
	cfg    config.QuoteCacheConfig
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.QuoteCacheConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New("sink/redis", errs.CodeUnavailable, errs.WithMessage("ping "+cfg.Addr), errs.WithCause(err))
	}
	return client, nil
}

// NewQuoteCache wraps an existing client.
func NewQuoteCache(client *goredis.Client, cfg config.QuoteCacheConfig) *QuoteCache {
	return &QuoteCache{client: client, cfg: cfg}
}

// Name identifies the cache in logs and metrics.
func (c *QuoteCache) Name() string { return sinkName }

// WriteTick stores the tick as the latest quote and publishes it.
func (c *QuoteCache) WriteTick(ctx context.Context, tick schema.Tick) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("quote cache: nil client")
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("quote cache: encode %s: %w", tick.Key().String(), err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.key(tick.Key()), payload, c.cfg.TTL)
	if c.cfg.Channel != "" {
		pipe.Publish(ctx, c.cfg.Channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quote cache: write %s: %w", tick.Key().String(), err)
	}
	return nil
}

// Latest returns the cached quote for an instrument.
func (c *QuoteCache) Latest(ctx context.Context, key schema.Key) (schema.Tick, bool, error) {
	if c == nil || c.client == nil {
		return schema.Tick{}, false, fmt.Errorf("quote cache: nil client")
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return schema.Tick{}, false, nil
	}
	if err != nil {
		return schema.Tick{}, false, fmt.Errorf("quote cache: get %s: %w", key.String(), err)
	}
	var tick schema.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return schema.Tick{}, false, fmt.Errorf("quote cache: decode %s: %w", key.String(), err)
	}
	return tick, true, nil
}

// Close releases the client.
func (c *QuoteCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *QuoteCache) key(k schema.Key) string {
	return c.cfg.KeyPrefix + k.String()
}
