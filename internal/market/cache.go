package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
)

// Cache op budget. A slow Redis must never stall a price lookup; a
// miss just falls through to the feed.
const cacheOpTimeout = 500 * time.Millisecond

// Cache is the Redis read-through layer in front of the feed. A nil
// Cache is valid and behaves as always-miss.
type Cache struct {
	client   *redis.Client
	priceTTL time.Duration
	volTTL   time.Duration
	logger   zerolog.Logger
}

// priceEntry is the cached price record
type priceEntry struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// volEntry is the cached realized-volatility record
type volEntry struct {
	Ticker string          `json:"ticker"`
	Days   int             `json:"days"`
	Vol    decimal.Decimal `json:"vol"`
	At     time.Time       `json:"at"`
}

// NewCache creates the price cache. A nil client returns a nil cache,
// which disables caching without branching at call sites.
func NewCache(client *redis.Client, cfg config.MarketConfig, logger zerolog.Logger) *Cache {
	if client == nil {
		return nil
	}

	priceTTL := cfg.PriceTTL
	if priceTTL <= 0 {
		priceTTL = 5 * time.Second
	}
	volTTL := cfg.VolTTL
	if volTTL <= 0 {
		volTTL = 10 * time.Minute
	}

	return &Cache{
		client:   client,
		priceTTL: priceTTL,
		volTTL:   volTTL,
		logger:   logger.With().Str("component", "market_cache").Logger(),
	}
}

// GetPrice returns a cached price, or false on miss
func (c *Cache) GetPrice(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	if c == nil || c.client == nil {
		return decimal.Zero, false
	}

	key := priceKey(ticker)
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("redis get error, treating as miss")
		}
		metrics.PriceCacheMisses.Inc()
		return decimal.Zero, false
	}

	var entry priceEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to unmarshal cached price")
		metrics.PriceCacheMisses.Inc()
		return decimal.Zero, false
	}

	metrics.PriceCacheHits.Inc()
	return entry.Price, true
}

// SetPrice stores a price under the price TTL. Cache write failures are
// logged, never surfaced.
func (c *Cache) SetPrice(ctx context.Context, ticker string, price decimal.Decimal) {
	if c == nil || c.client == nil {
		return
	}

	entry := priceEntry{Ticker: ticker, Price: price, At: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("failed to marshal price entry")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cctx, priceKey(ticker), data, c.priceTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("failed to cache price")
	}
}

// GetVol returns a cached realized volatility, or false on miss
func (c *Cache) GetVol(ctx context.Context, ticker string, days int) (decimal.Decimal, bool) {
	if c == nil || c.client == nil {
		return decimal.Zero, false
	}

	key := volKey(ticker, days)
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("redis get error, treating as miss")
		}
		return decimal.Zero, false
	}

	var entry volEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to unmarshal cached vol")
		return decimal.Zero, false
	}
	return entry.Vol, true
}

// SetVol stores a realized volatility under the vol TTL
func (c *Cache) SetVol(ctx context.Context, ticker string, days int, vol decimal.Decimal) {
	if c == nil || c.client == nil {
		return
	}

	entry := volEntry{Ticker: ticker, Days: days, Vol: vol, At: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("failed to marshal vol entry")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cctx, volKey(ticker, days), data, c.volTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("ticker", ticker).Msg("failed to cache vol")
	}
}

func priceKey(ticker string) string {
	return fmt.Sprintf("warroom:price:%s", ticker)
}

func volKey(ticker string, days int) string {
	return fmt.Sprintf("warroom:vol:%s:%dd", ticker, days)
}
