package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/indicators"
	"github.com/warroomhq/warroom/internal/metrics"
)

// vixTicker is the volatility index symbol the feed serves
const vixTicker = "^VIX"

// maxHistoryDays caps how far back a historical price lookup will ask
// the feed to go.
const maxHistoryDays = 400

// Service implements Adapter over a feed, the Redis cache, and the
// session calendar. Feed calls run behind the market circuit breaker.
type Service struct {
	feed      Feed
	cache     *Cache
	cal       *Calendar
	breaker   *gobreaker.CircuitBreaker
	volDays   int
	regime    string
	fedStance string
	logger    zerolog.Logger
}

// NewService creates the market data service. The cache and breaker may
// be nil; a nil cache always misses and a nil breaker never trips.
func NewService(feed Feed, cache *Cache, cal *Calendar, breaker *gobreaker.CircuitBreaker, cfg config.MarketConfig, logger zerolog.Logger) *Service {
	volDays := cfg.VolWindow
	if volDays <= 0 {
		volDays = 30
	}
	regime := cfg.Regime
	if regime == "" {
		regime = "neutral"
	}
	fedStance := cfg.FedStance
	if fedStance == "" {
		fedStance = "neutral"
	}
	return &Service{
		feed:      feed,
		cache:     cache,
		cal:       cal,
		breaker:   breaker,
		volDays:   volDays,
		regime:    regime,
		fedStance: fedStance,
		logger:    logger.With().Str("component", "market").Logger(),
	}
}

// Price returns the trade price for ticker. A zero at means the latest
// quote, served read-through from the cache; a non-zero at means the
// daily close on that date.
func (s *Service) Price(ctx context.Context, ticker string, at time.Time) (decimal.Decimal, error) {
	if !at.IsZero() {
		return s.closeOn(ctx, ticker, at)
	}

	if price, ok := s.cache.GetPrice(ctx, ticker); ok {
		return price, nil
	}

	price, err := s.quote(ctx, ticker)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to quote %s: %w", ticker, err)
	}

	s.cache.SetPrice(ctx, ticker, price)
	return price, nil
}

// RealizedVol returns annualized realized volatility over the trailing
// window in days, cached under the vol TTL.
func (s *Service) RealizedVol(ctx context.Context, ticker string, days int) (decimal.Decimal, error) {
	if days <= 0 {
		days = s.volDays
	}

	if vol, ok := s.cache.GetVol(ctx, ticker, days); ok {
		return vol, nil
	}

	bars, err := s.Bars(ctx, ticker, days+1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch bars for %s: %w", ticker, err)
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close.InexactFloat64()
	}

	v, err := indicators.AnnualizedVol(closes)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute realized vol for %s: %w", ticker, err)
	}

	vol := decimal.NewFromFloat(v)
	s.cache.SetVol(ctx, ticker, days, vol)
	return vol, nil
}

// IsOpen reports whether the exchange session is open at the given time
func (s *Service) IsOpen(ctx context.Context, exchange string, at time.Time) (bool, error) {
	return s.cal.IsOpen(ctx, exchange, at)
}

// Bars returns daily bars through the market breaker, oldest first
func (s *Service) Bars(ctx context.Context, ticker string, days int) ([]Bar, error) {
	start := time.Now()
	defer func() {
		metrics.PriceFetchLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	if s.breaker == nil {
		return s.feed.DailyBars(ctx, ticker, days)
	}
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.feed.DailyBars(ctx, ticker, days)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Bar), nil
}

// VIX returns the current volatility index level
func (s *Service) VIX(ctx context.Context) (float64, error) {
	price, err := s.Price(ctx, vixTicker, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch vix: %w", err)
	}
	return price.InexactFloat64(), nil
}

// Macro assembles the broad-market context. Regime and fed stance come
// from config; a VIX outage degrades to zero with a warning.
func (s *Service) Macro(ctx context.Context) Macro {
	m := Macro{Regime: s.regime, FedStance: s.fedStance}
	v, err := s.VIX(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("vix unavailable for macro context")
		return m
	}
	m.VIX = v
	return m
}

func (s *Service) quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	start := time.Now()
	defer func() {
		metrics.PriceFetchLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	if s.breaker == nil {
		return s.feed.Quote(ctx, ticker)
	}
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.feed.Quote(ctx, ticker)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

// closeOn returns the daily close for the date of at, or
// ErrPriceUnavailable when no bar landed on that date.
func (s *Service) closeOn(ctx context.Context, ticker string, at time.Time) (decimal.Decimal, error) {
	back := int(time.Since(at).Hours()/24) + 5
	if back < 5 {
		return decimal.Zero, fmt.Errorf("%w: %s has no close for future date %s",
			ErrPriceUnavailable, ticker, at.Format("2006-01-02"))
	}
	if back > maxHistoryDays {
		back = maxHistoryDays
	}

	bars, err := s.Bars(ctx, ticker, back)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch bars for %s: %w", ticker, err)
	}

	wantY, wantM, wantD := at.UTC().Date()
	for i := len(bars) - 1; i >= 0; i-- {
		y, m, d := bars[i].Date.UTC().Date()
		if y == wantY && m == wantM && d == wantD {
			return bars[i].Close, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrPriceUnavailable, ticker, at.Format("2006-01-02"))
}
