package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/config"
)

type fakeFeed struct {
	quotes     map[string]decimal.Decimal
	quoteErr   error
	bars       []Bar
	barsErr    error
	quoteCalls int
	barCalls   int
}

func (f *fakeFeed) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return decimal.Zero, f.quoteErr
	}
	price, ok := f.quotes[ticker]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return price, nil
}

func (f *fakeFeed) DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error) {
	f.barCalls++
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	return f.bars, nil
}

// dailyBars builds consecutive daily bars ending yesterday
func dailyBars(closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	start := time.Now().UTC().AddDate(0, 0, -len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = Bar{
			Date:   start.AddDate(0, 0, i),
			Open:   d,
			High:   d.Add(decimal.NewFromInt(1)),
			Low:    d.Sub(decimal.NewFromInt(1)),
			Close:  d,
			Volume: 1000,
		}
	}
	return bars
}

func newTestService(t *testing.T, feed Feed, withCache bool) *Service {
	t.Helper()

	var cache *Cache
	if withCache {
		cache, _ = newTestCache(t, config.MarketConfig{PriceTTL: time.Minute, VolTTL: time.Hour})
	}
	cal, err := NewCalendar()
	require.NoError(t, err)
	return NewService(feed, cache, cal, nil, config.MarketConfig{}, zerolog.Nop())
}

func TestPriceReadsThroughCache(t *testing.T) {
	feed := &fakeFeed{quotes: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(231.45)}}
	svc := newTestService(t, feed, true)
	ctx := context.Background()

	first, err := svc.Price(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, feed.quoteCalls)

	second, err := svc.Price(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, feed.quoteCalls, "second lookup should come from cache")
	assert.True(t, first.Equal(second))
}

func TestPriceWithoutCacheHitsFeedEachTime(t *testing.T) {
	feed := &fakeFeed{quotes: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(230)}}
	svc := newTestService(t, feed, false)
	ctx := context.Background()

	_, err := svc.Price(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	_, err = svc.Price(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, feed.quoteCalls)
}

func TestPriceFeedErrorSurfaces(t *testing.T) {
	feed := &fakeFeed{quoteErr: errors.New("connection reset")}
	svc := newTestService(t, feed, false)

	_, err := svc.Price(context.Background(), "AAPL", time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to quote AAPL")
}

func TestHistoricalClose(t *testing.T) {
	feed := &fakeFeed{bars: dailyBars(100, 101, 102)}
	svc := newTestService(t, feed, false)

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	price, err := svc.Price(context.Background(), "AAPL", yesterday)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(102).Equal(price))
}

func TestHistoricalCloseMissingDay(t *testing.T) {
	// bars end yesterday, so a lookup ten days back finds nothing
	feed := &fakeFeed{bars: dailyBars(100, 101)}
	svc := newTestService(t, feed, false)

	tenDaysAgo := time.Now().UTC().AddDate(0, 0, -10)
	_, err := svc.Price(context.Background(), "AAPL", tenDaysAgo)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestHistoricalCloseFutureDate(t *testing.T) {
	feed := &fakeFeed{bars: dailyBars(100)}
	svc := newTestService(t, feed, false)

	nextWeek := time.Now().UTC().AddDate(0, 0, 7)
	_, err := svc.Price(context.Background(), "AAPL", nextWeek)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Equal(t, 0, feed.barCalls, "future dates never reach the feed")
}

func TestRealizedVolCachesResult(t *testing.T) {
	closes := make([]float64, 31)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 101
		}
	}
	feed := &fakeFeed{bars: dailyBars(closes...)}
	svc := newTestService(t, feed, true)
	ctx := context.Background()

	vol, err := svc.RealizedVol(ctx, "TSLA", 30)
	require.NoError(t, err)
	assert.True(t, vol.IsPositive())
	assert.Equal(t, 1, feed.barCalls)

	again, err := svc.RealizedVol(ctx, "TSLA", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, feed.barCalls, "second lookup should come from cache")
	assert.True(t, vol.Equal(again))
}

func TestRealizedVolTooFewBars(t *testing.T) {
	feed := &fakeFeed{bars: dailyBars(100, 101)}
	svc := newTestService(t, feed, false)

	_, err := svc.RealizedVol(context.Background(), "TSLA", 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compute realized vol")
}

func TestVIXQuote(t *testing.T) {
	feed := &fakeFeed{quotes: map[string]decimal.Decimal{vixTicker: decimal.NewFromFloat(18.5)}}
	svc := newTestService(t, feed, false)

	vix, err := svc.VIX(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 18.5, vix, 1e-9)
}

func TestMacroDegradesWithoutVIX(t *testing.T) {
	feed := &fakeFeed{quotes: map[string]decimal.Decimal{}}
	svc := newTestService(t, feed, false)

	m := svc.Macro(context.Background())
	assert.Equal(t, "neutral", m.Regime)
	assert.Equal(t, "neutral", m.FedStance)
	assert.Zero(t, m.VIX)
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	feed := &fakeFeed{quoteErr: errors.New("feed down")}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "market_test",
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= 3
		},
	})
	cal, err := NewCalendar()
	require.NoError(t, err)
	svc := NewService(feed, nil, cal, breaker, config.MarketConfig{}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Price(ctx, "AAPL", time.Time{})
		require.Error(t, err)
	}
	require.Equal(t, 3, feed.quoteCalls)

	_, err = svc.Price(ctx, "AAPL", time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, feed.quoteCalls, "open breaker never reaches the feed")
}
