package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/indicators"
)

// Indicator windows for the snapshot's technical readings. barWindow
// covers the longest warmup with room to spare.
const (
	barWindow = 60
	rsiPeriod = 14
	emaPeriod = 20
	atrPeriod = 14

	headlineCount = 5
)

// HeadlineSource supplies recent article titles for a ticker
type HeadlineSource interface {
	RecentHeadlines(ctx context.Context, ticker string, limit int) ([]string, error)
}

// SnapshotBuilder composes the market view a deliberation argues over.
// The price is required; indicators, volatility, news, and macro
// degrade to zero values when their sources fail.
type SnapshotBuilder struct {
	svc     *Service
	news    HeadlineSource
	volDays int
	logger  zerolog.Logger
}

// NewSnapshotBuilder creates a snapshot builder. news may be nil.
func NewSnapshotBuilder(svc *Service, news HeadlineSource, cfg config.MarketConfig, logger zerolog.Logger) *SnapshotBuilder {
	volDays := cfg.VolWindow
	if volDays <= 0 {
		volDays = 30
	}
	return &SnapshotBuilder{
		svc:     svc,
		news:    news,
		volDays: volDays,
		logger:  logger.With().Str("component", "snapshot_builder").Logger(),
	}
}

// Snapshot assembles the market view for one ticker
func (b *SnapshotBuilder) Snapshot(ctx context.Context, ticker string) (Snapshot, error) {
	price, err := b.svc.Price(ctx, ticker, time.Time{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to fetch price for %s: %w", ticker, err)
	}

	snap := Snapshot{
		Ticker: ticker,
		AsOf:   time.Now().UTC(),
		Price:  price,
		Macro:  b.svc.Macro(ctx),
	}

	bars, err := b.svc.Bars(ctx, ticker, barWindow)
	if err != nil {
		b.logger.Warn().Err(err).Str("ticker", ticker).Msg("bars unavailable, snapshot carries no indicators")
	} else {
		snap.Indicators = b.computeIndicators(ticker, bars)
	}

	vol, err := b.svc.RealizedVol(ctx, ticker, b.volDays)
	if err != nil {
		b.logger.Warn().Err(err).Str("ticker", ticker).Msg("realized vol unavailable")
	} else {
		snap.RealizedVol = vol
	}

	if b.news != nil {
		heads, err := b.news.RecentHeadlines(ctx, ticker, headlineCount)
		if err != nil {
			b.logger.Warn().Err(err).Str("ticker", ticker).Msg("recent headlines unavailable")
		} else {
			snap.RecentNews = heads
		}
	}

	return snap, nil
}

func (b *SnapshotBuilder) computeIndicators(ticker string, bars []Bar) Indicators {
	var ind Indicators
	if len(bars) == 0 {
		return ind
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i] = bar.High.InexactFloat64()
		lows[i] = bar.Low.InexactFloat64()
		closes[i] = bar.Close.InexactFloat64()
	}

	if v, err := indicators.RSI(closes, rsiPeriod); err == nil {
		ind.RSI14 = v
	} else {
		b.logger.Debug().Err(err).Str("ticker", ticker).Msg("rsi unavailable")
	}
	if v, err := indicators.EMA(closes, emaPeriod); err == nil {
		ind.EMA20 = v
	} else {
		b.logger.Debug().Err(err).Str("ticker", ticker).Msg("ema unavailable")
	}
	if v, err := indicators.ATR(highs, lows, closes, atrPeriod); err == nil {
		ind.ATR14 = v
	} else {
		b.logger.Debug().Err(err).Str("ticker", ticker).Msg("atr unavailable")
	}
	return ind
}
