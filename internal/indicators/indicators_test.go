package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSIRisingMarket(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}

	rsi, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.Greater(t, rsi, 70.0)
}

func TestRSIFallingMarket(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}

	rsi, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.Less(t, rsi, 30.0)
}

func TestRSINotEnoughData(t *testing.T) {
	_, err := RSI([]float64{100, 101, 102}, 14)
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestRSIInvalidPeriod(t *testing.T) {
	_, err := RSI([]float64{100, 101}, 0)
	assert.Error(t, err)
}

func TestEMAConstantSeries(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 50
	}

	ema, err := EMA(closes, 20)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, ema, 1e-9)
}

func TestEMATracksStepUp(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		if i < 30 {
			closes[i] = 100
		} else {
			closes[i] = 110
		}
	}

	ema, err := EMA(closes, 20)
	require.NoError(t, err)
	assert.Greater(t, ema, 105.0)
	assert.Less(t, ema, 110.0)
}

func TestEMANotEnoughData(t *testing.T) {
	_, err := EMA([]float64{100, 101}, 20)
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestATRConstantRange(t *testing.T) {
	n := 30
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = 100
		highs[i] = 101
		lows[i] = 99
	}

	atr, err := ATR(highs, lows, closes, 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-6)
}

func TestATRLengthMismatch(t *testing.T) {
	_, err := ATR([]float64{1, 2}, []float64{1}, []float64{1, 2}, 14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "length mismatch")
}

func TestAnnualizedVolConstantSeries(t *testing.T) {
	closes := []float64{100, 100, 100, 100, 100}

	vol, err := AnnualizedVol(closes)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, vol, 1e-12)
}

func TestAnnualizedVolAlternatingSeries(t *testing.T) {
	// log returns +-ln(1.01) with zero mean; sample std is
	// 2*ln(1.01)/sqrt(3), annualized by sqrt(252).
	closes := []float64{100, 101, 100, 101, 100}

	vol, err := AnnualizedVol(closes)
	require.NoError(t, err)
	assert.InDelta(t, 0.1824, vol, 0.001)
}

func TestAnnualizedVolNotEnoughData(t *testing.T) {
	_, err := AnnualizedVol([]float64{100, 101})
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestAnnualizedVolRejectsNonPositiveClose(t *testing.T) {
	_, err := AnnualizedVol([]float64{100, 0, 100})
	assert.Error(t, err)
}
