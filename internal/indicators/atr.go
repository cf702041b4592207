package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// ATR returns the latest average true range over the period. The three
// series must be aligned and the same length.
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid atr period: %d", period)
	}
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return 0, fmt.Errorf("series length mismatch: %d highs, %d lows, %d closes",
			len(highs), len(lows), len(closes))
	}
	if len(closes) < period {
		return 0, ErrNotEnoughData
	}

	atr := volatility.NewAtrWithPeriod[float64](period)
	last, ok := lastValue(atr.Compute(toChan(highs), toChan(lows), toChan(closes)))
	if !ok {
		return 0, ErrNotEnoughData
	}
	return last, nil
}
