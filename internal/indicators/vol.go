package indicators

import (
	"fmt"
	"math"
)

const tradingDaysPerYear = 252

// AnnualizedVol estimates annualized realized volatility from daily
// closes: sample standard deviation of log returns scaled to the
// trading year.
func AnnualizedVol(closes []float64) (float64, error) {
	if len(closes) < 3 {
		return 0, ErrNotEnoughData
	}

	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return 0, fmt.Errorf("non-positive close at index %d", i)
		}
		rets = append(rets, math.Log(closes[i]/closes[i-1]))
	}

	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	ss := 0.0
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	variance := ss / float64(len(rets)-1)

	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear), nil
}
