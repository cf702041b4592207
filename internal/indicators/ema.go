package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
)

// EMA returns the latest exponential moving average over the period
func EMA(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid ema period: %d", period)
	}
	if len(closes) < period {
		return 0, ErrNotEnoughData
	}

	ema := trend.NewEmaWithPeriod[float64](period)
	last, ok := lastValue(ema.Compute(toChan(closes)))
	if !ok {
		return 0, ErrNotEnoughData
	}
	return last, nil
}
