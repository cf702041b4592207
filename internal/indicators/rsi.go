package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
)

// RSI returns the latest Wilder relative strength index over the
// period. Needs at least period+1 closes for one full smoothing pass.
func RSI(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid rsi period: %d", period)
	}
	if len(closes) <= period {
		return 0, ErrNotEnoughData
	}

	rsi := momentum.NewRsiWithPeriod[float64](period)
	last, ok := lastValue(rsi.Compute(toChan(closes)))
	if !ok {
		return 0, ErrNotEnoughData
	}
	return last, nil
}
