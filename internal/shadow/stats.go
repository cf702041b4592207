package shadow

import "math"

// minutesPerTradingYear annualizes per-tick return statistics: 252
// trading days of 390 session minutes, one equity sample per minute.
const minutesPerTradingYear = 252 * 390

// EquityStats folds the equity curve into running performance numbers.
// Variance uses Welford's update with Bessel's correction, so replaying
// the stored curve at boot lands on the same values the live ticks
// produced.
type EquityStats struct {
	last  float64
	count int
	mean  float64
	m2    float64

	peak  float64
	maxDD float64
}

// Observe folds one equity sample in
func (s *EquityStats) Observe(equity float64) {
	if equity > s.peak {
		s.peak = equity
	}
	if s.peak > 0 {
		dd := (s.peak - equity) / s.peak
		if dd > s.maxDD {
			s.maxDD = dd
		}
	}

	if s.last > 0 {
		r := equity/s.last - 1
		s.count++
		delta := r - s.mean
		s.mean += delta / float64(s.count)
		s.m2 += delta * (r - s.mean)
	}
	s.last = equity
}

// Sharpe returns the annualized Sharpe ratio at a zero risk-free rate.
// Zero until two returns exist or while the curve is flat.
func (s *EquityStats) Sharpe() float64 {
	if s.count < 2 {
		return 0
	}
	std := math.Sqrt(s.m2 / float64(s.count-1))
	if std == 0 {
		return 0
	}
	return s.mean / std * math.Sqrt(minutesPerTradingYear)
}

// MaxDrawdown returns the worst peak-to-trough decline as a ratio
func (s *EquityStats) MaxDrawdown() float64 {
	return s.maxDD
}
