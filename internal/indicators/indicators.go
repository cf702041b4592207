// Package indicators computes the technical readings attached to
// market snapshots: latest-value wrappers over cinar's streaming
// indicators plus a realized-volatility estimate.
package indicators

import "errors"

// ErrNotEnoughData is returned when the input series is shorter than
// the indicator's warmup window.
var ErrNotEnoughData = errors.New("not enough data points")

// toChan feeds a slice into a closed channel the streaming indicators
// can drain.
func toChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// lastValue drains an indicator output channel and keeps the most
// recent reading.
func lastValue(ch <-chan float64) (float64, bool) {
	var (
		last float64
		seen bool
	)
	for v := range ch {
		last = v
		seen = true
	}
	return last, seen
}
