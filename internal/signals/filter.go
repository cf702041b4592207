package signals

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/warroom"
)

// lastEmit is the most recent admitted signal for a ticker
type lastEmit struct {
	at     time.Time
	action warroom.Action
}

// Filter drops duplicate and low-confidence signals before they reach
// the order flow. It keeps one entry per ticker: a signal repeating the
// ticker's last action inside the dedup window is a duplicate.
type Filter struct {
	mu       sync.Mutex
	window   time.Duration
	minConf  float64
	lastSeen map[string]lastEmit
	logger   zerolog.Logger
}

func NewFilter(cfg config.PipelineConfig, logger zerolog.Logger) *Filter {
	window := cfg.DedupWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	minConf := cfg.MinConfidence
	if minConf <= 0 {
		minConf = 0.60
	}
	return &Filter{
		window:   window,
		minConf:  minConf,
		lastSeen: make(map[string]lastEmit),
		logger:   logger.With().Str("component", "signal_filter").Logger(),
	}
}

// Admit reports whether sig clears the confidence floor and the dedup
// window, recording it when it does. The second return names the drop
// reason for the caller's signal_rejected payload.
func (f *Filter) Admit(sig *Signal) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sig.Confidence < f.minConf {
		metrics.SignalsLowQuality.Inc()
		f.logger.Debug().
			Str("ticker", sig.Ticker).
			Str("action", string(sig.Action)).
			Float64("confidence", sig.Confidence).
			Float64("floor", f.minConf).
			Msg("signal dropped below confidence floor")
		return false, "low_confidence"
	}

	key := strings.ToUpper(sig.Ticker)
	if last, ok := f.lastSeen[key]; ok &&
		last.action == sig.Action && time.Since(last.at) < f.window {
		metrics.SignalsDeduped.Inc()
		f.logger.Debug().
			Str("ticker", sig.Ticker).
			Str("action", string(sig.Action)).
			Time("last_emit", last.at).
			Msg("signal deduped inside window")
		return false, "duplicate"
	}

	f.lastSeen[key] = lastEmit{at: time.Now(), action: sig.Action}
	metrics.SignalsEmitted.Inc()
	return true, ""
}

// Reset clears the dedup memory
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = make(map[string]lastEmit)
}
