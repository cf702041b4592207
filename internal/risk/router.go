package risk

import "github.com/warroomhq/warroom/internal/config"

// Track classifies how a validated decision reaches the broker
type Track string

const (
	// FastTrack submits immediately, bypassing the deliberation cycle
	FastTrack Track = "fast_track"
	// DeepDive routes through the full War Room cycle
	DeepDive Track = "deep_dive"
)

// Routing is a track plus the condition that selected it
type Routing struct {
	Track  Track
	Reason string
}

// Router classifies decisions into fast track or deep dive. It holds
// only thresholds; every call is pure over the snapshot it is given.
type Router struct {
	dailyLossPct float64
	vixThreshold float64
}

// NewRouter creates a router with the configured fast-track thresholds
func NewRouter(cfg config.RiskConfig) *Router {
	return &Router{
		dailyLossPct: cfg.DailyLossFastPct,
		vixThreshold: cfg.VIXFastThreshold,
	}
}

// Route classifies a decision on ticker against a portfolio snapshot.
// Fast track fires when the position's protective exit is already
// breached or the account is in a state where waiting on deliberation
// costs more than acting: deep daily loss, volatility spike, or an
// engaged kill switch (exits still flow while entries are refused
// downstream).
func (r *Router) Route(ticker string, rc *Context) Routing {
	if p, ok := rc.Position(ticker); ok && p.StopCrossed() {
		return Routing{Track: FastTrack, Reason: "stop_crossed"}
	}
	if rc.DailyPnLPct <= r.dailyLossPct {
		return Routing{Track: FastTrack, Reason: "daily_loss"}
	}
	if rc.VIX > r.vixThreshold {
		return Routing{Track: FastTrack, Reason: "vix_spike"}
	}
	if rc.KillSwitchEngaged {
		return Routing{Track: FastTrack, Reason: "kill_switch"}
	}
	return Routing{Track: DeepDive, Reason: ""}
}
