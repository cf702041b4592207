package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/metrics"
)

// KillSwitch is the operator-gated halt on new order submission. When
// engaged, the order manager refuses transitions into ORDER_SENT and
// the scheduler pauses trading-path jobs; orders already at the broker
// and all observation loops keep running.
//
// The switch holds no timers and never disengages on its own.
type KillSwitch struct {
	mu        sync.RWMutex
	engaged   bool
	reason    string
	engagedAt time.Time

	bus    *bus.Bus
	logger zerolog.Logger
}

// NewKillSwitch creates a disengaged kill switch
func NewKillSwitch(b *bus.Bus, logger zerolog.Logger) *KillSwitch {
	return &KillSwitch{
		bus:    b,
		logger: logger.With().Str("component", "kill_switch").Logger(),
	}
}

// Engaged reports whether the switch is currently engaged
func (k *KillSwitch) Engaged() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged
}

// Reason returns the reason and time of the current engagement, or
// zero values when disengaged.
func (k *KillSwitch) Reason() (string, time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.engaged {
		return "", time.Time{}
	}
	return k.reason, k.engagedAt
}

// Engage halts new order submission. Re-engaging while already engaged
// is a no-op that keeps the original reason and timestamp.
func (k *KillSwitch) Engage(ctx context.Context, reason string) {
	k.mu.Lock()
	if k.engaged {
		k.mu.Unlock()
		return
	}
	k.engaged = true
	k.reason = reason
	k.engagedAt = time.Now().UTC()
	at := k.engagedAt
	k.mu.Unlock()

	metrics.SetKillSwitch(true, reason)
	k.logger.Warn().Str("reason", reason).Msg("kill switch engaged, new order submission halted")

	if k.bus != nil {
		if err := k.bus.Publish(ctx, bus.TopicKillSwitch, map[string]interface{}{
			"reason":     reason,
			"engaged_at": at.Format(time.RFC3339),
		}); err != nil {
			k.logger.Error().Err(err).Msg("failed to publish kill switch event")
		}
	}
}

// Disengage resumes order submission. A no-op when already disengaged.
func (k *KillSwitch) Disengage(ctx context.Context) {
	k.mu.Lock()
	if !k.engaged {
		k.mu.Unlock()
		return
	}
	halted := time.Since(k.engagedAt)
	k.engaged = false
	k.reason = ""
	k.engagedAt = time.Time{}
	k.mu.Unlock()

	metrics.SetKillSwitch(false, "")
	k.logger.Info().Dur("halted_for", halted).Msg("kill switch disengaged, trading resumed")

	if k.bus != nil {
		if err := k.bus.Publish(ctx, bus.TopicSystemStarted, map[string]interface{}{
			"event":      "trading_resumed",
			"halted_for": halted.String(),
		}); err != nil {
			k.logger.Error().Err(err).Msg("failed to publish trading resumed event")
		}
	}
}
