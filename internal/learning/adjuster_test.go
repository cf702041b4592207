package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/news"
	"github.com/warroomhq/warroom/internal/warroom"
)

type fakeAcc struct {
	samples []float64
	err     error
	horizon news.Horizon
	since   time.Time
}

func (f *fakeAcc) AccuracySamples(ctx context.Context, horizon news.Horizon, since time.Time) ([]float64, error) {
	f.horizon = horizon
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return f.samples, nil
}

type memWeights struct {
	mu        sync.Mutex
	versions  []warroom.AgentWeights
	insertErr error
}

func (m *memWeights) CurrentWeights(ctx context.Context) (warroom.AgentWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.versions) == 0 {
		return warroom.AgentWeights{}, ErrNoWeights
	}
	return cloneVersion(m.versions[len(m.versions)-1]), nil
}

func (m *memWeights) WeightsAsOf(ctx context.Context, cutoff time.Time) (warroom.AgentWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].EffectiveAt.Before(cutoff) {
			return cloneVersion(m.versions[i]), nil
		}
	}
	return warroom.AgentWeights{}, ErrNoWeights
}

func (m *memWeights) InsertWeights(ctx context.Context, w *warroom.AgentWeights) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions = append(m.versions, cloneVersion(*w))
	return nil
}

func (m *memWeights) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.versions)
}

func (m *memWeights) latest(t *testing.T) warroom.AgentWeights {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.versions)
	return cloneVersion(m.versions[len(m.versions)-1])
}

func cloneVersion(w warroom.AgentWeights) warroom.AgentWeights {
	clone := w
	clone.Weights = make(map[string]float64, len(w.Weights))
	for k, v := range w.Weights {
		clone.Weights[k] = v
	}
	return clone
}

func samplesAt(accuracy float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = accuracy
	}
	return out
}

func seedVersion(weights map[string]float64, version int, effective time.Time) warroom.AgentWeights {
	return warroom.AgentWeights{
		Version:     version,
		EffectiveAt: effective,
		Weights:     weights,
		Reason:      "initial",
		Actor:       "system",
	}
}

type adjusterFixture struct {
	adjuster *Adjuster
	acc      *fakeAcc
	weights  *memWeights
	bus      *bus.Bus
}

func newTestAdjuster(t *testing.T, newsAgent string) *adjusterFixture {
	t.Helper()
	b := bus.New(zerolog.Nop(), 0)
	t.Cleanup(b.Close)
	f := &adjusterFixture{
		acc:     &fakeAcc{},
		weights: &memWeights{},
		bus:     b,
	}
	f.adjuster = NewAdjuster(f.acc, f.weights, b, config.LearningConfig{
		MinSamples:    50,
		Window:        30 * 24 * time.Hour,
		Step:          0.02,
		FloorWeight:   0.05,
		CeilingWeight: 0.25,
		DailyCap:      0.05,
		LowNIA:        0.60,
		HighNIA:       0.80,
		NewsAgent:     newsAgent,
	}, zerolog.Nop())
	return f
}

func TestRunSkipsBelowMinimumSample(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.40, 49)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.20, "fundamental": 0.20, "technical": 0.20,
		"sentiment": 0.20, "risk_officer": 0.20,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))
	assert.Equal(t, 1, f.weights.count(), "no version appended")
	assert.Equal(t, news.Horizon1D, f.acc.horizon)
}

func TestRunNeutralBandChangesNothing(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.70, 80)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.20, "fundamental": 0.20, "technical": 0.20,
		"sentiment": 0.20, "risk_officer": 0.20,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))
	assert.Equal(t, 1, f.weights.count())
}

func TestRunLowersNewsWeight(t *testing.T) {
	f := newTestAdjuster(t, "information")
	f.acc.samples = samplesAt(0.55, 120)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"attack": 0.35, "defense": 0.35, "information": 0.30,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	adjusted := 0
	require.NoError(t, f.bus.Subscribe(bus.TopicConsensusReached, "test_capture",
		func(ctx context.Context, evt bus.Event) error {
			adjusted++
			assert.Equal(t, "weight_adjustment", evt.Payload["kind"])
			assert.Equal(t, "information", evt.Payload["agent"])
			return nil
		}))

	require.NoError(t, f.adjuster.Run(context.Background()))

	latest := f.weights.latest(t)
	assert.Equal(t, 2, latest.Version)
	assert.InDelta(t, 0.28, latest.Weights["information"], 1e-9)
	assert.InDelta(t, 0.36, latest.Weights["attack"], 1e-9)
	assert.InDelta(t, 0.36, latest.Weights["defense"], 1e-9)
	assert.Equal(t, "auto: NIA=55%", latest.Reason)
	assert.Equal(t, "weight-adjuster", latest.Actor)
	assert.Equal(t, 1, adjusted)

	sum := 0.0
	for _, w := range latest.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestRunRaisesNewsWeight(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.85, 90)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.20, "fundamental": 0.20, "technical": 0.20,
		"sentiment": 0.20, "risk_officer": 0.20,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))

	latest := f.weights.latest(t)
	assert.InDelta(t, 0.22, latest.Weights["news_analyst"], 1e-9)
	assert.InDelta(t, 0.195, latest.Weights["fundamental"], 1e-9)
	assert.Equal(t, "auto: NIA=85%", latest.Reason)
}

func TestCeilingStopsUpwardTravel(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.90, 60)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.24, "fundamental": 0.19, "technical": 0.19,
		"sentiment": 0.19, "risk_officer": 0.19,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))

	latest := f.weights.latest(t)
	assert.InDelta(t, 0.25, latest.Weights["news_analyst"], 1e-9)
	assert.InDelta(t, 0.1875, latest.Weights["fundamental"], 1e-9)
}

func TestFloorStopsDownwardTravel(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.40, 60)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.06, "fundamental": 0.235, "technical": 0.235,
		"sentiment": 0.235, "risk_officer": 0.235,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))

	latest := f.weights.latest(t)
	assert.InDelta(t, 0.05, latest.Weights["news_analyst"], 1e-9)
	assert.InDelta(t, 0.2375, latest.Weights["fundamental"], 1e-9)
}

func TestAdjustmentAbsorbedAtFloorWritesNothing(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.40, 60)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.05, "fundamental": 0.2375, "technical": 0.2375,
		"sentiment": 0.2375, "risk_officer": 0.2375,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))
	assert.Equal(t, 1, f.weights.count(), "already at the floor, nothing to write")
}

func TestDailyCapLimitsCumulativeMove(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.40, 60)

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	// Yesterday closed with the news agent at 0.12; an earlier run today
	// already took it to 0.08. One more -0.02 would be -0.06 on the day.
	f.weights.versions = []warroom.AgentWeights{
		seedVersion(map[string]float64{
			"news_analyst": 0.12, "fundamental": 0.22, "technical": 0.22,
			"sentiment": 0.22, "risk_officer": 0.22,
		}, 1, dayStart.Add(-time.Hour)),
		seedVersion(map[string]float64{
			"news_analyst": 0.08, "fundamental": 0.23, "technical": 0.23,
			"sentiment": 0.23, "risk_officer": 0.23,
		}, 2, dayStart.Add(time.Minute)),
	}

	require.NoError(t, f.adjuster.Run(context.Background()))

	latest := f.weights.latest(t)
	assert.Equal(t, 3, latest.Version)
	assert.InDelta(t, 0.07, latest.Weights["news_analyst"], 1e-9,
		"capped at 0.05 below yesterday's close")
}

func TestAccuracySourceFailureSurfaces(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.err = errors.New("db down")

	err := f.adjuster.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load accuracy samples")
}

func TestMissingNewsAgentErrors(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.40, 60)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"attack": 0.5, "defense": 0.5,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	err := f.adjuster.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent")
}

func TestWindowCutoffPassedToSource(t *testing.T) {
	f := newTestAdjuster(t, "news_analyst")
	f.acc.samples = samplesAt(0.70, 80)
	f.weights.versions = []warroom.AgentWeights{seedVersion(map[string]float64{
		"news_analyst": 0.20, "fundamental": 0.80,
	}, 1, time.Now().UTC().Add(-48*time.Hour))}

	require.NoError(t, f.adjuster.Run(context.Background()))
	assert.WithinDuration(t, time.Now().UTC().Add(-30*24*time.Hour), f.acc.since, time.Minute)
}
