package risk

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/warroomhq/warroom/internal/metrics"
)

// Per-dependency breaker thresholds. The LLM breaker tolerates fewer
// samples and stays open longer because model outages run minutes, not
// seconds; the database breaker recovers fast since pool hiccups clear
// quickly.
const (
	llmMinRequests     = 3
	llmFailureRatio    = 0.6
	llmOpenTimeout     = 60 * time.Second
	llmHalfOpenMaxReqs = 2
	llmCountInterval   = 10 * time.Second

	brokerMinRequests     = 5
	brokerFailureRatio    = 0.6
	brokerOpenTimeout     = 30 * time.Second
	brokerHalfOpenMaxReqs = 3
	brokerCountInterval   = 10 * time.Second

	dbMinRequests     = 10
	dbFailureRatio    = 0.6
	dbOpenTimeout     = 15 * time.Second
	dbHalfOpenMaxReqs = 5
	dbCountInterval   = 10 * time.Second

	marketMinRequests     = 5
	marketFailureRatio    = 0.6
	marketOpenTimeout     = 20 * time.Second
	marketHalfOpenMaxReqs = 3
	marketCountInterval   = 10 * time.Second
)

// BreakerSettings holds the tunable thresholds for one breaker
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// Breakers wraps the external dependencies each behind its own circuit
// breaker: the LLM provider, the broker API, the database, and the
// market data feed. A tripped breaker fails calls immediately with
// gobreaker.ErrOpenState instead of piling timeouts onto a dead
// dependency.
type Breakers struct {
	llm      *gobreaker.CircuitBreaker
	broker   *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
	market   *gobreaker.CircuitBreaker
}

// NewBreakers creates the breaker trio with default thresholds
func NewBreakers() *Breakers {
	return NewBreakersWithSettings(nil, nil, nil)
}

// NewBreakersWithSettings creates the breaker trio, substituting
// defaults for any nil settings.
func NewBreakersWithSettings(llm, broker, db *BreakerSettings) *Breakers {
	if llm == nil {
		llm = &BreakerSettings{
			MinRequests:     llmMinRequests,
			FailureRatio:    llmFailureRatio,
			OpenTimeout:     llmOpenTimeout,
			HalfOpenMaxReqs: llmHalfOpenMaxReqs,
			CountInterval:   llmCountInterval,
		}
	}
	if broker == nil {
		broker = &BreakerSettings{
			MinRequests:     brokerMinRequests,
			FailureRatio:    brokerFailureRatio,
			OpenTimeout:     brokerOpenTimeout,
			HalfOpenMaxReqs: brokerHalfOpenMaxReqs,
			CountInterval:   brokerCountInterval,
		}
	}
	if db == nil {
		db = &BreakerSettings{
			MinRequests:     dbMinRequests,
			FailureRatio:    dbFailureRatio,
			OpenTimeout:     dbOpenTimeout,
			HalfOpenMaxReqs: dbHalfOpenMaxReqs,
			CountInterval:   dbCountInterval,
		}
	}

	b := &Breakers{
		llm:      newBreaker("llm", llm),
		broker:   newBreaker("broker", broker),
		database: newBreaker("database", db),
		market: newBreaker("market", &BreakerSettings{
			MinRequests:     marketMinRequests,
			FailureRatio:    marketFailureRatio,
			OpenTimeout:     marketOpenTimeout,
			HalfOpenMaxReqs: marketHalfOpenMaxReqs,
			CountInterval:   marketCountInterval,
		}),
	}

	recordBreakerState("llm", b.llm.State())
	recordBreakerState("broker", b.broker.State())
	recordBreakerState("database", b.database.State())
	recordBreakerState("market", b.market.State())
	return b
}

// NewPassthroughBreakers creates breakers that never trip, for tests
// that exercise components without breaker interference.
func NewPassthroughBreakers() *Breakers {
	neverTrip := func(counts gobreaker.Counts) bool { return false }
	passthrough := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1000,
			Timeout:     time.Millisecond,
			ReadyToTrip: neverTrip,
		})
	}
	return &Breakers{
		llm:      passthrough("llm_passthrough"),
		broker:   passthrough("broker_passthrough"),
		database: passthrough("database_passthrough"),
		market:   passthrough("market_passthrough"),
	}
}

func newBreaker(name string, s *BreakerSettings) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			recordBreakerState(name, to)
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
}

// LLM returns the breaker guarding LLM provider calls
func (b *Breakers) LLM() *gobreaker.CircuitBreaker { return b.llm }

// Broker returns the breaker guarding broker API calls
func (b *Breakers) Broker() *gobreaker.CircuitBreaker { return b.broker }

// Database returns the breaker guarding database access
func (b *Breakers) Database() *gobreaker.CircuitBreaker { return b.database }

// Market returns the breaker guarding market data feed calls
func (b *Breakers) Market() *gobreaker.CircuitBreaker { return b.market }

func recordBreakerState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.SetCircuitBreakerState(name, v)
}
