// Package news ingests external headlines and turns them into typed
// interpretations the signal pipeline can act on. Articles are immutable
// after ingest except the analyzed flag, which flips exactly once.
package news

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentiment is the interpreted tone of an article for one ticker
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// Direction is a predicted or realized price move
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// Horizon is how far out a prediction reaches
type Horizon string

const (
	Horizon1D Horizon = "1d"
	Horizon1W Horizon = "1w"
	Horizon1M Horizon = "1m"
)

// Horizons lists every verification horizon in scheduling order
var Horizons = []Horizon{Horizon1D, Horizon1W, Horizon1M}

// Offset returns the duration after prediction time at which the horizon
// comes due. A month reads as 30 days.
func (h Horizon) Offset() time.Duration {
	switch h {
	case Horizon1D:
		return 24 * time.Hour
	case Horizon1W:
		return 7 * 24 * time.Hour
	case Horizon1M:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Article is one ingested news item
type Article struct {
	ID          uuid.UUID
	Source      string
	ExternalID  string
	URL         string
	Title       string
	Body        string
	Tickers     []string
	PublishedAt time.Time
	IngestedAt  time.Time
	Analyzed    bool
	SkipReason  string
}

// DedupeKey returns the source's native article id, falling back to a
// SHA-256 of the URL when the source doesn't supply one.
func (a Article) DedupeKey() string {
	if a.ExternalID != "" {
		return a.ExternalID
	}
	sum := sha256.Sum256([]byte(a.URL))
	return hex.EncodeToString(sum[:])
}

// Interpretation is the LLM's read of one article for one ticker. The
// verifier fills in a Reaction per horizon once the outcome is known.
type Interpretation struct {
	ID                 uuid.UUID
	ArticleID          uuid.UUID
	Ticker             string
	Sentiment          Sentiment
	ImpactScore        float64 // 0..10
	Actionable         bool
	PredictedDirection Direction
	PredictedMagnitude float64 // absolute percent move
	TimeHorizon        Horizon
	Confidence         float64
	PriceAtPrediction  decimal.Decimal
	CreatedAt          time.Time
}

// Reaction is the realized outcome for one interpretation at one horizon
type Reaction struct {
	InterpretationID uuid.UUID
	Horizon          Horizon
	ActualDirection  Direction
	ActualMagnitude  float64
	PriceAfter       decimal.Decimal
	Accuracy         float64
	VerifiedAt       time.Time
}
