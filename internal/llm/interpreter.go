package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/news"
	"github.com/warroomhq/warroom/internal/signals"
)

// interpretReply is the wire shape the interpreter must answer with
type interpretReply struct {
	Sentiment          string  `json:"sentiment"`
	ImpactScore        float64 `json:"impact_score"`
	Actionable         bool    `json:"actionable"`
	PredictedDirection string  `json:"predicted_direction"`
	PredictedMagnitude float64 `json:"predicted_magnitude"`
	TimeHorizon        string  `json:"time_horizon"`
	Confidence         float64 `json:"confidence"`
}

// Interpreter maps one article and ticker to a typed interpretation.
// Budget is spent non-blocking: a dry bucket surfaces as
// signals.ErrInterpreterBusy so the pipeline defers the article
// instead of stalling its cycle. Enum values are validated and scores
// clamped before anything reaches the store.
type Interpreter struct {
	client  *Client
	timeout time.Duration
	logger  zerolog.Logger
}

var _ signals.Interpreter = (*Interpreter)(nil)

func NewInterpreter(client *Client, cfg config.LLMConfig, logger zerolog.Logger) *Interpreter {
	timeout := cfg.InterpretTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Interpreter{
		client:  client,
		timeout: timeout,
		logger:  logger.With().Str("component", "interpreter").Logger(),
	}
}

func (i *Interpreter) Interpret(ctx context.Context, article news.Article, ticker string) (news.Interpretation, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	content, err := i.client.TryComplete(ctx, interpreterSystemPrompt, BuildInterpretPrompt(article, ticker))
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			return news.Interpretation{}, signals.ErrInterpreterBusy
		}
		return news.Interpretation{}, fmt.Errorf("interpretation of article %s for %s failed: %w", article.ID, ticker, err)
	}

	var reply interpretReply
	if err := DecodeReply(content, &reply); err != nil {
		return news.Interpretation{}, fmt.Errorf("interpreter replied malformed JSON for article %s: %w", article.ID, err)
	}

	sentiment, err := parseSentiment(reply.Sentiment)
	if err != nil {
		return news.Interpretation{}, err
	}
	direction, err := parseDirection(reply.PredictedDirection)
	if err != nil {
		return news.Interpretation{}, err
	}
	horizon, err := parseHorizon(reply.TimeHorizon)
	if err != nil {
		return news.Interpretation{}, err
	}

	interp := news.Interpretation{
		ID:                 uuid.New(),
		ArticleID:          article.ID,
		Ticker:             ticker,
		Sentiment:          sentiment,
		ImpactScore:        clamp(reply.ImpactScore, 0, 10),
		Actionable:         reply.Actionable,
		PredictedDirection: direction,
		PredictedMagnitude: math.Abs(reply.PredictedMagnitude),
		TimeHorizon:        horizon,
		Confidence:         clamp(reply.Confidence, 0, 1),
		CreatedAt:          time.Now().UTC(),
	}

	i.logger.Debug().
		Str("article_id", article.ID.String()).
		Str("ticker", ticker).
		Str("sentiment", string(interp.Sentiment)).
		Float64("impact", interp.ImpactScore).
		Bool("actionable", interp.Actionable).
		Msg("article interpreted")

	return interp, nil
}

func parseSentiment(s string) (news.Sentiment, error) {
	switch news.Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case news.SentimentBullish:
		return news.SentimentBullish, nil
	case news.SentimentBearish:
		return news.SentimentBearish, nil
	case news.SentimentNeutral:
		return news.SentimentNeutral, nil
	}
	return "", fmt.Errorf("interpreter answered unknown sentiment %q", s)
}

func parseDirection(s string) (news.Direction, error) {
	switch news.Direction(strings.ToLower(strings.TrimSpace(s))) {
	case news.DirectionUp:
		return news.DirectionUp, nil
	case news.DirectionDown:
		return news.DirectionDown, nil
	case news.DirectionFlat:
		return news.DirectionFlat, nil
	}
	return "", fmt.Errorf("interpreter answered unknown direction %q", s)
}

func parseHorizon(s string) (news.Horizon, error) {
	switch news.Horizon(strings.ToLower(strings.TrimSpace(s))) {
	case news.Horizon1D:
		return news.Horizon1D, nil
	case news.Horizon1W:
		return news.Horizon1W, nil
	case news.Horizon1M:
		return news.Horizon1M, nil
	}
	return "", fmt.Errorf("interpreter answered unknown horizon %q", s)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
