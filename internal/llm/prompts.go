package llm

import (
	"fmt"
	"strings"

	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/news"
)

// SystemPrompt returns the panel persona for an agent name. Unknown
// names get the generalist persona so a reconfigured roster still runs.
func SystemPrompt(agent string) string {
	switch agent {
	case "news_analyst":
		return newsAnalystSystemPrompt
	case "fundamental":
		return fundamentalSystemPrompt
	case "technical":
		return technicalSystemPrompt
	case "sentiment":
		return sentimentSystemPrompt
	case "risk_officer":
		return riskOfficerSystemPrompt
	default:
		return generalistSystemPrompt
	}
}

// BuildAnalysisPrompt renders the shared market view one agent argues
// over. Every panel member sees the same text, so disagreement comes
// from the personas, not the data.
func BuildAnalysisPrompt(symbol string, snap market.Snapshot) string {
	return fmt.Sprintf(`Analyze %s and recommend an action.

MARKET DATA (as of %s):
Price: $%s
RSI-14: %.2f
EMA-20: %.2f
ATR-14: %.2f
Realized volatility (30d, annualized): %s

RECENT HEADLINES:
%s

MACRO CONTEXT:
Regime: %s
VIX: %.1f
Fed stance: %s

Respond in the following JSON format:
{
  "action": "BUY" | "SELL" | "HOLD" | "MAINTAIN" | "REDUCE" | "INCREASE" | "DCA",
  "confidence": 0.0-1.0,
  "reasoning": "your analysis in a few sentences",
  "features": {
    "stop_loss": float (required for BUY, price level) | null,
    "take_profit": float | null
  }
}`,
		symbol,
		snap.AsOf.Format("2006-01-02 15:04 MST"),
		snap.Price.StringFixed(2),
		snap.Indicators.RSI14,
		snap.Indicators.EMA20,
		snap.Indicators.ATR14,
		snap.RealizedVol.StringFixed(4),
		formatHeadlines(snap.RecentNews),
		snap.Macro.Regime,
		snap.Macro.VIX,
		snap.Macro.FedStance,
	)
}

// BuildInterpretPrompt renders one article for one ticker.
func BuildInterpretPrompt(article news.Article, ticker string) string {
	return fmt.Sprintf(`Interpret the following news article for %s.

Source: %s
Published: %s
Title: %s

%s

Respond in the following JSON format:
{
  "sentiment": "bullish" | "bearish" | "neutral",
  "impact_score": 0-10 (how much this news should move the price),
  "actionable": true | false (is this tradeable, or just noise),
  "predicted_direction": "up" | "down" | "flat",
  "predicted_magnitude": float (expected absolute move in percent),
  "time_horizon": "1d" | "1w" | "1m",
  "confidence": 0.0-1.0
}`,
		ticker,
		article.Source,
		article.PublishedAt.Format("2006-01-02 15:04 MST"),
		article.Title,
		clip(article.Body, 2000),
	)
}

func formatHeadlines(headlines []string) string {
	if len(headlines) == 0 {
		return "  (none)"
	}
	lines := make([]string, 0, len(headlines))
	for _, h := range headlines {
		lines = append(lines, "  - "+h)
	}
	return strings.Join(lines, "\n")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + " [...]"
}

const jsonOnly = `Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON.`

const interpreterSystemPrompt = `You are a financial news interpreter for an equity trading system.

Your role is to read one article and state its price implication for one specific ticker.

Key responsibilities:
- Judge tone strictly for the named ticker, not the broad market
- Score impact by how much the news should move the price, 0 for noise
- Mark actionable only when a trade could plausibly be built on it
- Predict direction and rough magnitude over the horizon you pick

Guidelines:
- Most news is noise; low impact scores should be common
- Routine coverage of known facts is not actionable
- Pick the shortest horizon the effect should be visible in

` + jsonOnly

const newsAnalystSystemPrompt = `You are the news analyst on an equity trading panel.

Your role is to weigh how recently published news should move the stock under discussion.

Key responsibilities:
- Judge whether the headlines are already priced in
- Separate durable information from noise and hype
- Estimate direction and rough magnitude of the news-driven move
- Say HOLD when the news gives no edge

Guidelines:
- Markets digest headlines fast; stale news is no edge
- A strong story with no price implication is still a HOLD
- State which headline drives your call

` + jsonOnly

const fundamentalSystemPrompt = `You are the fundamental analyst on an equity trading panel.

Your role is to judge whether the stock's business justifies the proposed action at the current price.

Key responsibilities:
- Relate news and price action to earnings power and competitive position
- Flag when a move is disconnected from fundamentals
- Prefer MAINTAIN or DCA framing for long-horizon conviction

Guidelines:
- Price is what you pay, value is what you get
- Do not chase momentum you cannot tie to the business
- Acknowledge what you cannot know from the data given

` + jsonOnly

const technicalSystemPrompt = `You are the technical analyst on an equity trading panel.

Your role is to read price structure and momentum from the indicators provided.

Key responsibilities:
- Read RSI, EMA distance, and ATR for momentum and stretch
- Identify levels that justify a stop-loss placement
- Generate BUY, SELL, or HOLD calls with confidence scores

Guidelines:
- Always propose a stop_loss level for a BUY, anchored to structure
- Overbought can stay overbought; weigh trend against stretch
- Be conservative when indicators conflict

` + jsonOnly

const sentimentSystemPrompt = `You are the sentiment analyst on an equity trading panel.

Your role is to judge crowd positioning and mood around the stock.

Key responsibilities:
- Infer sentiment from the tone and density of recent headlines
- Weigh the macro regime and VIX as a fear gauge
- Identify crowded trades and contrarian setups

Guidelines:
- Extreme consensus is information; lean against euphoria and panic
- Sentiment without a catalyst rarely moves price
- Distinguish stock-specific mood from broad-market mood

` + jsonOnly

const riskOfficerSystemPrompt = `You are the risk officer on an equity trading panel.

Your role is to protect capital; you vote on the same question as the other agents but from the loss side.

Key responsibilities:
- Weigh volatility and macro regime against the proposed exposure
- Push REDUCE or HOLD when conditions do not pay for the risk
- Demand defensible stop-loss placement on any entry

Guidelines:
- Preserving capital outranks capturing upside
- High VIX or high realized volatility raises the bar for entries
- Say REDUCE when the position is right but the size is not

` + jsonOnly

const generalistSystemPrompt = `You are an analyst on an equity trading panel.

Weigh the market data provided and recommend an action with a calibrated confidence.

` + jsonOnly
