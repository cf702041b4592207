package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/config"
)

// Bar is one daily OHLCV bar
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Feed is the upstream quote source behind the cache
type Feed interface {
	// Quote returns the latest trade price for the ticker
	Quote(ctx context.Context, ticker string) (decimal.Decimal, error)
	// DailyBars returns up to days of daily bars, oldest first
	DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error)
}

// HTTPFeed talks to a JSON quote endpoint
type HTTPFeed struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPFeed creates a feed client from market config
func NewHTTPFeed(cfg config.MarketConfig) (*HTTPFeed, error) {
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("market feed URL is required")
	}
	timeout := cfg.PriceTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPFeed{
		baseURL: cfg.FeedURL,
		apiKey:  cfg.FeedAPIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

type barsResponse struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

type feedError struct {
	Error string `json:"error"`
}

// Quote fetches the latest price for a ticker
func (f *HTTPFeed) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	var qr quoteResponse
	params := url.Values{"symbol": {ticker}}
	if err := f.get(ctx, "/v1/quote", params, &qr); err != nil {
		return decimal.Zero, err
	}
	if qr.Price.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, ticker)
	}
	return qr.Price, nil
}

// DailyBars fetches up to days of daily bars, oldest first
func (f *HTTPFeed) DailyBars(ctx context.Context, ticker string, days int) ([]Bar, error) {
	var br barsResponse
	params := url.Values{
		"symbol": {ticker},
		"days":   {strconv.Itoa(days)},
	}
	if err := f.get(ctx, "/v1/daily", params, &br); err != nil {
		return nil, err
	}
	return br.Bars, nil
}

func (f *HTTPFeed) get(ctx context.Context, path string, params url.Values, target interface{}) error {
	endpoint := f.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrPriceUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		var fe feedError
		if err := json.Unmarshal(body, &fe); err != nil || fe.Error == "" {
			return fmt.Errorf("feed error (status %d): %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("feed error: %s", fe.Error)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to parse feed response: %w", err)
	}
	return nil
}
