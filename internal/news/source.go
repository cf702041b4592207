package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warroomhq/warroom/internal/config"
)

// HTTPSource reads articles from a JSON feed endpoint. Every configured
// source name shares the same feed host; the name selects the upstream
// channel server-side.
type HTTPSource struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPSource(name string, cfg config.NewsConfig) (*HTTPSource, error) {
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("news feed url not configured")
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		name:       name,
		baseURL:    strings.TrimRight(cfg.FeedURL, "/"),
		apiKey:     cfg.FeedAPIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPSource) Name() string { return s.name }

type wireArticle struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Tickers     []string  `json:"tickers"`
	PublishedAt time.Time `json:"published_at"`
}

// Fetch returns the source's articles published after since
func (s *HTTPSource) Fetch(ctx context.Context, since time.Time) ([]Article, error) {
	endpoint := fmt.Sprintf("%s/v1/articles?source=%s&since=%s",
		s.baseURL, url.QueryEscape(s.name), url.QueryEscape(since.UTC().Format(time.RFC3339)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch articles: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var feedErr struct {
			Error string `json:"error"`
		}
		if jerr := json.Unmarshal(body, &feedErr); jerr == nil && feedErr.Error != "" {
			return nil, fmt.Errorf("feed returned status %d: %s", resp.StatusCode, feedErr.Error)
		}
		return nil, fmt.Errorf("feed returned status %d: %s", resp.StatusCode, string(body))
	}

	var wire []wireArticle
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode articles: %w", err)
	}

	out := make([]Article, 0, len(wire))
	for _, w := range wire {
		out = append(out, Article{
			ExternalID:  w.ID,
			URL:         w.URL,
			Title:       w.Title,
			Body:        w.Body,
			Tickers:     w.Tickers,
			PublishedAt: w.PublishedAt,
		})
	}
	return out, nil
}

// StaticSource serves a fixed article list filtered by since. The
// default "stub" source is an empty one, letting a fresh checkout boot
// without feed credentials.
type StaticSource struct {
	name string
	arts []Article
}

func NewStaticSource(name string, arts []Article) *StaticSource {
	return &StaticSource{name: name, arts: arts}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context, since time.Time) ([]Article, error) {
	var out []Article
	for _, a := range s.arts {
		if a.PublishedAt.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}
