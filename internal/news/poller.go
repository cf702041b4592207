package news

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
)

// Source fetches articles from one external provider
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]Article, error)
}

// ArticleSink persists fetched articles. Insert dedupes on the
// article's (source, dedupe key) pair and reports whether the row was
// new.
type ArticleSink interface {
	InsertArticle(ctx context.Context, art *Article) (bool, error)
}

// Waker nudges the signal pipeline when fresh actionable articles land
type Waker interface {
	Wake()
}

// SkipNonActionable marks articles matching no tradeable keyword
const SkipNonActionable = "non-actionable"

// Poller fans the configured sources out each cycle, classifies every
// article against the tradeable universe, and stores the results. One
// failing source never stops the rest; its fetch window is retried next
// cycle because since only advances after a fully stored fetch.
type Poller struct {
	sources      []Source
	sink         ArticleSink
	rules        *config.Rules
	waker        Waker
	logger       zerolog.Logger
	fetchTimeout time.Duration
	lookback     time.Duration

	mu    sync.Mutex
	since map[string]time.Time
}

func NewPoller(sources []Source, sink ArticleSink, rules *config.Rules, waker Waker, cfg config.NewsConfig, logger zerolog.Logger) *Poller {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Poller{
		sources:      sources,
		sink:         sink,
		rules:        rules,
		waker:        waker,
		logger:       logger.With().Str("component", "news_poller").Logger(),
		fetchTimeout: fetchTimeout,
		lookback:     lookback,
		since:        make(map[string]time.Time),
	}
}

// Poll runs one ingest cycle across every source. This is the body of
// the scheduler's news_poll job.
func (p *Poller) Poll(ctx context.Context) error {
	started := time.Now()
	var (
		mu    sync.Mutex
		fresh int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range p.sources {
		g.Go(func() error {
			n, err := p.pollSource(gctx, src, started.UTC())
			if err != nil {
				metrics.NewsSourceErrors.WithLabelValues(src.Name()).Inc()
				p.logger.Error().Err(err).
					Str("source", src.Name()).
					Msg("source fetch failed, window retried next cycle")
				return nil
			}
			mu.Lock()
			fresh += n
			mu.Unlock()
			return nil
		})
	}
	// workers fold their own failures, so Wait only mirrors ctx
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	if fresh > 0 && p.waker != nil {
		p.waker.Wake()
	}
	p.logger.Info().
		Int("fresh", fresh).
		Dur("took", time.Since(started)).
		Msg("news poll cycle complete")
	return nil
}

// pollSource fetches one source's window and stores everything it got.
// Returns how many new unanalyzed articles landed.
func (p *Poller) pollSource(ctx context.Context, src Source, cycleStart time.Time) (int, error) {
	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	arts, err := src.Fetch(fctx, p.sinceFor(src.Name()))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch from %s: %w", src.Name(), err)
	}
	metrics.ArticlesFetched.WithLabelValues(src.Name()).Add(float64(len(arts)))

	fresh := 0
	stored := true
	for i := range arts {
		art := &arts[i]
		p.prepare(art, src.Name())

		inserted, err := p.sink.InsertArticle(ctx, art)
		if err != nil {
			metrics.RecordError("article_insert", "news_poller")
			p.logger.Error().Err(err).
				Str("source", src.Name()).
				Str("url", art.URL).
				Msg("failed to store article")
			stored = false
			continue
		}
		if inserted && !art.Analyzed {
			fresh++
		}
	}

	// a partial store keeps the old window so the missed rows are
	// refetched; the dedupe key absorbs the overlap
	if stored {
		p.advance(src.Name(), cycleStart)
	}
	return fresh, nil
}

// prepare stamps identity fields and classifies the article. Source-
// supplied tickers are kept when tradeable, keyword matches on title and
// body are added, and an article matching nothing is stored pre-analyzed
// so the pipeline never claims it.
func (p *Poller) prepare(art *Article, source string) {
	if art.ID == uuid.Nil {
		art.ID = uuid.New()
	}
	art.Source = source
	art.IngestedAt = time.Now().UTC()

	seen := make(map[string]struct{})
	tickers := make([]string, 0, len(art.Tickers))
	for _, t := range art.Tickers {
		t = strings.ToUpper(t)
		if !p.rules.IsTradeable(t) {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tickers = append(tickers, t)
	}
	for _, t := range p.rules.MatchTickers(art.Title + " " + art.Body) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tickers = append(tickers, t)
	}

	art.Tickers = tickers
	if len(tickers) == 0 {
		art.Analyzed = true
		art.SkipReason = SkipNonActionable
	}
}

func (p *Poller) sinceFor(source string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.since[source]; ok {
		return s
	}
	return time.Now().UTC().Add(-p.lookback)
}

func (p *Poller) advance(source string, to time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.since[source] = to
}
