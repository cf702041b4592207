package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/warroomhq/warroom/internal/news"
)

// ArticleRepository persists ingested articles and hands them out to
// the signal pipeline as claimable batches.
type ArticleRepository struct {
	pool Pool
}

func NewArticleRepository(pool Pool) *ArticleRepository {
	return &ArticleRepository{pool: pool}
}

// InsertArticle stores one fetched article, deduplicating on the
// (source, dedupe key) pair. Reports whether the row was new.
func (r *ArticleRepository) InsertArticle(ctx context.Context, art *news.Article) (bool, error) {
	defer track("insert_article", time.Now())

	query := `
		INSERT INTO articles (
			id, source, external_id, dedupe_key, url, title, body,
			tickers, published_at, ingested_at, analyzed, skip_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source, dedupe_key) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		art.ID,
		art.Source,
		art.ExternalID,
		art.DedupeKey(),
		art.URL,
		art.Title,
		art.Body,
		art.Tickers,
		art.PublishedAt,
		art.IngestedAt,
		art.Analyzed,
		art.SkipReason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert article: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ClaimBatch hands out up to limit unanalyzed articles, oldest first,
// marking them analyzed in the same statement. Claimed rows are locked
// with SKIP LOCKED, so concurrent cycles never share an article.
func (r *ArticleRepository) ClaimBatch(ctx context.Context, limit int) ([]news.Article, error) {
	defer track("claim_articles", time.Now())

	query := `
		UPDATE articles SET analyzed = TRUE
		WHERE id IN (
			SELECT id FROM articles
			WHERE NOT analyzed AND skip_reason = ''
			ORDER BY published_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, source, external_id, url, title, body, tickers,
			published_at, ingested_at, analyzed, skip_reason
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim article batch: %w", err)
	}
	defer rows.Close()

	var batch []news.Article
	for rows.Next() {
		var art news.Article
		err := rows.Scan(
			&art.ID, &art.Source, &art.ExternalID, &art.URL, &art.Title,
			&art.Body, &art.Tickers, &art.PublishedAt, &art.IngestedAt,
			&art.Analyzed, &art.SkipReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed article: %w", err)
		}
		batch = append(batch, art)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed articles: %w", err)
	}

	return batch, nil
}

// Release returns a claimed article to the queue so a later cycle can
// claim it again.
func (r *ArticleRepository) Release(ctx context.Context, articleID uuid.UUID) error {
	defer track("release_article", time.Now())

	tag, err := r.pool.Exec(ctx,
		"UPDATE articles SET analyzed = FALSE WHERE id = $1", articleID)
	if err != nil {
		return fmt.Errorf("failed to release article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("article %s not found", articleID)
	}

	log.Debug().Str("article_id", articleID.String()).Msg("Article released back to queue")
	return nil
}

// RecentHeadlines returns up to limit of the newest stored titles
// mentioning the ticker, newest first.
func (r *ArticleRepository) RecentHeadlines(ctx context.Context, ticker string, limit int) ([]string, error) {
	defer track("recent_headlines", time.Now())

	query := `
		SELECT title FROM articles
		WHERE $1 = ANY(tickers)
		ORDER BY published_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query headlines: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("failed to scan headline: %w", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read headlines: %w", err)
	}

	return titles, nil
}
