package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/yakoovad/review-payouts/internal/db"
)

type PullRequest struct {
	ID        int64      `db:"id"`
	Title     string     `db:"title"`
	Body      *string    `db:"body"`
	URL       string     `db:"url"`
	CreatedAt *time.Time `db:"created_at"`
}

type PullRequestRepository interface {
	Upsert(ctx context.Context, pr *PullRequest) (int64, error)
	GetByURL(ctx context.Context, url string) (*PullRequest, error)
}

type pgxPullRequestRepository struct {
	pool *pgxpool.Pool
}

func NewPgxPullRequestRepository(pool *pgxpool.Pool) PullRequestRepository {
	return &pgxPullRequestRepository{pool: pool}
}

// Upsert inserts the pull request keyed by url, or refreshes its title and
// body, and returns the stored id either way.
func (p *pgxPullRequestRepository) Upsert(ctx context.Context, pr *PullRequest) (int64, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("pull_requests", "title", "body", "url"),
		im.Values(psql.Arg(pr.Title), psql.Arg(pr.Body), psql.Arg(pr.URL)),
		im.OnConflict(psql.Quote("url")).DoUpdate(
			im.SetCol("title").ToArg(pr.Title),
			im.SetCol("body").ToArg(pr.Body),
		),
		im.Returning("id", "created_at"),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return 0, err
	}

	if err = e.QueryRow(ctx, sql, args...).Scan(&pr.ID, &pr.CreatedAt); err != nil {
		return 0, errors.Wrapf(err, "upsert pull request %s", pr.URL)
	}

	return pr.ID, nil
}

func (p *pgxPullRequestRepository) GetByURL(ctx context.Context, url string) (*PullRequest, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("id", "title", "body", "url", "created_at"),
		sm.From("pull_requests"),
		sm.Where(psql.Quote("url").EQ(psql.Arg(url))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	pr := &PullRequest{}
	if err = e.QueryRow(ctx, sql, args...).Scan(
		&pr.ID,
		&pr.Title,
		&pr.Body,
		&pr.URL,
		&pr.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pr, nil
}
