package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/stephenafamo/bob/dialect/psql/um"
	"github.com/yakoovad/review-payouts/internal/db"
	"github.com/yakoovad/review-payouts/internal/model"
)

type Review struct {
	ID            int64              `db:"id"`
	UserID        string             `db:"user_id"`
	PullRequestID int64              `db:"pr_id"`
	Status        model.ReviewStatus `db:"status"`
	Payout        decimal.Decimal    `db:"payout"`
	UpdatedAt     time.Time          `db:"timestamp"`
	PaymentTxHash *string            `db:"payment_tx_hash"`
}

type ReviewWithPullRequest struct {
	Review
	PullRequestTitle     string
	PullRequestBody      *string
	PullRequestURL       string
	PullRequestCreatedAt time.Time
}

type ReviewRepository interface {
	// Create inserts the review unless one already exists for the
	// (user, pull request) pair. An existing review is left untouched.
	Create(ctx context.Context, review *Review) error
	Find(ctx context.Context, userID string, prID int64) (*Review, error)
	// UpdateStatusByPullRequest moves every review of the pull request that is
	// currently in from to to, and returns how many rows moved.
	UpdateStatusByPullRequest(ctx context.Context, prID int64, from, to model.ReviewStatus) (int64, error)
	// CompareAndSetStatus sets next only if the stored status still equals
	// expected.
	CompareAndSetStatus(ctx context.Context, reviewID int64, expected, next model.ReviewStatus) (bool, error)
	// ReservePaymentTx records txHash on a claimable review that has no
	// payment recorded yet. It reports false when the review is not in that
	// state, which means another claim got there first.
	ReservePaymentTx(ctx context.Context, reviewID int64, txHash string) (bool, error)
	// ClearPaymentTx forgets txHash if it is still the recorded payment.
	ClearPaymentTx(ctx context.Context, reviewID int64, txHash string) error
	ListByUser(ctx context.Context, userID string, status *model.ReviewStatus) ([]*ReviewWithPullRequest, error)
	ListPendingPayments(ctx context.Context) ([]*Review, error)
}

var reviewColumns = []any{"id", "user_id", "pr_id", "status", "payout::text", psql.Quote("timestamp"), "payment_tx_hash"}

type pgxReviewRepository struct {
	pool *pgxpool.Pool
}

func NewPgxReviewRepository(pool *pgxpool.Pool) ReviewRepository {
	return &pgxReviewRepository{pool: pool}
}

func (p *pgxReviewRepository) Create(ctx context.Context, review *Review) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("user_pr_reviews", "user_id", "pr_id", "status", "payout"),
		im.Values(
			psql.Arg(review.UserID),
			psql.Arg(review.PullRequestID),
			psql.Arg(string(review.Status)),
			psql.Arg(review.Payout.String()),
		),
		im.OnConflict(psql.Quote("user_id"), psql.Quote("pr_id")).DoNothing(),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	_, err = e.Exec(ctx, sql, args...)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // user or pull request does not exist
		return ErrNotFound
	}

	return err
}

func (p *pgxReviewRepository) Find(ctx context.Context, userID string, prID int64) (*Review, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns(reviewColumns...),
		sm.From("user_pr_reviews"),
		sm.Where(
			psql.Quote("user_id").EQ(psql.Arg(userID)).
				And(psql.Quote("pr_id").EQ(psql.Arg(prID))),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	review, err := scanReview(e.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return review, nil
}

func (p *pgxReviewRepository) UpdateStatusByPullRequest(ctx context.Context, prID int64, from, to model.ReviewStatus) (int64, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Update(
		um.Table("user_pr_reviews"),
		um.SetCol("status").ToArg(string(to)),
		um.SetCol("timestamp").To(psql.Raw("now()")),
		um.Where(
			psql.Quote("pr_id").EQ(psql.Arg(prID)).
				And(psql.Quote("status").EQ(psql.Arg(string(from)))),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := e.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "update reviews of pull request %d", prID)
	}

	return tag.RowsAffected(), nil
}

func (p *pgxReviewRepository) CompareAndSetStatus(ctx context.Context, reviewID int64, expected, next model.ReviewStatus) (bool, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Update(
		um.Table("user_pr_reviews"),
		um.SetCol("status").ToArg(string(next)),
		um.SetCol("timestamp").To(psql.Raw("now()")),
		um.Where(
			psql.Quote("id").EQ(psql.Arg(reviewID)).
				And(psql.Quote("status").EQ(psql.Arg(string(expected)))),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return false, err
	}

	tag, err := e.Exec(ctx, sql, args...)
	if err != nil {
		return false, errors.Wrapf(err, "compare and set status of review %d", reviewID)
	}

	return tag.RowsAffected() == 1, nil
}

func (p *pgxReviewRepository) ReservePaymentTx(ctx context.Context, reviewID int64, txHash string) (bool, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Update(
		um.Table("user_pr_reviews"),
		um.SetCol("payment_tx_hash").ToArg(txHash),
		um.Where(
			psql.Quote("id").EQ(psql.Arg(reviewID)).
				And(psql.Quote("status").EQ(psql.Arg(string(model.ReviewStatusClaimable)))).
				And(psql.Quote("payment_tx_hash").IsNull()),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return false, err
	}

	tag, err := e.Exec(ctx, sql, args...)
	if err != nil {
		return false, errors.Wrapf(err, "reserve payment tx of review %d", reviewID)
	}

	return tag.RowsAffected() == 1, nil
}

func (p *pgxReviewRepository) ClearPaymentTx(ctx context.Context, reviewID int64, txHash string) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Update(
		um.Table("user_pr_reviews"),
		um.SetCol("payment_tx_hash").To(psql.Raw("NULL")),
		um.Where(
			psql.Quote("id").EQ(psql.Arg(reviewID)).
				And(psql.Quote("payment_tx_hash").EQ(psql.Arg(txHash))),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	if _, err = e.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(err, "clear payment tx of review %d", reviewID)
	}

	return nil
}

func (p *pgxReviewRepository) ListByUser(ctx context.Context, userID string, status *model.ReviewStatus) ([]*ReviewWithPullRequest, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	where := psql.Quote("user_pr_reviews", "user_id").EQ(psql.Arg(userID))
	if status != nil {
		where = where.And(psql.Quote("user_pr_reviews", "status").EQ(psql.Arg(string(*status))))
	}

	q := psql.Select(
		sm.Columns(
			"user_pr_reviews.id",
			"user_pr_reviews.user_id",
			"user_pr_reviews.pr_id",
			"user_pr_reviews.status",
			"user_pr_reviews.payout::text",
			psql.Quote("user_pr_reviews", "timestamp"),
			"user_pr_reviews.payment_tx_hash",
			"pull_requests.title",
			"pull_requests.body",
			"pull_requests.url",
			"pull_requests.created_at",
		),
		sm.From("user_pr_reviews"),
		sm.InnerJoin("pull_requests").On(psql.Quote("user_pr_reviews", "pr_id").EQ(psql.Quote("pull_requests", "id"))),
		sm.Where(where),
		sm.OrderBy(psql.Quote("user_pr_reviews", "id")),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := e.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "list reviews of user %s", userID)
	}
	defer rows.Close()

	reviews, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ReviewWithPullRequest, error) {
		r := &ReviewWithPullRequest{}
		var payout string
		if err := row.Scan(
			&r.ID,
			&r.UserID,
			&r.PullRequestID,
			&r.Status,
			&payout,
			&r.UpdatedAt,
			&r.PaymentTxHash,
			&r.PullRequestTitle,
			&r.PullRequestBody,
			&r.PullRequestURL,
			&r.PullRequestCreatedAt,
		); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(payout)
		if err != nil {
			return nil, errors.Wrapf(err, "parse payout of review %d", r.ID)
		}
		r.Payout = amount
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return reviews, nil
}

// ListPendingPayments returns claimable reviews that carry the hash of a
// broadcast payment whose outcome was never observed.
func (p *pgxReviewRepository) ListPendingPayments(ctx context.Context) ([]*Review, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns(reviewColumns...),
		sm.From("user_pr_reviews"),
		sm.Where(
			psql.Quote("status").EQ(psql.Arg(string(model.ReviewStatusClaimable))).
				And(psql.Quote("payment_tx_hash").IsNotNull()),
		),
		sm.OrderBy(psql.Quote("id")),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := e.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list pending payments")
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Review, error) {
		return scanReview(row)
	})
}

func scanReview(row pgx.Row) (*Review, error) {
	r := &Review{}
	var payout string
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.PullRequestID,
		&r.Status,
		&payout,
		&r.UpdatedAt,
		&r.PaymentTxHash,
	); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(payout)
	if err != nil {
		return nil, errors.Wrapf(err, "parse payout of review %d", r.ID)
	}
	r.Payout = amount

	return r, nil
}
