package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/yakoovad/review-payouts/internal/db"
)

type User struct {
	ID       string `db:"github_user_id"`
	Username string `db:"username"`
}

type UserRepository interface {
	Upsert(ctx context.Context, user *User) error
}

type pgxUserRepository struct {
	pool *pgxpool.Pool
}

func NewPgxUserRepository(pool *pgxpool.Pool) UserRepository {
	return &pgxUserRepository{pool: pool}
}

// Upsert inserts the user or refreshes its display name. created_at is kept
// from the first insert.
func (p *pgxUserRepository) Upsert(ctx context.Context, user *User) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("users", "github_user_id", "username"),
		im.Values(psql.Arg(user.ID), psql.Arg(user.Username)),
		im.OnConflict(psql.Quote("github_user_id")).DoUpdate(
			im.SetCol("username").ToArg(user.Username),
		),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	if _, err = e.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(err, "upsert user %s", user.ID)
	}

	return nil
}
