package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stephenafamo/bob/dialect/psql"
	"github.com/stephenafamo/bob/dialect/psql/im"
	"github.com/stephenafamo/bob/dialect/psql/sm"
	"github.com/yakoovad/review-payouts/internal/db"
)

// Delivery is one webhook delivery that was fully applied.
type Delivery struct {
	ID     string `db:"delivery_id"`
	Event  string `db:"event"`
	Action string `db:"action"`
}

type DeliveryRepository interface {
	Exists(ctx context.Context, deliveryID string) (bool, error)
	Record(ctx context.Context, delivery *Delivery) error
}

type pgxDeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewPgxDeliveryRepository(pool *pgxpool.Pool) DeliveryRepository {
	return &pgxDeliveryRepository{pool: pool}
}

func (p *pgxDeliveryRepository) Exists(ctx context.Context, deliveryID string) (bool, error) {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Select(
		sm.Columns("delivery_id"),
		sm.From("webhook_deliveries"),
		sm.Where(psql.Quote("delivery_id").EQ(psql.Arg(deliveryID))),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return false, err
	}

	var id string
	if err = e.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrapf(err, "lookup delivery %s", deliveryID)
	}

	return true, nil
}

func (p *pgxDeliveryRepository) Record(ctx context.Context, delivery *Delivery) error {
	e := db.GetPgxExecutorFromContext(ctx, p.pool)

	q := psql.Insert(
		im.Into("webhook_deliveries", "delivery_id", "event", "action"),
		im.Values(psql.Arg(delivery.ID), psql.Arg(delivery.Event), psql.Arg(delivery.Action)),
		im.OnConflict(psql.Quote("delivery_id")).DoNothing(),
	)

	sql, args, err := q.Build(ctx)
	if err != nil {
		return err
	}

	if _, err = e.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(err, "record delivery %s", delivery.ID)
	}

	return nil
}
