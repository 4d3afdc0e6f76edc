package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/yakoovad/review-payouts/internal/db"
	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/repository"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

const (
	eventPullRequest       = "pull_request"
	eventPullRequestReview = "pull_request_review"
)

// EventService turns repository webhook events into store mutations. Every
// mutation is safe to apply more than once.
type EventService struct {
	tx db.Transactor

	users      repository.UserRepository
	prs        repository.PullRequestRepository
	reviews    repository.ReviewRepository
	deliveries repository.DeliveryRepository
}

func NewEventService(tx db.Transactor) *EventService {
	return &EventService{tx: tx}
}

func (s *EventService) HandlePullRequestEvent(ctx context.Context, ev *model.PullRequestEvent) (*model.WebhookResult, *Error) {
	l := logger.FromContext(ctx).With(
		zap.String("delivery_id", ev.DeliveryID),
		zap.String("action", ev.Action),
		zap.Int("pr_number", ev.Number),
	)

	res := &model.WebhookResult{Status: model.WebhookStatusProcessed, Action: ev.Action, PRNumber: ev.Number}

	if s.seen(ctx, ev.DeliveryID) {
		l.Info("duplicate delivery skipped")
		res.Status = model.WebhookStatusDuplicate
		return res, nil
	}

	var err error
	switch model.PRAction(ev.Action) {
	case model.PRActionOpened:
		err = s.handleOpened(ctx, ev)
	case model.PRActionClosed:
		err = s.handleClosed(ctx, ev)
	case model.PRActionReviewRequested:
		if ev.RequestedReviewer == nil {
			l.Warn("review requested without a named reviewer, skipping")
			return res, nil
		}
		err = s.handleReviewRequested(ctx, ev)
	default:
		l.Debug("ignoring pull request action")
		res.Status = model.WebhookStatusIgnored
		return res, nil
	}

	if err != nil {
		l.Error("failed to process pull request event", zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to process pull request event")
	}

	s.record(ctx, ev.DeliveryID, eventPullRequest, ev.Action)

	return res, nil
}

// HandleReviewEvent acknowledges review events. Submitted reviews carry no
// store mutation yet.
func (s *EventService) HandleReviewEvent(ctx context.Context, ev *model.PullRequestReviewEvent) (*model.WebhookResult, *Error) {
	l := logger.FromContext(ctx).With(
		zap.String("delivery_id", ev.DeliveryID),
		zap.String("action", ev.Action),
		zap.Int("pr_number", ev.Number),
	)

	res := &model.WebhookResult{Status: model.WebhookStatusProcessed, Action: ev.Action, PRNumber: ev.Number}

	if model.ReviewAction(ev.Action) != model.ReviewActionSubmitted {
		res.Status = model.WebhookStatusIgnored
		return res, nil
	}

	l.Info("review submitted",
		zap.Int64("reviewer_id", ev.Reviewer.ID),
		zap.String("state", ev.State))

	s.record(ctx, ev.DeliveryID, eventPullRequestReview, ev.Action)

	return res, nil
}

func (s *EventService) handleOpened(ctx context.Context, ev *model.PullRequestEvent) error {
	return s.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		if err := s.users.Upsert(txCtx, toRepoUser(ev.Author)); err != nil {
			return err
		}

		_, err := s.prs.Upsert(txCtx, toRepoPullRequest(ev))
		return err
	})
}

func (s *EventService) handleClosed(ctx context.Context, ev *model.PullRequestEvent) error {
	l := logger.FromContext(ctx)

	pr, err := s.prs.GetByURL(ctx, ev.URL)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		l.Warn("closed pull request is unknown, skipping", zap.String("url", ev.URL))
		return nil
	case err != nil:
		return err
	}

	next := model.ReviewStatusIneligible
	if ev.Merged {
		next = model.ReviewStatusClaimable
	}

	moved, err := s.reviews.UpdateStatusByPullRequest(ctx, pr.ID, model.ReviewStatusRequested, next)
	if err != nil {
		return err
	}

	l.Info("pull request closed",
		zap.Int64("pr_id", pr.ID),
		zap.Bool("merged", ev.Merged),
		zap.String("status", string(next)),
		zap.Int64("reviews", moved))

	return nil
}

func (s *EventService) handleReviewRequested(ctx context.Context, ev *model.PullRequestEvent) error {
	reviewer := toRepoUser(*ev.RequestedReviewer)

	return s.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		if err := s.users.Upsert(txCtx, reviewer); err != nil {
			return err
		}

		prID, err := s.prs.Upsert(txCtx, toRepoPullRequest(ev))
		if err != nil {
			return err
		}

		return s.reviews.Create(txCtx, &repository.Review{
			UserID:        reviewer.ID,
			PullRequestID: prID,
			Status:        model.ReviewStatusRequested,
			Payout:        decimal.Zero,
		})
	})
}

// seen reports whether the delivery was already applied. A failing lookup
// counts as unseen; the mutations are idempotent on their own.
func (s *EventService) seen(ctx context.Context, deliveryID string) bool {
	if deliveryID == "" || s.deliveries == nil {
		return false
	}

	ok, err := s.deliveries.Exists(ctx, deliveryID)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to look up delivery", zap.String("delivery_id", deliveryID), zap.Error(err))
		return false
	}
	return ok
}

func (s *EventService) record(ctx context.Context, deliveryID, event, action string) {
	if deliveryID == "" || s.deliveries == nil {
		return
	}

	err := s.deliveries.Record(ctx, &repository.Delivery{ID: deliveryID, Event: event, Action: action})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to record delivery", zap.String("delivery_id", deliveryID), zap.Error(err))
	}
}

func toRepoUser(u model.GitHubUser) *repository.User {
	return &repository.User{
		ID:       strconv.FormatInt(u.ID, 10),
		Username: u.Login,
	}
}

func toRepoPullRequest(ev *model.PullRequestEvent) *repository.PullRequest {
	return &repository.PullRequest{
		Title: ev.Title,
		Body:  ev.Body,
		URL:   ev.URL,
	}
}

func (s *EventService) WithUserRepo(r repository.UserRepository) *EventService {
	s.users = r
	return s
}

func (s *EventService) WithPullRequestRepo(r repository.PullRequestRepository) *EventService {
	s.prs = r
	return s
}

func (s *EventService) WithReviewRepo(r repository.ReviewRepository) *EventService {
	s.reviews = r
	return s
}

func (s *EventService) WithDeliveryRepo(r repository.DeliveryRepository) *EventService {
	s.deliveries = r
	return s
}
