package service

import (
	"context"

	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/repository"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

type ReviewService struct {
	reviews repository.ReviewRepository
}

func NewReviewService() *ReviewService {
	return &ReviewService{}
}

// ListUserReviews returns the reviewer's assignments joined with their pull
// requests, optionally narrowed to one status.
func (r *ReviewService) ListUserReviews(ctx context.Context, userID string, status *model.ReviewStatus) ([]*model.ReviewWithDetails, *Error) {
	repoReviews, err := r.reviews.ListByUser(ctx, userID, status)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list reviews", zap.String("user_id", userID), zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to get user reviews")
	}

	res := make([]*model.ReviewWithDetails, 0, len(repoReviews))
	for _, rv := range repoReviews {
		res = append(res, &model.ReviewWithDetails{
			PullRequestID:        rv.PullRequestID,
			PullRequestTitle:     rv.PullRequestTitle,
			PullRequestBody:      rv.PullRequestBody,
			PullRequestURL:       rv.PullRequestURL,
			PullRequestCreatedAt: rv.PullRequestCreatedAt,
			ReviewID:             rv.ID,
			UserID:               rv.UserID,
			Status:               rv.Status,
			Payout:               rv.Payout,
			ReviewTimestamp:      rv.UpdatedAt,
		})
	}

	return res, nil
}

func (r *ReviewService) WithReviewRepo(repo repository.ReviewRepository) *ReviewService {
	r.reviews = repo
	return r
}
