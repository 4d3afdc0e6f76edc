package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReviewStatus string

const (
	ReviewStatusRequested  ReviewStatus = "requested"
	ReviewStatusClaimable  ReviewStatus = "claimable"
	ReviewStatusClaimed    ReviewStatus = "claimed"
	ReviewStatusIneligible ReviewStatus = "ineligible"
	// ReviewStatusDone is reserved for post-claim bookkeeping. Nothing moves a
	// review into it yet.
	ReviewStatusDone ReviewStatus = "done"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewStatusRequested, ReviewStatusClaimable, ReviewStatusClaimed, ReviewStatusIneligible, ReviewStatusDone:
		return true
	}
	return false
}

func ParseReviewStatus(s string) (ReviewStatus, bool) {
	st := ReviewStatus(s)
	return st, st.Valid()
}

type ReviewWithDetails struct {
	PullRequestID        int64           `json:"pr_id"`
	PullRequestTitle     string          `json:"pr_title"`
	PullRequestBody      *string         `json:"pr_body"`
	PullRequestURL       string          `json:"pr_url"`
	PullRequestCreatedAt time.Time       `json:"pr_created_at"`
	ReviewID             int64           `json:"review_id"`
	UserID               string          `json:"user_id"`
	Status               ReviewStatus    `json:"status"`
	Payout               decimal.Decimal `json:"payout"`
	ReviewTimestamp      time.Time       `json:"review_timestamp"`
}
