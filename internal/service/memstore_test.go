package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/repository"
)

// memStore mirrors the conflict and conditional-update semantics of the
// Postgres repositories closely enough to test the services against.
type memStore struct {
	mu sync.Mutex

	users      map[string]repository.User
	prs        map[string]repository.PullRequest
	reviews    map[int64]repository.Review
	nextPR     int64
	nextReview int64

	// reserveErr, when set, fails ReservePaymentTx after the write lands.
	reserveErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]repository.User),
		prs:     make(map[string]repository.PullRequest),
		reviews: make(map[int64]repository.Review),
	}
}

type memUsers struct{ s *memStore }

func (m memUsers) Upsert(_ context.Context, user *repository.User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.users[user.ID] = *user
	return nil
}

type memPullRequests struct{ s *memStore }

func (m memPullRequests) Upsert(_ context.Context, pr *repository.PullRequest) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	stored, ok := m.s.prs[pr.URL]
	if !ok {
		m.s.nextPR++
		now := time.Now()
		stored = repository.PullRequest{ID: m.s.nextPR, URL: pr.URL, CreatedAt: &now}
	}
	stored.Title = pr.Title
	stored.Body = pr.Body
	m.s.prs[pr.URL] = stored

	pr.ID = stored.ID
	return stored.ID, nil
}

func (m memPullRequests) GetByURL(_ context.Context, url string) (*repository.PullRequest, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	pr, ok := m.s.prs[url]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &pr, nil
}

type memReviews struct{ s *memStore }

func (m memReviews) Create(_ context.Context, review *repository.Review) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, r := range m.s.reviews {
		if r.UserID == review.UserID && r.PullRequestID == review.PullRequestID {
			return nil
		}
	}

	m.s.nextReview++
	stored := *review
	stored.ID = m.s.nextReview
	stored.UpdatedAt = time.Now()
	m.s.reviews[stored.ID] = stored
	return nil
}

func (m memReviews) Find(_ context.Context, userID string, prID int64) (*repository.Review, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, r := range m.s.reviews {
		if r.UserID == userID && r.PullRequestID == prID {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m memReviews) UpdateStatusByPullRequest(_ context.Context, prID int64, from, to model.ReviewStatus) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var n int64
	for id, r := range m.s.reviews {
		if r.PullRequestID == prID && r.Status == from {
			r.Status = to
			m.s.reviews[id] = r
			n++
		}
	}
	return n, nil
}

func (m memReviews) CompareAndSetStatus(_ context.Context, reviewID int64, expected, next model.ReviewStatus) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	r, ok := m.s.reviews[reviewID]
	if !ok || r.Status != expected {
		return false, nil
	}
	r.Status = next
	m.s.reviews[reviewID] = r
	return true, nil
}

func (m memReviews) ReservePaymentTx(_ context.Context, reviewID int64, txHash string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	r, ok := m.s.reviews[reviewID]
	if !ok || r.Status != model.ReviewStatusClaimable || r.PaymentTxHash != nil {
		return false, nil
	}
	r.PaymentTxHash = &txHash
	m.s.reviews[reviewID] = r
	return true, m.s.reserveErr
}

func (m memReviews) ClearPaymentTx(_ context.Context, reviewID int64, txHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	r, ok := m.s.reviews[reviewID]
	if ok && r.PaymentTxHash != nil && *r.PaymentTxHash == txHash {
		r.PaymentTxHash = nil
		m.s.reviews[reviewID] = r
	}
	return nil
}

func (m memReviews) ListByUser(_ context.Context, userID string, status *model.ReviewStatus) ([]*repository.ReviewWithPullRequest, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	res := make([]*repository.ReviewWithPullRequest, 0)
	for _, r := range m.s.reviews {
		if r.UserID != userID || (status != nil && r.Status != *status) {
			continue
		}
		row := &repository.ReviewWithPullRequest{Review: r}
		for _, pr := range m.s.prs {
			if pr.ID == r.PullRequestID {
				row.PullRequestTitle = pr.Title
				row.PullRequestBody = pr.Body
				row.PullRequestURL = pr.URL
				row.PullRequestCreatedAt = *pr.CreatedAt
			}
		}
		res = append(res, row)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m memReviews) ListPendingPayments(_ context.Context) ([]*repository.Review, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	res := make([]*repository.Review, 0)
	for _, r := range m.s.reviews {
		if r.Status == model.ReviewStatusClaimable && r.PaymentTxHash != nil {
			res = append(res, &r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// snapshot returns copies of all rows without timestamps, for comparing
// store states.
func (s *memStore) snapshot() (users map[string]repository.User, prs map[string]repository.PullRequest, reviews map[int64]repository.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users = make(map[string]repository.User, len(s.users))
	for k, v := range s.users {
		users[k] = v
	}
	prs = make(map[string]repository.PullRequest, len(s.prs))
	for k, v := range s.prs {
		v.CreatedAt = nil
		prs[k] = v
	}
	reviews = make(map[int64]repository.Review, len(s.reviews))
	for k, v := range s.reviews {
		v.UpdatedAt = time.Time{}
		reviews[k] = v
	}
	return users, prs, reviews
}

func (s *memStore) review(id int64) repository.Review {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviews[id]
}
