package service

import (
	"context"
	"errors"

	"github.com/stretchr/testify/mock"
	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/payment"
	"github.com/yakoovad/review-payouts/internal/repository"
)

type MockTransactor struct {
	mock.Mock
}

func (m *MockTransactor) WithinTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Upsert(ctx context.Context, user *repository.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

type MockPullRequestRepository struct {
	mock.Mock
}

func (m *MockPullRequestRepository) Upsert(ctx context.Context, pr *repository.PullRequest) (int64, error) {
	args := m.Called(ctx, pr)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPullRequestRepository) GetByURL(ctx context.Context, url string) (*repository.PullRequest, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PullRequest), args.Error(1)
}

type MockReviewRepository struct {
	mock.Mock
}

func (m *MockReviewRepository) Create(ctx context.Context, review *repository.Review) error {
	args := m.Called(ctx, review)
	return args.Error(0)
}

func (m *MockReviewRepository) Find(ctx context.Context, userID string, prID int64) (*repository.Review, error) {
	args := m.Called(ctx, userID, prID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Review), args.Error(1)
}

func (m *MockReviewRepository) UpdateStatusByPullRequest(ctx context.Context, prID int64, from, to model.ReviewStatus) (int64, error) {
	args := m.Called(ctx, prID, from, to)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReviewRepository) CompareAndSetStatus(ctx context.Context, reviewID int64, expected, next model.ReviewStatus) (bool, error) {
	args := m.Called(ctx, reviewID, expected, next)
	return args.Bool(0), args.Error(1)
}

func (m *MockReviewRepository) ReservePaymentTx(ctx context.Context, reviewID int64, txHash string) (bool, error) {
	args := m.Called(ctx, reviewID, txHash)
	return args.Bool(0), args.Error(1)
}

func (m *MockReviewRepository) ClearPaymentTx(ctx context.Context, reviewID int64, txHash string) error {
	args := m.Called(ctx, reviewID, txHash)
	return args.Error(0)
}

func (m *MockReviewRepository) ListByUser(ctx context.Context, userID string, status *model.ReviewStatus) ([]*repository.ReviewWithPullRequest, error) {
	args := m.Called(ctx, userID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.ReviewWithPullRequest), args.Error(1)
}

func (m *MockReviewRepository) ListPendingPayments(ctx context.Context) ([]*repository.Review, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.Review), args.Error(1)
}

type MockDeliveryRepository struct {
	mock.Mock
}

func (m *MockDeliveryRepository) Exists(ctx context.Context, deliveryID string) (bool, error) {
	args := m.Called(ctx, deliveryID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeliveryRepository) Record(ctx context.Context, delivery *repository.Delivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

type MockPaymentExecutor struct {
	mock.Mock
}

// Pay invokes req.OnSigned with the hash of the returned receipt or error
// before returning, as the real executor does before sending. A failing
// OnSigned aborts the payment the same way.
func (m *MockPaymentExecutor) Pay(ctx context.Context, req payment.Request) (*payment.Receipt, error) {
	args := m.Called(ctx, req)

	var receipt *payment.Receipt
	if args.Get(0) != nil {
		receipt = args.Get(0).(*payment.Receipt)
	}
	err := args.Error(1)

	if req.OnSigned != nil {
		var hash string
		var pe *payment.Error
		switch {
		case receipt != nil:
			hash = receipt.TxHash
		case errors.As(err, &pe) && pe.TxHash != "":
			hash = pe.TxHash
		}

		if hash != "" {
			if serr := req.OnSigned(ctx, hash); serr != nil {
				return nil, &payment.Error{Kind: payment.KindUnexpected, Detail: "record payment before send: " + serr.Error()}
			}
		}
	}

	return receipt, err
}

func (m *MockPaymentExecutor) Confirmation(ctx context.Context, txHash string) (payment.Confirmation, error) {
	args := m.Called(ctx, txHash)
	return args.Get(0).(payment.Confirmation), args.Error(1)
}

type MockPendingReconciler struct {
	mock.Mock
}

func (m *MockPendingReconciler) ReconcilePendingPayments(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
