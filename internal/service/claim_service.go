package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/yakoovad/review-payouts/internal/model"
	"github.com/yakoovad/review-payouts/internal/payment"
	"github.com/yakoovad/review-payouts/internal/repository"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

type PaymentExecutor interface {
	Pay(ctx context.Context, req payment.Request) (*payment.Receipt, error)
	Confirmation(ctx context.Context, txHash string) (payment.Confirmation, error)
}

var (
	errClaimRace         = errors.New("review left claimable status before it could be marked claimed")
	errPaymentInProgress = errors.New("another payment is already recorded for this review")
)

// ClaimService is the only code path that pays a reviewer and the only one
// that sets a review to claimed.
type ClaimService struct {
	reviews repository.ReviewRepository
	payer   PaymentExecutor

	locks *keyedLocker
}

func NewClaimService() *ClaimService {
	return &ClaimService{locks: newKeyedLocker()}
}

func claimKey(userID string, prID int64) string {
	return fmt.Sprintf("%s/%d", userID, prID)
}

// Claim pays the reviewer for one claimable review. Claims for the same
// review run one at a time; the loser of a race sees the review claimed.
func (c *ClaimService) Claim(ctx context.Context, req *model.ClaimRequest) (*model.ClaimResult, *Error) {
	l := logger.FromContext(ctx).With(
		zap.String("user_id", req.UserID),
		zap.Int64("pr_id", req.PullRequestID),
	)
	ctx = logger.WithLogger(ctx, l)

	unlock, err := c.locks.Lock(ctx, claimKey(req.UserID, req.PullRequestID))
	if err != nil {
		return nil, NewError(ErrorCodeUnspecified, "claim aborted")
	}
	defer unlock()

	review, err := c.reviews.Find(ctx, req.UserID, req.PullRequestID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, NewError(ErrorCodeNotFound,
			fmt.Sprintf("no review found for user_id=%s and pr_id=%d", req.UserID, req.PullRequestID))
	case err != nil:
		l.Error("failed to find review", zap.Error(err))
		return nil, NewError(ErrorCodeUnspecified, "failed to get review")
	}

	if review.Status != model.ReviewStatusClaimable {
		return &model.ClaimResult{
			Success:   false,
			Message:   fmt.Sprintf("Cannot claim PR. Current status is '%s', must be 'claimable'", review.Status),
			ReviewID:  review.ID,
			Status:    review.Status,
			ErrorKind: model.ClaimErrorWrongStatus,
		}, nil
	}

	if !payment.ValidateAddress(req.Address) {
		return &model.ClaimResult{
			Success:   false,
			Message:   "Invalid payment address",
			ReviewID:  review.ID,
			Status:    review.Status,
			ErrorKind: model.ClaimErrorKind(payment.KindInvalidAddress),
			Error:     fmt.Sprintf("invalid recipient address: %s", req.Address),
		}, nil
	}

	if review.PaymentTxHash != nil {
		txHash := *review.PaymentTxHash

		conf, err := c.settlePending(ctx, review)
		if err != nil {
			return c.failure(ctx, review, txHash, err)
		}

		switch conf {
		case payment.ConfirmationSucceeded:
			return succeeded(review, txHash), nil
		case payment.ConfirmationPending:
			return &model.ClaimResult{
				Success:         false,
				Message:         "A payment for this review is still awaiting confirmation",
				ReviewID:        review.ID,
				Status:          review.Status,
				TransactionHash: txHash,
				ErrorKind:       model.ClaimErrorPaymentPending,
			}, nil
		}
		// reverted or dropped: the hash is cleared, pay again
	}

	// The caller may cancel Pay until the transaction is signed. Bookkeeping
	// after that must not be cut short.
	payCtx := context.WithoutCancel(ctx)

	var signedHash string
	var reserveErr error
	receipt, err := c.payer.Pay(ctx, payment.Request{
		To:     req.Address,
		Amount: review.Payout,
		OnSigned: func(ctx context.Context, txHash string) error {
			signedHash = txHash
			reserveErr = c.reservePaymentTx(ctx, review.ID, txHash)
			return reserveErr
		},
	})
	if err != nil {
		if reserveErr != nil {
			return c.reserveFailure(payCtx, review, signedHash, reserveErr)
		}

		var pe *payment.Error
		if errors.As(err, &pe) && pe.TxHash != "" && !pe.InFlight {
			c.clearPaymentTx(payCtx, review.ID, pe.TxHash)
		}
		return c.failure(ctx, review, "", err)
	}

	if err = c.markClaimed(payCtx, review.ID); err != nil {
		l.Error("payment confirmed but review not marked claimed",
			zap.Int64("review_id", review.ID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
		if errors.Is(err, errClaimRace) {
			return nil, NewError(ErrorCodeStateConflict, err.Error())
		}
		return nil, NewError(ErrorCodeUnspecified, "payment sent but claim was not recorded")
	}

	l.Info("review claimed", zap.Int64("review_id", review.ID), zap.String("tx_hash", receipt.TxHash))

	return succeeded(review, receipt.TxHash), nil
}

// ReconcilePendingPayments settles every claimable review that still carries
// the hash of a broadcast payment. It returns how many were settled.
func (c *ClaimService) ReconcilePendingPayments(ctx context.Context) (int, error) {
	l := logger.FromContext(ctx)

	pending, err := c.reviews.ListPendingPayments(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range pending {
		conf, err := c.settleLocked(ctx, p.UserID, p.PullRequestID)
		if err != nil {
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			l.Warn("failed to settle pending payment", zap.Int64("review_id", p.ID), zap.Error(err))
			continue
		}

		if conf != "" && conf != payment.ConfirmationPending {
			l.Info("pending payment settled", zap.Int64("review_id", p.ID), zap.String("outcome", string(conf)))
			settled++
		}
	}

	return settled, nil
}

func (c *ClaimService) settleLocked(ctx context.Context, userID string, prID int64) (payment.Confirmation, error) {
	unlock, err := c.locks.Lock(ctx, claimKey(userID, prID))
	if err != nil {
		return "", err
	}
	defer unlock()

	// A claim may have settled it while we waited for the lock.
	review, err := c.reviews.Find(ctx, userID, prID)
	if err != nil {
		return "", err
	}
	if review.Status != model.ReviewStatusClaimable || review.PaymentTxHash == nil {
		return "", nil
	}

	return c.settlePending(ctx, review)
}

// settlePending applies the on-chain outcome of the review's recorded
// payment. Must be called with the review's key locked.
func (c *ClaimService) settlePending(ctx context.Context, review *repository.Review) (payment.Confirmation, error) {
	conf, err := c.payer.Confirmation(ctx, *review.PaymentTxHash)
	if err != nil {
		return "", err
	}

	switch conf {
	case payment.ConfirmationSucceeded:
		if err = c.markClaimed(ctx, review.ID); err != nil {
			return "", err
		}
	case payment.ConfirmationReverted, payment.ConfirmationDropped:
		if err = c.reviews.ClearPaymentTx(ctx, review.ID, *review.PaymentTxHash); err != nil {
			return "", err
		}
	}

	return conf, nil
}

func (c *ClaimService) markClaimed(ctx context.Context, reviewID int64) error {
	ok, err := c.reviews.CompareAndSetStatus(ctx, reviewID, model.ReviewStatusClaimable, model.ReviewStatusClaimed)
	if err != nil {
		return err
	}
	if !ok {
		return errClaimRace
	}
	return nil
}

// reservePaymentTx records a signed, not yet sent, payment on the review.
// Only one payment can be recorded at a time, across every process sharing
// the store.
func (c *ClaimService) reservePaymentTx(ctx context.Context, reviewID int64, txHash string) error {
	ok, err := c.reviews.ReservePaymentTx(ctx, reviewID, txHash)
	if err != nil {
		return err
	}
	if !ok {
		return errPaymentInProgress
	}
	return nil
}

// reserveFailure reports a payment that was signed but never sent because it
// could not be recorded first.
func (c *ClaimService) reserveFailure(ctx context.Context, review *repository.Review, txHash string, err error) (*model.ClaimResult, *Error) {
	l := logger.FromContext(ctx)

	if errors.Is(err, errPaymentInProgress) {
		l.Warn("payment already recorded by another claim", zap.Int64("review_id", review.ID))
		return &model.ClaimResult{
			Success:   false,
			Message:   "A payment for this review is already in progress",
			ReviewID:  review.ID,
			Status:    review.Status,
			ErrorKind: model.ClaimErrorPaymentPending,
		}, nil
	}

	l.Error("failed to record payment, nothing was sent",
		zap.Int64("review_id", review.ID),
		zap.String("tx_hash", txHash),
		zap.Error(err))

	// The write may have landed anyway. A hash that is never sent settles as
	// dropped, so this is only tidying.
	if txHash != "" {
		c.clearPaymentTx(ctx, review.ID, txHash)
	}

	return nil, NewError(ErrorCodeUnspecified, "failed to record payment")
}

func (c *ClaimService) clearPaymentTx(ctx context.Context, reviewID int64, txHash string) {
	if err := c.reviews.ClearPaymentTx(ctx, reviewID, txHash); err != nil {
		logger.FromContext(ctx).Error("failed to clear payment tx", zap.Int64("review_id", reviewID), zap.Error(err))
	}
}

// failure reports a payment that did not go through. The review stays
// claimable. Errors that are not payment failures surface as service errors.
func (c *ClaimService) failure(ctx context.Context, review *repository.Review, txHash string, err error) (*model.ClaimResult, *Error) {
	l := logger.FromContext(ctx)

	var pe *payment.Error
	if !errors.As(err, &pe) {
		l.Error("claim failed", zap.Int64("review_id", review.ID), zap.Error(err))
		if errors.Is(err, errClaimRace) {
			return nil, NewError(ErrorCodeStateConflict, err.Error())
		}
		return nil, NewError(ErrorCodeUnspecified, "failed to process claim")
	}

	// A rejected send carries the hash of a transaction the network never took.
	if pe.TxHash != "" && (pe.InFlight || pe.Kind == payment.KindReverted) {
		txHash = pe.TxHash
	}

	l.Warn("payment failed",
		zap.Int64("review_id", review.ID),
		zap.String("kind", string(payment.KindOf(err))),
		zap.String("tx_hash", txHash),
		zap.String("detail", pe.Detail))

	msg := "Payment failed"
	switch {
	case pe.Kind == payment.KindTimeout:
		msg = "Payment was sent but not confirmed in time"
	case pe.InFlight:
		msg = "Payment was sent but its outcome is not known yet"
	}

	return &model.ClaimResult{
		Success:         false,
		Message:         msg,
		ReviewID:        review.ID,
		Status:          model.ReviewStatusClaimable,
		TransactionHash: txHash,
		ErrorKind:       model.ClaimErrorKind(pe.Kind),
		Error:           pe.Error(),
	}, nil
}

func succeeded(review *repository.Review, txHash string) *model.ClaimResult {
	return &model.ClaimResult{
		Success:         true,
		Message:         "PR successfully claimed",
		ReviewID:        review.ID,
		Status:          model.ReviewStatusClaimed,
		TransactionHash: txHash,
	}
}

func (c *ClaimService) WithReviewRepo(r repository.ReviewRepository) *ClaimService {
	c.reviews = r
	return c
}

func (c *ClaimService) WithPaymentExecutor(p PaymentExecutor) *ClaimService {
	c.payer = p
	return c
}
