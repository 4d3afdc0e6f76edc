package service

import (
	"context"
	"time"

	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

type pendingReconciler interface {
	ReconcilePendingPayments(ctx context.Context) (int, error)
}

// PendingPaymentWatcher periodically settles payments that were broadcast
// but never observed as confirmed or reverted.
type PendingPaymentWatcher struct {
	claims   pendingReconciler
	interval time.Duration
}

func NewPendingPaymentWatcher(claims pendingReconciler, interval time.Duration) *PendingPaymentWatcher {
	return &PendingPaymentWatcher{claims: claims, interval: interval}
}

// Start sweeps once immediately, then on every tick until ctx is done.
func (w *PendingPaymentWatcher) Start(ctx context.Context) {
	l := logger.FromContext(ctx)

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info("pending payment watcher stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *PendingPaymentWatcher) sweep(ctx context.Context) {
	l := logger.FromContext(ctx)

	settled, err := w.claims.ReconcilePendingPayments(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.Error("pending payment sweep failed", zap.Error(err))
		}
		return
	}

	if settled > 0 {
		l.Info("pending payment sweep", zap.Int("settled", settled))
	}
}
