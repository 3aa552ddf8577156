package services

import (
	"context"
	"time"
)

// sweepLockTTL bounds one sweeper pass; a crashed sweeper frees the
// lock by expiry.
const sweepLockTTL = 50 * time.Second

// RunSweeper drives the periodic scans: recovery watchdog and planning,
// due recovery and upsell deliveries, pending payment polls. One pod
// sweeps per tick; the lock decides which.
func (s *Services) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Services) sweepOnce(ctx context.Context) {
	lock, won, err := s.locks.Acquire(ctx, "sweeper", sweepLockTTL)
	if err != nil {
		s.logger.Error("sweeper lock failed", "error", err)
		return
	}
	if !won {
		return
	}
	defer lock.Release(ctx)

	if err := s.sweepRecovery(ctx); err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
	}
	if err := s.sweepDueUpsells(ctx); err != nil {
		s.logger.Error("upsell sweep failed", "error", err)
	}
	if err := s.sweepPendingPayments(ctx); err != nil {
		s.logger.Error("payment sweep failed", "error", err)
	}
}

// sweepPendingPayments backstops lost gateway callbacks by polling
// charges stuck in pending.
func (s *Services) sweepPendingPayments(ctx context.Context) error {
	stuck, err := s.store.PendingOlderThan(ctx, pendingPollAfter, 100)
	if err != nil {
		return err
	}
	for _, tx := range stuck {
		if err := s.enq.Enqueue(ctx, TaskPaymentPoll, PaymentPollPayload{TransactionID: tx.ID}); err != nil {
			s.logger.Error("payment poll enqueue failed", "tx", tx.ID, "error", err)
		}
	}
	return nil
}
