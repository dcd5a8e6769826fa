package scheduler

import (
	"context"
	"time"

	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

// SweepWalletLocks force-unlocks wallets whose pipeline run crashed before
// releasing them.
func SweepWalletLocks(wallets wallet.Store, timeout time.Duration, now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		swept, err := wallets.SweepExpiredLocks(ctx, now().Add(-timeout))
		if err != nil {
			return err
		}
		if len(swept) > 0 {
			metrics.WalletLocksSweptTotal.Add(float64(len(swept)))
			logging.L(ctx).Warn("released expired wallet locks", "wallet_ids", swept)
		}
		locked, err := wallets.CountLocked(ctx)
		if err != nil {
			return err
		}
		metrics.WalletsLocked.Set(float64(locked))
		return nil
	}
}

// SweepSyncLeases reclaims scan leases abandoned by a crashed scanner run.
func SweepSyncLeases(sources source.Store, timeout time.Duration, now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		swept, err := sources.SweepStaleLeases(ctx, now().Add(-timeout))
		if err != nil {
			return err
		}
		if len(swept) > 0 {
			logging.L(ctx).Warn("reclaimed stale sync leases", "source_ids", swept)
		}
		return nil
	}
}

// ExpireUnfunded times out purchases whose funds never appeared on chain
// before the pay-by deadline.
func ExpireUnfunded(sources source.Store, purchases escrow.PurchaseStore, now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		list, err := sources.List(ctx)
		if err != nil {
			return err
		}
		for _, src := range list {
			n, err := purchases.ExpireUnfunded(ctx, src.ID, now())
			if err != nil {
				return err
			}
			if n > 0 {
				logging.L(ctx).Info("expired unfunded purchases", "source_id", src.ID, "count", n)
			}
		}
		return nil
	}
}
