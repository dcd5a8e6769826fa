package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

func TestRunNowTriggersJob(t *testing.T) {
	s := New(context.Background())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{
		Name:     "ping",
		Interval: time.Hour,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))
	s.Start()
	defer s.Stop()

	require.NoError(t, s.RunNow("ping"))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSweepWalletLocks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	wallets := wallet.NewMemoryStore()
	require.NoError(t, wallets.Create(ctx, &wallet.HotWallet{
		ID: "hw_1", SourceID: "src_1", Role: wallet.RoleSelling, Address: "addr_1",
	}))
	wallets.Lock("hw_1", now.Add(-time.Hour))

	sweep := SweepWalletLocks(wallets, 15*time.Minute, func() time.Time { return now })
	require.NoError(t, sweep(ctx))

	w, err := wallets.Get(ctx, "hw_1")
	require.NoError(t, err)
	assert.Nil(t, w.LockedAt)
}

func TestSweepWalletLocksKeepsFreshLocks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	wallets := wallet.NewMemoryStore()
	require.NoError(t, wallets.Create(ctx, &wallet.HotWallet{
		ID: "hw_1", SourceID: "src_1", Role: wallet.RoleSelling, Address: "addr_1",
	}))
	wallets.Lock("hw_1", now.Add(-time.Minute))

	sweep := SweepWalletLocks(wallets, 15*time.Minute, func() time.Time { return now })
	require.NoError(t, sweep(ctx))

	w, err := wallets.Get(ctx, "hw_1")
	require.NoError(t, err)
	assert.NotNil(t, w.LockedAt)
}

func TestSweepSyncLeases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sources := source.NewMemoryStore()
	require.NoError(t, sources.Create(ctx, &source.PaymentSource{ID: "src_1"}))
	_, err := sources.AcquireSyncLease(ctx, now.Add(-time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, err)

	sweep := SweepSyncLeases(sources, 15*time.Minute, func() time.Time { return now })
	require.NoError(t, sweep(ctx))

	src, err := sources.Get(ctx, "src_1")
	require.NoError(t, err)
	assert.False(t, src.SyncInProgress)
}

func TestExpireUnfundedJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sources := source.NewMemoryStore()
	require.NoError(t, sources.Create(ctx, &source.PaymentSource{ID: "src_1"}))
	store := escrow.NewMemoryStore()
	require.NoError(t, store.CreatePurchase(ctx, &escrow.PurchaseRequest{
		ID:            "pur_1",
		SourceID:      "src_1",
		Identifier:    "id_1",
		BuyerWalletID: "hw_1",
		PayByTime:     now.Add(-time.Hour),
		NextAction:    escrow.NextAction[escrow.PurchaseAction]{Action: escrow.PurchaseFundsLockingRequested},
	}))

	expire := ExpireUnfunded(sources, store, func() time.Time { return now })
	require.NoError(t, expire(ctx))

	r, err := store.GetPurchase(ctx, "src_1", "id_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.PurchaseExpired, r.NextAction.Action)
}
