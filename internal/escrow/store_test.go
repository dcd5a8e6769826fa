package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayment(id, walletID string, now time.Time) *PaymentRequest {
	return &PaymentRequest{
		ID:                        "pay_" + id,
		SourceID:                  "src_1",
		Identifier:                "ident_" + id,
		SellerWalletID:            walletID,
		SellerVKeyHash:            "a4e1...",
		SellerAddress:             "60a4e1",
		BuyerVKeyHash:             "b7f2...",
		BuyerAddress:              "60b7f2",
		PayByTime:                 now.Add(-time.Hour),
		SubmitResultTime:          now.Add(time.Hour),
		UnlockTime:                now.Add(2 * time.Hour),
		ExternalDisputeUnlockTime: now.Add(3 * time.Hour),
		SellerCooldownUntil:       now.Add(-time.Minute),
		BuyerCooldownUntil:        now.Add(-time.Minute),
		Amounts:                   []Amount{{Unit: "lovelace", Quantity: 5_000_000}},
		NextAction:                NextAction[PaymentAction]{Action: PaymentSubmitResultRequested},
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

func testPurchase(id, walletID string, now time.Time) *PurchaseRequest {
	return &PurchaseRequest{
		ID:                        "pur_" + id,
		SourceID:                  "src_1",
		Identifier:                "ident_" + id,
		BuyerWalletID:             walletID,
		BuyerVKeyHash:             "b7f2...",
		BuyerAddress:              "60b7f2",
		SellerVKeyHash:            "a4e1...",
		SellerAddress:             "60a4e1",
		PayByTime:                 now.Add(time.Hour),
		SubmitResultTime:          now.Add(2 * time.Hour),
		UnlockTime:                now.Add(3 * time.Hour),
		ExternalDisputeUnlockTime: now.Add(4 * time.Hour),
		SellerCooldownUntil:       now.Add(-time.Minute),
		BuyerCooldownUntil:        now.Add(-time.Minute),
		Amounts:                   []Amount{{Unit: "lovelace", Quantity: 2_000_000}},
		NextAction:                NextAction[PurchaseAction]{Action: PurchaseFundsLockingRequested},
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

func TestMemoryStoreDuplicateIdentifier(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.CreatePayment(ctx, testPayment("1", "w1", now)))
	err := store.CreatePayment(ctx, testPayment("1", "w2", now))
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestLockAndQueryLocksWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.CreatePayment(ctx, testPayment("1", "w1", now)))

	got, err := store.LockAndQuerySubmitResult(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, store.WalletLocked("w1"))
	require.NotNil(t, got[0].CurrentTransaction)
	assert.Equal(t, TxPending, got[0].CurrentTransaction.Status)
	assert.Empty(t, got[0].CurrentTransaction.Hash)

	// A second sweep must not hand out the same wallet again.
	again, err := store.LockAndQuerySubmitResult(ctx, "src_1", now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLockAndQueryNoDoubleLockConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.CreatePayment(ctx, testPayment("1", "w1", now)))

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.LockAndQuerySubmitResult(ctx, "src_1", now)
			if err == nil {
				wins <- len(got)
			}
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for n := range wins {
		total += n
	}
	assert.Equal(t, 1, total, "exactly one worker may lock the wallet")
}

func TestLockAndQueryRotatesTransactionHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	r := testPayment("1", "w1", now)
	require.NoError(t, store.CreatePayment(ctx, r))

	first, err := store.LockAndQuerySubmitResult(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, first, 1)
	firstTxID := first[0].CurrentTransaction.ID

	store.UnlockWallet("w1")
	second, err := store.LockAndQuerySubmitResult(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.NotEqual(t, firstTxID, second[0].CurrentTransaction.ID)
	require.Len(t, second[0].TransactionHistory, 1)
	assert.Equal(t, firstTxID, second[0].TransactionHistory[0].ID)
}

func TestLockAndQueryCollectEligibility(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	ready := testPayment("ready", "w1", now)
	ready.NextAction = NextAction[PaymentAction]{Action: PaymentWaitingForExternalAction}
	st := StateResultSubmitted
	ready.OnChainState = &st
	ready.UnlockTime = now.Add(-time.Minute)
	require.NoError(t, store.CreatePayment(ctx, ready))

	early := testPayment("early", "w2", now)
	early.NextAction = NextAction[PaymentAction]{Action: PaymentWaitingForExternalAction}
	st2 := StateResultSubmitted
	early.OnChainState = &st2
	early.UnlockTime = now.Add(time.Hour)
	require.NoError(t, store.CreatePayment(ctx, early))

	got, err := store.LockAndQueryCollect(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pay_ready", got[0].ID)
	assert.False(t, store.WalletLocked("w2"))
}

func TestLockAndQueryCollectRefundWindows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	// Refund requested and the seller let the result window lapse.
	lapsed := testPurchase("lapsed", "w1", now)
	lapsed.NextAction = NextAction[PurchaseAction]{Action: PurchaseWaitingForExternalAction}
	st := StateRefundRequested
	lapsed.OnChainState = &st
	lapsed.SubmitResultTime = now.Add(-time.Minute)
	require.NoError(t, store.CreatePurchase(ctx, lapsed))

	// Disputed, external unlock still in the future.
	disputed := testPurchase("disputed", "w2", now)
	disputed.NextAction = NextAction[PurchaseAction]{Action: PurchaseWaitingForExternalAction}
	st2 := StateDisputed
	disputed.OnChainState = &st2
	disputed.ExternalDisputeUnlockTime = now.Add(time.Hour)
	require.NoError(t, store.CreatePurchase(ctx, disputed))

	got, err := store.LockAndQueryCollectRefund(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pur_lapsed", got[0].ID)
}

func TestLockAndQueryCooldownHoldsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	r := testPayment("1", "w1", now)
	r.NextAction = NextAction[PaymentAction]{Action: PaymentAuthorizeRefundRequested}
	r.SellerCooldownUntil = now.Add(10 * time.Minute)
	require.NoError(t, store.CreatePayment(ctx, r))

	got, err := store.LockAndQueryAuthorizeRefund(ctx, "src_1", now)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = store.LockAndQueryAuthorizeRefund(ctx, "src_1", now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestExpireUnfunded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	// Funds never showed up and the pay-by time passed.
	stale := testPurchase("stale", "w1", now)
	stale.PayByTime = now.Add(-time.Minute)
	require.NoError(t, store.CreatePurchase(ctx, stale))

	// Funds observed on chain, must not expire even though pay-by passed.
	funded := testPurchase("funded", "w2", now)
	funded.PayByTime = now.Add(-time.Minute)
	funded.NextAction = NextAction[PurchaseAction]{Action: PurchaseWaitingForExternalAction}
	st := StateFundsLocked
	funded.OnChainState = &st
	require.NoError(t, store.CreatePurchase(ctx, funded))

	n, err := store.ExpireUnfunded(ctx, "src_1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetPurchase(ctx, "src_1", "ident_stale")
	require.NoError(t, err)
	assert.Equal(t, PurchaseExpired, got.NextAction.Action)

	kept, err := store.GetPurchase(ctx, "src_1", "ident_funded")
	require.NoError(t, err)
	assert.Equal(t, PurchaseWaitingForExternalAction, kept.NextAction.Action)
}

func TestBatchPaySkipsPastPayBy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	fresh := testPurchase("fresh", "w1", now)
	require.NoError(t, store.CreatePurchase(ctx, fresh))

	late := testPurchase("late", "w2", now)
	late.PayByTime = now.Add(-time.Second)
	require.NoError(t, store.CreatePurchase(ctx, late))

	got, err := store.LockAndQueryBatchPay(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pur_fresh", got[0].ID)
}

func TestBatchPayClaimsWholeWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.CreatePurchase(ctx, testPurchase("1", "w1", now)))
	require.NoError(t, store.CreatePurchase(ctx, testPurchase("2", "w1", now)))

	got, err := store.LockAndQueryBatchPay(ctx, "src_1", now)
	require.NoError(t, err)
	assert.Len(t, got, 2, "batch pay settles shared-wallet requests in one transaction")
}

func TestLockAndQueryOneRequestPerWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	first := testPurchase("1", "w1", now)
	first.NextAction.Action = PurchaseRequestRefundRequested
	require.NoError(t, store.CreatePurchase(ctx, first))

	second := testPurchase("2", "w1", now)
	second.NextAction.Action = PurchaseRequestRefundRequested
	require.NoError(t, store.CreatePurchase(ctx, second))

	// One transaction per request means a shared wallet may back only one
	// claim per pass.
	got, err := store.LockAndQueryRequestRefund(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, store.WalletLocked("w1"))

	again, err := store.LockAndQueryRequestRefund(ctx, "src_1", now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.CreatePayment(ctx, testPayment("1", "w1", now)))
	got, err := store.LockAndQuerySubmitResult(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	txID := got[0].CurrentTransaction.ID

	require.NoError(t, store.SetTransactionHash(ctx, txID, "deadbeef", now))
	require.NoError(t, store.ConfirmTransaction(ctx, txID, now.Add(time.Minute)))

	r, err := store.GetPayment(ctx, "src_1", "ident_1")
	require.NoError(t, err)
	require.NotNil(t, r.CurrentTransaction)
	assert.Equal(t, "deadbeef", r.CurrentTransaction.Hash)
	assert.Equal(t, TxConfirmed, r.CurrentTransaction.Status)
	assert.True(t, r.MatchesTransaction("deadbeef"))
	assert.False(t, r.MatchesTransaction("cafebabe"))
}
