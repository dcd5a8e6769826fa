package settle

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

func lovelace(quantity int64) []escrow.Amount {
	return []escrow.Amount{{Unit: "lovelace", Quantity: quantity}}
}

func TestEffectiveLovelace(t *testing.T) {
	tests := []struct {
		name    string
		amounts []escrow.Amount
		want    int64
	}{
		{"above the floor", lovelace(2_000_000), 2_000_000},
		{"padded to the floor", lovelace(1_000_000), minUtxoFloor},
		{"native assets add the floor", []escrow.Amount{
			{Unit: "lovelace", Quantity: 2_000_000},
			{Unit: "0ftoken", Quantity: 5},
		}, 2_000_000 + minUtxoFloor},
		{"assets only", []escrow.Amount{{Unit: "0ftoken", Quantity: 5}}, minUtxoFloor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveLovelace(tt.amounts))
		})
	}
}

func TestPackBatchFillsCapacity(t *testing.T) {
	var requests []*escrow.PurchaseRequest
	for i := 0; i < 12; i++ {
		requests = append(requests, &escrow.PurchaseRequest{
			ID:      fmt.Sprintf("pur_%d", i),
			Amounts: lovelace(2_000_000),
		})
	}

	batch, deferred := packBatch(requests, 10_000_000)

	assert.Len(t, batch, 5)
	assert.Len(t, deferred, 7)
}

func TestPackBatchRespectsBatchLimit(t *testing.T) {
	var requests []*escrow.PurchaseRequest
	for i := 0; i < 12; i++ {
		requests = append(requests, &escrow.PurchaseRequest{
			ID:      fmt.Sprintf("pur_%d", i),
			Amounts: lovelace(2_000_000),
		})
	}

	batch, deferred := packBatch(requests, 100_000_000)

	assert.Len(t, batch, maxBatchSize)
	assert.Len(t, deferred, 2)
}

func TestPackBatchDropsUncoverableRequest(t *testing.T) {
	requests := []*escrow.PurchaseRequest{
		{ID: "pur_big", Amounts: lovelace(20_000_000)},
		{ID: "pur_ok", Amounts: lovelace(2_000_000)},
	}

	batch, deferred := packBatch(requests, 10_000_000)

	require.Len(t, batch, 1)
	assert.Equal(t, "pur_ok", batch[0].ID)
	assert.Empty(t, deferred)
}

func TestBatchPayPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newWallet(t, "w_buy", wallet.RolePurchasing, 10_000_000)
	for i := 0; i < 12; i++ {
		f.newPurchase(t, fmt.Sprintf("pur_%d", i), fmt.Sprintf("%02x", i+1),
			escrow.PurchaseFundsLockingRequested, "")
	}

	require.NoError(t, f.service.RunBatchPay(ctx))

	require.Len(t, f.provider.Submitted, 1)
	initiated, err := f.escrows.ListPurchasesByAction(ctx, "src_1", escrow.PurchaseFundsLockingInitiated, 100)
	require.NoError(t, err)
	assert.Len(t, initiated, 5)
	for _, r := range initiated {
		require.NotNil(t, r.CurrentTransaction)
		assert.NotEmpty(t, r.CurrentTransaction.Hash)
	}
	requeued, err := f.escrows.ListPurchasesByAction(ctx, "src_1", escrow.PurchaseFundsLockingRequested, 100)
	require.NoError(t, err)
	assert.Len(t, requeued, 7)
}

func TestBatchPayParksUncoverableRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newWallet(t, "w_buy", wallet.RolePurchasing, 10_000_000)
	big := f.newPurchase(t, "pur_big", "aa", escrow.PurchaseFundsLockingRequested, "")
	big.Amounts = lovelace(20_000_000)
	require.NoError(t, f.escrows.UpdatePurchase(ctx, big))
	f.newPurchase(t, "pur_ok", "bb", escrow.PurchaseFundsLockingRequested, "")

	require.NoError(t, f.service.RunBatchPay(ctx))

	require.Len(t, f.provider.Submitted, 1)
	parked, err := f.escrows.GetPurchase(ctx, "src_1", big.Identifier)
	require.NoError(t, err)
	assert.Equal(t, escrow.PurchaseWaitingForManualAction, parked.NextAction.Action)
	assert.Equal(t, escrow.ErrorInsufficientFunds, parked.NextAction.ErrorKind)
}
