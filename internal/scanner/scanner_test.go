package scanner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

const (
	contractAddr = "addr_test1wzercrqp6lqthvzzfd4gqgfmfg9sewyjheu2wlqm26z5d3q5ev6m5"
	buyerCred    = "b7f2a6c14d9e83051a26740b8e24cfa1530b9372e1c5096f8d1a2b3c"
	sellerCred   = "a4e19c5f20d7b6e8130a5492c6f08db5721e9340a8b6c1d2e3f40516"
	sellerNonce  = "1111111111111111111111111111111111111111111111111111111111111111"
	buyerNonce   = "2222222222222222222222222222222222222222222222222222222222222222"
	refSig       = "3333333333333333333333333333333333333333"
	refKey       = "4444444444444444444444444444444444444444"
)

type fixture struct {
	scanner   *Scanner
	provider  *chain.FakeProvider
	sources   *source.MemoryStore
	payments  *escrow.MemoryStore
	purchases *escrow.MemoryStore
	registry  *registry.MemoryStore
	wallets   *wallet.MemoryStore
	src       *source.PaymentSource
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := chain.NewFakeProvider()
	sources := source.NewMemoryStore()
	store := escrow.NewMemoryStore()
	reg := registry.NewMemoryStore()
	wallets := wallet.NewMemoryStore()

	src := &source.PaymentSource{
		ID:              "src_1",
		Network:         "preprod",
		ContractAddress: contractAddr,
		PolicyID:        strings.Repeat("0f", 28),
		CreatedAt:       now,
	}
	require.NoError(t, sources.Create(context.Background(), src))

	s := New(Config{
		Provider:     provider,
		Sources:      sources,
		Payments:     store,
		Purchases:    store,
		Transactions: store,
		Registry:     reg,
		Wallets:      wallets,
		LeaseTimeout: 15 * time.Minute,
	})
	s.now = func() time.Time { return now }

	return &fixture{
		scanner:   s,
		provider:  provider,
		sources:   sources,
		payments:  store,
		purchases: store,
		registry:  reg,
		wallets:   wallets,
		src:       src,
		now:       now,
	}
}

func (f *fixture) identifier(t *testing.T) string {
	t.Helper()
	id, err := datum.EncodeIdentifier(datum.Identifier{
		SellerNonce:        sellerNonce,
		BuyerNonce:         buyerNonce,
		ReferenceSignature: refSig,
		ReferenceKey:       refKey,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) lockDatum(t *testing.T) datum.Data {
	t.Helper()
	data, err := datum.Encode(f.escrowDatum(datum.StateFundsLocked, ""))
	require.NoError(t, err)
	return data
}

func (f *fixture) escrowDatum(state datum.StateTag, resultHash string) datum.Datum {
	return datum.Datum{
		BuyerAddress:              "60" + buyerCred,
		SellerAddress:             "60" + sellerCred,
		ReferenceKey:              refKey,
		ReferenceSignature:        refSig,
		SellerNonce:               sellerNonce,
		BuyerNonce:                buyerNonce,
		InputHash:                 "aa",
		ResultHash:                resultHash,
		PayByTime:                 f.now.Add(-time.Hour).UnixMilli(),
		SubmitResultTime:          f.now.Add(time.Hour).UnixMilli(),
		UnlockTime:                f.now.Add(2 * time.Hour).UnixMilli(),
		ExternalDisputeUnlockTime: f.now.Add(3 * time.Hour).UnixMilli(),
		State:                     state,
	}
}

func (f *fixture) newPurchase(t *testing.T, action escrow.PurchaseAction) *escrow.PurchaseRequest {
	t.Helper()
	r := &escrow.PurchaseRequest{
		ID:                        "pur_1",
		SourceID:                  "src_1",
		Identifier:                f.identifier(t),
		BuyerWalletID:             "w_buy",
		BuyerVKeyHash:             buyerCred,
		BuyerAddress:              "60" + buyerCred,
		SellerVKeyHash:            sellerCred,
		SellerAddress:             "60" + sellerCred,
		PayByTime:                 f.now.Add(-time.Hour),
		SubmitResultTime:          f.now.Add(time.Hour),
		UnlockTime:                f.now.Add(2 * time.Hour),
		ExternalDisputeUnlockTime: f.now.Add(3 * time.Hour),
		Amounts:                   []escrow.Amount{{Unit: "lovelace", Quantity: 2_000_000}},
		NextAction:                escrow.NextAction[escrow.PurchaseAction]{Action: action},
		CreatedAt:                 f.now,
	}
	require.NoError(t, f.purchases.CreatePurchase(context.Background(), r))
	return r
}

func (f *fixture) newPayment(t *testing.T, action escrow.PaymentAction) *escrow.PaymentRequest {
	t.Helper()
	r := &escrow.PaymentRequest{
		ID:                        "pay_1",
		SourceID:                  "src_1",
		Identifier:                f.identifier(t),
		SellerWalletID:            "w_sell",
		SellerVKeyHash:            sellerCred,
		SellerAddress:             "60" + sellerCred,
		BuyerVKeyHash:             buyerCred,
		BuyerAddress:              "60" + buyerCred,
		PayByTime:                 f.now.Add(-time.Hour),
		SubmitResultTime:          f.now.Add(time.Hour),
		UnlockTime:                f.now.Add(2 * time.Hour),
		ExternalDisputeUnlockTime: f.now.Add(3 * time.Hour),
		Amounts:                   []escrow.Amount{{Unit: "lovelace", Quantity: 2_000_000}},
		NextAction:                escrow.NextAction[escrow.PaymentAction]{Action: action},
		CreatedAt:                 f.now,
	}
	require.NoError(t, f.payments.CreatePayment(context.Background(), r))
	return r
}

func (f *fixture) addLockTx(t *testing.T, hash string, inlineDatum datum.Data) {
	t.Helper()
	f.provider.History[contractAddr] = append([]chain.AddressTx{{TxHash: hash}}, f.provider.History[contractAddr]...)
	f.provider.UTxOs[hash] = &chain.TxUTxOs{
		Hash: hash,
		Outputs: []chain.UTxO{{
			TxHash:      hash,
			Address:     contractAddr,
			Amounts:     []chain.Amount{{Unit: "lovelace", Quantity: "2000000"}},
			InlineDatum: &inlineDatum,
		}},
	}
}

func TestScannerAppliesLockTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newPurchase(t, escrow.PurchaseFundsLockingInitiated)
	f.newPayment(t, escrow.PaymentWaitingForExternalAction)
	f.addLockTx(t, "lock1", f.lockDatum(t))

	require.NoError(t, f.scanner.Run(ctx))

	pur, err := f.purchases.GetPurchase(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)
	require.NotNil(t, pur.OnChainState)
	assert.Equal(t, escrow.StateFundsLocked, *pur.OnChainState)
	assert.Equal(t, escrow.PurchaseWaitingForExternalAction, pur.NextAction.Action)
	assert.Equal(t, "lock1", pur.LatestObservedTxHash)

	pay, err := f.payments.GetPayment(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)
	require.NotNil(t, pay.OnChainState)
	assert.Equal(t, escrow.StateFundsLocked, *pay.OnChainState)

	src, err := f.sources.Get(ctx, "src_1")
	require.NoError(t, err)
	assert.Equal(t, "lock1", src.LastIdentifierChecked)
	assert.False(t, src.SyncInProgress, "lease must be released after the pass")
}

func TestScannerRejectsSpoofedLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newPurchase(t, escrow.PurchaseFundsLockingInitiated)

	// Same nonces, but the buyer credential in the datum belongs to someone
	// else: a spoofer trying to get credited for a foreign lock.
	spoofed := f.escrowDatum(datum.StateFundsLocked, "")
	spoofed.BuyerAddress = "60" + strings.Repeat("ef", 28)
	data, err := datum.Encode(spoofed)
	require.NoError(t, err)
	f.addLockTx(t, "spoof1", data)

	require.NoError(t, f.scanner.Run(ctx))

	pur, err := f.purchases.GetPurchase(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)
	assert.Equal(t, escrow.PurchaseWaitingForManualAction, pur.NextAction.Action)
	assert.Equal(t, escrow.ErrorSpoofedTransaction, pur.NextAction.ErrorKind)
	assert.Contains(t, pur.NextAction.Note, "buyer credential mismatch")
	assert.Nil(t, pur.OnChainState, "spoofed funds must not be recorded as locked")
}

func TestScannerAppliesSubmitResultRedeem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pur := f.newPurchase(t, escrow.PurchaseWaitingForExternalAction)
	pay := f.newPayment(t, escrow.PaymentSubmitResultInitiated)
	st := escrow.StateFundsLocked
	pur.OnChainState = &st
	pur.LatestObservedTxHash = "lock1"
	require.NoError(t, f.purchases.UpdatePurchase(ctx, pur))
	pay.OnChainState = &st
	pay.LatestObservedTxHash = "lock1"
	require.NoError(t, f.payments.UpdatePayment(ctx, pay))

	resultHash := strings.Repeat("cd", 32)
	lockDatum := f.lockDatum(t)
	nextDatum, err := datum.Encode(f.escrowDatum(datum.StateResultSubmitted, resultHash))
	require.NoError(t, err)

	f.provider.History[contractAddr] = []chain.AddressTx{{TxHash: "redeem1"}}
	f.provider.UTxOs["redeem1"] = &chain.TxUTxOs{
		Hash: "redeem1",
		Inputs: []chain.UTxO{{
			TxHash:      "lock1",
			Address:     contractAddr,
			InlineDatum: &lockDatum,
		}},
		Outputs: []chain.UTxO{{
			TxHash:      "redeem1",
			Address:     contractAddr,
			InlineDatum: &nextDatum,
		}},
	}
	f.provider.Redeemers["redeem1"] = []chain.RedeemerWitness{{
		Purpose: "spend",
		Data:    datum.RedeemSubmitResult.Encode(),
	}}

	require.NoError(t, f.scanner.Run(ctx))

	gotPay, err := f.payments.GetPayment(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)
	assert.Equal(t, escrow.StateResultSubmitted, *gotPay.OnChainState)
	assert.Equal(t, escrow.PaymentWaitingForExternalAction, gotPay.NextAction.Action)
	assert.Equal(t, resultHash, gotPay.ResultHash)
	assert.Equal(t, "redeem1", gotPay.LatestObservedTxHash)

	gotPur, err := f.purchases.GetPurchase(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)
	assert.Equal(t, escrow.StateResultSubmitted, *gotPur.OnChainState)
	assert.Equal(t, escrow.PurchaseWaitingForExternalAction, gotPur.NextAction.Action)
}

func TestScannerSkipsRedeemOfUntrackedOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pay := f.newPayment(t, escrow.PaymentWaitingForExternalAction)
	st := escrow.StateFundsLocked
	pay.OnChainState = &st
	pay.LatestObservedTxHash = "lock1"
	require.NoError(t, f.payments.UpdatePayment(ctx, pay))

	lockDatum := f.lockDatum(t)
	f.provider.History[contractAddr] = []chain.AddressTx{{TxHash: "redeemX"}}
	f.provider.UTxOs["redeemX"] = &chain.TxUTxOs{
		Hash: "redeemX",
		Inputs: []chain.UTxO{{
			// Spends an output we never tracked for this request.
			TxHash:      "unrelated",
			Address:     contractAddr,
			InlineDatum: &lockDatum,
		}},
	}
	f.provider.Redeemers["redeemX"] = []chain.RedeemerWitness{{
		Purpose: "spend",
		Data:    datum.RedeemWithdraw.Encode(),
	}}

	require.NoError(t, f.scanner.Run(ctx))

	got, err := f.payments.GetPayment(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)
	assert.Equal(t, escrow.StateFundsLocked, *got.OnChainState, "untracked redeem must not advance state")
	assert.Equal(t, "lock1", got.LatestObservedTxHash)
}

func TestScannerPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newPurchase(t, escrow.PurchaseFundsLockingInitiated)
	f.addLockTx(t, "lock1", f.lockDatum(t))

	require.NoError(t, f.scanner.Run(ctx))
	first, err := f.purchases.GetPurchase(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)

	// Nothing new on chain: the cursor stops the second pass immediately.
	require.NoError(t, f.scanner.Run(ctx))
	second, err := f.purchases.GetPurchase(ctx, "src_1", f.identifier(t))
	require.NoError(t, err)

	assert.Equal(t, first.NextAction, second.NextAction)
	assert.Equal(t, first.OnChainState, second.OnChainState)
	assert.Equal(t, first.LatestObservedTxHash, second.LatestObservedTxHash)
}

func TestScannerConfirmsRegistryMint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.now

	require.NoError(t, f.wallets.Create(ctx, &wallet.HotWallet{
		ID: "w_sell", SourceID: "src_1", Role: wallet.RoleSelling,
		Address: "60" + sellerCred, CreatedAt: now,
	}))
	f.wallets.Lock("w_sell", now.Add(-time.Minute))

	policyID := strings.Repeat("0f", 28)
	assetName := "7472616e736c6174696f6e"
	require.NoError(t, f.registry.Create(ctx, &registry.Request{
		ID: "reg_1", SourceID: "src_1", WalletID: "w_sell",
		State:    registry.RegistrationInitiated,
		PolicyID: policyID, AssetName: assetName,
		CreatedAt: now,
	}))
	f.provider.Holders[policyID+assetName] = []chain.AssetAddress{{Address: "60" + sellerCred, Quantity: "1"}}

	require.NoError(t, f.scanner.Run(ctx))

	got, err := f.registry.Get(ctx, "reg_1")
	require.NoError(t, err)
	assert.Equal(t, registry.RegistrationConfirmed, got.State)

	w, err := f.wallets.Get(ctx, "w_sell")
	require.NoError(t, err)
	assert.Nil(t, w.LockedAt, "minting wallet must be released on confirmation")
}
