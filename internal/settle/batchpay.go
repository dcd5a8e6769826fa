package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/traces"
)

const (
	// maxBatchSize caps the contract outputs of one funds-locking
	// transaction so evaluation stays within protocol execution limits.
	maxBatchSize = 10

	// minUtxoFloor is the minimum lovelace an output must carry to be
	// accepted by the ledger.
	minUtxoFloor int64 = 1_952_430
)

var errInsufficientFunds = errors.New("settle: wallet cannot cover the locked amount")

// RunBatchPay locks funds for pending purchases, packing requests that share
// a purchasing wallet into one transaction.
func (s *Service) RunBatchPay(ctx context.Context) error {
	return s.forEachSource(ctx, "batch-pay", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "batch-pay", src.ID)
		defer end()
		requests, err := s.purchases.LockAndQueryBatchPay(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		byWallet := make(map[string][]*escrow.PurchaseRequest)
		var order []string
		for _, r := range requests {
			if _, seen := byWallet[r.BuyerWalletID]; !seen {
				order = append(order, r.BuyerWalletID)
			}
			byWallet[r.BuyerWalletID] = append(byWallet[r.BuyerWalletID], r)
		}
		for _, walletID := range order {
			s.batchPayWallet(ctx, src, walletID, byWallet[walletID])
		}
		return nil
	})
}

// batchPayWallet packs as many of the wallet's pending purchases as its
// funds allow into one locking transaction. Requests that do not fit this
// pass are returned to the queue; requests the wallet could never cover on
// its own are parked for manual action.
func (s *Service) batchPayWallet(ctx context.Context, src *source.PaymentSource, walletID string, requests []*escrow.PurchaseRequest) {
	ctx, span := traces.StartSpan(ctx, "settle.batchpay",
		traces.Pipeline("batch-pay"), traces.SourceID(src.ID), traces.WalletID(walletID))
	defer span.End()

	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		s.failBatch(ctx, requests, err)
		return
	}
	signer, err := s.signerFor(w)
	if err != nil {
		s.failBatch(ctx, requests, err)
		return
	}
	inputs, err := s.spendableInputs(ctx, w)
	if err != nil {
		s.failBatch(ctx, requests, err)
		return
	}
	capacity := spendableLovelace(inputs)

	batch, deferred := packBatch(requests, capacity)
	for _, r := range requests {
		if containsRequest(batch, r) || containsRequest(deferred, r) {
			continue
		}
		// Could not fit even into an empty wallet of this balance.
		err := fmt.Errorf("%w: need %d lovelace, wallet %s holds %d",
			errInsufficientFunds, effectiveLovelace(r.Amounts), walletID, capacity)
		if parkErr := s.parkPurchase(ctx, r, err); parkErr != nil {
			logging.L(ctx).Error("parking purchase failed", "request_id", r.ID, "error", parkErr)
		}
	}
	if len(batch) == 0 {
		s.releaseBatch(ctx, walletID, deferred)
		return
	}

	outputs := make([]chain.BuildOut, 0, len(batch))
	packed := batch[:0]
	for _, r := range batch {
		out, err := lockOutput(src, r)
		if err != nil {
			if parkErr := s.parkPurchase(ctx, r, err); parkErr != nil {
				logging.L(ctx).Error("parking purchase failed", "request_id", r.ID, "error", parkErr)
			}
			continue
		}
		outputs = append(outputs, out)
		packed = append(packed, r)
	}
	if len(packed) == 0 {
		s.releaseBatch(ctx, walletID, deferred)
		return
	}

	now := s.now()
	req := chain.BuildRequest{
		ChangeAddress:   w.Address,
		Inputs:          inputs,
		ContractAddress: src.ContractAddress,
		ContractOutputs: outputs,
	}
	clock := chain.NewSlotClock(src.Network)
	req.ValidFromSlot, req.ValidToSlot = clock.ValidityWindow(now)

	hash, err := s.buildSignSubmit(ctx, signer, req)
	if err != nil {
		s.failBatch(ctx, packed, err)
		return
	}
	metrics.TransactionsSubmittedTotal.WithLabelValues("batch-pay").Inc()
	logging.L(ctx).Info("submitted funds-locking transaction",
		"wallet_id", walletID, "tx_hash", hash, "locked", len(packed), "deferred", len(deferred))

	for _, r := range packed {
		r.NextAction = escrow.NextAction[escrow.PurchaseAction]{Action: escrow.PurchaseFundsLockingInitiated}
		if err := s.purchases.UpdatePurchase(ctx, r); err != nil {
			logging.L(ctx).Error("recording lock submission failed", "request_id", r.ID, "error", err)
			continue
		}
		if r.CurrentTransaction == nil {
			logging.L(ctx).Error("purchase has no pending transaction", "request_id", r.ID)
			continue
		}
		if err := s.txs.SetTransactionHash(ctx, r.CurrentTransaction.ID, hash, now); err != nil {
			logging.L(ctx).Error("recording lock submission failed", "request_id", r.ID, "error", err)
		}
	}
	s.requeue(ctx, deferred)
}

// packBatch fills the wallet's capacity in queue order. The second return
// holds requests squeezed out only by the batch limit or by earlier
// requests, not by the wallet's total balance.
func packBatch(requests []*escrow.PurchaseRequest, capacity int64) (batch, deferred []*escrow.PurchaseRequest) {
	remaining := capacity
	for _, r := range requests {
		need := effectiveLovelace(r.Amounts)
		if need > capacity {
			continue
		}
		if len(batch) == maxBatchSize || need > remaining {
			deferred = append(deferred, r)
			continue
		}
		batch = append(batch, r)
		remaining -= need
	}
	return batch, deferred
}

// effectiveLovelace is the lovelace an escrow output consumes from the
// wallet. Outputs carrying native assets need the minimum floor on top;
// pure lovelace outputs are padded up to the floor.
func effectiveLovelace(amounts []escrow.Amount) int64 {
	lovelace := escrow.LovelaceAmount(amounts)
	if hasNativeAssets(amounts) {
		return lovelace + minUtxoFloor
	}
	if lovelace < minUtxoFloor {
		return minUtxoFloor
	}
	return lovelace
}

func hasNativeAssets(amounts []escrow.Amount) bool {
	for _, a := range amounts {
		if a.Unit != "lovelace" {
			return true
		}
	}
	return false
}

// lockOutput builds the contract output locking one purchase's funds.
func lockOutput(src *source.PaymentSource, r *escrow.PurchaseRequest) (chain.BuildOut, error) {
	id, err := datum.DecodeIdentifier(r.Identifier)
	if err != nil {
		return chain.BuildOut{}, err
	}
	d := datum.Datum{
		BuyerAddress:              r.BuyerAddress,
		SellerAddress:             r.SellerAddress,
		ReferenceKey:              id.ReferenceKey,
		ReferenceSignature:        id.ReferenceSignature,
		SellerNonce:               sellerSegment(id),
		BuyerNonce:                id.BuyerNonce,
		InputHash:                 r.InputHash,
		PayByTime:                 r.PayByTime.UnixMilli(),
		SubmitResultTime:          r.SubmitResultTime.UnixMilli(),
		UnlockTime:                r.UnlockTime.UnixMilli(),
		ExternalDisputeUnlockTime: r.ExternalDisputeUnlockTime.UnixMilli(),
		State:                     datum.StateFundsLocked,
	}
	data, err := datum.Encode(d)
	if err != nil {
		return chain.BuildOut{}, err
	}
	return chain.BuildOut{
		Address: src.ContractAddress,
		Amounts: lockAmounts(r.Amounts),
		Datum:   &data,
	}, nil
}

// lockAmounts pads the output's lovelace up to what the output actually
// consumes, so the ledger minimum is always satisfied.
func lockAmounts(amounts []escrow.Amount) []chain.Amount {
	lovelace := effectiveLovelace(amounts)
	out := make([]escrow.Amount, 0, len(amounts)+1)
	seenLovelace := false
	for _, a := range amounts {
		if a.Unit == "lovelace" {
			a.Quantity = lovelace
			seenLovelace = true
		}
		out = append(out, a)
	}
	if !seenLovelace {
		out = append([]escrow.Amount{{Unit: "lovelace", Quantity: lovelace}}, out...)
	}
	return chainAmounts(out)
}

func spendableLovelace(utxos []chain.UTxO) int64 {
	var total int64
	for _, u := range utxos {
		for _, a := range u.Amounts {
			if a.Unit == "lovelace" {
				total += a.Int64()
			}
		}
	}
	return total
}

func containsRequest(list []*escrow.PurchaseRequest, r *escrow.PurchaseRequest) bool {
	for _, candidate := range list {
		if candidate == r {
			return true
		}
	}
	return false
}

// failBatch parks every request and releases the shared wallet once.
func (s *Service) failBatch(ctx context.Context, requests []*escrow.PurchaseRequest, err error) {
	var walletID string
	for _, r := range requests {
		walletID = r.BuyerWalletID
		if parkErr := s.parkPurchase(ctx, r, err); parkErr != nil {
			logging.L(ctx).Error("parking purchase failed", "request_id", r.ID, "error", parkErr)
		}
	}
	if walletID != "" {
		if unlockErr := s.wallets.Unlock(ctx, walletID); unlockErr != nil {
			logging.L(ctx).Error("releasing wallet failed", "wallet_id", walletID, "error", unlockErr)
		}
	}
}

// requeue returns deferred requests to the funds-locking queue so the next
// pass picks them up once the wallet is free again.
func (s *Service) requeue(ctx context.Context, deferred []*escrow.PurchaseRequest) {
	for _, r := range deferred {
		r.NextAction = escrow.NextAction[escrow.PurchaseAction]{Action: escrow.PurchaseFundsLockingRequested}
		if err := s.purchases.UpdatePurchase(ctx, r); err != nil {
			logging.L(ctx).Error("requeueing purchase failed", "request_id", r.ID, "error", err)
		}
	}
}

// releaseBatch unlocks the wallet when nothing was submitted for it.
func (s *Service) releaseBatch(ctx context.Context, walletID string, deferred []*escrow.PurchaseRequest) {
	s.requeue(ctx, deferred)
	if err := s.wallets.Unlock(ctx, walletID); err != nil {
		logging.L(ctx).Error("releasing wallet failed", "wallet_id", walletID, "error", err)
	}
}
