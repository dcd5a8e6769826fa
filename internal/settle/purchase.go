package settle

import (
	"context"
	"fmt"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/traces"
)

// RunRequestRefund opens a refund request for every purchase asking for one.
func (s *Service) RunRequestRefund(ctx context.Context) error {
	return s.forEachSource(ctx, "request-refund", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "request-refund", src.ID)
		defer end()
		requests, err := s.purchases.LockAndQueryRequestRefund(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settlePurchase(ctx, src, r, "request-refund", escrow.PurchaseRequestRefundInitiated)
		}
		return nil
	})
}

// RunCancelRefund withdraws an open refund request, returning the escrow to
// its funded state.
func (s *Service) RunCancelRefund(ctx context.Context) error {
	return s.forEachSource(ctx, "cancel-refund", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "cancel-refund", src.ID)
		defer end()
		requests, err := s.purchases.LockAndQueryCancelRefund(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settlePurchase(ctx, src, r, "cancel-refund", escrow.PurchaseCancelRefundInitiated)
		}
		return nil
	})
}

// RunCollectRefund pays a matured refund back to the buyer. The redeemer is
// chosen from the observed on-chain state: an uncontested refund request is
// withdrawn normally, a dispute only after the external dispute unlock.
func (s *Service) RunCollectRefund(ctx context.Context) error {
	return s.forEachSource(ctx, "collect-refund", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "collect-refund", src.ID)
		defer end()
		requests, err := s.purchases.LockAndQueryCollectRefund(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settlePurchase(ctx, src, r, "collect-refund", escrow.PurchaseCollectRefundInitiated)
		}
		return nil
	})
}

func (s *Service) settlePurchase(ctx context.Context, src *source.PaymentSource, r *escrow.PurchaseRequest, pipeline string, initiated escrow.PurchaseAction) {
	ctx, span := traces.StartSpan(ctx, "settle.purchase",
		traces.Pipeline(pipeline), traces.Identifier(r.Identifier), traces.WalletID(r.BuyerWalletID))
	defer span.End()

	if err := s.trySettlePurchase(ctx, src, r, pipeline, initiated); err != nil {
		if failErr := s.failPurchase(ctx, r, err); failErr != nil {
			logging.L(ctx).Error("parking purchase failed", "request_id", r.ID, "error", failErr)
		}
	}
}

func (s *Service) trySettlePurchase(ctx context.Context, src *source.PaymentSource, r *escrow.PurchaseRequest, pipeline string, initiated escrow.PurchaseAction) error {
	w, err := s.wallets.Get(ctx, r.BuyerWalletID)
	if err != nil {
		return err
	}
	signer, err := s.signerFor(w)
	if err != nil {
		return err
	}
	inputs, err := s.spendableInputs(ctx, w)
	if err != nil {
		return err
	}
	utxo, d, err := s.findContractUTxO(ctx, src, r.Identifier)
	if err != nil {
		return err
	}
	if !r.MatchesTransaction(utxo.TxHash) {
		return fmt.Errorf("%w: current output %s is not in the request's lineage", errNoContractUTxO, utxo.TxHash)
	}

	now := s.now()
	req := chain.BuildRequest{
		ChangeAddress:   w.Address,
		Inputs:          inputs,
		ContractAddress: src.ContractAddress,
		ContractInput:   &utxo,
		FeePermille:     src.FeePermille,
	}
	clock := chain.NewSlotClock(src.Network)
	req.ValidFromSlot, req.ValidToSlot = clock.ValidityWindow(now)

	switch initiated {
	case escrow.PurchaseRequestRefundInitiated:
		next := continuingDatum(d, datum.StateRefundRequested, now, src.CooldownDuration, sideBuyer)
		data, err := datum.Encode(next)
		if err != nil {
			return err
		}
		req.Redeemer = redeemerData(datum.RedeemRequestRefund)
		req.ContractOutputs = []chain.BuildOut{{
			Address: src.ContractAddress,
			Amounts: utxo.Amounts,
			Datum:   &data,
		}}
	case escrow.PurchaseCancelRefundInitiated:
		next := continuingDatum(d, datum.StateFundsLocked, now, src.CooldownDuration, sideBuyer)
		data, err := datum.Encode(next)
		if err != nil {
			return err
		}
		req.Redeemer = redeemerData(datum.RedeemCancelRefundRequest)
		req.ContractOutputs = []chain.BuildOut{{
			Address: src.ContractAddress,
			Amounts: utxo.Amounts,
			Datum:   &data,
		}}
	case escrow.PurchaseCollectRefundInitiated:
		redeemer := datum.RedeemWithdrawRefund
		if d.State == datum.StateDisputed {
			redeemer = datum.RedeemWithdrawDisputed
		}
		req.Redeemer = redeemerData(redeemer)
		req.Payouts = []chain.BuildOut{{
			Address: payoutAddress(w),
			Amounts: utxo.Amounts,
		}}
	default:
		return fmt.Errorf("settle: no purchase pipeline for action %s", initiated)
	}

	hash, err := s.buildSignSubmit(ctx, signer, req)
	if err != nil {
		return err
	}

	r.NextAction = escrow.NextAction[escrow.PurchaseAction]{Action: initiated}
	r.BuyerCooldownUntil = now.Add(src.CooldownDuration)
	if err := s.purchases.UpdatePurchase(ctx, r); err != nil {
		return err
	}
	logging.L(ctx).Info("submitted settlement transaction",
		"pipeline", pipeline, "request_id", r.ID, "tx_hash", hash)
	if r.CurrentTransaction == nil {
		return fmt.Errorf("settle: request %s has no pending transaction", r.ID)
	}
	return s.recordSubmission(ctx, r.CurrentTransaction.ID, hash, pipeline)
}
