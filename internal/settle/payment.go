package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/traces"
)

// RunSubmitResult submits the result hash for every payment whose result
// submission window is open.
func (s *Service) RunSubmitResult(ctx context.Context) error {
	return s.forEachSource(ctx, "submit-result", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "submit-result", src.ID)
		defer end()
		requests, err := s.payments.LockAndQuerySubmitResult(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settlePayment(ctx, src, r, "submit-result", escrow.PaymentSubmitResultInitiated)
		}
		return nil
	})
}

// RunCollect withdraws settled escrow funds to the seller. The redeemer is
// chosen from the observed on-chain state: a submitted result is withdrawn
// normally, a dispute is withdrawn only after the external dispute unlock.
func (s *Service) RunCollect(ctx context.Context) error {
	return s.forEachSource(ctx, "collect", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "collect", src.ID)
		defer end()
		requests, err := s.payments.LockAndQueryCollect(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settlePayment(ctx, src, r, "collect", escrow.PaymentWithdrawInitiated)
		}
		return nil
	})
}

// RunAuthorizeRefund releases a disputed escrow back to the buyer.
func (s *Service) RunAuthorizeRefund(ctx context.Context) error {
	return s.forEachSource(ctx, "authorize-refund", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "authorize-refund", src.ID)
		defer end()
		requests, err := s.payments.LockAndQueryAuthorizeRefund(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settlePayment(ctx, src, r, "authorize-refund", escrow.PaymentAuthorizeRefundInitiated)
		}
		return nil
	})
}

// settlePayment runs one seller-side settlement end to end. Failures park
// the request for manual action; the pipeline continues with its siblings.
func (s *Service) settlePayment(ctx context.Context, src *source.PaymentSource, r *escrow.PaymentRequest, pipeline string, initiated escrow.PaymentAction) {
	ctx, span := traces.StartSpan(ctx, "settle.payment",
		traces.Pipeline(pipeline), traces.Identifier(r.Identifier), traces.WalletID(r.SellerWalletID))
	defer span.End()

	if err := s.trySettlePayment(ctx, src, r, pipeline, initiated); err != nil {
		if failErr := s.failPayment(ctx, r, err); failErr != nil {
			logging.L(ctx).Error("parking payment failed", "request_id", r.ID, "error", failErr)
		}
	}
}

func (s *Service) trySettlePayment(ctx context.Context, src *source.PaymentSource, r *escrow.PaymentRequest, pipeline string, initiated escrow.PaymentAction) error {
	w, err := s.wallets.Get(ctx, r.SellerWalletID)
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
	case escrow.PaymentSubmitResultInitiated:
		next := continuingDatum(d, datum.StateResultSubmitted, now, src.CooldownDuration, sideSeller)
		next.ResultHash = r.ResultHash
		data, err := datum.Encode(next)
		if err != nil {
			return err
		}
		req.Redeemer = redeemerData(datum.RedeemSubmitResult)
		req.ContractOutputs = []chain.BuildOut{{
			Address: src.ContractAddress,
			Amounts: utxo.Amounts,
			Datum:   &data,
		}}
	case escrow.PaymentWithdrawInitiated:
		redeemer := datum.RedeemWithdraw
		if d.State == datum.StateDisputed {
			redeemer = datum.RedeemWithdrawDisputed
		}
		req.Redeemer = redeemerData(redeemer)
		req.Payouts = []chain.BuildOut{{
			Address: payoutAddress(w),
			Amounts: utxo.Amounts,
		}}
	case escrow.PaymentAuthorizeRefundInitiated:
		next := continuingDatum(d, datum.StateRefundRequested, now, src.CooldownDuration, sideSeller)
		data, err := datum.Encode(next)
		if err != nil {
			return err
		}
		req.Redeemer = redeemerData(datum.RedeemAllowRefund)
		req.ContractOutputs = []chain.BuildOut{{
			Address: src.ContractAddress,
			Amounts: utxo.Amounts,
			Datum:   &data,
		}}
	default:
		return fmt.Errorf("settle: no payment pipeline for action %s", initiated)
	}

	hash, err := s.buildSignSubmit(ctx, signer, req)
	if err != nil {
		return err
	}

	r.NextAction = escrow.NextAction[escrow.PaymentAction]{Action: initiated}
	r.SellerCooldownUntil = now.Add(src.CooldownDuration)
	if err := s.payments.UpdatePayment(ctx, r); err != nil {
		return err
	}
	logging.L(ctx).Info("submitted settlement transaction",
		"pipeline", pipeline, "request_id", r.ID, "tx_hash", hash)
	if r.CurrentTransaction == nil {
		return fmt.Errorf("settle: request %s has no pending transaction", r.ID)
	}
	return s.recordSubmission(ctx, r.CurrentTransaction.ID, hash, pipeline)
}

type actingSide int

const (
	sideSeller actingSide = iota
	sideBuyer
)

// continuingDatum derives the next inline datum from the spent one: same
// escrow identity and deadlines, new state, and the acting side's cooldown
// pushed past the source's cooldown window.
func continuingDatum(d datum.Datum, state datum.StateTag, now time.Time, cooldown time.Duration, side actingSide) datum.Datum {
	next := d
	next.State = state
	until := now.Add(cooldown).UnixMilli()
	if side == sideSeller {
		next.SellerCooldownTime = until
	} else {
		next.BuyerCooldownTime = until
	}
	return next
}

func redeemerData(r datum.Redeemer) *datum.Data {
	data := r.Encode()
	return &data
}
