package scanner

import (
	"context"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/source"
)

// redeemerStates maps each contract action to the on-chain state it leaves
// behind. The withdraw variants consume the escrow UTxO entirely and are
// terminal; the rest produce a continuing output in the new state.
var redeemerStates = map[datum.Redeemer]escrow.OnChainState{
	datum.RedeemWithdraw:            escrow.StateWithdrawn,
	datum.RedeemRequestRefund:       escrow.StateRefundRequested,
	datum.RedeemCancelRefundRequest: escrow.StateFundsLocked,
	datum.RedeemWithdrawRefund:      escrow.StateRefundWithdrawn,
	datum.RedeemWithdrawDisputed:    escrow.StateDisputedWithdrawn,
	datum.RedeemSubmitResult:        escrow.StateResultSubmitted,
	datum.RedeemAllowRefund:         escrow.StateRefundRequested,
}

// processRedeem handles a transaction spending the escrow UTxO: exactly one
// redeemer and exactly one contract-address input. The spent input's datum
// identifies the escrow instance; the redeemer tag gives the new state. The
// state machine is applied to both the seller-side and the buyer-side
// record sharing that identifier.
func (s *Scanner) processRedeem(ctx context.Context, src *source.PaymentSource, hash string, input chain.UTxO, outputs []chain.UTxO, witness chain.RedeemerWitness) error {
	redeemer, err := datum.DecodeRedeemer(witness.Data)
	if err != nil {
		logging.L(ctx).Warn("undecodable redeemer, ignoring transaction",
			"tx_hash", hash, "error", err)
		return nil
	}
	if input.InlineDatum == nil {
		logging.L(ctx).Warn("contract input without inline datum, ignoring transaction",
			"tx_hash", hash)
		return nil
	}
	spent, err := datum.Decode(*input.InlineDatum)
	if err != nil {
		logging.L(ctx).Warn("undecodable datum on spent contract input",
			"tx_hash", hash, "error", err)
		return nil
	}

	newState := redeemerStates[redeemer]

	// Non-terminal actions leave a continuing output whose datum carries
	// the authoritative new state and, for SubmitResult, the result hash.
	resultHash := spent.ResultHash
	for _, out := range outputs {
		if out.InlineDatum == nil {
			continue
		}
		next, err := datum.Decode(*out.InlineDatum)
		if err != nil || !noncesMatchDatums(spent, next) {
			continue
		}
		newState = escrow.OnChainState(next.State.String())
		resultHash = next.ResultHash
		break
	}

	openPayments, err := s.payments.ListOpenPayments(ctx, src.ID)
	if err != nil {
		return err
	}
	openPurchases, err := s.purchases.ListOpenPurchases(ctx, src.ID)
	if err != nil {
		return err
	}

	if pay := matchPayment(openPayments, spent); pay != nil {
		if err := s.applyRedeemToPayment(ctx, pay, input.TxHash, hash, redeemer, newState, resultHash); err != nil {
			return err
		}
	}
	if pur := matchPurchase(openPurchases, spent); pur != nil {
		if err := s.applyRedeemToPurchase(ctx, pur, input.TxHash, hash, redeemer, newState, resultHash); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) applyRedeemToPayment(ctx context.Context, r *escrow.PaymentRequest, spentHash, hash string, redeemer datum.Redeemer, newState escrow.OnChainState, resultHash string) error {
	// The spent UTxO must descend from a transaction we track. A redeem of
	// an unrelated output means we are looking at a superseded or failed
	// submission's lineage and must not advance state from it.
	if !r.MatchesTransaction(spentHash) {
		logging.L(ctx).Warn("redeem spends untracked output, skipping payment update",
			"request_id", r.ID, "tx_hash", hash, "spent_hash", spentHash)
		return nil
	}

	r.OnChainState = &newState
	if resultHash != "" {
		r.ResultHash = resultHash
	}
	r.NextAction = escrow.NextPaymentAction(r.NextAction.Action, newState)
	r.LatestObservedTxHash = hash
	if err := s.payments.UpdatePayment(ctx, r); err != nil {
		return err
	}
	if r.CurrentTransaction != nil && r.CurrentTransaction.Hash == hash {
		if err := s.txs.ConfirmTransaction(ctx, r.CurrentTransaction.ID, s.now()); err != nil {
			return err
		}
		if err := s.wallets.Unlock(ctx, r.SellerWalletID); err != nil {
			return err
		}
	}
	logging.L(ctx).Info("applied redeem to payment",
		"request_id", r.ID, "redeemer", redeemer.String(),
		"new_state", string(newState), "tx_hash", hash)
	return nil
}

func (s *Scanner) applyRedeemToPurchase(ctx context.Context, r *escrow.PurchaseRequest, spentHash, hash string, redeemer datum.Redeemer, newState escrow.OnChainState, resultHash string) error {
	if !r.MatchesTransaction(spentHash) {
		logging.L(ctx).Warn("redeem spends untracked output, skipping purchase update",
			"request_id", r.ID, "tx_hash", hash, "spent_hash", spentHash)
		return nil
	}

	r.OnChainState = &newState
	if resultHash != "" {
		r.ResultHash = resultHash
	}
	r.NextAction = escrow.NextPurchaseAction(r.NextAction.Action, newState)
	r.LatestObservedTxHash = hash
	if err := s.purchases.UpdatePurchase(ctx, r); err != nil {
		return err
	}
	if r.CurrentTransaction != nil && r.CurrentTransaction.Hash == hash {
		if err := s.txs.ConfirmTransaction(ctx, r.CurrentTransaction.ID, s.now()); err != nil {
			return err
		}
		if err := s.wallets.Unlock(ctx, r.BuyerWalletID); err != nil {
			return err
		}
	}
	logging.L(ctx).Info("applied redeem to purchase",
		"request_id", r.ID, "redeemer", redeemer.String(),
		"new_state", string(newState), "tx_hash", hash)
	return nil
}

// noncesMatchDatums reports whether two datums describe the same escrow
// instance.
func noncesMatchDatums(a, b datum.Datum) bool {
	return a.SellerNonce == b.SellerNonce && a.BuyerNonce == b.BuyerNonce
}
