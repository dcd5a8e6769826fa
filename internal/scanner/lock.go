package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/source"
)

// processLock handles a funds-locking transaction: no redeemer, no contract
// inputs, one or more contract outputs carrying inline datums. Each datum is
// matched against the open requests and validated field by field. A single
// mismatch parks the request for manual action instead of accepting the
// transaction.
func (s *Scanner) processLock(ctx context.Context, src *source.PaymentSource, hash string, outputs []chain.UTxO) error {
	openPayments, err := s.payments.ListOpenPayments(ctx, src.ID)
	if err != nil {
		return err
	}
	openPurchases, err := s.purchases.ListOpenPurchases(ctx, src.ID)
	if err != nil {
		return err
	}

	for _, out := range outputs {
		if out.InlineDatum == nil {
			continue
		}
		if out.ReferenceScriptHash != "" {
			logging.L(ctx).Warn("ignoring contract output carrying a reference script",
				"tx_hash", hash, "output_index", out.OutputIndex)
			continue
		}
		d, err := datum.Decode(*out.InlineDatum)
		if err != nil {
			logging.L(ctx).Warn("undecodable inline datum on contract output",
				"tx_hash", hash, "output_index", out.OutputIndex, "error", err)
			continue
		}
		if d.State != datum.StateFundsLocked {
			logging.L(ctx).Warn("lock transaction output not in funds-locked state",
				"tx_hash", hash, "state", d.State.String())
			continue
		}

		if pur := matchPurchase(openPurchases, d); pur != nil {
			if err := s.applyLockToPurchase(ctx, pur, d, out, hash); err != nil {
				return err
			}
		}
		if pay := matchPayment(openPayments, d); pay != nil {
			if err := s.applyLockToPayment(ctx, pay, d, out, hash); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) applyLockToPurchase(ctx context.Context, r *escrow.PurchaseRequest, d datum.Datum, out chain.UTxO, hash string) error {
	mismatches := validateLock(d, out, lockExpectation{
		buyerVKeyHash:             r.BuyerVKeyHash,
		sellerVKeyHash:            r.SellerVKeyHash,
		payByTime:                 r.PayByTime,
		submitResultTime:          r.SubmitResultTime,
		unlockTime:                r.UnlockTime,
		externalDisputeUnlockTime: r.ExternalDisputeUnlockTime,
		amounts:                   r.Amounts,
	})
	if len(mismatches) > 0 {
		r.NextAction = escrow.NextAction[escrow.PurchaseAction]{
			Action:    escrow.PurchaseWaitingForManualAction,
			ErrorKind: escrow.ErrorSpoofedTransaction,
			Note:      "lock transaction " + hash + " failed validation: " + strings.Join(mismatches, "; "),
		}
		metrics.ManualActionsTotal.WithLabelValues(string(escrow.ErrorSpoofedTransaction)).Inc()
		logging.L(ctx).Warn("spoofed lock transaction on purchase",
			"request_id", r.ID, "tx_hash", hash, "mismatches", strings.Join(mismatches, "; "))
		return s.purchases.UpdatePurchase(ctx, r)
	}

	st := escrow.StateFundsLocked
	r.OnChainState = &st
	r.NextAction = escrow.NextPurchaseAction(r.NextAction.Action, st)
	r.LatestObservedTxHash = hash
	if err := s.purchases.UpdatePurchase(ctx, r); err != nil {
		return err
	}
	// Our own batch payment confirming: release the wallet.
	if r.CurrentTransaction != nil && r.CurrentTransaction.Hash == hash {
		if err := s.txs.ConfirmTransaction(ctx, r.CurrentTransaction.ID, s.now()); err != nil {
			return err
		}
		if err := s.wallets.Unlock(ctx, r.BuyerWalletID); err != nil {
			return err
		}
	}
	logging.L(ctx).Info("funds locked for purchase",
		"request_id", r.ID, "tx_hash", hash)
	return nil
}

func (s *Scanner) applyLockToPayment(ctx context.Context, r *escrow.PaymentRequest, d datum.Datum, out chain.UTxO, hash string) error {
	mismatches := validateLock(d, out, lockExpectation{
		buyerVKeyHash:             r.BuyerVKeyHash,
		sellerVKeyHash:            r.SellerVKeyHash,
		payByTime:                 r.PayByTime,
		submitResultTime:          r.SubmitResultTime,
		unlockTime:                r.UnlockTime,
		externalDisputeUnlockTime: r.ExternalDisputeUnlockTime,
		amounts:                   r.Amounts,
	})
	if len(mismatches) > 0 {
		r.NextAction = escrow.NextAction[escrow.PaymentAction]{
			Action:    escrow.PaymentWaitingForManualAction,
			ErrorKind: escrow.ErrorSpoofedTransaction,
			Note:      "lock transaction " + hash + " failed validation: " + strings.Join(mismatches, "; "),
		}
		metrics.ManualActionsTotal.WithLabelValues(string(escrow.ErrorSpoofedTransaction)).Inc()
		logging.L(ctx).Warn("spoofed lock transaction on payment",
			"request_id", r.ID, "tx_hash", hash, "mismatches", strings.Join(mismatches, "; "))
		return s.payments.UpdatePayment(ctx, r)
	}

	st := escrow.StateFundsLocked
	r.OnChainState = &st
	r.NextAction = escrow.NextPaymentAction(r.NextAction.Action, st)
	r.LatestObservedTxHash = hash
	logging.L(ctx).Info("funds locked for payment",
		"request_id", r.ID, "tx_hash", hash)
	return s.payments.UpdatePayment(ctx, r)
}

// lockExpectation is what the persisted request says the datum must contain.
type lockExpectation struct {
	buyerVKeyHash             string
	sellerVKeyHash            string
	payByTime                 time.Time
	submitResultTime          time.Time
	unlockTime                time.Time
	externalDisputeUnlockTime time.Time
	amounts                   []escrow.Amount
}

// validateLock compares every security-relevant datum field against the
// request and returns a description of each mismatch. An empty result means
// the lock is genuine.
func validateLock(d datum.Datum, out chain.UTxO, want lockExpectation) []string {
	var mismatches []string

	if cred, err := datum.PaymentCredential(d.BuyerAddress); err != nil || cred != want.buyerVKeyHash {
		mismatches = append(mismatches, "buyer credential mismatch")
	}
	if cred, err := datum.PaymentCredential(d.SellerAddress); err != nil || cred != want.sellerVKeyHash {
		mismatches = append(mismatches, "seller credential mismatch")
	}
	if d.PayByTime != want.payByTime.UnixMilli() {
		mismatches = append(mismatches, fmt.Sprintf("pay-by time %d != %d", d.PayByTime, want.payByTime.UnixMilli()))
	}
	if d.SubmitResultTime != want.submitResultTime.UnixMilli() {
		mismatches = append(mismatches, fmt.Sprintf("submit-result time %d != %d", d.SubmitResultTime, want.submitResultTime.UnixMilli()))
	}
	if d.UnlockTime != want.unlockTime.UnixMilli() {
		mismatches = append(mismatches, fmt.Sprintf("unlock time %d != %d", d.UnlockTime, want.unlockTime.UnixMilli()))
	}
	if d.ExternalDisputeUnlockTime != want.externalDisputeUnlockTime.UnixMilli() {
		mismatches = append(mismatches, fmt.Sprintf("external dispute unlock time %d != %d",
			d.ExternalDisputeUnlockTime, want.externalDisputeUnlockTime.UnixMilli()))
	}
	// A fresh lock must start with zeroed cooldowns: non-zero values would
	// let a spoofer delay legitimate settlement.
	if d.SellerCooldownTime != 0 || d.BuyerCooldownTime != 0 {
		mismatches = append(mismatches, "cooldowns not zeroed")
	}
	if d.ResultHash != "" {
		mismatches = append(mismatches, "result hash set before any result was submitted")
	}

	for _, want := range want.amounts {
		if utxoQuantity(out, want.Unit) < want.Quantity {
			mismatches = append(mismatches, fmt.Sprintf("locked %s short of requested amount", want.Unit))
		}
	}
	return mismatches
}

func utxoQuantity(out chain.UTxO, unit string) int64 {
	var total int64
	for _, a := range out.Amounts {
		if a.Unit == unit {
			total += a.Int64()
		}
	}
	return total
}

// matchPurchase finds the open purchase whose identifier nonces match the
// datum, or nil.
func matchPurchase(open []*escrow.PurchaseRequest, d datum.Datum) *escrow.PurchaseRequest {
	for _, r := range open {
		id, err := datum.DecodeIdentifier(r.Identifier)
		if err != nil {
			continue
		}
		if noncesMatch(id, d) {
			return r
		}
	}
	return nil
}

// matchPayment is the seller-side counterpart of matchPurchase.
func matchPayment(open []*escrow.PaymentRequest, d datum.Datum) *escrow.PaymentRequest {
	for _, r := range open {
		id, err := datum.DecodeIdentifier(r.Identifier)
		if err != nil {
			continue
		}
		if noncesMatch(id, d) {
			return r
		}
	}
	return nil
}

// noncesMatch compares the datum's nonce fields against a decoded
// identifier. The datum may carry the full seller segment including the
// embedded agent identifier, so only the leading nonce portion is compared.
func noncesMatch(id datum.Identifier, d datum.Datum) bool {
	seller := d.SellerNonce
	if len(seller) > len(id.SellerNonce) {
		seller = seller[:len(id.SellerNonce)]
	}
	return seller == id.SellerNonce &&
		d.BuyerNonce == id.BuyerNonce &&
		d.ReferenceKey == id.ReferenceKey &&
		d.ReferenceSignature == id.ReferenceSignature
}
