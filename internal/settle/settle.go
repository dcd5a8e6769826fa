// Package settle implements the transaction build/sign/submit pipelines.
// Every pipeline follows the same shape: single-flight guard, lock-and-query
// the eligible working set, then per request build a draft, evaluate its
// execution budget, rebuild, sign with the custodial wallet and submit.
// Transient provider failures are retried with backoff inside each step;
// business-invalid conditions are never retried and park the request for
// manual action with its wallet released.
package settle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/datum"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/retry"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/syncutil"
	"github.com/meridian-labs/escrowd/internal/traces"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

var errNoContractUTxO = errors.New("settle: no contract utxo for identifier")

// Service runs the settlement pipelines over every payment source.
type Service struct {
	provider  chain.Provider
	sources   source.Store
	payments  escrow.PaymentStore
	purchases escrow.PurchaseStore
	txs       escrow.TransactionStore
	registry  registry.Store
	wallets   wallet.Store
	encrypter *wallet.Encrypter

	single *syncutil.SingleFlight
	policy retry.Policy
	now    func() time.Time
}

// Config collects the service's collaborators.
type Config struct {
	Provider     chain.Provider
	Sources      source.Store
	Payments     escrow.PaymentStore
	Purchases    escrow.PurchaseStore
	Transactions escrow.TransactionStore
	Registry     registry.Store
	Wallets      wallet.Store
	Encrypter    *wallet.Encrypter
}

// New creates a settlement service.
func New(cfg Config) *Service {
	return &Service{
		provider:  cfg.Provider,
		sources:   cfg.Sources,
		payments:  cfg.Payments,
		purchases: cfg.Purchases,
		txs:       cfg.Transactions,
		registry:  cfg.Registry,
		wallets:   cfg.Wallets,
		encrypter: cfg.Encrypter,
		single:    syncutil.NewSingleFlight(),
		policy:    retry.SettlementPolicy,
		now:       time.Now,
	}
}

// forEachSource runs fn once per payment source under a per-source,
// per-pipeline single-flight guard. A concurrent trigger of the same
// pipeline waits for the running one instead of doubling work.
func (s *Service) forEachSource(ctx context.Context, pipeline string, fn func(context.Context, *source.PaymentSource) error) error {
	ctx = logging.WithJob(ctx, pipeline)
	sources, err := s.sources.List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, src := range sources {
		err := s.single.Run(ctx, pipeline+"/"+src.ID, func(ctx context.Context) error {
			started := s.now()
			err := fn(ctx, src)
			metrics.ObservePipeline(pipeline, started, err)
			return err
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// signerFor decrypts the wallet's mnemonic and derives its signing key.
// A wallet without a secret is a programmer error, not a business state.
func (s *Service) signerFor(w *wallet.HotWallet) (*wallet.Signer, error) {
	if w.EncryptedMnemonic == "" {
		return nil, wallet.ErrNoSecret
	}
	mnemonic, err := s.encrypter.Decrypt(w.EncryptedMnemonic)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet %s: %w", w.ID, err)
	}
	return wallet.DeriveSigner(mnemonic)
}

// spendableInputs fetches the wallet's unspent outputs, retrying transient
// provider failures. An empty wallet is terminal.
func (s *Service) spendableInputs(ctx context.Context, w *wallet.HotWallet) ([]chain.UTxO, error) {
	var utxos []chain.UTxO
	err := s.policy.Do(ctx, func() error {
		var err error
		utxos, err = s.provider.AddressUTxOs(ctx, w.Address)
		return classifyProviderErr(err)
	})
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return nil, wallet.ErrEmptyWallet
	}
	return utxos, nil
}

// buildSignSubmit runs the draft build, evaluation, budgeted rebuild, sign
// and submit sequence. Each network step retries transient failures.
func (s *Service) buildSignSubmit(ctx context.Context, signer *wallet.Signer, req chain.BuildRequest) (string, error) {
	req.Budget = nil
	var draft *chain.UnsignedTx
	err := s.policy.Do(ctx, func() error {
		var err error
		draft, err = s.provider.BuildTx(ctx, req)
		return classifyProviderErr(err)
	})
	if err != nil {
		return "", fmt.Errorf("build draft: %w", err)
	}

	var budget chain.ExUnits
	err = s.policy.Do(ctx, func() error {
		var err error
		budget, err = s.provider.EvaluateTx(ctx, draft.BodyHex)
		return classifyProviderErr(err)
	})
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}

	req.Budget = &budget
	var final *chain.UnsignedTx
	err = s.policy.Do(ctx, func() error {
		var err error
		final, err = s.provider.BuildTx(ctx, req)
		return classifyProviderErr(err)
	})
	if err != nil {
		return "", fmt.Errorf("build final: %w", err)
	}

	witness, err := signer.SignTx(final.BodyHex)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	var hash string
	err = s.policy.Do(ctx, func() error {
		var err error
		hash, err = s.provider.SubmitTx(ctx, chain.SignedTx{
			BodyHex:   final.BodyHex,
			Witnesses: []chain.VKeyWitness{witness},
		})
		return classifyProviderErr(err)
	})
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	return hash, nil
}

// findContractUTxO locates the escrow instance's current unspent output at
// the contract address by matching the inline datum's nonces.
func (s *Service) findContractUTxO(ctx context.Context, src *source.PaymentSource, identifier string) (chain.UTxO, datum.Datum, error) {
	id, err := datum.DecodeIdentifier(identifier)
	if err != nil {
		return chain.UTxO{}, datum.Datum{}, err
	}
	var utxos []chain.UTxO
	err = s.policy.Do(ctx, func() error {
		var err error
		utxos, err = s.provider.AddressUTxOs(ctx, src.ContractAddress)
		return classifyProviderErr(err)
	})
	if err != nil {
		return chain.UTxO{}, datum.Datum{}, err
	}
	for _, u := range utxos {
		if u.InlineDatum == nil {
			continue
		}
		d, err := datum.Decode(*u.InlineDatum)
		if err != nil {
			continue
		}
		if noncesMatch(id, d) {
			return u, d, nil
		}
	}
	return chain.UTxO{}, datum.Datum{}, errNoContractUTxO
}

// noncesMatch compares a decoded identifier against a datum. The datum's
// seller nonce may carry the embedded agent identifier suffix.
func noncesMatch(id datum.Identifier, d datum.Datum) bool {
	seller := d.SellerNonce
	if len(seller) > len(id.SellerNonce) {
		seller = seller[:len(id.SellerNonce)]
	}
	return seller == id.SellerNonce && d.BuyerNonce == id.BuyerNonce
}

// sellerSegment reassembles the full on-datum seller nonce segment.
func sellerSegment(id datum.Identifier) string {
	if id.AgentPolicyID == "" {
		return id.SellerNonce
	}
	return id.SellerNonce + id.AgentPolicyID + id.AgentAssetName
}

func classifyProviderErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *chain.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return retry.Permanent(err)
	}
	return err
}

// errorKindFor maps a pipeline failure to the request's error taxonomy.
func errorKindFor(err error) escrow.ErrorKind {
	switch {
	case errors.Is(err, wallet.ErrEmptyWallet):
		return escrow.ErrorEmptyWallet
	case errors.Is(err, errNoContractUTxO):
		return escrow.ErrorUtxoNotFound
	case errors.Is(err, errInsufficientFunds):
		return escrow.ErrorInsufficientFunds
	case errors.Is(err, datum.ErrMalformedIdentifier):
		return escrow.ErrorMalformedIdentifier
	case errors.Is(err, datum.ErrInvalidDatumField):
		return escrow.ErrorInvalidDatumField
	default:
		var apiErr *chain.APIError
		if errors.As(err, &apiErr) {
			return escrow.ErrorSubmissionFailed
		}
		return escrow.ErrorUnknown
	}
}

// failPayment parks a payment for manual action and releases its wallet so
// other requests can proceed.
func (s *Service) failPayment(ctx context.Context, r *escrow.PaymentRequest, err error) error {
	kind := errorKindFor(err)
	r.NextAction = escrow.NextAction[escrow.PaymentAction]{
		Action:    escrow.PaymentWaitingForManualAction,
		ErrorKind: kind,
		Note:      err.Error(),
	}
	metrics.ManualActionsTotal.WithLabelValues(string(kind)).Inc()
	logging.L(ctx).Error("payment pipeline failed terminally",
		"request_id", r.ID, "error_kind", string(kind), "error", err)
	if updateErr := s.payments.UpdatePayment(ctx, r); updateErr != nil {
		return updateErr
	}
	return s.wallets.Unlock(ctx, r.SellerWalletID)
}

// failPurchase is the buyer-side counterpart of failPayment.
func (s *Service) failPurchase(ctx context.Context, r *escrow.PurchaseRequest, err error) error {
	if parkErr := s.parkPurchase(ctx, r, err); parkErr != nil {
		return parkErr
	}
	return s.wallets.Unlock(ctx, r.BuyerWalletID)
}

// parkPurchase records the terminal failure without releasing the wallet.
// Batch pipelines use it directly when siblings still hold the wallet.
func (s *Service) parkPurchase(ctx context.Context, r *escrow.PurchaseRequest, err error) error {
	kind := errorKindFor(err)
	r.NextAction = escrow.NextAction[escrow.PurchaseAction]{
		Action:    escrow.PurchaseWaitingForManualAction,
		ErrorKind: kind,
		Note:      err.Error(),
	}
	metrics.ManualActionsTotal.WithLabelValues(string(kind)).Inc()
	logging.L(ctx).Error("purchase pipeline failed terminally",
		"request_id", r.ID, "error_kind", string(kind), "error", err)
	return s.purchases.UpdatePurchase(ctx, r)
}

// recordSubmission fills in the pending transaction's hash and moves the
// request's action to its Initiated counterpart.
func (s *Service) recordSubmission(ctx context.Context, txID, hash, pipeline string) error {
	metrics.TransactionsSubmittedTotal.WithLabelValues(pipeline).Inc()
	return s.txs.SetTransactionHash(ctx, txID, hash, s.now())
}

func chainAmounts(amounts []escrow.Amount) []chain.Amount {
	out := make([]chain.Amount, 0, len(amounts))
	for _, a := range amounts {
		out = append(out, chain.Amount{Unit: a.Unit, Quantity: strconv.FormatInt(a.Quantity, 10)})
	}
	return out
}

// payoutAddress prefers the wallet's dedicated collection address.
func payoutAddress(w *wallet.HotWallet) string {
	if w.CollectionAddress != "" {
		return w.CollectionAddress
	}
	return w.Address
}

func startSpan(ctx context.Context, pipeline, sourceID string) (context.Context, func()) {
	ctx, span := traces.StartSpan(ctx, "settle."+pipeline,
		traces.Pipeline(pipeline), traces.SourceID(sourceID))
	return ctx, func() { span.End() }
}
