// Package scanner reconciles the on-chain ledger with the request stores.
// One pass walks each payment source's contract address, classifies every
// new transaction as a lock or a redeem, validates it against the persisted
// requests, and advances the state machine on both sides of the escrow.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/escrow"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/retry"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/traces"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

const defaultPageSize = 100

// Scanner walks contract addresses and applies observed transactions to the
// request stores. It holds a sync lease per source while scanning so only
// one instance anywhere processes a source at a time.
type Scanner struct {
	provider  chain.Provider
	sources   source.Store
	payments  escrow.PaymentStore
	purchases escrow.PurchaseStore
	txs       escrow.TransactionStore
	registry  registry.Store
	wallets   wallet.Store

	leaseTimeout time.Duration
	pageSize     int
	now          func() time.Time
}

// Config collects the scanner's collaborators.
type Config struct {
	Provider     chain.Provider
	Sources      source.Store
	Payments     escrow.PaymentStore
	Purchases    escrow.PurchaseStore
	Transactions escrow.TransactionStore
	Registry     registry.Store
	Wallets      wallet.Store
	LeaseTimeout time.Duration
}

// New creates a scanner.
func New(cfg Config) *Scanner {
	s := &Scanner{
		provider:     cfg.Provider,
		sources:      cfg.Sources,
		payments:     cfg.Payments,
		purchases:    cfg.Purchases,
		txs:          cfg.Transactions,
		registry:     cfg.Registry,
		wallets:      cfg.Wallets,
		leaseTimeout: cfg.LeaseTimeout,
		pageSize:     defaultPageSize,
		now:          time.Now,
	}
	if s.leaseTimeout <= 0 {
		s.leaseTimeout = 15 * time.Minute
	}
	return s
}

// Run executes one scanner pass over every source whose sync lease could be
// acquired. A failing source aborts its own pass only; the cursor is
// advanced per transaction, so nothing is lost or reprocessed.
func (s *Scanner) Run(ctx context.Context) error {
	ctx = logging.WithJob(ctx, "scanner")
	now := s.now()

	claimed, err := s.sources.AcquireSyncLease(ctx, now, now.Add(-s.leaseTimeout))
	if err != nil {
		return fmt.Errorf("acquire sync lease: %w", err)
	}
	var firstErr error
	for _, src := range claimed {
		if err := s.scanSource(ctx, src); err != nil {
			logging.L(ctx).Error("scan pass failed",
				"source_id", src.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		s.releaseLease(ctx, src.ID)
	}
	return firstErr
}

// releaseLease retries the release: a lease that stays held blocks the
// source until the stale sweep reclaims it.
func (s *Scanner) releaseLease(ctx context.Context, sourceID string) {
	err := retry.Do(ctx, 5, 200*time.Millisecond, func() error {
		return s.sources.ReleaseSyncLease(ctx, sourceID)
	})
	if err != nil {
		logging.L(ctx).Error("failed to release sync lease, stale sweep will recover it",
			"source_id", sourceID, "error", err)
	}
}

func (s *Scanner) scanSource(ctx context.Context, src *source.PaymentSource) error {
	ctx, span := traces.StartSpan(ctx, "scanner.scanSource", traces.SourceID(src.ID))
	defer span.End()
	started := s.now()
	defer func() { metrics.ScannerPassDuration.Observe(time.Since(started).Seconds()) }()

	if err := s.reconcileRegistry(ctx, src); err != nil {
		return fmt.Errorf("reconcile registry: %w", err)
	}

	hashes, err := s.collectNewTransactions(ctx, src)
	if err != nil {
		return fmt.Errorf("collect transactions: %w", err)
	}
	if len(hashes) == 0 {
		return nil
	}
	logging.L(ctx).Info("processing contract transactions",
		"source_id", src.ID, "count", len(hashes))

	for _, hash := range hashes {
		if err := s.processTransaction(ctx, src, hash); err != nil {
			return fmt.Errorf("process %s: %w", hash, err)
		}
		if err := s.sources.SetLastIdentifierChecked(ctx, src.ID, hash); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

// collectNewTransactions pages backward (newest first) through the contract
// address until the previous cursor or the end of history, then reverses to
// oldest-first processing order.
func (s *Scanner) collectNewTransactions(ctx context.Context, src *source.PaymentSource) ([]string, error) {
	var newest []string
	for page := 1; ; page++ {
		var txs []chain.AddressTx
		err := retry.DefaultPolicy.Do(ctx, func() error {
			var err error
			txs, err = s.provider.AddressTransactions(ctx, src.ContractAddress, page, s.pageSize)
			return classifyProviderErr(err)
		})
		if err != nil {
			return nil, err
		}
		if len(txs) == 0 {
			break
		}
		reachedCursor := false
		for _, tx := range txs {
			if src.LastIdentifierChecked != "" && tx.TxHash == src.LastIdentifierChecked {
				reachedCursor = true
				break
			}
			newest = append(newest, tx.TxHash)
		}
		if reachedCursor || len(txs) < s.pageSize {
			break
		}
	}
	// Reverse: apply state changes in ledger order.
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}

func (s *Scanner) processTransaction(ctx context.Context, src *source.PaymentSource, hash string) error {
	ctx, span := traces.StartSpan(ctx, "scanner.processTransaction", traces.TxHash(hash))
	defer span.End()

	var utxos *chain.TxUTxOs
	err := retry.DefaultPolicy.Do(ctx, func() error {
		var err error
		utxos, err = s.provider.TransactionUTxOs(ctx, hash)
		return classifyProviderErr(err)
	})
	if err != nil {
		return err
	}
	var redeemers []chain.RedeemerWitness
	err = retry.DefaultPolicy.Do(ctx, func() error {
		var err error
		redeemers, err = s.provider.TransactionRedeemers(ctx, hash)
		return classifyProviderErr(err)
	})
	if err != nil {
		return err
	}

	var contractInputs, contractOutputs []chain.UTxO
	for _, in := range utxos.Inputs {
		if in.Address == src.ContractAddress {
			contractInputs = append(contractInputs, in)
		}
	}
	for _, out := range utxos.Outputs {
		if out.Address == src.ContractAddress {
			contractOutputs = append(contractOutputs, out)
		}
	}

	switch {
	case len(redeemers) == 0 && len(contractInputs) == 0 && len(contractOutputs) > 0:
		metrics.ScannerTransactionsTotal.WithLabelValues("lock").Inc()
		return s.processLock(ctx, src, hash, contractOutputs)
	case len(redeemers) == 1 && len(contractInputs) == 1:
		metrics.ScannerTransactionsTotal.WithLabelValues("redeem").Inc()
		return s.processRedeem(ctx, src, hash, contractInputs[0], contractOutputs, redeemers[0])
	default:
		// Multiple redeemers, multiple contract inputs, or no contract
		// involvement at all. Not a shape the contract produces.
		metrics.ScannerTransactionsTotal.WithLabelValues("ignored").Inc()
		logging.L(ctx).Warn("ignoring transaction with unexpected shape",
			"tx_hash", hash, "redeemers", len(redeemers),
			"contract_inputs", len(contractInputs), "contract_outputs", len(contractOutputs))
		return nil
	}
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
