// Package wallet manages custodial hot wallets: encrypted mnemonics, key
// derivation, and the lock discipline that guarantees at most one in-flight
// transaction per wallet.
package wallet

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWalletNotFound = errors.New("wallet: not found")
	ErrWalletLocked   = errors.New("wallet: already locked")
	ErrEmptyWallet    = errors.New("wallet: no spendable outputs")
	ErrNoSecret       = errors.New("wallet: no backing secret")
)

// Role distinguishes the seller-side and buyer-side custodial wallets.
type Role string

const (
	RoleSelling    Role = "selling"
	RolePurchasing Role = "purchasing"
)

// HotWallet is a custodial wallet bound to one payment source.
//
// Invariant: a wallet with a non-nil PendingTransactionID or non-nil
// LockedAt must never be selected for a new spend.
type HotWallet struct {
	ID                   string     `json:"id"`
	SourceID             string     `json:"sourceId"`
	Role                 Role       `json:"role"`
	EncryptedMnemonic    string     `json:"-"`
	VKeyHash             string     `json:"vkeyHash"`
	Address              string     `json:"address"`
	CollectionAddress    string     `json:"collectionAddress,omitempty"`
	LockedAt             *time.Time `json:"lockedAt,omitempty"`
	PendingTransactionID *string    `json:"pendingTransactionId,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Free reports whether the wallet may be selected for a new spend.
func (w *HotWallet) Free() bool {
	return w.LockedAt == nil && w.PendingTransactionID == nil
}

// Store persists hot wallets.
type Store interface {
	Create(ctx context.Context, w *HotWallet) error
	Get(ctx context.Context, id string) (*HotWallet, error)
	ListBySource(ctx context.Context, sourceID string, role Role) ([]*HotWallet, error)
	// Unlock clears LockedAt and the pending transaction reference. Called
	// by pipelines on terminal failure so other work is not starved.
	Unlock(ctx context.Context, id string) error
	// AttachPendingTransaction points the wallet at its in-flight transaction.
	AttachPendingTransaction(ctx context.Context, id, txID string) error
	// SweepExpiredLocks force-unlocks wallets locked before the cutoff (the
	// holder is assumed crashed) and returns the affected wallet IDs.
	SweepExpiredLocks(ctx context.Context, cutoff time.Time) ([]string, error)
	// CountLocked returns the number of currently locked wallets.
	CountLocked(ctx context.Context) (int, error)
}
