// Package source manages payment sources, the per-contract configuration a
// scanner pass operates on. Each source carries a sync lease so only one
// scanner instance walks its contract address at a time.
package source

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSourceNotFound is returned when no source matches the given id.
	ErrSourceNotFound = errors.New("source: not found")
	// ErrLeaseNotHeld is returned when releasing or refreshing a lease the
	// caller does not hold.
	ErrLeaseNotHeld = errors.New("source: sync lease not held")
)

// PaymentSource is one smart contract instance the service orchestrates.
type PaymentSource struct {
	ID              string
	Network         string
	ContractAddress string
	// PolicyID is the minting policy for this source's agent registry.
	PolicyID string
	// FeePermille is the protocol fee collected on withdrawals, in 1/1000.
	FeePermille int64
	// CooldownDuration is how long a side must wait after its own
	// transaction before acting again.
	CooldownDuration time.Duration

	// LastIdentifierChecked is the scanner cursor: the hash of the last
	// transaction fully processed. Empty until the first pass completes.
	LastIdentifierChecked string

	// SyncInProgress and SyncStartedAt form the scanner lease.
	SyncInProgress bool
	SyncStartedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists payment sources.
type Store interface {
	Create(ctx context.Context, s *PaymentSource) error
	Get(ctx context.Context, id string) (*PaymentSource, error)
	List(ctx context.Context) ([]*PaymentSource, error)

	// AcquireSyncLease claims every source that is either not being synced
	// or whose lease started before staleAfter, and returns the claimed
	// sources. Claiming and reading happen in one serializable transaction
	// so two scanner instances never walk the same source concurrently.
	AcquireSyncLease(ctx context.Context, now, staleAfter time.Time) ([]*PaymentSource, error)

	// ReleaseSyncLease clears the lease. Callers retry this on failure: a
	// lease that is never released blocks the source until the stale sweep.
	ReleaseSyncLease(ctx context.Context, id string) error

	// SetLastIdentifierChecked advances the scanner cursor. Called after
	// every fully processed transaction, not once per pass, so a crashed
	// pass resumes where it stopped.
	SetLastIdentifierChecked(ctx context.Context, id, txHash string) error

	// SweepStaleLeases force-releases leases older than staleAfter and
	// returns the ids of the sources recovered.
	SweepStaleLeases(ctx context.Context, staleAfter time.Time) ([]string, error)
}
