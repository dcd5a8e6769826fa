// Package registry manages the agent registry: sellable agents are minted as
// non-fungible tokens under a source's minting policy and burned on
// deregistration. The registry request lifecycle mirrors the escrow requests,
// only ever moving forward once created.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestNotFound is returned when no registry request matches.
	ErrRequestNotFound = errors.New("registry: request not found")
	// ErrInvalidMetadata is returned when agent metadata cannot be minted.
	ErrInvalidMetadata = errors.New("registry: invalid metadata")
)

// State is the registry request lifecycle state. Registration and
// deregistration are mirrored paths; Confirmed and Failed are terminal.
type State string

const (
	RegistrationRequested   State = "RegistrationRequested"
	RegistrationInitiated   State = "RegistrationInitiated"
	RegistrationConfirmed   State = "RegistrationConfirmed"
	RegistrationFailed      State = "RegistrationFailed"
	DeregistrationRequested State = "DeregistrationRequested"
	DeregistrationInitiated State = "DeregistrationInitiated"
	DeregistrationConfirmed State = "DeregistrationConfirmed"
	DeregistrationFailed    State = "DeregistrationFailed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case RegistrationConfirmed, RegistrationFailed, DeregistrationConfirmed, DeregistrationFailed:
		return true
	}
	return false
}

// Pricing is one purchasable unit of the agent's service.
type Pricing struct {
	Unit     string `json:"unit"`
	Quantity int64  `json:"quantity"`
}

// Metadata is the agent description minted into the token. Field names
// follow the CIP-25 on-chain metadata convention.
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	APIBaseURL  string    `json:"api_base_url"`
	Tags        []string  `json:"tags,omitempty"`
	Pricing     []Pricing `json:"pricing"`
	Author      string    `json:"author,omitempty"`
	Image       string    `json:"image,omitempty"`
}

// metadataStringMax is the ledger's limit for one metadata string chunk.
const metadataStringMax = 64

// Validate checks the metadata can be minted. Long strings are chunked at
// encode time, but the name doubles as the asset name and must fit as-is.
func (m *Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMetadata)
	}
	if len(m.Name) > metadataStringMax {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidMetadata, metadataStringMax)
	}
	if m.APIBaseURL == "" {
		return fmt.Errorf("%w: api_base_url is required", ErrInvalidMetadata)
	}
	if len(m.Pricing) == 0 {
		return fmt.Errorf("%w: at least one pricing entry is required", ErrInvalidMetadata)
	}
	for _, p := range m.Pricing {
		if p.Unit == "" || p.Quantity <= 0 {
			return fmt.Errorf("%w: pricing entries need a unit and a positive quantity", ErrInvalidMetadata)
		}
	}
	return nil
}

// Request is one agent registration or deregistration in flight.
type Request struct {
	ID       string
	SourceID string
	// WalletID is the selling wallet that signs the mint or burn.
	WalletID string
	State    State
	Metadata Metadata

	// PolicyID and AssetName identify the minted token. Empty until the
	// registration transaction is built.
	PolicyID  string
	AssetName string

	// CurrentTxHash is the pending mint or burn transaction, empty until
	// submitted.
	CurrentTxHash string

	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentIdentifier is the policy id concatenated with the asset name, the
// form embedded in blockchain identifiers of payments for this agent.
func (r *Request) AgentIdentifier() string {
	if r.PolicyID == "" {
		return ""
	}
	return r.PolicyID + r.AssetName
}

// Store persists registry requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByAgentIdentifier(ctx context.Context, sourceID, policyID, assetName string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	ListByState(ctx context.Context, sourceID string, state State, limit int) ([]*Request, error)

	// LockAndQueryRegister claims registration requests whose wallet is
	// free, locking the wallet inside one serializable transaction.
	LockAndQueryRegister(ctx context.Context, sourceID string, now time.Time) ([]*Request, error)
	// LockAndQueryDeregister does the same for the deregistration path.
	LockAndQueryDeregister(ctx context.Context, sourceID string, now time.Time) ([]*Request, error)

	// ListInitiated returns requests awaiting on-chain confirmation, the
	// working set of the scanner's registry reconciliation step.
	ListInitiated(ctx context.Context, sourceID string) ([]*Request, error)
}
