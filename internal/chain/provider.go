// Package chain defines the blockchain provider boundary: address history,
// UTxO and redeemer lookup, transaction building, execution-cost evaluation,
// and submission. The settlement core only ever talks to the Provider
// interface; the REST client and the scripted fake both satisfy it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/meridian-labs/escrowd/internal/datum"
)

var (
	ErrUtxoNotFound = errors.New("chain: utxo not found")
	ErrNotFound     = errors.New("chain: not found")
)

// Amount is a (unit, quantity) pair. Unit is "lovelace" or a concatenated
// policy ID + hex asset name.
type Amount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

// Int64 returns the quantity as an integer. Provider responses carry
// quantities as decimal strings; a malformed quantity counts as zero.
func (a Amount) Int64() int64 {
	n, err := strconv.ParseInt(a.Quantity, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// AddressTx is one entry of an address's transaction history.
type AddressTx struct {
	TxHash      string `json:"tx_hash"`
	TxIndex     int    `json:"tx_index"`
	BlockHeight int64  `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

// UTxO is a transaction input or output.
type UTxO struct {
	TxHash              string      `json:"tx_hash"`
	OutputIndex         int         `json:"output_index"`
	Address             string      `json:"address"`
	Amounts             []Amount    `json:"amount"`
	InlineDatum         *datum.Data `json:"inline_datum"`
	DataHash            string      `json:"data_hash"`
	ReferenceScriptHash string      `json:"reference_script_hash"`
	Collateral          bool        `json:"collateral"`
}

// TxUTxOs is the full input/output view of one transaction.
type TxUTxOs struct {
	Hash    string `json:"hash"`
	Inputs  []UTxO `json:"inputs"`
	Outputs []UTxO `json:"outputs"`
}

// RedeemerWitness is one redeemer attached to a transaction's witness set.
type RedeemerWitness struct {
	TxIndex   int        `json:"tx_index"`
	Purpose   string     `json:"purpose"`
	Data      datum.Data `json:"redeemer_data"`
	UnitMem   int64      `json:"unit_mem,string"`
	UnitSteps int64      `json:"unit_steps,string"`
}

// AssetAddress is one holder of an asset.
type AssetAddress struct {
	Address  string `json:"address"`
	Quantity string `json:"quantity"`
}

// Block is the chain tip view used for slot arithmetic.
type Block struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Slot   int64  `json:"slot"`
	Time   int64  `json:"time"`
}

// ExUnits is a script execution budget.
type ExUnits struct {
	Mem   int64 `json:"mem"`
	Steps int64 `json:"steps"`
}

// MintSpec describes an asset to mint (positive) or burn (negative).
type MintSpec struct {
	PolicyID  string            `json:"policy_id"`
	AssetName string            `json:"asset_name"`
	Quantity  int64             `json:"quantity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BuildRequest describes one contract-interacting transaction to construct.
// Exactly one of the contract input/output sides may be empty: a lock
// transaction has no contract input, a withdraw has no contract output.
type BuildRequest struct {
	ChangeAddress   string      `json:"change_address"`
	Inputs          []UTxO      `json:"inputs"`
	ContractAddress string      `json:"contract_address"`
	ContractInput   *UTxO       `json:"contract_input,omitempty"`
	Redeemer        *datum.Data `json:"redeemer,omitempty"`
	ContractOutputs []BuildOut  `json:"contract_outputs,omitempty"`
	Payouts         []BuildOut  `json:"payouts,omitempty"`
	Mint            *MintSpec   `json:"mint,omitempty"`
	ValidFromSlot   int64       `json:"valid_from_slot"`
	ValidToSlot     int64       `json:"valid_to_slot"`
	Budget          *ExUnits    `json:"budget,omitempty"` // nil for the draft build
	FeePermille     int64       `json:"fee_permille,omitempty"`
}

// BuildOut is one output of a built transaction.
type BuildOut struct {
	Address string      `json:"address"`
	Amounts []Amount    `json:"amount"`
	Datum   *datum.Data `json:"datum,omitempty"`
}

// UnsignedTx is a constructed transaction awaiting witness signatures.
type UnsignedTx struct {
	BodyHex string `json:"body_hex"`
	Hash    string `json:"hash"` // blake2b-256 of the body
}

// VKeyWitness is one ed25519 signature over a transaction body hash.
type VKeyWitness struct {
	VKeyHex      string `json:"vkey"`
	SignatureHex string `json:"signature"`
}

// SignedTx is a transaction body plus its witness set, ready for assembly
// and submission by the provider.
type SignedTx struct {
	BodyHex   string        `json:"body_hex"`
	Witnesses []VKeyWitness `json:"witnesses"`
}

// Provider is the full blockchain provider boundary.
type Provider interface {
	// AddressTransactions returns one page of an address's history, newest
	// first. Page numbering starts at 1.
	AddressTransactions(ctx context.Context, address string, page, count int) ([]AddressTx, error)
	TransactionUTxOs(ctx context.Context, hash string) (*TxUTxOs, error)
	TransactionRedeemers(ctx context.Context, hash string) ([]RedeemerWitness, error)
	// AddressUTxOs returns the current spendable outputs of an address.
	AddressUTxOs(ctx context.Context, address string) ([]UTxO, error)
	// AssetAddresses returns current holders of an asset (policyID+assetName).
	AssetAddresses(ctx context.Context, unit string) ([]AssetAddress, error)
	LatestBlock(ctx context.Context) (*Block, error)
	BuildTx(ctx context.Context, req BuildRequest) (*UnsignedTx, error)
	EvaluateTx(ctx context.Context, bodyHex string) (ExUnits, error)
	// SubmitTx assembles and submits a witnessed transaction, returning its hash.
	SubmitTx(ctx context.Context, tx SignedTx) (string, error)
}

// APIError is a provider-level failure carrying the HTTP status so callers
// can classify retryable vs. terminal outcomes.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chain: %s failed (status %d): %s", e.Op, e.Status, e.Message)
}

// Retryable reports whether the failure is transient (network or 5xx/429).
func (e *APIError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 404
	}
	return errors.Is(err, ErrNotFound)
}
