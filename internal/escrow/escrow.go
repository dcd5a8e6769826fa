// Package escrow holds the seller-side and buyer-side views of one escrow
// instance, the action state machine that maps ledger observations to
// business actions, and the eligibility queries that lock wallets.
//
// Flow:
//  1. Buyer-side request is created, the batch pipeline locks funds into
//     the contract.
//  2. Scanner observes the lock, both sides move to waiting-for-external.
//  3. Seller submits a result, buyer may request a refund, seller may
//     authorize it; the scanner reconciles each observed transition.
//  4. After the unlock window, funds are withdrawn (or refunds collected).
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRequestNotFound  = errors.New("escrow: request not found")
	ErrDuplicateRequest = errors.New("escrow: duplicate request for identifier")
)

// OnChainState is the contract state observed on the ledger. The first four
// values appear in datums; the withdrawn states are inferred from spending
// redeemers; FundsOrDatumInvalid marks a transaction that failed validation.
type OnChainState string

const (
	StateFundsLocked         OnChainState = "FundsLocked"
	StateResultSubmitted     OnChainState = "ResultSubmitted"
	StateRefundRequested     OnChainState = "RefundRequested"
	StateDisputed            OnChainState = "Disputed"
	StateWithdrawn           OnChainState = "Withdrawn"
	StateRefundWithdrawn     OnChainState = "RefundWithdrawn"
	StateDisputedWithdrawn   OnChainState = "DisputedWithdrawn"
	StateFundsOrDatumInvalid OnChainState = "FundsOrDatumInvalid"
)

// ErrorKind classifies why a request was parked for manual action.
type ErrorKind string

const (
	ErrorNone                ErrorKind = ""
	ErrorMalformedIdentifier ErrorKind = "MalformedIdentifier"
	ErrorInvalidDatumField   ErrorKind = "InvalidDatumField"
	ErrorSpoofedTransaction  ErrorKind = "SpoofedTransaction"
	ErrorEmptyWallet         ErrorKind = "EmptyWallet"
	ErrorUtxoNotFound        ErrorKind = "UtxoNotFound"
	ErrorInsufficientFunds   ErrorKind = "InsufficientFunds"
	ErrorSubmissionFailed    ErrorKind = "SubmissionFailed"
	ErrorUnknown             ErrorKind = "Unknown"
)

// PaymentAction is the seller-side next action.
type PaymentAction string

const (
	PaymentNone                     PaymentAction = "None"
	PaymentIgnore                   PaymentAction = "Ignore"
	PaymentWaitingForManualAction   PaymentAction = "WaitingForManualAction"
	PaymentWaitingForExternalAction PaymentAction = "WaitingForExternalAction"
	PaymentSubmitResultRequested    PaymentAction = "SubmitResultRequested"
	PaymentSubmitResultInitiated    PaymentAction = "SubmitResultInitiated"
	PaymentWithdrawRequested        PaymentAction = "WithdrawRequested"
	PaymentWithdrawInitiated        PaymentAction = "WithdrawInitiated"
	PaymentAuthorizeRefundRequested PaymentAction = "AuthorizeRefundRequested"
	PaymentAuthorizeRefundInitiated PaymentAction = "AuthorizeRefundInitiated"
)

// PurchaseAction is the buyer-side next action.
type PurchaseAction string

const (
	PurchaseNone                     PurchaseAction = "None"
	PurchaseIgnore                   PurchaseAction = "Ignore"
	PurchaseWaitingForManualAction   PurchaseAction = "WaitingForManualAction"
	PurchaseWaitingForExternalAction PurchaseAction = "WaitingForExternalAction"
	PurchaseFundsLockingRequested    PurchaseAction = "FundsLockingRequested"
	PurchaseFundsLockingInitiated    PurchaseAction = "FundsLockingInitiated"
	PurchaseRequestRefundRequested   PurchaseAction = "RequestRefundRequested"
	PurchaseRequestRefundInitiated   PurchaseAction = "RequestRefundInitiated"
	PurchaseCancelRefundRequested    PurchaseAction = "CancelRefundRequested"
	PurchaseCancelRefundInitiated    PurchaseAction = "CancelRefundInitiated"
	PurchaseCollectRefundRequested   PurchaseAction = "CollectRefundRequested"
	PurchaseCollectRefundInitiated   PurchaseAction = "CollectRefundInitiated"
	PurchaseExpired                  PurchaseAction = "Expired"
)

// TxStatus is the lifecycle of a submitted-or-pending ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
)

// Transaction is one submitted-or-pending ledger transaction. Hash is empty
// until the transaction is actually submitted.
type Transaction struct {
	ID            string    `json:"id"`
	Hash          string    `json:"hash"`
	Status        TxStatus  `json:"status"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	WalletID      string    `json:"walletId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Amount is a required (unit, quantity) pair on a request. Unit "lovelace"
// is the base currency; anything else is policyID+assetName hex.
type Amount struct {
	Unit     string `json:"unit"`
	Quantity int64  `json:"quantity"`
}

// NextAction pairs the role-specific action with its error classification.
type NextAction[A ~string] struct {
	Action    A         `json:"action"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// PaymentRequest is the seller-side view of one escrow instance.
type PaymentRequest struct {
	ID         string `json:"id"`
	SourceID   string `json:"sourceId"`
	Identifier string `json:"blockchainIdentifier"`

	SellerWalletID string `json:"sellerWalletId"`
	SellerVKeyHash string `json:"sellerVkeyHash"`
	SellerAddress  string `json:"sellerAddress"`
	BuyerVKeyHash  string `json:"buyerVkeyHash"`
	BuyerAddress   string `json:"buyerAddress"`

	PayByTime                 time.Time `json:"payByTime"`
	SubmitResultTime          time.Time `json:"submitResultTime"`
	UnlockTime                time.Time `json:"unlockTime"`
	ExternalDisputeUnlockTime time.Time `json:"externalDisputeUnlockTime"`
	SellerCooldownUntil       time.Time `json:"sellerCooldownUntil"`
	BuyerCooldownUntil        time.Time `json:"buyerCooldownUntil"`

	OnChainState *OnChainState `json:"onChainState,omitempty"`
	ResultHash   string        `json:"resultHash,omitempty"`
	InputHash    string        `json:"inputHash,omitempty"`

	Amounts []Amount `json:"amounts"`

	NextAction         NextAction[PaymentAction] `json:"nextAction"`
	CurrentTransaction *Transaction              `json:"currentTransaction,omitempty"`
	TransactionHistory []Transaction             `json:"transactionHistory,omitempty"`

	// LatestObservedTxHash is the tip of the on-chain lineage: the last
	// lock or redeem transaction the scanner applied to this request,
	// whether or not we submitted it ourselves.
	LatestObservedTxHash string `json:"latestObservedTxHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PurchaseRequest is the buyer-side view of one escrow instance.
type PurchaseRequest struct {
	ID         string `json:"id"`
	SourceID   string `json:"sourceId"`
	Identifier string `json:"blockchainIdentifier"`

	BuyerWalletID  string `json:"buyerWalletId"`
	BuyerVKeyHash  string `json:"buyerVkeyHash"`
	BuyerAddress   string `json:"buyerAddress"`
	SellerVKeyHash string `json:"sellerVkeyHash"`
	SellerAddress  string `json:"sellerAddress"`

	PayByTime                 time.Time `json:"payByTime"`
	SubmitResultTime          time.Time `json:"submitResultTime"`
	UnlockTime                time.Time `json:"unlockTime"`
	ExternalDisputeUnlockTime time.Time `json:"externalDisputeUnlockTime"`
	SellerCooldownUntil       time.Time `json:"sellerCooldownUntil"`
	BuyerCooldownUntil        time.Time `json:"buyerCooldownUntil"`

	OnChainState *OnChainState `json:"onChainState,omitempty"`
	ResultHash   string        `json:"resultHash,omitempty"`
	InputHash    string        `json:"inputHash,omitempty"`

	Amounts []Amount `json:"amounts"`

	NextAction         NextAction[PurchaseAction] `json:"nextAction"`
	CurrentTransaction *Transaction               `json:"currentTransaction,omitempty"`
	TransactionHistory []Transaction              `json:"transactionHistory,omitempty"`

	// LatestObservedTxHash mirrors PaymentRequest's lineage tip.
	LatestObservedTxHash string `json:"latestObservedTxHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// matchesTransaction reports whether hash is part of the request's tracked
// lineage: its current or historical submissions, or the last transaction
// the scanner observed on chain. Redeems spending any other hash belong to
// a superseded submission and must not advance state.
func matchesTransaction(current *Transaction, history []Transaction, observed, hash string) bool {
	if hash == "" {
		return false
	}
	if observed == hash {
		return true
	}
	if current != nil && current.Hash == hash {
		return true
	}
	for i := range history {
		if history[i].Hash == hash {
			return true
		}
	}
	return false
}

// MatchesTransaction reports whether hash belongs to this payment request.
func (p *PaymentRequest) MatchesTransaction(hash string) bool {
	return matchesTransaction(p.CurrentTransaction, p.TransactionHistory, p.LatestObservedTxHash, hash)
}

// MatchesTransaction reports whether hash belongs to this purchase request.
func (p *PurchaseRequest) MatchesTransaction(hash string) bool {
	return matchesTransaction(p.CurrentTransaction, p.TransactionHistory, p.LatestObservedTxHash, hash)
}

// LovelaceAmount returns the request's lovelace requirement.
func LovelaceAmount(amounts []Amount) int64 {
	for _, a := range amounts {
		if a.Unit == "lovelace" {
			return a.Quantity
		}
	}
	return 0
}

// PaymentStore persists seller-side requests.
type PaymentStore interface {
	CreatePayment(ctx context.Context, r *PaymentRequest) error
	GetPayment(ctx context.Context, sourceID, identifier string) (*PaymentRequest, error)
	UpdatePayment(ctx context.Context, r *PaymentRequest) error
	ListPaymentsByAction(ctx context.Context, sourceID string, action PaymentAction, limit int) ([]*PaymentRequest, error)

	// ListOpenPayments returns requests that can still change on chain,
	// i.e. whose state has not reached a terminal withdrawal. The scanner
	// matches observed datums against this working set.
	ListOpenPayments(ctx context.Context, sourceID string) ([]*PaymentRequest, error)

	LockAndQuerySubmitResult(ctx context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error)
	LockAndQueryCollect(ctx context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error)
	LockAndQueryAuthorizeRefund(ctx context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error)
}

// PurchaseStore persists buyer-side requests.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, r *PurchaseRequest) error
	GetPurchase(ctx context.Context, sourceID, identifier string) (*PurchaseRequest, error)
	UpdatePurchase(ctx context.Context, r *PurchaseRequest) error
	ListPurchasesByAction(ctx context.Context, sourceID string, action PurchaseAction, limit int) ([]*PurchaseRequest, error)

	// ListOpenPurchases is the buyer-side counterpart of ListOpenPayments.
	ListOpenPurchases(ctx context.Context, sourceID string) ([]*PurchaseRequest, error)

	LockAndQueryBatchPay(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error)
	LockAndQueryRequestRefund(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error)
	LockAndQueryCancelRefund(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error)
	LockAndQueryCollectRefund(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error)

	// ExpireUnfunded steps back purchases whose pay-by time passed without
	// funds ever being observed: the wallet is unlocked and the request is
	// marked Expired. This is the only backward transition and happens at
	// most once per request.
	ExpireUnfunded(ctx context.Context, sourceID string, now time.Time) (int, error)
}

// TransactionStore tracks the lifecycle of submitted transactions. The
// lock-and-query methods create a pending transaction when they lock a
// wallet; the settlement pipelines fill in the hash on submission and the
// scanner confirms it when the transaction appears on chain.
type TransactionStore interface {
	SetTransactionHash(ctx context.Context, txID, hash string, at time.Time) error
	ConfirmTransaction(ctx context.Context, txID string, at time.Time) error
}
