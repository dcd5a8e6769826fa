package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridian-labs/escrowd/internal/idgen"
)

// MemoryStore is an in-memory request store for tests. Wallet lock state
// lives in the store itself so the lock-and-query semantics can be exercised
// without a database.
type MemoryStore struct {
	mu        sync.Mutex
	payments  map[string]*PaymentRequest
	purchases map[string]*PurchaseRequest
	locked    map[string]bool
	pending   map[string]string
}

// NewMemoryStore creates an empty in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*PaymentRequest),
		purchases: make(map[string]*PurchaseRequest),
		locked:    make(map[string]bool),
		pending:   make(map[string]string),
	}
}

// WalletLocked reports whether a wallet is currently locked in the store.
func (m *MemoryStore) WalletLocked(walletID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[walletID]
}

// UnlockWallet clears a wallet's lock and pending transaction.
func (m *MemoryStore) UnlockWallet(walletID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, walletID)
	delete(m.pending, walletID)
}

func paymentKey(sourceID, identifier string) string { return sourceID + "/" + identifier }

func (m *MemoryStore) CreatePayment(_ context.Context, r *PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paymentKey(r.SourceID, r.Identifier)
	if _, exists := m.payments[key]; exists {
		return ErrDuplicateRequest
	}
	cp := *r
	m.payments[key] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, sourceID, identifier string) (*PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.payments[paymentKey(sourceID, identifier)]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, r *PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paymentKey(r.SourceID, r.Identifier)
	if _, ok := m.payments[key]; !ok {
		return ErrRequestNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now()
	m.payments[key] = &cp
	return nil
}

func (m *MemoryStore) ListPaymentsByAction(_ context.Context, sourceID string, action PaymentAction, limit int) ([]*PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*PaymentRequest
	for _, r := range m.payments {
		if r.SourceID == sourceID && r.NextAction.Action == action {
			cp := *r
			result = append(result, &cp)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func openState(s *OnChainState) bool {
	if s == nil {
		return true
	}
	switch *s {
	case StateFundsLocked, StateResultSubmitted, StateRefundRequested, StateDisputed:
		return true
	}
	return false
}

func (m *MemoryStore) ListOpenPayments(_ context.Context, sourceID string) ([]*PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*PaymentRequest
	for _, r := range m.payments {
		if r.SourceID == sourceID && openState(r.OnChainState) {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListOpenPurchases(_ context.Context, sourceID string) ([]*PurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*PurchaseRequest
	for _, r := range m.purchases {
		if r.SourceID == sourceID && openState(r.OnChainState) {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreatePurchase(_ context.Context, r *PurchaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paymentKey(r.SourceID, r.Identifier)
	if _, exists := m.purchases[key]; exists {
		return ErrDuplicateRequest
	}
	cp := *r
	m.purchases[key] = &cp
	return nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, sourceID, identifier string) (*PurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.purchases[paymentKey(sourceID, identifier)]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdatePurchase(_ context.Context, r *PurchaseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paymentKey(r.SourceID, r.Identifier)
	if _, ok := m.purchases[key]; !ok {
		return ErrRequestNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now()
	m.purchases[key] = &cp
	return nil
}

func (m *MemoryStore) ListPurchasesByAction(_ context.Context, sourceID string, action PurchaseAction, limit int) ([]*PurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*PurchaseRequest
	for _, r := range m.purchases {
		if r.SourceID == sourceID && r.NextAction.Action == action {
			cp := *r
			result = append(result, &cp)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) LockAndQuerySubmitResult(_ context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error) {
	return m.lockAndQueryPayments(sourceID, now, func(r *PaymentRequest) bool {
		return r.NextAction.Action == PaymentSubmitResultRequested &&
			r.PayByTime.Before(now) && r.SubmitResultTime.After(now) &&
			r.SellerCooldownUntil.Before(now)
	})
}

func (m *MemoryStore) LockAndQueryCollect(_ context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error) {
	return m.lockAndQueryPayments(sourceID, now, func(r *PaymentRequest) bool {
		if !r.SellerCooldownUntil.Before(now) {
			return false
		}
		if r.NextAction.Action == PaymentWithdrawRequested {
			return true
		}
		return r.NextAction.Action == PaymentWaitingForExternalAction &&
			r.OnChainState != nil && *r.OnChainState == StateResultSubmitted &&
			r.UnlockTime.Before(now)
	})
}

func (m *MemoryStore) LockAndQueryAuthorizeRefund(_ context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error) {
	return m.lockAndQueryPayments(sourceID, now, func(r *PaymentRequest) bool {
		return r.NextAction.Action == PaymentAuthorizeRefundRequested &&
			r.SellerCooldownUntil.Before(now)
	})
}

func (m *MemoryStore) LockAndQueryBatchPay(_ context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return m.lockAndQueryPurchases(sourceID, now, true, func(r *PurchaseRequest) bool {
		return r.NextAction.Action == PurchaseFundsLockingRequested &&
			r.PayByTime.After(now)
	})
}

func (m *MemoryStore) LockAndQueryRequestRefund(_ context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return m.lockAndQueryPurchases(sourceID, now, false, func(r *PurchaseRequest) bool {
		return r.NextAction.Action == PurchaseRequestRefundRequested &&
			r.BuyerCooldownUntil.Before(now) &&
			r.ExternalDisputeUnlockTime.After(now)
	})
}

func (m *MemoryStore) LockAndQueryCancelRefund(_ context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return m.lockAndQueryPurchases(sourceID, now, false, func(r *PurchaseRequest) bool {
		return r.NextAction.Action == PurchaseCancelRefundRequested &&
			r.BuyerCooldownUntil.Before(now)
	})
}

func (m *MemoryStore) LockAndQueryCollectRefund(_ context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return m.lockAndQueryPurchases(sourceID, now, false, func(r *PurchaseRequest) bool {
		if !r.BuyerCooldownUntil.Before(now) {
			return false
		}
		if r.NextAction.Action == PurchaseCollectRefundRequested {
			return true
		}
		if r.NextAction.Action != PurchaseWaitingForExternalAction || r.OnChainState == nil {
			return false
		}
		switch *r.OnChainState {
		case StateRefundRequested:
			return r.SubmitResultTime.Before(now)
		case StateDisputed:
			return r.ExternalDisputeUnlockTime.Before(now)
		}
		return false
	})
}

func (m *MemoryStore) ExpireUnfunded(_ context.Context, sourceID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for _, r := range m.purchases {
		if r.SourceID != sourceID || r.OnChainState != nil || !r.PayByTime.Before(now) {
			continue
		}
		if r.NextAction.Action != PurchaseFundsLockingRequested && r.NextAction.Action != PurchaseFundsLockingInitiated {
			continue
		}
		r.NextAction = NextAction[PurchaseAction]{
			Action: PurchaseExpired,
			Note:   "pay-by time passed without observed funds",
		}
		r.UpdatedAt = now
		delete(m.locked, r.BuyerWalletID)
		delete(m.pending, r.BuyerWalletID)
		expired++
	}
	return expired, nil
}

func (m *MemoryStore) SetTransactionHash(_ context.Context, txID, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyTx(txID, func(t *Transaction) { t.Hash = hash; t.LastCheckedAt = at }) {
		return nil
	}
	return ErrRequestNotFound
}

func (m *MemoryStore) ConfirmTransaction(_ context.Context, txID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyTx(txID, func(t *Transaction) { t.Status = TxConfirmed; t.LastCheckedAt = at }) {
		return nil
	}
	return ErrRequestNotFound
}

func (m *MemoryStore) applyTx(txID string, fn func(*Transaction)) bool {
	found := false
	for _, r := range m.payments {
		if r.CurrentTransaction != nil && r.CurrentTransaction.ID == txID {
			fn(r.CurrentTransaction)
			found = true
		}
	}
	for _, r := range m.purchases {
		if r.CurrentTransaction != nil && r.CurrentTransaction.ID == txID {
			fn(r.CurrentTransaction)
			found = true
		}
	}
	return found
}

// lockAndQueryPayments claims at most one payment per free wallet, oldest
// first, to match the oldest-wins ordering of the Postgres store.
func (m *MemoryStore) lockAndQueryPayments(sourceID string, now time.Time, eligible func(*PaymentRequest) bool) ([]*PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*PaymentRequest
	for _, r := range m.payments {
		if r.SourceID == sourceID && eligible(r) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	var result []*PaymentRequest
	for _, r := range candidates {
		if m.locked[r.SellerWalletID] {
			continue
		}
		m.locked[r.SellerWalletID] = true
		t := m.newPendingTx(r.SellerWalletID, now)
		if r.CurrentTransaction != nil {
			r.TransactionHistory = append(r.TransactionHistory, *r.CurrentTransaction)
		}
		r.CurrentTransaction = t
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

// lockAndQueryPurchases claims eligible purchases and locks their wallets.
// Only the batch-pay path may claim several requests against one wallet,
// since it settles them in a single transaction; every other pipeline
// submits one transaction per request and gets at most one request per
// wallet per pass.
func (m *MemoryStore) lockAndQueryPurchases(sourceID string, now time.Time, batch bool, eligible func(*PurchaseRequest) bool) ([]*PurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*PurchaseRequest
	for _, r := range m.purchases {
		if r.SourceID == sourceID && eligible(r) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	claimed := make(map[string]bool)
	var result []*PurchaseRequest
	for _, r := range candidates {
		if m.locked[r.BuyerWalletID] && !(batch && claimed[r.BuyerWalletID]) {
			continue
		}
		m.locked[r.BuyerWalletID] = true
		claimed[r.BuyerWalletID] = true
		t := m.newPendingTx(r.BuyerWalletID, now)
		if r.CurrentTransaction != nil {
			r.TransactionHistory = append(r.TransactionHistory, *r.CurrentTransaction)
		}
		r.CurrentTransaction = t
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) newPendingTx(walletID string, now time.Time) *Transaction {
	t := &Transaction{
		ID:            idgen.WithPrefix("tx_"),
		Status:        TxPending,
		LastCheckedAt: now,
		WalletID:      walletID,
		CreatedAt:     now,
	}
	m.pending[walletID] = t.ID
	return t
}

var (
	_ PaymentStore     = (*MemoryStore)(nil)
	_ PurchaseStore    = (*MemoryStore)(nil)
	_ TransactionStore = (*MemoryStore)(nil)
)
