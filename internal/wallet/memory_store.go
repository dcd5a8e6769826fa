package wallet

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory wallet store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*HotWallet
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*HotWallet)}
}

func (m *MemoryStore) Create(_ context.Context, w *HotWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*HotWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListBySource(_ context.Context, sourceID string, role Role) ([]*HotWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*HotWallet
	for _, w := range m.wallets {
		if w.SourceID == sourceID && w.Role == role {
			cp := *w
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Unlock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.LockedAt = nil
	w.PendingTransactionID = nil
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AttachPendingTransaction(_ context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.PendingTransactionID = &txID
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SweepExpiredLocks(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept []string
	for _, w := range m.wallets {
		if w.LockedAt != nil && w.LockedAt.Before(cutoff) {
			w.LockedAt = nil
			w.PendingTransactionID = nil
			w.UpdatedAt = time.Now()
			swept = append(swept, w.ID)
		}
	}
	return swept, nil
}

func (m *MemoryStore) CountLocked(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, w := range m.wallets {
		if w.LockedAt != nil {
			count++
		}
	}
	return count, nil
}

// Lock marks a wallet locked. The real lock path runs inside the escrow
// store's serializable transaction; tests use this to arrange state.
func (m *MemoryStore) Lock(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[id]; ok {
		w.LockedAt = &at
	}
}

var _ Store = (*MemoryStore)(nil)
