package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory registry store for tests. Like escrow's
// memory store it tracks wallet locks itself so the lock-and-query
// semantics hold without a database.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	locked   map[string]bool
}

// NewMemoryStore creates an empty in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		locked:   make(map[string]bool),
	}
}

// WalletLocked reports whether a wallet is currently locked in the store.
func (m *MemoryStore) WalletLocked(walletID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[walletID]
}

// UnlockWallet clears a wallet's lock.
func (m *MemoryStore) UnlockWallet(walletID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, walletID)
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByAgentIdentifier(_ context.Context, sourceID, policyID, assetName string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *Request
	for _, r := range m.requests {
		if r.SourceID == sourceID && r.PolicyID == policyID && r.AssetName == assetName {
			if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
				newest = r
			}
		}
	}
	if newest == nil {
		return nil, ErrRequestNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return ErrRequestNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now()
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByState(_ context.Context, sourceID string, state State, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Request
	for _, r := range m.requests {
		if r.SourceID == sourceID && r.State == state {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) LockAndQueryRegister(_ context.Context, sourceID string, _ time.Time) ([]*Request, error) {
	return m.lockAndQuery(sourceID, RegistrationRequested)
}

func (m *MemoryStore) LockAndQueryDeregister(_ context.Context, sourceID string, _ time.Time) ([]*Request, error) {
	return m.lockAndQuery(sourceID, DeregistrationRequested)
}

// lockAndQuery claims at most one request per free wallet, oldest first.
func (m *MemoryStore) lockAndQuery(sourceID string, state State) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*Request
	for _, r := range m.requests {
		if r.SourceID == sourceID && r.State == state {
			candidates = append(candidates, r)
		}
	}
	sortByCreated(candidates)
	var result []*Request
	for _, r := range candidates {
		if m.locked[r.WalletID] {
			continue
		}
		m.locked[r.WalletID] = true
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListInitiated(_ context.Context, sourceID string) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Request
	for _, r := range m.requests {
		if r.SourceID == sourceID && (r.State == RegistrationInitiated || r.State == DeregistrationInitiated) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	return result, nil
}

func sortByCreated(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
}

var _ Store = (*MemoryStore)(nil)
