package source

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory source store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	sources map[string]*PaymentSource
}

// NewMemoryStore creates an empty in-memory source store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sources: make(map[string]*PaymentSource)}
}

func (m *MemoryStore) Create(_ context.Context, s *PaymentSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sources[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PaymentSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, ErrSourceNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*PaymentSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*PaymentSource, 0, len(m.sources))
	for _, s := range m.sources {
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) AcquireSyncLease(_ context.Context, now, staleAfter time.Time) ([]*PaymentSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*PaymentSource
	for _, s := range m.sources {
		if s.SyncInProgress && (s.SyncStartedAt == nil || !s.SyncStartedAt.Before(staleAfter)) {
			continue
		}
		s.SyncInProgress = true
		at := now
		s.SyncStartedAt = &at
		s.UpdatedAt = now
		cp := *s
		claimed = append(claimed, &cp)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

func (m *MemoryStore) ReleaseSyncLease(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok || !s.SyncInProgress {
		return ErrLeaseNotHeld
	}
	s.SyncInProgress = false
	s.SyncStartedAt = nil
	return nil
}

func (m *MemoryStore) SetLastIdentifierChecked(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return ErrSourceNotFound
	}
	s.LastIdentifierChecked = txHash
	return nil
}

func (m *MemoryStore) SweepStaleLeases(_ context.Context, staleAfter time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, s := range m.sources {
		if s.SyncInProgress && s.SyncStartedAt != nil && s.SyncStartedAt.Before(staleAfter) {
			s.SyncInProgress = false
			s.SyncStartedAt = nil
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
