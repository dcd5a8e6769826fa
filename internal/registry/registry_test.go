package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMetadata() Metadata {
	return Metadata{
		Name:       "translation-agent",
		APIBaseURL: "https://agent.example.com/api",
		Pricing:    []Pricing{{Unit: "lovelace", Quantity: 2_000_000}},
	}
}

func TestMetadataValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Metadata)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Metadata) {}},
		{name: "missing name", mutate: func(m *Metadata) { m.Name = "" }, wantErr: true},
		{name: "name too long", mutate: func(m *Metadata) { m.Name = strings.Repeat("x", 65) }, wantErr: true},
		{name: "missing api url", mutate: func(m *Metadata) { m.APIBaseURL = "" }, wantErr: true},
		{name: "no pricing", mutate: func(m *Metadata) { m.Pricing = nil }, wantErr: true},
		{name: "zero quantity", mutate: func(m *Metadata) { m.Pricing[0].Quantity = 0 }, wantErr: true},
		{name: "missing unit", mutate: func(m *Metadata) { m.Pricing[0].Unit = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMetadata()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMetadata)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, RegistrationRequested.Terminal())
	assert.False(t, RegistrationInitiated.Terminal())
	assert.True(t, RegistrationConfirmed.Terminal())
	assert.True(t, RegistrationFailed.Terminal())
	assert.False(t, DeregistrationRequested.Terminal())
	assert.True(t, DeregistrationConfirmed.Terminal())
}

func TestAgentIdentifier(t *testing.T) {
	r := Request{
		PolicyID:  "0f6b02150cbcc7fedafa388abcc41635a9443afb860100099ba40f07",
		AssetName: "7472616e736c6174696f6e",
	}
	assert.Equal(t, r.PolicyID+r.AssetName, r.AgentIdentifier())

	unminted := Request{AssetName: "7472616e736c6174696f6e"}
	assert.Empty(t, unminted.AgentIdentifier())
}

func TestLockAndQueryRegister(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_1", SourceID: "src_1", WalletID: "w1",
		State: RegistrationRequested, Metadata: validMetadata(),
		CreatedAt: now,
	}))
	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_2", SourceID: "src_1", WalletID: "w1",
		State: RegistrationRequested, Metadata: validMetadata(),
		CreatedAt: now.Add(time.Second),
	}))

	// Both requests share the wallet; only the first can be claimed.
	got, err := store.LockAndQueryRegister(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "reg_1", got[0].ID)
	assert.True(t, store.WalletLocked("w1"))

	again, err := store.LockAndQueryRegister(ctx, "src_1", now)
	require.NoError(t, err)
	assert.Empty(t, again)

	store.UnlockWallet("w1")
	got, err = store.LockAndQueryRegister(ctx, "src_1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "reg_2", got[0].ID)
}

func TestListInitiated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_1", SourceID: "src_1", WalletID: "w1",
		State: RegistrationInitiated, CreatedAt: now,
	}))
	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_2", SourceID: "src_1", WalletID: "w2",
		State: DeregistrationInitiated, CreatedAt: now.Add(time.Second),
	}))
	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_3", SourceID: "src_1", WalletID: "w3",
		State: RegistrationConfirmed, CreatedAt: now,
	}))

	got, err := store.ListInitiated(ctx, "src_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reg_1", got[0].ID)
	assert.Equal(t, "reg_2", got[1].ID)
}

func TestGetByAgentIdentifier(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_old", SourceID: "src_1", WalletID: "w1",
		State:    DeregistrationConfirmed,
		PolicyID: "aa", AssetName: "bb", CreatedAt: now,
	}))
	require.NoError(t, store.Create(ctx, &Request{
		ID: "reg_new", SourceID: "src_1", WalletID: "w1",
		State:    RegistrationConfirmed,
		PolicyID: "aa", AssetName: "bb", CreatedAt: now.Add(time.Minute),
	}))

	got, err := store.GetByAgentIdentifier(ctx, "src_1", "aa", "bb")
	require.NoError(t, err)
	assert.Equal(t, "reg_new", got.ID)

	_, err = store.GetByAgentIdentifier(ctx, "src_1", "aa", "cc")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
