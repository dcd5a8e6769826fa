package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSource(id string, now time.Time) *PaymentSource {
	return &PaymentSource{
		ID:               id,
		Network:          "preprod",
		ContractAddress:  "addr_test1w...",
		PolicyID:         "0f6b02150cbcc7fedafa388abcc41635a9443afb860100099ba40f07",
		FeePermille:      50,
		CooldownDuration: 10 * time.Minute,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestAcquireSyncLeaseClaimsIdleSources(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	staleAfter := now.Add(-15 * time.Minute)

	require.NoError(t, store.Create(ctx, newSource("src_1", now)))
	require.NoError(t, store.Create(ctx, newSource("src_2", now.Add(time.Second))))

	claimed, err := store.AcquireSyncLease(ctx, now, staleAfter)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, s := range claimed {
		assert.True(t, s.SyncInProgress)
		require.NotNil(t, s.SyncStartedAt)
	}

	// A second claim sees nothing while the leases are fresh.
	again, err := store.AcquireSyncLease(ctx, now.Add(time.Minute), now.Add(time.Minute).Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestAcquireSyncLeaseReclaimsStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, newSource("src_1", now)))
	_, err := store.AcquireSyncLease(ctx, now.Add(-20*time.Minute), now.Add(-35*time.Minute))
	require.NoError(t, err)

	// 20 minutes later the lease is past the 15 minute staleness bound.
	claimed, err := store.AcquireSyncLease(ctx, now, now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "src_1", claimed[0].ID)
}

func TestReleaseSyncLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, newSource("src_1", now)))
	assert.ErrorIs(t, store.ReleaseSyncLease(ctx, "src_1"), ErrLeaseNotHeld)

	_, err := store.AcquireSyncLease(ctx, now, now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.ReleaseSyncLease(ctx, "src_1"))

	claimed, err := store.AcquireSyncLease(ctx, now, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestSetLastIdentifierChecked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, newSource("src_1", now)))
	require.NoError(t, store.SetLastIdentifierChecked(ctx, "src_1", "abc123"))

	got, err := store.Get(ctx, "src_1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.LastIdentifierChecked)

	assert.ErrorIs(t, store.SetLastIdentifierChecked(ctx, "missing", "x"), ErrSourceNotFound)
}

func TestSweepStaleLeases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, newSource("src_stale", now)))
	require.NoError(t, store.Create(ctx, newSource("src_fresh", now)))

	_, err := store.AcquireSyncLease(ctx, now.Add(-20*time.Minute), now.Add(-40*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.ReleaseSyncLease(ctx, "src_fresh"))
	_, err = store.AcquireSyncLease(ctx, now.Add(-2*time.Minute), now.Add(-25*time.Minute))
	require.NoError(t, err)

	swept, err := store.SweepStaleLeases(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"src_stale"}, swept)
}
