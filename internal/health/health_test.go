package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/escrowd/internal/chain"
)

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) error { return nil })
	r.Register("provider", func(_ context.Context) error { return errors.New("connection refused") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "database", statuses[0].Name)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestCheckAllEmptyIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckTimeoutBoundsHungChecker(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("hung", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 1)
	assert.Less(t, statuses[0].Latency, time.Second)
}

func TestProviderTipFresh(t *testing.T) {
	provider := chain.NewFakeProvider()
	now := time.Unix(provider.Tip.Time, 0).Add(time.Minute)

	check := ProviderTip(provider, 10*time.Minute, func() time.Time { return now })
	assert.NoError(t, check(context.Background()))
}

func TestProviderTipStale(t *testing.T) {
	provider := chain.NewFakeProvider()
	now := time.Unix(provider.Tip.Time, 0).Add(time.Hour)

	check := ProviderTip(provider, 10*time.Minute, func() time.Time { return now })
	err := check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "behind")
}
