package settle

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/wallet"
)

func agentMetadata() registry.Metadata {
	return registry.Metadata{
		Name:       "summarizer",
		APIBaseURL: "https://agent.example.com/api",
		Pricing:    []registry.Pricing{{Unit: "lovelace", Quantity: 2_000_000}},
	}
}

func TestRegisterAgentPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newWallet(t, "w_sell", wallet.RoleSelling, 100_000_000)
	r := &registry.Request{
		ID:       "reg_1",
		SourceID: "src_1",
		WalletID: "w_sell",
		State:    registry.RegistrationRequested,
		Metadata: agentMetadata(),
	}
	require.NoError(t, f.registry.Create(ctx, r))

	require.NoError(t, f.service.RunRegisterAgent(ctx))

	require.Len(t, f.provider.Submitted, 1)
	got, err := f.registry.Get(ctx, "reg_1")
	require.NoError(t, err)
	assert.Equal(t, registry.RegistrationInitiated, got.State)
	assert.Equal(t, f.src.PolicyID, got.PolicyID)
	assert.Equal(t, hex.EncodeToString([]byte("summarizer")), got.AssetName)
	assert.NotEmpty(t, got.CurrentTxHash)
}

func TestRegisterAgentRejectsInvalidMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newWallet(t, "w_sell", wallet.RoleSelling, 100_000_000)
	meta := agentMetadata()
	meta.APIBaseURL = ""
	r := &registry.Request{
		ID:       "reg_1",
		SourceID: "src_1",
		WalletID: "w_sell",
		State:    registry.RegistrationRequested,
		Metadata: meta,
	}
	require.NoError(t, f.registry.Create(ctx, r))

	require.NoError(t, f.service.RunRegisterAgent(ctx))

	assert.Empty(t, f.provider.Submitted)
	got, err := f.registry.Get(ctx, "reg_1")
	require.NoError(t, err)
	assert.Equal(t, registry.RegistrationFailed, got.State)
	assert.Contains(t, got.Error, "api_base_url")
}

func TestDeregisterAgentPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newWallet(t, "w_sell", wallet.RoleSelling, 100_000_000)
	r := &registry.Request{
		ID:        "reg_1",
		SourceID:  "src_1",
		WalletID:  "w_sell",
		State:     registry.DeregistrationRequested,
		Metadata:  agentMetadata(),
		PolicyID:  f.src.PolicyID,
		AssetName: hex.EncodeToString([]byte("summarizer")),
	}
	require.NoError(t, f.registry.Create(ctx, r))

	require.NoError(t, f.service.RunDeregisterAgent(ctx))

	require.Len(t, f.provider.Submitted, 1)
	got, err := f.registry.Get(ctx, "reg_1")
	require.NoError(t, err)
	assert.Equal(t, registry.DeregistrationInitiated, got.State)
	assert.NotEmpty(t, got.CurrentTxHash)
}
