package settle

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/meridian-labs/escrowd/internal/chain"
	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/metrics"
	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/source"
	"github.com/meridian-labs/escrowd/internal/traces"
)

// maxAssetNameBytes is the ledger's limit for a native asset name.
const maxAssetNameBytes = 32

// RunRegisterAgent mints a registry token for every pending registration.
func (s *Service) RunRegisterAgent(ctx context.Context) error {
	return s.forEachSource(ctx, "register-agent", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "register-agent", src.ID)
		defer end()
		requests, err := s.registry.LockAndQueryRegister(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settleRegistry(ctx, src, r, "register-agent")
		}
		return nil
	})
}

// RunDeregisterAgent burns the registry token of every pending
// deregistration.
func (s *Service) RunDeregisterAgent(ctx context.Context) error {
	return s.forEachSource(ctx, "deregister-agent", func(ctx context.Context, src *source.PaymentSource) error {
		ctx, end := startSpan(ctx, "deregister-agent", src.ID)
		defer end()
		requests, err := s.registry.LockAndQueryDeregister(ctx, src.ID, s.now())
		if err != nil {
			return err
		}
		for _, r := range requests {
			s.settleRegistry(ctx, src, r, "deregister-agent")
		}
		return nil
	})
}

func (s *Service) settleRegistry(ctx context.Context, src *source.PaymentSource, r *registry.Request, pipeline string) {
	ctx, span := traces.StartSpan(ctx, "settle.registry",
		traces.Pipeline(pipeline), traces.SourceID(src.ID), traces.WalletID(r.WalletID))
	defer span.End()

	if err := s.trySettleRegistry(ctx, src, r, pipeline); err != nil {
		s.failRegistry(ctx, r, err)
	}
}

func (s *Service) trySettleRegistry(ctx context.Context, src *source.PaymentSource, r *registry.Request, pipeline string) error {
	w, err := s.wallets.Get(ctx, r.WalletID)
	if err != nil {
		return err
	}
	signer, err := s.signerFor(w)
	if err != nil {
		return err
	}
	inputs, err := s.spendableInputs(ctx, w)
	if err != nil {
		return err
	}

	minting := r.State == registry.RegistrationRequested
	if minting {
		if err := r.Metadata.Validate(); err != nil {
			return err
		}
		r.PolicyID = src.PolicyID
		r.AssetName = assetName(r.Metadata.Name)
	} else if r.PolicyID == "" {
		return fmt.Errorf("settle: deregistration %s has no minted token", r.ID)
	}

	quantity := int64(1)
	var meta map[string]string
	if minting {
		meta = mintMetadata(r.Metadata)
	} else {
		quantity = -1
	}

	now := s.now()
	req := chain.BuildRequest{
		ChangeAddress: w.Address,
		Inputs:        inputs,
		Mint: &chain.MintSpec{
			PolicyID:  r.PolicyID,
			AssetName: r.AssetName,
			Quantity:  quantity,
			Metadata:  meta,
		},
	}
	clock := chain.NewSlotClock(src.Network)
	req.ValidFromSlot, req.ValidToSlot = clock.ValidityWindow(now)

	hash, err := s.buildSignSubmit(ctx, signer, req)
	if err != nil {
		return err
	}

	if minting {
		r.State = registry.RegistrationInitiated
	} else {
		r.State = registry.DeregistrationInitiated
	}
	r.CurrentTxHash = hash
	metrics.TransactionsSubmittedTotal.WithLabelValues(pipeline).Inc()
	logging.L(ctx).Info("submitted registry transaction",
		"pipeline", pipeline, "request_id", r.ID, "tx_hash", hash,
		"asset", r.PolicyID+r.AssetName)
	return s.registry.Update(ctx, r)
}

// failRegistry marks the request failed and releases the minting wallet.
func (s *Service) failRegistry(ctx context.Context, r *registry.Request, err error) {
	if r.State == registry.DeregistrationRequested || r.State == registry.DeregistrationInitiated {
		r.State = registry.DeregistrationFailed
	} else {
		r.State = registry.RegistrationFailed
	}
	r.Error = err.Error()
	metrics.ManualActionsTotal.WithLabelValues("registry").Inc()
	logging.L(ctx).Error("registry pipeline failed terminally",
		"request_id", r.ID, "error", err)
	if updateErr := s.registry.Update(ctx, r); updateErr != nil {
		logging.L(ctx).Error("recording registry failure failed", "request_id", r.ID, "error", updateErr)
		return
	}
	if unlockErr := s.wallets.Unlock(ctx, r.WalletID); unlockErr != nil {
		logging.L(ctx).Error("releasing wallet failed", "wallet_id", r.WalletID, "error", unlockErr)
	}
}

// assetName hex-encodes the agent name, truncated to the ledger's limit.
func assetName(name string) string {
	b := []byte(name)
	if len(b) > maxAssetNameBytes {
		b = b[:maxAssetNameBytes]
	}
	return hex.EncodeToString(b)
}

// mintMetadata flattens the agent metadata into the key/value form attached
// to the minting transaction.
func mintMetadata(m registry.Metadata) map[string]string {
	meta := map[string]string{
		"name":         m.Name,
		"api_base_url": m.APIBaseURL,
	}
	if m.Description != "" {
		meta["description"] = m.Description
	}
	if m.Author != "" {
		meta["author"] = m.Author
	}
	if m.Image != "" {
		meta["image"] = m.Image
	}
	if len(m.Tags) > 0 {
		meta["tags"] = strings.Join(m.Tags, ",")
	}
	pricing := make([]string, 0, len(m.Pricing))
	for _, p := range m.Pricing {
		pricing = append(pricing, p.Unit+":"+strconv.FormatInt(p.Quantity, 10))
	}
	meta["pricing"] = strings.Join(pricing, ",")
	return meta
}
