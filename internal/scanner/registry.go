package scanner

import (
	"context"

	"github.com/meridian-labs/escrowd/internal/logging"
	"github.com/meridian-labs/escrowd/internal/registry"
	"github.com/meridian-labs/escrowd/internal/retry"
	"github.com/meridian-labs/escrowd/internal/source"
)

// reconcileRegistry checks in-flight registry mints and burns against the
// chain's current token ownership. A registration confirms when the token
// has a holder; a deregistration confirms when it no longer has one. In
// either case the minting wallet is released.
func (s *Scanner) reconcileRegistry(ctx context.Context, src *source.PaymentSource) error {
	initiated, err := s.registry.ListInitiated(ctx, src.ID)
	if err != nil {
		return err
	}
	for _, r := range initiated {
		unit := r.AgentIdentifier()
		if unit == "" {
			// Initiated without a policy id means the build step never
			// completed. The wallet lock sweep handles the stuck wallet.
			continue
		}
		var held bool
		err := retry.DefaultPolicy.Do(ctx, func() error {
			holders, err := s.provider.AssetAddresses(ctx, unit)
			if err != nil {
				return classifyProviderErr(err)
			}
			held = len(holders) > 0
			return nil
		})
		if err != nil {
			return err
		}

		switch {
		case r.State == registry.RegistrationInitiated && held:
			r.State = registry.RegistrationConfirmed
		case r.State == registry.DeregistrationInitiated && !held:
			r.State = registry.DeregistrationConfirmed
		default:
			// Not visible yet. Leave it for the next pass.
			continue
		}
		if err := s.registry.Update(ctx, r); err != nil {
			return err
		}
		if err := s.wallets.Unlock(ctx, r.WalletID); err != nil {
			return err
		}
		logging.L(ctx).Info("registry request confirmed on chain",
			"request_id", r.ID, "state", string(r.State), "asset", unit)
	}
	return nil
}
