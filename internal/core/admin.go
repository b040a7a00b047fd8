package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
)

// balanceReader is implemented by custodians that can report wallet balances.
type balanceReader interface {
	Balance(wallet, resource string) fpmath.Decimal
}

// reconfigure applies mutate to a copy of the current configuration and
// makes it the session's view. The copy is validated and stored at commit.
func (s *session) reconfigure(mutate func(snap *config.Snapshot) error) error {
	if err := s.requireAdmin(); err != nil {
		return err
	}
	next := s.snap.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.setConfig(next)
	s.configDirty = true
	return nil
}

// UpdateExchangeConfig replaces the exchange-wide parameters.
func (x *Exchange) UpdateExchangeConfig(ctx context.Context, call Call, cfg config.ExchangeConfig) (*Result, error) {
	return x.run(ctx, "update_exchange_config", call, func(s *session) error {
		err := s.reconfigure(func(snap *config.Snapshot) error {
			snap.Exchange = cfg
			return nil
		})
		if err != nil {
			return err
		}
		s.emit(&event.ConfigUpdated{Scope: "exchange"})
		return nil
	})
}

// UpdatePairConfigs adds or replaces pair parameters. Pairs are never removed.
func (x *Exchange) UpdatePairConfigs(ctx context.Context, call Call, pairs []config.PairConfig) (*Result, error) {
	return x.run(ctx, "update_pair_configs", call, func(s *session) error {
		if len(pairs) == 0 {
			return fmt.Errorf("%w: no pair configs", ErrInvalidArgument)
		}
		err := s.reconfigure(func(snap *config.Snapshot) error {
			for _, p := range pairs {
				snap.Pairs[p.PairID] = p
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range pairs {
			s.emit(&event.ConfigUpdated{Scope: "pair", Key: string(p.PairID)})
		}
		return nil
	})
}

// UpdateCollateralConfigs adds or replaces accepted collateral resources.
func (x *Exchange) UpdateCollateralConfigs(ctx context.Context, call Call, collaterals []config.CollateralConfig) (*Result, error) {
	return x.run(ctx, "update_collateral_configs", call, func(s *session) error {
		if len(collaterals) == 0 {
			return fmt.Errorf("%w: no collateral configs", ErrInvalidArgument)
		}
		err := s.reconfigure(func(snap *config.Snapshot) error {
			for _, c := range collaterals {
				if c.Resource == s.base() {
					return fmt.Errorf("%w: base resource is not a collateral", ErrInvalidArgument)
				}
				snap.Collaterals[c.Resource] = c
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range collaterals {
			s.emit(&event.ConfigUpdated{Scope: "collateral", Key: c.Resource})
		}
		return nil
	})
}

// RemoveCollateralConfig stops accepting a collateral resource. It fails
// with ErrConfigInUse while the pool still custodies any of it.
func (x *Exchange) RemoveCollateralConfig(ctx context.Context, call Call, resource string) (*Result, error) {
	return x.run(ctx, "remove_collateral_config", call, func(s *session) error {
		if br, ok := s.x.custody.(balanceReader); ok {
			if held := br.Balance(custody.PoolWallet, resource); held.IsPositive() {
				return fmt.Errorf("%w: pool holds %s %s", ErrConfigInUse, held, resource)
			}
		}
		err := s.reconfigure(func(snap *config.Snapshot) error {
			if _, ok := snap.Collaterals[resource]; !ok {
				return fmt.Errorf("%w: %s", config.ErrCollateralInvalid, resource)
			}
			delete(snap.Collaterals, resource)
			return nil
		})
		if err != nil {
			return err
		}
		s.emit(&event.ConfigUpdated{Scope: "collateral", Key: resource, Removed: true})
		return nil
	})
}
