package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/state"
)

// CreateAccount opens a margin account. owner receives the recovery level;
// an empty owner means the caller. The new id is returned in Result.ID.
func (x *Exchange) CreateAccount(ctx context.Context, call Call, owner auth.Credential, referralID string) (*Result, error) {
	return x.run(ctx, "create_account", call, func(s *session) error {
		if owner == "" {
			owner = s.call.Caller
		}
		if owner == "" {
			return fmt.Errorf("%w: account owner required", ErrInvalidArgument)
		}
		ref, err := s.referral(referralID)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		rules := auth.NewRules(id, owner)
		acct := state.NewAccount(id, s.now)
		acct.RuleVersion = rules.Version
		acct.ReferralID = referralID
		if ref != nil {
			ref.Accounts++
		}
		s.createAccount(acct)
		s.rules[id] = rules

		s.emit(&event.AccountCreated{AccountID: id, ReferralID: referralID, RuleVersion: rules.Version})
		s.result.ID = id
		return nil
	})
}

// AddCollateral moves buckets from the caller's wallet into pool custody and
// credits them to the account. Anyone may fund an account.
func (x *Exchange) AddCollateral(ctx context.Context, call Call, accountID string, buckets []custody.Bucket) (*Result, error) {
	return x.run(ctx, "add_collateral", call, func(s *session) error {
		if len(buckets) == 0 {
			return fmt.Errorf("%w: no collateral", ErrInvalidArgument)
		}
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}

		quotes := oracle.NewUnboundedView(s.ctx, s.source, s.cfg, s.now)
		for _, b := range buckets {
			if !b.Amount.IsPositive() {
				return fmt.Errorf("%w: %s amount %s", ErrInvalidArgument, b.Resource, b.Amount)
			}
			div, err := s.x.custody.Divisibility(b.Resource)
			if err != nil {
				return err
			}
			if !b.Amount.Round(div, fpmath.RoundDown).Equal(b.Amount) {
				return fmt.Errorf("%w: %s %s exceeds divisibility %d", ErrInvalidArgument, b.Resource, b.Amount, div)
			}
			if b.Resource != s.base() {
				if _, err := s.cfg.Collateral(b.Resource); err != nil {
					return fmt.Errorf("%w: %s", ErrUnknownResource, b.Resource)
				}
				if _, err := quotes.CollateralPrice(b.Resource); err != nil {
					return err
				}
			}
			s.transfer(s.caller(), custody.PoolWallet, b.Resource, b.Amount)
		}

		if err := acct.AddCollateral(buckets, s.base(), s.exchange().CollateralsMax); err != nil {
			return err
		}
		s.emit(&event.CollateralAdded{AccountID: accountID, Buckets: buckets})
		return nil
	})
}

// SetCredentials changes one authorization level of an account. Only a
// recovery credential may do this, and the recovery set cannot be emptied.
func (x *Exchange) SetCredentials(ctx context.Context, call Call, accountID string, level auth.Level, add, remove []auth.Credential) (*Result, error) {
	return x.run(ctx, "set_credentials", call, func(s *session) error {
		acct, err := s.authorize(accountID, auth.LevelRecovery)
		if err != nil {
			return err
		}
		rules, err := s.rulesFor(accountID)
		if err != nil {
			return err
		}
		if err := rules.Update(level, add, remove); err != nil {
			return err
		}
		if level == auth.LevelRecovery && len(rules.Sets[level]) == 0 {
			return fmt.Errorf("%w: recovery credentials cannot be emptied", ErrInvalidArgument)
		}
		acct.RuleVersion = rules.Version

		s.emit(&event.CredentialsUpdated{
			AccountID: accountID,
			Level:     level.String(),
			Added:     len(add),
			Removed:   len(remove),
			Version:   rules.Version,
		})
		return nil
	})
}

// ReferralParams describes a referral to register. An empty ID is generated.
type ReferralParams struct {
	ID          string         `json:"id"`
	FeeReferral fpmath.Decimal `json:"fee_referral"`
	FeeRebate   fpmath.Decimal `json:"fee_rebate"`
	Beneficiary string         `json:"beneficiary"`
}

// CreateReferral registers a referral code. Admin only.
func (x *Exchange) CreateReferral(ctx context.Context, call Call, p ReferralParams) (*Result, error) {
	return x.run(ctx, "create_referral", call, func(s *session) error {
		if err := s.requireAdmin(); err != nil {
			return err
		}
		for name, v := range map[string]fpmath.Decimal{"fee_referral": p.FeeReferral, "fee_rebate": p.FeeRebate} {
			if v.IsNegative() || v.GreaterThan(fpmath.One) {
				return fmt.Errorf("%w: %s %s outside [0, 1]", ErrInvalidArgument, name, v)
			}
		}
		if p.Beneficiary == "" {
			return fmt.Errorf("%w: beneficiary required", ErrInvalidArgument)
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if _, err := s.tx.LoadReferral(s.ctx, p.ID); err == nil {
			return fmt.Errorf("referral %s: %w", p.ID, persistence.ErrAlreadyExists)
		} else if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}

		s.referrals[p.ID] = &state.Referral{
			ID:          p.ID,
			FeeReferral: p.FeeReferral,
			FeeRebate:   p.FeeRebate,
			Beneficiary: p.Beneficiary,
		}
		s.emit(&event.ReferralCreated{
			ReferralID:  p.ID,
			FeeReferral: p.FeeReferral,
			FeeRebate:   p.FeeRebate,
			Beneficiary: p.Beneficiary,
		})
		s.result.ID = p.ID
		return nil
	})
}

// ClaimReferralRewards pays a referral's accrued rewards to its beneficiary,
// who must be the caller.
func (x *Exchange) ClaimReferralRewards(ctx context.Context, call Call, referralID string) (*Result, error) {
	return x.run(ctx, "claim_referral_rewards", call, func(s *session) error {
		if referralID == "" {
			return fmt.Errorf("%w: referral id required", ErrInvalidArgument)
		}
		ref, err := s.referral(referralID)
		if err != nil {
			return err
		}
		if ref.Beneficiary != s.caller() {
			return fmt.Errorf("%w: referral %s", ErrNotBeneficiary, referralID)
		}

		amount := ref.TakeRewards()
		s.pool.AddVirtualBalance(amount)
		paid, err := s.payout(ref.Beneficiary, amount)
		if err != nil {
			return err
		}
		// sub-unit dust stays accrued
		ref.AddRewards(amount.Sub(paid))
		s.pool.AddVirtualBalance(amount.Sub(paid).Neg())

		s.emit(&event.ReferralRewardsClaimed{ReferralID: referralID, Beneficiary: ref.Beneficiary, Amount: paid})
		s.result.Amount = paid
		return nil
	})
}

// CollectFees pays the accrued protocol and treasury balances to their
// targets. Admin only.
func (x *Exchange) CollectFees(ctx context.Context, call Call, protocolTarget, treasuryTarget string) (*Result, error) {
	return x.run(ctx, "collect_fees", call, func(s *session) error {
		if err := s.requireAdmin(); err != nil {
			return err
		}
		if protocolTarget == "" || treasuryTarget == "" {
			return fmt.Errorf("%w: fee targets required", ErrInvalidArgument)
		}

		div := s.baseDiv()
		protocol := s.fees.Protocol.Round(div, fpmath.RoundDown)
		treasury := s.fees.Treasury.Round(div, fpmath.RoundDown)
		if err := s.fees.Take(protocol, treasury); err != nil {
			return err
		}
		s.pool.AddVirtualBalance(protocol.Add(treasury))
		if _, err := s.payout(protocolTarget, protocol); err != nil {
			return err
		}
		if _, err := s.payout(treasuryTarget, treasury); err != nil {
			return err
		}

		s.emit(&event.FeesCollected{
			Protocol:       protocol,
			Treasury:       treasury,
			ProtocolTarget: protocolTarget,
			TreasuryTarget: treasuryTarget,
		})
		s.result.Amount = protocol.Add(treasury)
		return nil
	})
}
