package state

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
)

// Referral is a fee-sharing code linked to accounts at creation.
// FeeReferral scales the referral share of fees; FeeRebate discounts fees.
type Referral struct {
	ID          string         `json:"id"`
	FeeReferral fpmath.Decimal `json:"fee_referral"`
	FeeRebate   fpmath.Decimal `json:"fee_rebate"`
	Rewards     fpmath.Decimal `json:"rewards"`
	Beneficiary string         `json:"beneficiary"`
	Accounts    int            `json:"accounts"`
}

// Rebate returns the fee multiplier 1 - fee_rebate. A nil referral pays full fees.
func (r *Referral) Rebate() fpmath.Decimal {
	if r == nil {
		return fpmath.One
	}
	return fpmath.One.Sub(r.FeeRebate)
}

// Rate returns fee_referral, zero for a nil referral.
func (r *Referral) Rate() fpmath.Decimal {
	if r == nil {
		return fpmath.Zero
	}
	return r.FeeReferral
}

func (r *Referral) AddRewards(delta fpmath.Decimal) {
	r.Rewards = r.Rewards.Add(delta)
}

// TakeRewards zeroes and returns the accrued rewards.
func (r *Referral) TakeRewards() fpmath.Decimal {
	out := r.Rewards
	r.Rewards = fpmath.Zero
	return out
}

// FeeDistributor accrues the protocol and treasury shares of fees until collected.
type FeeDistributor struct {
	Protocol fpmath.Decimal `json:"protocol"`
	Treasury fpmath.Decimal `json:"treasury"`
	Burned   fpmath.Decimal `json:"burned"`
}

func (f *FeeDistributor) Add(protocol, treasury fpmath.Decimal) {
	f.Protocol = f.Protocol.Add(protocol)
	f.Treasury = f.Treasury.Add(treasury)
}

// Burn removes whole multiples of burnAmount from the protocol balance,
// returning the total burned.
func (f *FeeDistributor) Burn(burnAmount fpmath.Decimal) fpmath.Decimal {
	if !burnAmount.IsPositive() || f.Protocol.LessThan(burnAmount) {
		return fpmath.Zero
	}
	lots := f.Protocol.Div(burnAmount).Round(0, fpmath.RoundDown)
	burned := lots.Mul(burnAmount)
	f.Protocol = f.Protocol.Sub(burned)
	f.Burned = f.Burned.Add(burned)
	return burned
}

// Take withdraws up to the accrued protocol and treasury balances.
func (f *FeeDistributor) Take(protocol, treasury fpmath.Decimal) error {
	if protocol.IsNegative() || treasury.IsNegative() {
		return fmt.Errorf("%w: negative fee collection", ErrInvalidAmount)
	}
	if protocol.GreaterThan(f.Protocol) || treasury.GreaterThan(f.Treasury) {
		return fmt.Errorf("%w: fee balance protocol=%s treasury=%s", ErrInsufficientTokens, f.Protocol, f.Treasury)
	}
	f.Protocol = f.Protocol.Sub(protocol)
	f.Treasury = f.Treasury.Sub(treasury)
	return nil
}
