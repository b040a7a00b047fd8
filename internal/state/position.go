// internal/state/position.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// AccountPosition is an account's open position in one pair. Amount is signed:
// positive long, negative short. Cost is the signed entry cost including fees.
type AccountPosition struct {
	Amount       fpmath.Decimal `json:"amount"`
	Cost         fpmath.Decimal `json:"cost"`
	FundingIndex fpmath.Decimal `json:"funding_index"`
}

// IsFlat returns true if position has no exposure
func (p *AccountPosition) IsFlat() bool {
	return p.Amount.IsZero()
}

// Value is the signed mark value at price.
func (p *AccountPosition) Value(price fpmath.Decimal) fpmath.Decimal {
	return p.Amount.Mul(price)
}

// PendingFunding is the funding owed by this position since it last settled.
// Negative means the position is owed funding.
func (p *AccountPosition) PendingFunding(pool *PoolPosition) fpmath.Decimal {
	if p.IsFlat() {
		return fpmath.Zero
	}
	return pool.FundingIndex(p.Amount).Sub(p.FundingIndex).Mul(p.Amount.Abs())
}

// UnrealizedPnl = value - cost - pending funding.
func (p *AccountPosition) UnrealizedPnl(price fpmath.Decimal, pool *PoolPosition) fpmath.Decimal {
	return p.Value(price).Sub(p.Cost).Sub(p.PendingFunding(pool))
}

// ProratedCost is the share of cost carried by closing amountClose of the
// position. amountClose has the opposite sign of Amount.
func (p *AccountPosition) ProratedCost(amountClose fpmath.Decimal) fpmath.Decimal {
	if p.IsFlat() {
		return fpmath.Zero
	}
	if amountClose.Abs().Equal(p.Amount.Abs()) {
		return p.Cost
	}
	return p.Cost.Mul(amountClose.Abs()).Div(p.Amount.Abs())
}
