package state

import (
	"fmt"

	"PerpSettle/internal/config"
	fpmath "PerpSettle/internal/math"
)

// PoolPosition is the pool's aggregate exposure in one pair. Entries are created
// on first access and never deleted.
type PoolPosition struct {
	OILong            fpmath.Decimal `json:"oi_long"`
	OIShort           fpmath.Decimal `json:"oi_short"`
	Cost              fpmath.Decimal `json:"cost"`
	FundingLongIndex  fpmath.Decimal `json:"funding_long_index"`
	FundingShortIndex fpmath.Decimal `json:"funding_short_index"`
	Funding2Rate      fpmath.Decimal `json:"funding_2_rate"`
	SkewAbsSnap       fpmath.Decimal `json:"skew_abs_snap"`
	PnlSnap           fpmath.Decimal `json:"pnl_snap"`
	LastPrice         fpmath.Decimal `json:"last_price"`
	LastUpdate        int64          `json:"last_update"`
}

// OINet is oi_long - oi_short.
func (p *PoolPosition) OINet() fpmath.Decimal {
	return p.OILong.Sub(p.OIShort)
}

// FundingIndex returns the index owed by holders on the side of amount.
func (p *PoolPosition) FundingIndex(amount fpmath.Decimal) fpmath.Decimal {
	if amount.IsNegative() {
		return p.FundingShortIndex
	}
	return p.FundingLongIndex
}

// Pool is the liquidity pool ledger. Value is kept as an O(1) running total:
// every pair mutation also applies its snapshot delta to the aggregate here.
type Pool struct {
	BaseBalance           fpmath.Decimal                  `json:"base_balance"`
	VirtualBalance        fpmath.Decimal                  `json:"virtual_balance"`
	UnrealizedPoolFunding fpmath.Decimal                  `json:"unrealized_pool_funding"`
	SkewAbsSnap           fpmath.Decimal                  `json:"skew_abs_snap"`
	PnlSnap               fpmath.Decimal                  `json:"pnl_snap"`
	LPSupply              fpmath.Decimal                  `json:"lp_supply"`
	Positions             map[config.PairID]*PoolPosition `json:"positions"`
}

func NewPool() *Pool {
	return &Pool{Positions: make(map[config.PairID]*PoolPosition)}
}

// Position returns a copy of the pair entry, zero-valued if absent.
func (p *Pool) Position(pair config.PairID) PoolPosition {
	if pos, ok := p.Positions[pair]; ok {
		return *pos
	}
	return PoolPosition{}
}

// PositionMut returns the pair entry, creating it on first access.
func (p *Pool) PositionMut(pair config.PairID) *PoolPosition {
	if p.Positions == nil {
		p.Positions = make(map[config.PairID]*PoolPosition)
	}
	pos, ok := p.Positions[pair]
	if !ok {
		pos = &PoolPosition{}
		p.Positions[pair] = pos
	}
	return pos
}

// Deposit adds custodied base tokens.
func (p *Pool) Deposit(amount fpmath.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}
	p.BaseBalance = p.BaseBalance.Add(amount)
	return nil
}

// Withdraw removes custodied base tokens, rounded to the base divisibility
// with mode. It returns the amount actually withdrawn.
func (p *Pool) Withdraw(amount fpmath.Decimal, divisibility int32, mode fpmath.RoundingMode) (fpmath.Decimal, error) {
	if amount.IsNegative() {
		return fpmath.Zero, fmt.Errorf("%w: withdraw %s", ErrInvalidAmount, amount)
	}
	out := amount.Round(divisibility, mode)
	if out.GreaterThan(p.BaseBalance) {
		return fpmath.Zero, fmt.Errorf("%w: have %s, need %s", ErrInsufficientTokens, p.BaseBalance, out)
	}
	p.BaseBalance = p.BaseBalance.Sub(out)
	return out, nil
}

func (p *Pool) AddVirtualBalance(delta fpmath.Decimal) {
	p.VirtualBalance = p.VirtualBalance.Add(delta)
}

func (p *Pool) AddSkewAbsSnap(delta fpmath.Decimal) {
	p.SkewAbsSnap = p.SkewAbsSnap.Add(delta)
}

func (p *Pool) AddPnlSnap(delta fpmath.Decimal) {
	p.PnlSnap = p.PnlSnap.Add(delta)
}

func (p *Pool) AddUnrealizedPoolFunding(delta fpmath.Decimal) {
	p.UnrealizedPoolFunding = p.UnrealizedPoolFunding.Add(delta)
}

// Value = base + virtual + unrealized pool funding + pnl snapshot.
func (p *Pool) Value() fpmath.Decimal {
	return p.BaseBalance.Add(p.VirtualBalance).Add(p.UnrealizedPoolFunding).Add(p.PnlSnap)
}

// SkewRatio = |skew_abs_snap| / max(value, 1).
func (p *Pool) SkewRatio() fpmath.Decimal {
	return p.SkewAbsSnap.Abs().Div(fpmath.Max(p.Value(), fpmath.One))
}

// LPPrice is the base value of one pool share; 1 before the first deposit.
func (p *Pool) LPPrice() fpmath.Decimal {
	if p.LPSupply.IsZero() {
		return fpmath.One
	}
	return p.Value().Div(p.LPSupply)
}
