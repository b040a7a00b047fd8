package core

import (
	"fmt"

	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// health is an account's value and margin requirement at current prices.
type health struct {
	Value           fpmath.Decimal
	Margin          fpmath.Decimal
	PositionsPnl    fpmath.Decimal
	CollateralValue fpmath.Decimal // discounted, non-base
	BaseCollateral  fpmath.Decimal
}

func (h health) Solvent() bool {
	return h.Value.GreaterThanOrEqual(h.Margin)
}

// accountHealth values an account: virtual balance, unrealized pnl net of
// pending funding, and discounted collateral. Base collateral counts at face
// value. Positions use margin_initial or margin_maintenance.
func (s *session) accountHealth(acct *state.Account, maintenance bool) (health, error) {
	var h health
	for _, pair := range acct.PositionPairs() {
		pc, err := s.cfg.Pair(pair)
		if err != nil {
			return h, err
		}
		price, err := s.prices.Price(pair)
		if err != nil {
			return h, err
		}
		pos := acct.Position(pair)
		pp := s.pool.Position(pair)

		ratio := pc.MarginInitial
		if maintenance {
			ratio = pc.MarginMaintenance
		}
		h.PositionsPnl = h.PositionsPnl.Add(pos.UnrealizedPnl(price, &pp))
		h.Margin = h.Margin.Add(pos.Value(price).Abs().Mul(ratio))
	}

	for _, res := range acct.CollateralResources() {
		amount := acct.Collateral(res)
		if res == s.base() {
			h.BaseCollateral = h.BaseCollateral.Add(amount)
			continue
		}
		value, margin, err := s.collateralValue(res, amount)
		if err != nil {
			return h, err
		}
		h.CollateralValue = h.CollateralValue.Add(value)
		h.Margin = h.Margin.Add(margin)
	}

	h.Value = acct.VirtualBalance.Add(h.PositionsPnl).Add(h.CollateralValue).Add(h.BaseCollateral)
	return h, nil
}

// collateralValue is amount*price*discount and the margin held against it.
func (s *session) collateralValue(resource string, amount fpmath.Decimal) (value, margin fpmath.Decimal, err error) {
	cc, err := s.cfg.Collateral(resource)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	price, err := s.prices.CollateralPrice(resource)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	value = amount.Mul(price).Mul(cc.Discount)
	return value, value.Mul(cc.Margin), nil
}

// requireInitialMargin fails unless the account covers its initial margin.
func (s *session) requireInitialMargin(acct *state.Account) error {
	h, err := s.accountHealth(acct, false)
	if err != nil {
		return err
	}
	if !h.Solvent() {
		return fmt.Errorf("%w: account %s value %s < margin %s", ErrInsufficientMargin, acct.ID, h.Value, h.Margin)
	}
	return nil
}

// settleFunding realizes a position's pending funding against the pool and
// resets its index. It returns the amount paid (negative: received).
func (s *session) settleFunding(acct *state.Account, pair config.PairID) (fpmath.Decimal, error) {
	pos := acct.Position(pair)
	if pos.IsFlat() {
		return fpmath.Zero, nil
	}
	pp := s.pool.PositionMut(pair)
	paid := pos.PendingFunding(pp)

	acct.AddVirtualBalance(paid.Neg())
	s.pool.AddVirtualBalance(paid)
	s.pool.AddUnrealizedPoolFunding(paid.Neg())

	pos.FundingIndex = pp.FundingIndex(pos.Amount)
	if err := acct.UpdatePosition(pair, pos, s.exchange().PositionsMax); err != nil {
		return fpmath.Zero, err
	}

	if !paid.IsZero() {
		s.emit(&event.FundingSettled{
			AccountID: acct.ID,
			Pair:      string(pair),
			Amount:    paid,
			Index:     pos.FundingIndex,
		})
	}
	return paid, nil
}

// distributeFee moves the protocol, treasury and referral shares of a fee
// already credited to the pool out of its virtual balance. The pool keeps
// the remainder.
func (s *session) distributeFee(fee fpmath.Decimal, ref *state.Referral) event.FeeSplit {
	split := event.FeeSplit{Total: fee}
	if !fee.IsPositive() {
		return split
	}
	ex := s.exchange()
	split.Protocol = fee.Mul(ex.FeeShareProtocol)
	split.Treasury = fee.Mul(ex.FeeShareTreasury)
	if ref != nil {
		split.Referral = fee.Mul(ex.FeeShareReferral).Mul(ref.Rate())
		ref.AddRewards(split.Referral)
	}
	split.Pool = fee.Sub(split.Protocol).Sub(split.Treasury).Sub(split.Referral)

	s.pool.AddVirtualBalance(split.Protocol.Add(split.Treasury).Add(split.Referral).Neg())
	s.fees.Add(split.Protocol, split.Treasury)

	if m := s.x.metrics; m != nil {
		m.FeesCollected.WithLabelValues("pool").Add(split.Pool.Float64())
		m.FeesCollected.WithLabelValues("protocol").Add(split.Protocol.Float64())
		m.FeesCollected.WithLabelValues("treasury").Add(split.Treasury.Float64())
		m.FeesCollected.WithLabelValues("referral").Add(split.Referral.Float64())
	}
	return split
}

// burnProtocolFees emits a burn once the protocol balance reaches
// protocol_burn_amount. Burned base leaves the pool to the external boundary.
func (s *session) burnProtocolFees() error {
	burned := s.fees.Burn(s.exchange().ProtocolBurnAmount)
	if !burned.IsPositive() {
		return nil
	}
	s.pool.AddVirtualBalance(burned)
	out, err := s.payout(custody.ExternalWallet, burned)
	if err != nil {
		return fmt.Errorf("protocol burn: %w", err)
	}
	s.emit(&event.ProtocolBurn{Amount: out})
	if s.x.metrics != nil {
		s.x.metrics.ProtocolBurns.Add(out.Float64())
	}
	return nil
}

// closeAtOracle fully closes a position without a trading fee, realizing
// value - cost against the pool. Funding must already be settled.
func (s *session) closeAtOracle(acct *state.Account, pair config.PairID, price fpmath.Decimal) fpmath.Decimal {
	pos := acct.Position(pair)
	pp := s.pool.PositionMut(pair)

	pnl := pos.Value(price).Sub(pos.Cost)
	if pos.Amount.IsPositive() {
		pp.OILong = pp.OILong.Sub(pos.Amount)
	} else {
		pp.OIShort = pp.OIShort.Sub(pos.Amount.Abs())
	}
	pp.Cost = pp.Cost.Sub(pos.Cost)

	acct.AddVirtualBalance(pnl)
	s.pool.AddVirtualBalance(pnl.Neg())
	acct.RemovePosition(pair)
	s.refreshSnapshots(pp, price)
	return pnl
}
