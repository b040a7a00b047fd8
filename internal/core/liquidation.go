package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

const (
	LiquidationSell    = 1 // collateral sold to the liquidator for base
	LiquidationInKind  = 2 // collateral moved to a receiving account
	liquidationModeMax = LiquidationInKind
)

// Liquidate liquidates an undercollateralized account, selling its
// collateral to the caller at the discounted value. payment is the most
// base the caller will pay.
func (x *Exchange) Liquidate(ctx context.Context, call Call, accountID string, payment fpmath.Decimal) (*Result, error) {
	return x.run(ctx, "liquidate", call, func(s *session) error {
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}
		evt, err := s.liquidate(acct, LiquidationSell)
		if err != nil {
			return err
		}

		price := evt.CollateralValue.Round(s.baseDiv(), fpmath.RoundUp)
		if payment.LessThan(price) {
			return fmt.Errorf("%w: %s < %s", ErrInsufficientPayment, payment, price)
		}
		if err := s.pool.Deposit(price); err != nil {
			return err
		}
		s.transfer(s.caller(), custody.PoolWallet, s.base(), price)
		for _, b := range evt.Collateral {
			s.transfer(custody.PoolWallet, s.caller(), b.Resource, b.Amount)
		}
		acct.AddVirtualBalance(price)
		s.pool.AddVirtualBalance(price.Neg())

		s.result.Amount = price
		return s.settleLiquidation(acct, evt)
	})
}

// LiquidateV2 liquidates an account moving its collateral in kind to
// receiverID, which pays the discounted value from its virtual balance and
// must stay solvent. The caller needs trade rights on the receiver.
func (x *Exchange) LiquidateV2(ctx context.Context, call Call, accountID, receiverID string) (*Result, error) {
	return x.run(ctx, "liquidate_v2", call, func(s *session) error {
		if accountID == receiverID {
			return fmt.Errorf("%w: receiver is the liquidated account", ErrInvalidArgument)
		}
		receiver, err := s.authorize(receiverID, auth.LevelTrade)
		if err != nil {
			return err
		}
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}
		evt, err := s.liquidate(acct, LiquidationInKind)
		if err != nil {
			return err
		}
		evt.Receiver = receiverID

		if err := receiver.AddCollateral(evt.Collateral, s.base(), s.exchange().CollateralsMax); err != nil {
			return err
		}
		receiver.AddVirtualBalance(evt.CollateralValue.Neg())
		acct.AddVirtualBalance(evt.CollateralValue)

		if err := s.settleLiquidation(acct, evt); err != nil {
			return err
		}
		return s.requireInitialMargin(receiver)
	})
}

// liquidate closes every position of acct and strips its collateral. It
// fails with ErrSufficientMargin unless the account value is below its
// maintenance margin. Collateral leaves the account but is not yet paid for.
func (s *session) liquidate(acct *state.Account, mode int) (*event.Liquidation, error) {
	if mode < LiquidationSell || mode > liquidationModeMax {
		return nil, fmt.Errorf("%w: liquidation mode %d", ErrInvalidArgument, mode)
	}
	evt := &event.Liquidation{AccountID: acct.ID, Mode: mode, Liquidator: s.caller()}

	margin := fpmath.Zero
	for _, pair := range acct.PositionPairs() {
		pc, err := s.cfg.Pair(pair)
		if err != nil {
			return nil, err
		}
		if _, err := s.updatePair(pair); err != nil {
			return nil, err
		}
		price, err := s.prices.Price(pair)
		if err != nil {
			return nil, err
		}
		funding, err := s.settleFunding(acct, pair)
		if err != nil {
			return nil, err
		}

		pos := acct.Position(pair)
		margin = margin.Add(pos.Value(price).Abs().Mul(pc.MarginMaintenance))
		pnl := s.closeAtOracle(acct, pair, price)
		evt.Positions = append(evt.Positions, event.ClosedPosition{
			Pair:    string(pair),
			Amount:  pos.Amount,
			Price:   price,
			Pnl:     pnl,
			Funding: funding,
		})
	}

	for _, res := range acct.CollateralResources() {
		amount := acct.Collateral(res)
		if res == s.base() {
			evt.BaseCollateral = amount
			continue
		}
		value, m, err := s.collateralValue(res, amount)
		if err != nil {
			return nil, err
		}
		evt.CollateralValue = evt.CollateralValue.Add(value)
		margin = margin.Add(m)
		evt.Collateral = append(evt.Collateral, custody.Bucket{Resource: res, Amount: amount})
	}
	evt.Margin = margin

	value := acct.VirtualBalance.Add(evt.CollateralValue).Add(evt.BaseCollateral)
	if value.GreaterThanOrEqual(margin) {
		return nil, fmt.Errorf("%w: account %s value %s >= margin %s", ErrSufficientMargin, acct.ID, value, margin)
	}

	if err := acct.RemoveCollateral(evt.Collateral); err != nil {
		return nil, err
	}
	if evt.BaseCollateral.IsPositive() {
		if err := acct.RemoveCollateral([]custody.Bucket{{Resource: s.base(), Amount: evt.BaseCollateral}}); err != nil {
			return nil, err
		}
		if err := s.pool.Deposit(evt.BaseCollateral); err != nil {
			return nil, err
		}
		acct.AddVirtualBalance(evt.BaseCollateral)
		s.pool.AddVirtualBalance(evt.BaseCollateral.Neg())
	}
	return evt, nil
}

// settleLiquidation writes off a negative remaining virtual balance as pool
// loss and fences old requests.
func (s *session) settleLiquidation(acct *state.Account, evt *event.Liquidation) error {
	if acct.VirtualBalance.IsNegative() {
		evt.PoolLoss = acct.VirtualBalance.Neg()
		s.pool.AddVirtualBalance(acct.VirtualBalance)
		acct.VirtualBalance = fpmath.Zero
	}
	evt.VirtualBalance = acct.VirtualBalance

	acct.InvalidateRequests()
	evt.ValidFrom = acct.ValidRequestsStart
	s.emit(evt)

	if m := s.x.metrics; m != nil {
		m.Liquidations.WithLabelValues(fmt.Sprint(evt.Mode)).Inc()
		m.PoolLoss.Add(evt.PoolLoss.Float64())
	}
	if evt.PoolLoss.IsPositive() {
		s.x.log.Warn().
			Str("account", acct.ID).
			Str("pool_loss", evt.PoolLoss.String()).
			Msg("liquidation left uninsured loss")
	}
	return nil
}

// AutoDeleverage force-closes a profitable position while pool skew is above
// its cap. The close must strictly reduce the skew ratio.
func (x *Exchange) AutoDeleverage(ctx context.Context, call Call, accountID string, pair config.PairID) (*Result, error) {
	return x.run(ctx, "auto_deleverage", call, func(s *session) error {
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}
		if _, err := s.updatePair(pair); err != nil {
			return err
		}

		ex := s.exchange()
		ratio0 := s.pool.SkewRatio()
		if !ratio0.GreaterThan(ex.SkewRatioCap) {
			return fmt.Errorf("%w: %s <= %s", ErrSkewWithinCap, ratio0, ex.SkewRatioCap)
		}
		if pos := acct.Position(pair); pos.IsFlat() {
			return fmt.Errorf("%w: %s in %s", ErrNoPosition, accountID, pair)
		}
		if _, err := s.settleFunding(acct, pair); err != nil {
			return err
		}

		price, err := s.prices.Price(pair)
		if err != nil {
			return err
		}
		pos := acct.Position(pair)
		if pos.Cost.IsZero() {
			return fmt.Errorf("%w: zero cost basis", ErrADLThreshold)
		}
		pnlPercent := pos.Value(price).Sub(pos.Cost).Div(pos.Cost)
		threshold := fpmath.ADLThreshold(ratio0, ex.ADLOffset, ex.ADLA, ex.ADLB)
		if !pnlPercent.GreaterThan(threshold) {
			return fmt.Errorf("%w: pnl %s <= %s", ErrADLThreshold, pnlPercent, threshold)
		}

		pnl := s.closeAtOracle(acct, pair, price)
		ratio1 := s.pool.SkewRatio()
		if !ratio1.LessThan(ratio0) {
			return fmt.Errorf("%w: %s -> %s", ErrSkewNotReduced, ratio0, ratio1)
		}

		s.emit(&event.AutoDeleverage{
			AccountID:       accountID,
			Pair:            string(pair),
			Amount:          pos.Amount,
			Price:           price,
			Pnl:             pnl,
			PnlPercent:      pnlPercent,
			Threshold:       threshold,
			SkewRatioBefore: ratio0,
			SkewRatioAfter:  ratio1,
		})
		if s.x.metrics != nil {
			s.x.metrics.AutoDeleverages.Inc()
		}
		s.x.log.Warn().
			Str("account", accountID).
			Str("pair", string(pair)).
			Str("skew_ratio", ratio0.String()).
			Msg("position auto-deleveraged")
		return nil
	})
}
