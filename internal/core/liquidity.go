package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
)

func (s *session) lpDiv() (int32, error) {
	return s.x.custody.Divisibility(s.x.opts.LPResource)
}

// requireBaseAmount rejects non-positive amounts and amounts finer than the
// base divisibility.
func (s *session) requireBaseAmount(what string, amount fpmath.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidArgument, what)
	}
	if !amount.Round(s.baseDiv(), fpmath.RoundDown).Equal(amount) {
		return fmt.Errorf("%w: %s %s exceeds divisibility %d", ErrInvalidArgument, what, amount, s.baseDiv())
	}
	return nil
}

// AddLiquidity deposits payment base into the pool and mints shares to the
// caller at the current share price, net of fee_liquidity_add.
func (x *Exchange) AddLiquidity(ctx context.Context, call Call, payment fpmath.Decimal) (*Result, error) {
	return x.run(ctx, "add_liquidity", call, func(s *session) error {
		if err := s.requireBaseAmount("payment", payment); err != nil {
			return err
		}
		lpDiv, err := s.lpDiv()
		if err != nil {
			return err
		}

		valueBefore := s.pool.Value()
		supply := s.pool.LPSupply

		if err := s.pool.Deposit(payment); err != nil {
			return err
		}
		s.transfer(s.caller(), custody.PoolWallet, s.base(), payment)

		fee := payment.Mul(s.exchange().FeeLiquidityAdd)
		split := s.distributeFee(fee, nil)
		net := payment.Sub(fee)

		minted := net
		if supply.IsPositive() {
			if !valueBefore.IsPositive() {
				return fmt.Errorf("%w: value %s with supply %s", ErrPoolEmpty, valueBefore, supply)
			}
			minted = net.Mul(supply).Div(valueBefore)
		}
		minted = minted.Round(lpDiv, fpmath.RoundDown)
		if !minted.IsPositive() {
			return fmt.Errorf("%w: payment %s mints no shares", ErrInvalidArgument, payment)
		}
		s.pool.LPSupply = s.pool.LPSupply.Add(minted)
		s.transfer(custody.ExternalWallet, s.caller(), s.x.opts.LPResource, minted)

		s.emit(&event.LiquidityAdded{
			Provider:  s.caller(),
			Payment:   payment,
			Fee:       split,
			Minted:    minted,
			PoolValue: s.pool.Value(),
		})
		s.result.Amount = minted
		return s.burnProtocolFees()
	})
}

// RemoveLiquidity burns lp shares and pays their value, net of
// fee_liquidity_remove, to the caller. The pool must stay under its skew cap.
func (x *Exchange) RemoveLiquidity(ctx context.Context, call Call, lp fpmath.Decimal) (*Result, error) {
	return x.run(ctx, "remove_liquidity", call, func(s *session) error {
		if !lp.IsPositive() {
			return fmt.Errorf("%w: shares must be positive", ErrInvalidArgument)
		}
		lpDiv, err := s.lpDiv()
		if err != nil {
			return err
		}
		if !lp.Round(lpDiv, fpmath.RoundDown).Equal(lp) {
			return fmt.Errorf("%w: shares %s exceed divisibility %d", ErrInvalidArgument, lp, lpDiv)
		}
		supply := s.pool.LPSupply
		if lp.GreaterThan(supply) {
			return fmt.Errorf("%w: %s shares of %s outstanding", ErrInvalidArgument, lp, supply)
		}

		value := lp.Mul(s.pool.Value()).Div(supply)
		if !value.IsPositive() {
			return fmt.Errorf("%w: share value %s", ErrPoolEmpty, value)
		}
		s.pool.LPSupply = supply.Sub(lp)
		s.transfer(s.caller(), custody.ExternalWallet, s.x.opts.LPResource, lp)

		fee := value.Mul(s.exchange().FeeLiquidityRemove)
		split := s.distributeFee(fee, nil)
		paid, err := s.payout(s.caller(), value.Sub(fee))
		if err != nil {
			return err
		}

		ex := s.exchange()
		if ratio := s.pool.SkewRatio(); !ratio.LessThan(ex.SkewRatioCap) {
			return fmt.Errorf("%w: pool skew ratio %s >= %s", ErrSkewCap, ratio, ex.SkewRatioCap)
		}

		s.emit(&event.LiquidityRemoved{
			Provider:  s.caller(),
			Burned:    lp,
			Value:     value,
			Fee:       split,
			Payout:    paid,
			PoolValue: s.pool.Value(),
		})
		s.result.Amount = paid
		return s.burnProtocolFees()
	})
}

// SwapDebt lets the caller repay part of an account's negative virtual
// balance with base, receiving the account's collateral at its discounted
// price. At most payment is taken.
func (x *Exchange) SwapDebt(ctx context.Context, call Call, accountID, resource string, payment fpmath.Decimal) (*Result, error) {
	return x.run(ctx, "swap_debt", call, func(s *session) error {
		if err := s.requireBaseAmount("payment", payment); err != nil {
			return err
		}
		if resource == s.base() {
			return fmt.Errorf("%w: base collateral already nets against debt", ErrInvalidArgument)
		}
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}
		if !acct.VirtualBalance.IsNegative() {
			return fmt.Errorf("%w: account %s virtual balance %s", ErrNoDebt, accountID, acct.VirtualBalance)
		}

		cc, err := s.cfg.Collateral(resource)
		if err != nil {
			return err
		}
		price, err := s.prices.CollateralPrice(resource)
		if err != nil {
			return err
		}
		div, err := s.x.custody.Divisibility(resource)
		if err != nil {
			return err
		}
		unit := price.Mul(cc.Discount)
		if !unit.IsPositive() {
			return fmt.Errorf("%w: %s has no value", ErrInvalidArgument, resource)
		}

		held := acct.Collateral(resource)
		repay := fpmath.Min(payment, acct.VirtualBalance.Neg())
		repay = fpmath.Min(repay, held.Mul(unit)).Round(s.baseDiv(), fpmath.RoundDown)
		out := repay.Div(unit).Round(div, fpmath.RoundDown)
		if !repay.IsPositive() || !out.IsPositive() {
			return fmt.Errorf("%w: nothing to swap", ErrInvalidArgument)
		}

		if err := acct.RemoveCollateral([]custody.Bucket{{Resource: resource, Amount: out}}); err != nil {
			return err
		}
		if err := s.pool.Deposit(repay); err != nil {
			return err
		}
		acct.AddVirtualBalance(repay)
		s.pool.AddVirtualBalance(repay.Neg())
		s.transfer(s.caller(), custody.PoolWallet, s.base(), repay)
		s.transfer(custody.PoolWallet, s.caller(), resource, out)

		s.emit(&event.DebtSwapped{
			AccountID:     accountID,
			Payer:         s.caller(),
			Resource:      resource,
			Price:         price,
			Repaid:        repay,
			CollateralOut: out,
			Refund:        payment.Sub(repay),
		})
		s.result.Amount = repay
		return nil
	})
}
