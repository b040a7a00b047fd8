package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// OrderRequest is the input of margin_order_request.
type OrderRequest struct {
	AccountID string              `json:"account_id"`
	Delay     int64               `json:"delay"`
	TTL       int64               `json:"ttl"`
	Order     state.MarginOrder   `json:"order"`
	Status    state.RequestStatus `json:"status"`
}

// TPSLRequest is the input of margin_order_tp_sl_request. The main order is
// created Active; take-profit and stop-loss legs are created Dormant,
// reduce-only and opposite in size, activated by the main order and each
// cancelling the other.
type TPSLRequest struct {
	AccountID  string            `json:"account_id"`
	Delay      int64             `json:"delay"`
	TTL        int64             `json:"ttl"`
	Order      state.MarginOrder `json:"order"`
	TakeProfit *fpmath.Decimal   `json:"take_profit,omitempty"`
	StopLoss   *fpmath.Decimal   `json:"stop_loss,omitempty"`
	// TTL of the legs from the main order's submission; zero means TTL
	LegTTL int64 `json:"leg_ttl"`
}

// WithdrawRequest is the input of remove_collateral_request.
type WithdrawRequest struct {
	AccountID string           `json:"account_id"`
	TTL       int64            `json:"ttl"`
	Target    string           `json:"target"`
	Claims    []custody.Bucket `json:"claims"`
}

// MarginOrderRequest queues a margin order for a keeper.
func (x *Exchange) MarginOrderRequest(ctx context.Context, call Call, req OrderRequest) (*Result, error) {
	return x.run(ctx, "margin_order_request", call, func(s *session) error {
		acct, err := s.authorize(req.AccountID, auth.LevelTrade)
		if err != nil {
			return err
		}
		if err := s.validateOrder(&req.Order); err != nil {
			return err
		}
		order := req.Order
		_, err = s.pushRequest(acct, state.Request{Kind: state.RequestKindMarginOrder, MarginOrder: &order}, req.Status, req.Delay, req.TTL, nil)
		return err
	})
}

// MarginOrderTPSLRequest queues a main order with optional TP and SL legs.
func (x *Exchange) MarginOrderTPSLRequest(ctx context.Context, call Call, req TPSLRequest) (*Result, error) {
	return x.run(ctx, "margin_order_tp_sl_request", call, func(s *session) error {
		acct, err := s.authorize(req.AccountID, auth.LevelTrade)
		if err != nil {
			return err
		}
		if err := s.validateOrder(&req.Order); err != nil {
			return err
		}
		if req.TakeProfit == nil && req.StopLoss == nil {
			return fmt.Errorf("%w: take profit or stop loss required", ErrInvalidArgument)
		}

		long := req.Order.Amount.IsPositive()
		next := uint64(len(acct.Requests)) + 1
		var tpIndex, slIndex *uint64
		if req.TakeProfit != nil {
			i := next
			tpIndex = &i
			next++
		}
		if req.StopLoss != nil {
			i := next
			slIndex = &i
		}

		leg := func(price fpmath.Decimal, gte bool, sibling *uint64) *state.MarginOrder {
			kind := state.PriceLimitLte
			if gte {
				kind = state.PriceLimitGte
			}
			o := &state.MarginOrder{
				Pair:       req.Order.Pair,
				Amount:     req.Order.Amount.Neg(),
				ReduceOnly: true,
				PriceLimit: state.PriceLimit{Kind: kind, Price: price},
			}
			if sibling != nil {
				o.Cancel = []uint64{*sibling}
			}
			return o
		}

		legTTL := req.LegTTL
		if legTTL == 0 {
			legTTL = req.TTL
		}

		main := req.Order
		var legs []*state.MarginOrder
		if tpIndex != nil {
			main.Activate = append(main.Activate, *tpIndex)
			legs = append(legs, leg(*req.TakeProfit, long, slIndex))
		}
		if slIndex != nil {
			main.Activate = append(main.Activate, *slIndex)
			legs = append(legs, leg(*req.StopLoss, !long, tpIndex))
		}

		if _, err := s.pushRequest(acct, state.Request{Kind: state.RequestKindMarginOrder, MarginOrder: &main}, state.RequestActive, req.Delay, req.TTL, nil); err != nil {
			return err
		}
		for _, o := range legs {
			if _, err := s.pushRequest(acct, state.Request{Kind: state.RequestKindMarginOrder, MarginOrder: o}, state.RequestDormant, req.Delay, legTTL, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveCollateralRequest queues a withdrawal of claims to target.
func (x *Exchange) RemoveCollateralRequest(ctx context.Context, call Call, req WithdrawRequest) (*Result, error) {
	return x.run(ctx, "remove_collateral_request", call, func(s *session) error {
		acct, err := s.authorize(req.AccountID, auth.LevelWithdraw)
		if err != nil {
			return err
		}
		if len(req.Claims) == 0 {
			return fmt.Errorf("%w: no claims", ErrInvalidArgument)
		}
		if limit := s.exchange().ClaimsMax; len(req.Claims) > limit {
			return fmt.Errorf("%w: %d > %d", ErrClaimsCap, len(req.Claims), limit)
		}
		for _, c := range req.Claims {
			if !c.Amount.IsPositive() {
				return fmt.Errorf("%w: claim %s %s", state.ErrInvalidAmount, c.Resource, c.Amount)
			}
			div, err := s.x.custody.Divisibility(c.Resource)
			if err != nil {
				return err
			}
			if !c.Amount.Round(div, fpmath.RoundDown).Equal(c.Amount) {
				return fmt.Errorf("%w: claim %s %s exceeds divisibility %d", ErrInvalidArgument, c.Resource, c.Amount, div)
			}
			if err := s.x.custody.AcceptsDeposit(s.ctx, req.Target, c.Resource); err != nil {
				return err
			}
		}
		payload := state.Request{
			Kind:             state.RequestKindRemoveCollateral,
			RemoveCollateral: &state.RemoveCollateral{Target: req.Target, Claims: req.Claims},
		}
		_, err = s.pushRequest(acct, payload, state.RequestActive, 0, req.TTL, []string{req.Target})
		return err
	})
}

// CancelRequests cancels pending requests of an account.
func (x *Exchange) CancelRequests(ctx context.Context, call Call, accountID string, indexes []uint64) (*Result, error) {
	return x.run(ctx, "cancel_requests", call, func(s *session) error {
		acct, err := s.authorize(accountID, auth.LevelTrade)
		if err != nil {
			return err
		}
		if err := acct.CancelRequests(indexes, s.now); err != nil {
			return err
		}
		s.result.Indexes = indexes
		s.emit(&event.RequestsCancelled{AccountID: accountID, Indexes: indexes})
		return nil
	})
}

// ProcessRequest executes or expires a request. Executing charges the
// account reward_keeper, paid out to the caller.
func (x *Exchange) ProcessRequest(ctx context.Context, call Call, accountID string, index uint64) (*Result, error) {
	return x.run(ctx, "process_request", call, func(s *session) error {
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}
		req, expired, err := acct.ProcessRequest(index, s.now)
		if err != nil {
			return err
		}
		s.result.Indexes = []uint64{index}
		if expired {
			s.emit(&event.RequestProcessed{AccountID: accountID, Index: index, Status: req.Status.String(), Keeper: s.caller()})
			return nil
		}

		reward := s.exchange().RewardKeeper
		if reward.IsPositive() {
			acct.AddVirtualBalance(reward.Neg())
			s.pool.AddVirtualBalance(reward)
			if reward, err = s.payout(s.caller(), reward); err != nil {
				return fmt.Errorf("keeper reward: %w", err)
			}
			if s.x.metrics != nil {
				s.x.metrics.KeeperRewards.WithLabelValues("process_request").Add(reward.Float64())
			}
		}
		s.result.Reward = reward

		switch req.Payload.Kind {
		case state.RequestKindMarginOrder:
			err = s.executeMarginOrder(acct, index, req.Payload.MarginOrder)
		case state.RequestKindRemoveCollateral:
			err = s.executeRemoveCollateral(acct, index, req.Payload.RemoveCollateral)
		default:
			err = state.ErrInvalidRequestKind
		}
		if err != nil {
			return err
		}

		s.emit(&event.RequestProcessed{
			AccountID: accountID,
			Index:     index,
			Status:    req.Status.String(),
			Keeper:    s.caller(),
			Reward:    reward,
		})
		return nil
	})
}

func (s *session) validateOrder(o *state.MarginOrder) error {
	if _, err := s.cfg.Pair(o.Pair); err != nil {
		return err
	}
	if o.Amount.IsZero() {
		return fmt.Errorf("%w: zero order amount", state.ErrInvalidAmount)
	}
	return nil
}

func (s *session) pushRequest(acct *state.Account, payload state.Request, status state.RequestStatus, delay, ttl int64, requiredAuth []string) (uint64, error) {
	if delay < 0 || ttl <= 0 {
		return 0, fmt.Errorf("%w: delay %d ttl %d", ErrInvalidArgument, delay, ttl)
	}
	index, err := acct.PushRequest(payload, status, s.now, delay, ttl, requiredAuth, s.exchange().ActiveRequestsMax)
	if err != nil {
		return 0, err
	}
	req := acct.Requests[index]
	s.result.Indexes = append(s.result.Indexes, index)
	s.emit(&event.RequestCreated{
		AccountID:  acct.ID,
		Index:      index,
		Kind:       string(payload.Kind),
		Status:     status.String(),
		Submission: req.Submission,
		Expiry:     req.Expiry,
	})
	return index, nil
}

// executeMarginOrder trades against the pool at the oracle price: the
// opposing part of the order closes the existing position, the rest opens.
func (s *session) executeMarginOrder(acct *state.Account, index uint64, order *state.MarginOrder) error {
	pair := order.Pair
	pc, err := s.cfg.Pair(pair)
	if err != nil {
		return err
	}
	price, err := s.prices.Price(pair)
	if err != nil {
		return err
	}
	if !order.PriceLimit.Satisfied(price) {
		return fmt.Errorf("%w: %s price %s not %s %s", ErrPriceLimit, pair, price, order.PriceLimit.Kind, order.PriceLimit.Price)
	}

	if _, err := s.updatePair(pair); err != nil {
		return err
	}
	skewRatio0 := s.pool.SkewRatio()
	if _, err := s.settleFunding(acct, pair); err != nil {
		return err
	}

	ex := s.exchange()
	ref, err := s.referral(acct.ReferralID)
	if err != nil {
		return err
	}

	pos := acct.Position(pair)
	amountClose := fpmath.Zero
	if !pos.IsFlat() && pos.Amount.Sign() != order.Amount.Sign() {
		amountClose = fpmath.Min(order.Amount.Abs(), pos.Amount.Abs())
		if order.Amount.IsNegative() {
			amountClose = amountClose.Neg()
		}
	}
	amountOpen := order.Amount.Sub(amountClose)
	if order.ReduceOnly {
		amountOpen = fpmath.Zero
	}

	if order.Amount.Abs().LessThan(pc.TradeSizeMin) {
		return fmt.Errorf("%w: %s < %s", ErrTradeSizeMin, order.Amount.Abs(), pc.TradeSizeMin)
	}

	pp := s.pool.PositionMut(pair)
	evt := &event.MarginOrder{
		AccountID:   acct.ID,
		Index:       index,
		Pair:        string(pair),
		Price:       price,
		AmountClose: amountClose,
		AmountOpen:  amountOpen,
	}

	var valueTotal, feeTotal fpmath.Decimal
	if !amountClose.IsZero() {
		value := amountClose.Mul(price)
		fee := fpmath.TradeFee(value, pp.OINet().Mul(price), pc.Fee0, pc.Fee1, ref.Rebate(), ex.FeeMax)
		prorated := pos.ProratedCost(amountClose)
		pnl := value.Neg().Sub(prorated).Sub(fee)

		pos.Amount = pos.Amount.Add(amountClose)
		pos.Cost = pos.Cost.Sub(prorated)
		if amountClose.IsPositive() {
			pp.OIShort = pp.OIShort.Sub(amountClose)
		} else {
			pp.OILong = pp.OILong.Sub(amountClose.Abs())
		}
		pp.Cost = pp.Cost.Sub(prorated)

		acct.AddVirtualBalance(pnl)
		s.pool.AddVirtualBalance(pnl.Neg())
		evt.Pnl = pnl
		evt.FeeClose = s.distributeFee(fee, ref)

		valueTotal = valueTotal.Add(value.Abs())
		feeTotal = feeTotal.Add(fee)
	}

	if !amountOpen.IsZero() {
		value := amountOpen.Mul(price)
		fee := fpmath.TradeFee(value, pp.OINet().Mul(price), pc.Fee0, pc.Fee1, ref.Rebate(), ex.FeeMax)

		pos.Amount = pos.Amount.Add(amountOpen)
		pos.Cost = pos.Cost.Add(value).Add(fee)
		pos.FundingIndex = pp.FundingIndex(amountOpen)
		if amountOpen.IsPositive() {
			pp.OILong = pp.OILong.Add(amountOpen)
			if pp.OILong.GreaterThan(pc.OIMax) {
				return fmt.Errorf("%w: %s long %s > %s", ErrOIMax, pair, pp.OILong, pc.OIMax)
			}
		} else {
			pp.OIShort = pp.OIShort.Add(amountOpen.Abs())
			if pp.OIShort.GreaterThan(pc.OIMax) {
				return fmt.Errorf("%w: %s short %s > %s", ErrOIMax, pair, pp.OIShort, pc.OIMax)
			}
		}
		pp.Cost = pp.Cost.Add(value).Add(fee)
		evt.FeeOpen = s.distributeFee(fee, ref)

		valueTotal = valueTotal.Add(value.Abs())
		feeTotal = feeTotal.Add(fee)
	}
	s.refreshSnapshots(pp, price)

	if !order.SlippageLimit.Satisfied(feeTotal, valueTotal) {
		return fmt.Errorf("%w: fee %s on %s", ErrSlippage, feeTotal, valueTotal)
	}
	if err := s.burnProtocolFees(); err != nil {
		return err
	}

	activated, err := acct.TrySetStatus(order.Activate, state.RequestActive, s.now)
	if err != nil {
		return err
	}
	cancelled, err := acct.TrySetStatus(order.Cancel, state.RequestCancelled, s.now)
	if err != nil {
		return err
	}
	evt.Activated = activated
	evt.Cancelled = cancelled

	if err := acct.UpdatePosition(pair, pos, ex.PositionsMax); err != nil {
		return err
	}
	if err := s.requireInitialMargin(acct); err != nil {
		return err
	}

	traded := !amountClose.IsZero() || !amountOpen.IsZero()
	if skewRatio1 := s.pool.SkewRatio(); traded && skewRatio1.GreaterThanOrEqual(ex.SkewRatioCap) && skewRatio1.GreaterThanOrEqual(skewRatio0) {
		return fmt.Errorf("%w: %s >= %s and not reduced from %s", ErrSkewCap, skewRatio1, ex.SkewRatioCap, skewRatio0)
	}

	s.emit(evt)
	if len(activated) > 0 {
		s.emit(&event.RequestsActivated{AccountID: acct.ID, Indexes: activated})
	}
	if len(cancelled) > 0 {
		s.emit(&event.RequestsCancelled{AccountID: acct.ID, Indexes: cancelled})
	}
	return nil
}

// executeRemoveCollateral pays claims out to the target. Base claims draw on
// base collateral first, then on positive virtual balance through the pool.
func (s *session) executeRemoveCollateral(acct *state.Account, index uint64, rc *state.RemoveCollateral) error {
	evt := &event.CollateralRemoved{AccountID: acct.ID, Index: index, Target: rc.Target}

	for _, claim := range rc.Claims {
		if claim.Resource != s.base() {
			if err := acct.RemoveCollateral([]custody.Bucket{claim}); err != nil {
				return err
			}
			s.transfer(custody.PoolWallet, rc.Target, claim.Resource, claim.Amount)
			evt.Claims = append(evt.Claims, claim)
			continue
		}

		fromCollateral := fpmath.Min(claim.Amount, acct.Collateral(s.base()))
		if err := acct.RemoveCollateral([]custody.Bucket{{Resource: s.base(), Amount: fromCollateral}}); err != nil {
			return err
		}
		paid := fromCollateral

		if rest := claim.Amount.Sub(fromCollateral); rest.IsPositive() {
			if acct.VirtualBalance.LessThan(rest) {
				return fmt.Errorf("%w: virtual balance %s < %s", state.ErrInsufficientCollat, acct.VirtualBalance, rest)
			}
			out, err := s.pool.Withdraw(rest, s.baseDiv(), fpmath.RoundDown)
			if err != nil {
				return err
			}
			acct.AddVirtualBalance(out.Neg())
			s.pool.AddVirtualBalance(out)
			evt.FromVirtual = evt.FromVirtual.Add(out)
			paid = paid.Add(out)
		}
		s.transfer(custody.PoolWallet, rc.Target, s.base(), paid)
		evt.Claims = append(evt.Claims, custody.Bucket{Resource: s.base(), Amount: paid})
	}

	if err := s.requireInitialMargin(acct); err != nil {
		return err
	}
	for _, c := range evt.Claims {
		if err := s.x.custody.AcceptsDeposit(s.ctx, rc.Target, c.Resource); err != nil {
			return err
		}
	}
	s.emit(evt)
	return nil
}
