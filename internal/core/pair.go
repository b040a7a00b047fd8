package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/config"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// updatePair accrues funding on a pair up to now and refreshes its pool
// snapshots at the current price. It reports whether the pair fired: price
// moved more than update_price_delta_ratio or update_period_seconds elapsed
// since the previous update. A pair never updated before does not fire.
func (s *session) updatePair(pair config.PairID) (bool, error) {
	pc, err := s.cfg.Pair(pair)
	if err != nil {
		return false, err
	}
	price, err := s.prices.Price(pair)
	if err != nil {
		return false, err
	}

	pp := s.pool.PositionMut(pair)
	evt := &event.PairUpdated{Pair: string(pair), Price: price}

	if pp.LastUpdate != 0 {
		elapsed := s.now - pp.LastUpdate
		if elapsed > pc.UpdatePeriodSeconds {
			evt.Fired = true
		}
		if pp.LastPrice.IsPositive() {
			delta := price.Sub(pp.LastPrice).Abs().Div(pp.LastPrice)
			if delta.GreaterThan(pc.UpdatePriceDeltaRatio) {
				evt.Fired = true
			}
		}

		if elapsed > 0 {
			period := fpmath.Period(elapsed)
			tick := fpmath.ComputeFundingTick(fpmath.FundingTickParams{
				OILong:       pp.OILong,
				OIShort:      pp.OIShort,
				Price:        price,
				Funding1:     pc.Funding1,
				Funding2:     pc.Funding2,
				Funding2Rate: pp.Funding2Rate,
				FundingPool0: pc.FundingPool0,
				FundingPool1: pc.FundingPool1,
				FundingShare: pc.FundingShare,
				Period:       period,
			})
			pp.FundingLongIndex = pp.FundingLongIndex.Add(tick.LongIndexDelta)
			pp.FundingShortIndex = pp.FundingShortIndex.Add(tick.ShortIndexDelta)
			s.pool.AddUnrealizedPoolFunding(tick.FundingShare.Add(tick.FundingPool))

			skew := pp.OINet().Mul(price)
			pp.Funding2Rate = fpmath.Funding2Step(
				pp.Funding2Rate,
				skew,
				pp.OILong.Mul(price),
				pp.OIShort.Mul(price),
				pc.Funding2Delta,
				pc.Funding2Decay,
				period,
			)

			evt.Period = period
			evt.FundingRateLong = tick.RateLong
			evt.FundingShare = tick.FundingShare
			evt.FundingPool = tick.FundingPool
		}
	}

	pp.LastUpdate = s.now
	pp.LastPrice = price
	s.refreshSnapshots(pp, price)

	evt.Skew = pp.OINet().Mul(price)
	evt.FundingLongIndex = pp.FundingLongIndex
	evt.FundingShortIndex = pp.FundingShortIndex
	evt.Funding2Rate = pp.Funding2Rate
	s.emit(evt)

	if s.x.metrics != nil {
		s.x.metrics.PairSkew.WithLabelValues(string(pair)).Set(evt.Skew.Float64())
	}
	return evt.Fired, nil
}

// refreshSnapshots recomputes a pair's |skew| and pool pnl at price and
// applies the deltas to the pool aggregates.
func (s *session) refreshSnapshots(pp *state.PoolPosition, price fpmath.Decimal) {
	skew := pp.OINet().Mul(price)
	skewAbs := skew.Abs()
	pnl := pp.Cost.Sub(skew)

	s.pool.AddSkewAbsSnap(skewAbs.Sub(pp.SkewAbsSnap))
	pp.SkewAbsSnap = skewAbs
	s.pool.AddPnlSnap(pnl.Sub(pp.PnlSnap))
	pp.PnlSnap = pnl
}

// UpdatePairs refreshes the listed pairs and pays the caller reward_keeper
// from the pool for every pair that fired.
func (x *Exchange) UpdatePairs(ctx context.Context, call Call, pairs []config.PairID) (*Result, error) {
	return x.run(ctx, "update_pairs", call, func(s *session) error {
		seen := make(map[config.PairID]bool, len(pairs))
		for _, pair := range pairs {
			if seen[pair] {
				continue
			}
			seen[pair] = true

			fired, err := s.updatePair(pair)
			if err != nil {
				return err
			}
			if fired {
				s.result.Fired = append(s.result.Fired, pair)
				if s.x.metrics != nil {
					s.x.metrics.PairsFired.WithLabelValues(string(pair)).Inc()
				}
			}
		}

		reward := s.exchange().RewardKeeper.Mul(fpmath.New(int64(len(s.result.Fired))))
		if !reward.IsPositive() {
			return nil
		}
		paid, err := s.payout(s.caller(), reward)
		if err != nil {
			return fmt.Errorf("keeper reward: %w", err)
		}
		s.result.Reward = paid
		s.emit(&event.KeeperRewarded{Keeper: s.caller(), Amount: paid, Reason: "update_pairs"})
		if s.x.metrics != nil {
			s.x.metrics.KeeperRewards.WithLabelValues("update_pairs").Add(paid.Float64())
		}
		return nil
	})
}
