package core

import (
	"context"

	"PerpSettle/internal/config"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// PositionDetails is an open position valued at the current price.
type PositionDetails struct {
	Pair           config.PairID  `json:"pair"`
	Amount         fpmath.Decimal `json:"amount"`
	Cost           fpmath.Decimal `json:"cost"`
	Price          fpmath.Decimal `json:"price"`
	Value          fpmath.Decimal `json:"value"`
	PendingFunding fpmath.Decimal `json:"pending_funding"`
	UnrealizedPnl  fpmath.Decimal `json:"unrealized_pnl"`
}

// CollateralDetails is one held collateral at its discounted value.
type CollateralDetails struct {
	Resource string         `json:"resource"`
	Amount   fpmath.Decimal `json:"amount"`
	Price    fpmath.Decimal `json:"price"`
	Value    fpmath.Decimal `json:"value"`
	Margin   fpmath.Decimal `json:"margin"`
}

type AccountDetails struct {
	ID                 string              `json:"id"`
	RuleVersion        uint64              `json:"rule_version"`
	ReferralID         string              `json:"referral_id,omitempty"`
	VirtualBalance     fpmath.Decimal      `json:"virtual_balance"`
	BaseCollateral     fpmath.Decimal      `json:"base_collateral"`
	Collaterals        []CollateralDetails `json:"collaterals"`
	Positions          []PositionDetails   `json:"positions"`
	ActiveRequests     []uint64            `json:"active_requests"`
	RequestCount       int                 `json:"request_count"`
	ValidRequestsStart uint64              `json:"valid_requests_start"`
	Value              fpmath.Decimal      `json:"value"`
	MarginInitial      fpmath.Decimal      `json:"margin_initial"`
	MarginMaintenance  fpmath.Decimal      `json:"margin_maintenance"`
	Liquidatable       bool                `json:"liquidatable"`
}

type PairDetails struct {
	Pair              config.PairID  `json:"pair"`
	OILong            fpmath.Decimal `json:"oi_long"`
	OIShort           fpmath.Decimal `json:"oi_short"`
	Cost              fpmath.Decimal `json:"cost"`
	Skew              fpmath.Decimal `json:"skew"`
	FundingLongIndex  fpmath.Decimal `json:"funding_long_index"`
	FundingShortIndex fpmath.Decimal `json:"funding_short_index"`
	Funding2Rate      fpmath.Decimal `json:"funding_2_rate"`
	LastPrice         fpmath.Decimal `json:"last_price"`
	LastUpdate        int64          `json:"last_update"`
}

type PoolDetails struct {
	BaseBalance           fpmath.Decimal       `json:"base_balance"`
	VirtualBalance        fpmath.Decimal       `json:"virtual_balance"`
	UnrealizedPoolFunding fpmath.Decimal       `json:"unrealized_pool_funding"`
	PnlSnap               fpmath.Decimal       `json:"pnl_snap"`
	SkewAbsSnap           fpmath.Decimal       `json:"skew_abs_snap"`
	Value                 fpmath.Decimal       `json:"value"`
	SkewRatio             fpmath.Decimal       `json:"skew_ratio"`
	LPSupply              fpmath.Decimal       `json:"lp_supply"`
	LPPrice               fpmath.Decimal       `json:"lp_price"`
	Pairs                 []PairDetails        `json:"pairs"`
	Fees                  state.FeeDistributor `json:"fees"`
}

// AccountDetails values an account at current prices without committing
// anything. Price age is not enforced.
func (x *Exchange) AccountDetails(ctx context.Context, accountID string) (*AccountDetails, error) {
	var out *AccountDetails
	err := x.view(ctx, "account_details", func(s *session) error {
		acct, err := s.account(accountID)
		if err != nil {
			return err
		}
		d := &AccountDetails{
			ID:                 acct.ID,
			RuleVersion:        acct.RuleVersion,
			ReferralID:         acct.ReferralID,
			VirtualBalance:     acct.VirtualBalance,
			BaseCollateral:     acct.Collateral(s.base()),
			ActiveRequests:     append([]uint64{}, acct.ActiveRequests...),
			RequestCount:       len(acct.Requests),
			ValidRequestsStart: acct.ValidRequestsStart,
		}

		for _, pair := range acct.PositionPairs() {
			if _, err := s.updatePair(pair); err != nil {
				return err
			}
			price, err := s.prices.Price(pair)
			if err != nil {
				return err
			}
			pos := acct.Position(pair)
			pp := s.pool.Position(pair)
			d.Positions = append(d.Positions, PositionDetails{
				Pair:           pair,
				Amount:         pos.Amount,
				Cost:           pos.Cost,
				Price:          price,
				Value:          pos.Value(price),
				PendingFunding: pos.PendingFunding(&pp),
				UnrealizedPnl:  pos.UnrealizedPnl(price, &pp),
			})
		}

		for _, res := range acct.CollateralResources() {
			if res == s.base() {
				continue
			}
			price, err := s.prices.CollateralPrice(res)
			if err != nil {
				return err
			}
			amount := acct.Collateral(res)
			value, margin, err := s.collateralValue(res, amount)
			if err != nil {
				return err
			}
			d.Collaterals = append(d.Collaterals, CollateralDetails{
				Resource: res,
				Amount:   amount,
				Price:    price,
				Value:    value,
				Margin:   margin,
			})
		}

		initial, err := s.accountHealth(acct, false)
		if err != nil {
			return err
		}
		maint, err := s.accountHealth(acct, true)
		if err != nil {
			return err
		}
		d.Value = initial.Value
		d.MarginInitial = initial.Margin
		d.MarginMaintenance = maint.Margin
		d.Liquidatable = !maint.Solvent()
		out = d
		return nil
	})
	return out, err
}

// PoolDetails reports the pool with every traded pair refreshed to now.
func (x *Exchange) PoolDetails(ctx context.Context) (*PoolDetails, error) {
	var out *PoolDetails
	err := x.view(ctx, "pool_details", func(s *session) error {
		d := &PoolDetails{Fees: *s.fees}
		for _, pair := range s.cfg.PairIDs() {
			if _, ok := s.pool.Positions[pair]; !ok {
				continue
			}
			if _, err := s.updatePair(pair); err != nil {
				return err
			}
			pp := s.pool.Position(pair)
			d.Pairs = append(d.Pairs, PairDetails{
				Pair:              pair,
				OILong:            pp.OILong,
				OIShort:           pp.OIShort,
				Cost:              pp.Cost,
				Skew:              pp.OINet().Mul(pp.LastPrice),
				FundingLongIndex:  pp.FundingLongIndex,
				FundingShortIndex: pp.FundingShortIndex,
				Funding2Rate:      pp.Funding2Rate,
				LastPrice:         pp.LastPrice,
				LastUpdate:        pp.LastUpdate,
			})
		}
		d.BaseBalance = s.pool.BaseBalance
		d.VirtualBalance = s.pool.VirtualBalance
		d.UnrealizedPoolFunding = s.pool.UnrealizedPoolFunding
		d.PnlSnap = s.pool.PnlSnap
		d.SkewAbsSnap = s.pool.SkewAbsSnap
		d.Value = s.pool.Value()
		d.SkewRatio = s.pool.SkewRatio()
		d.LPSupply = s.pool.LPSupply
		d.LPPrice = s.pool.LPPrice()
		out = d
		return nil
	})
	return out, err
}
