package config

import (
	"fmt"

	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
)

// PairID identifies a trading pair, e.g. "BTC/USD"
type PairID string

var (
	ErrInvalidConfig     = errs.New(errs.KindConfig, "invalid_config")
	ErrPairNotFound      = errs.New(errs.KindNotFound, "pair_config_not_found")
	ErrCollateralInvalid = errs.New(errs.KindNotFound, "collateral_config_not_found")
)

// ExchangeConfig holds exchange-wide parameters.
type ExchangeConfig struct {
	PriceAgeMax       int64 `json:"price_age_max" mapstructure:"price_age_max"` // seconds
	PositionsMax      int   `json:"positions_max" mapstructure:"positions_max"`
	CollateralsMax    int   `json:"collaterals_max" mapstructure:"collaterals_max"`
	ActiveRequestsMax int   `json:"active_requests_max" mapstructure:"active_requests_max"`
	ClaimsMax         int   `json:"claims_max" mapstructure:"claims_max"`

	SkewRatioCap fpmath.Decimal `json:"skew_ratio_cap" mapstructure:"skew_ratio_cap"`
	ADLOffset    fpmath.Decimal `json:"adl_offset" mapstructure:"adl_offset"`
	ADLA         fpmath.Decimal `json:"adl_a" mapstructure:"adl_a"`
	ADLB         fpmath.Decimal `json:"adl_b" mapstructure:"adl_b"`

	FeeLiquidityAdd    fpmath.Decimal `json:"fee_liquidity_add" mapstructure:"fee_liquidity_add"`
	FeeLiquidityRemove fpmath.Decimal `json:"fee_liquidity_remove" mapstructure:"fee_liquidity_remove"`
	FeeShareProtocol   fpmath.Decimal `json:"fee_share_protocol" mapstructure:"fee_share_protocol"`
	FeeShareTreasury   fpmath.Decimal `json:"fee_share_treasury" mapstructure:"fee_share_treasury"`
	FeeShareReferral   fpmath.Decimal `json:"fee_share_referral" mapstructure:"fee_share_referral"`
	FeeMax             fpmath.Decimal `json:"fee_max" mapstructure:"fee_max"`

	ProtocolBurnAmount fpmath.Decimal `json:"protocol_burn_amount" mapstructure:"protocol_burn_amount"`
	RewardKeeper       fpmath.Decimal `json:"reward_keeper" mapstructure:"reward_keeper"`
}

// PairConfig holds per-pair trading, margin, funding and fee parameters.
type PairConfig struct {
	PairID       PairID         `json:"pair_id" mapstructure:"pair_id"`
	OIMax        fpmath.Decimal `json:"oi_max" mapstructure:"oi_max"`
	TradeSizeMin fpmath.Decimal `json:"trade_size_min" mapstructure:"trade_size_min"`
	PriceAgeMax  int64          `json:"price_age_max" mapstructure:"price_age_max"`

	// Keeper reward triggers for update_pairs
	UpdatePriceDeltaRatio fpmath.Decimal `json:"update_price_delta_ratio" mapstructure:"update_price_delta_ratio"`
	UpdatePeriodSeconds   int64          `json:"update_period_seconds" mapstructure:"update_period_seconds"`

	MarginInitial     fpmath.Decimal `json:"margin_initial" mapstructure:"margin_initial"`
	MarginMaintenance fpmath.Decimal `json:"margin_maintenance" mapstructure:"margin_maintenance"`

	Funding1      fpmath.Decimal `json:"funding_1" mapstructure:"funding_1"`
	Funding2      fpmath.Decimal `json:"funding_2" mapstructure:"funding_2"`
	Funding2Delta fpmath.Decimal `json:"funding_2_delta" mapstructure:"funding_2_delta"`
	Funding2Decay fpmath.Decimal `json:"funding_2_decay" mapstructure:"funding_2_decay"`
	FundingPool0  fpmath.Decimal `json:"funding_pool_0" mapstructure:"funding_pool_0"`
	FundingPool1  fpmath.Decimal `json:"funding_pool_1" mapstructure:"funding_pool_1"`
	FundingShare  fpmath.Decimal `json:"funding_share" mapstructure:"funding_share"`

	Fee0 fpmath.Decimal `json:"fee_0" mapstructure:"fee_0"`
	Fee1 fpmath.Decimal `json:"fee_1" mapstructure:"fee_1"`
}

// CollateralConfig describes an accepted non-base collateral resource.
type CollateralConfig struct {
	Resource string         `json:"resource" mapstructure:"resource"`
	PairID   PairID         `json:"pair_id" mapstructure:"pair_id"`
	Discount fpmath.Decimal `json:"discount" mapstructure:"discount"`
	Margin   fpmath.Decimal `json:"margin" mapstructure:"margin"`
}

var marginWeightMax = fpmath.MustParse("0.1")

func inUnit(v fpmath.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(fpmath.One)
}

// Validate checks exchange-wide parameters are within range.
func (c *ExchangeConfig) Validate() error {
	if c.PriceAgeMax <= 0 {
		return fmt.Errorf("%w: price_age_max must be > 0, got %d", ErrInvalidConfig, c.PriceAgeMax)
	}
	if c.PositionsMax <= 0 || c.CollateralsMax <= 0 || c.ActiveRequestsMax <= 0 || c.ClaimsMax <= 0 {
		return fmt.Errorf("%w: positions/collaterals/active_requests/claims caps must be > 0", ErrInvalidConfig)
	}
	if c.SkewRatioCap.IsNegative() {
		return fmt.Errorf("%w: skew_ratio_cap must be >= 0, got %s", ErrInvalidConfig, c.SkewRatioCap)
	}
	if !c.ADLA.IsPositive() {
		return fmt.Errorf("%w: adl_a must be > 0, got %s", ErrInvalidConfig, c.ADLA)
	}
	if c.ADLB.IsNegative() || c.ADLOffset.IsNegative() {
		return fmt.Errorf("%w: adl_b and adl_offset must be >= 0", ErrInvalidConfig)
	}
	for name, v := range map[string]fpmath.Decimal{
		"fee_liquidity_add":    c.FeeLiquidityAdd,
		"fee_liquidity_remove": c.FeeLiquidityRemove,
		"fee_share_protocol":   c.FeeShareProtocol,
		"fee_share_treasury":   c.FeeShareTreasury,
		"fee_share_referral":   c.FeeShareReferral,
		"fee_max":              c.FeeMax,
	} {
		if !inUnit(v) {
			return fmt.Errorf("%w: %s must be in [0,1], got %s", ErrInvalidConfig, name, v)
		}
	}
	shares := c.FeeShareProtocol.Add(c.FeeShareTreasury).Add(c.FeeShareReferral)
	if shares.GreaterThan(fpmath.One) {
		return fmt.Errorf("%w: fee shares sum to %s > 1", ErrInvalidConfig, shares)
	}
	if c.ProtocolBurnAmount.IsNegative() || c.RewardKeeper.IsNegative() {
		return fmt.Errorf("%w: protocol_burn_amount and reward_keeper must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Validate checks pair parameters are within range.
func (c *PairConfig) Validate() error {
	if c.PairID == "" {
		return fmt.Errorf("%w: pair_id is empty", ErrInvalidConfig)
	}
	if c.OIMax.IsNegative() || c.TradeSizeMin.IsNegative() {
		return fmt.Errorf("%w: %s oi_max and trade_size_min must be >= 0", ErrInvalidConfig, c.PairID)
	}
	if c.PriceAgeMax < 0 || c.UpdatePeriodSeconds <= 0 {
		return fmt.Errorf("%w: %s price_age_max must be >= 0 and update_period_seconds > 0", ErrInvalidConfig, c.PairID)
	}
	if c.UpdatePriceDeltaRatio.IsNegative() {
		return fmt.Errorf("%w: %s update_price_delta_ratio must be >= 0", ErrInvalidConfig, c.PairID)
	}
	if !inUnit(c.MarginInitial) || !inUnit(c.MarginMaintenance) {
		return fmt.Errorf("%w: %s margins must be in [0,1]", ErrInvalidConfig, c.PairID)
	}
	if c.MarginMaintenance.GreaterThan(c.MarginInitial) {
		return fmt.Errorf("%w: %s margin_maintenance (%s) > margin_initial (%s)",
			ErrInvalidConfig, c.PairID, c.MarginMaintenance, c.MarginInitial)
	}
	if !inUnit(c.FundingShare) {
		return fmt.Errorf("%w: %s funding_share must be in [0,1]", ErrInvalidConfig, c.PairID)
	}
	for name, v := range map[string]fpmath.Decimal{
		"funding_1":       c.Funding1,
		"funding_2":       c.Funding2,
		"funding_2_delta": c.Funding2Delta,
		"funding_2_decay": c.Funding2Decay,
		"funding_pool_0":  c.FundingPool0,
		"funding_pool_1":  c.FundingPool1,
		"fee_0":           c.Fee0,
		"fee_1":           c.Fee1,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s %s must be >= 0, got %s", ErrInvalidConfig, c.PairID, name, v)
		}
	}
	return nil
}

// Validate checks collateral parameters are within range.
func (c *CollateralConfig) Validate() error {
	if c.Resource == "" || c.PairID == "" {
		return fmt.Errorf("%w: collateral resource and pair_id are required", ErrInvalidConfig)
	}
	if !inUnit(c.Discount) {
		return fmt.Errorf("%w: %s discount must be in [0,1], got %s", ErrInvalidConfig, c.Resource, c.Discount)
	}
	if c.Margin.IsNegative() || c.Margin.GreaterThan(marginWeightMax) {
		return fmt.Errorf("%w: %s margin must be in [0,0.1], got %s", ErrInvalidConfig, c.Resource, c.Margin)
	}
	return nil
}
