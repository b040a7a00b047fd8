package core

import "PerpSettle/internal/errs"

var (
	ErrDuplicateCall   = errs.New(errs.KindConflict, "duplicate_call")
	ErrNotAdmin        = errs.New(errs.KindAuthorization, "admin_required")
	ErrNotBeneficiary  = errs.New(errs.KindAuthorization, "beneficiary_required")
	ErrNotConfigured   = errs.New(errs.KindConfig, "exchange_not_configured")
	ErrArithmetic      = errs.New(errs.KindArithmetic, "arithmetic")
	ErrInvalidArgument = errs.New(errs.KindInvalidInput, "invalid_argument")
	ErrUnknownResource = errs.New(errs.KindConfig, "resource_not_accepted")
	ErrConfigInUse     = errs.New(errs.KindConfig, "config_in_use")

	ErrPriceLimit   = errs.New(errs.KindMarket, "price_limit")
	ErrSlippage     = errs.New(errs.KindMarket, "slippage_limit")
	ErrTradeSizeMin = errs.New(errs.KindCapacity, "trade_size_below_min")
	ErrOIMax        = errs.New(errs.KindCapacity, "open_interest_cap")
	ErrSkewCap      = errs.New(errs.KindCapacity, "skew_ratio_cap")
	ErrClaimsCap    = errs.New(errs.KindCapacity, "too_many_claims")

	ErrInsufficientMargin  = errs.New(errs.KindSolvency, "insufficient_margin")
	ErrInsufficientPayment = errs.New(errs.KindSolvency, "insufficient_payment")
	ErrSufficientMargin    = errs.New(errs.KindSolvency, "sufficient_margin")
	ErrSkewWithinCap       = errs.New(errs.KindSolvency, "skew_within_cap")
	ErrADLThreshold        = errs.New(errs.KindSolvency, "adl_threshold_not_met")
	ErrSkewNotReduced      = errs.New(errs.KindSolvency, "skew_not_reduced")
	ErrNoDebt              = errs.New(errs.KindSolvency, "no_debt")
	ErrPoolEmpty           = errs.New(errs.KindSolvency, "pool_empty")
	ErrNoPosition          = errs.New(errs.KindNotFound, "position_not_found")
)
