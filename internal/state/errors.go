package state

import "PerpSettle/internal/errs"

var (
	ErrPositionsCap       = errs.New(errs.KindCapacity, "too_many_positions")
	ErrCollateralsCap     = errs.New(errs.KindCapacity, "too_many_collaterals")
	ErrActiveRequestsCap  = errs.New(errs.KindCapacity, "too_many_active_requests")
	ErrInsufficientTokens = errs.New(errs.KindSolvency, "insufficient_pool_tokens")
	ErrInsufficientCollat = errs.New(errs.KindSolvency, "insufficient_collateral")
	ErrInvalidAmount      = errs.New(errs.KindInvalidInput, "invalid_amount")

	ErrRequestNotFound    = errs.New(errs.KindNotFound, "request_not_found")
	ErrRequestNotActive   = errs.New(errs.KindLifecycle, "request_not_active")
	ErrBeforeSubmission   = errs.New(errs.KindLifecycle, "request_before_submission")
	ErrBeforeValidStart   = errs.New(errs.KindLifecycle, "request_before_valid_start")
	ErrInvalidStatus      = errs.New(errs.KindLifecycle, "invalid_request_status")
	ErrInvalidRequestKind = errs.New(errs.KindInvalidInput, "invalid_request_kind")
)
