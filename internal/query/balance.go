package query

import (
	"PerpSettle/internal/core"
)

// AccountResponse is an account valued at current prices. AsOfSequence is
// the projection watermark at the time of the read; the valuation itself
// always reflects committed state.
type AccountResponse struct {
	*core.AccountDetails
	AsOfSequence int64 `json:"as_of_sequence"`
}

// PoolResponse is the pool with its traded pairs refreshed to now.
type PoolResponse struct {
	*core.PoolDetails
	AsOfSequence int64 `json:"as_of_sequence"`
}
