// internal/event/pair.go
package event

import fpmath "PerpSettle/internal/math"

// PairUpdated records the outcome of one pair maintenance tick
type PairUpdated struct {
	Pair              string         `json:"pair"`
	Price             fpmath.Decimal `json:"price"`
	Skew              fpmath.Decimal `json:"skew"`
	Period            fpmath.Decimal `json:"period"`
	FundingLongIndex  fpmath.Decimal `json:"funding_long_index"`
	FundingShortIndex fpmath.Decimal `json:"funding_short_index"`
	Funding2Rate      fpmath.Decimal `json:"funding_2_rate"`
	FundingRateLong   fpmath.Decimal `json:"funding_rate_long"`
	FundingShare      fpmath.Decimal `json:"funding_share"`
	FundingPool       fpmath.Decimal `json:"funding_pool"`
	Fired             bool           `json:"fired"`
}

func (e *PairUpdated) EventType() EventType { return EventTypePairUpdated }
func (e *PairUpdated) Account() string { return "" }
func (e *PairUpdated) MarketID() *string { return pairRef(e.Pair) }
