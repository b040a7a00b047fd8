package event

import fpmath "PerpSettle/internal/math"

// FundingSettled records funding paid by an account position (negative: received)
type FundingSettled struct {
	AccountID string         `json:"account_id"`
	Pair      string         `json:"pair"`
	Amount    fpmath.Decimal `json:"amount"`
	Index     fpmath.Decimal `json:"index"`
}

func (e *FundingSettled) EventType() EventType { return EventTypeFundingSettled }
func (e *FundingSettled) Account() string { return e.AccountID }
func (e *FundingSettled) MarketID() *string { return pairRef(e.Pair) }
