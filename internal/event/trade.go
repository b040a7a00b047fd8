package event

import fpmath "PerpSettle/internal/math"

// FeeSplit is a paid fee broken down by destination
type FeeSplit struct {
	Total    fpmath.Decimal `json:"total"`
	Pool     fpmath.Decimal `json:"pool"`
	Protocol fpmath.Decimal `json:"protocol"`
	Treasury fpmath.Decimal `json:"treasury"`
	Referral fpmath.Decimal `json:"referral"`
}

// MarginOrder records an executed margin order
type MarginOrder struct {
	AccountID   string         `json:"account_id"`
	Index       uint64         `json:"index"`
	Pair        string         `json:"pair"`
	Price       fpmath.Decimal `json:"price"`
	AmountClose fpmath.Decimal `json:"amount_close"`
	AmountOpen  fpmath.Decimal `json:"amount_open"`
	Pnl         fpmath.Decimal `json:"pnl"`
	FeeClose    FeeSplit       `json:"fee_close"`
	FeeOpen     FeeSplit       `json:"fee_open"`
	Activated   []uint64       `json:"activated,omitempty"`
	Cancelled   []uint64       `json:"cancelled,omitempty"`
}

func (e *MarginOrder) EventType() EventType { return EventTypeMarginOrder }
func (e *MarginOrder) Account() string { return e.AccountID }
func (e *MarginOrder) MarketID() *string { return pairRef(e.Pair) }
