package event

import fpmath "PerpSettle/internal/math"

// LiquidityAdded records pool shares minted for a base payment
type LiquidityAdded struct {
	Provider  string         `json:"provider"`
	Payment   fpmath.Decimal `json:"payment"`
	Fee       FeeSplit       `json:"fee"`
	Minted    fpmath.Decimal `json:"minted"`
	PoolValue fpmath.Decimal `json:"pool_value"`
}

func (e *LiquidityAdded) EventType() EventType { return EventTypeLiquidityAdded }
func (e *LiquidityAdded) Account() string { return "" }
func (e *LiquidityAdded) MarketID() *string { return nil }

// LiquidityRemoved records pool shares burned for base
type LiquidityRemoved struct {
	Provider  string         `json:"provider"`
	Burned    fpmath.Decimal `json:"burned"`
	Value     fpmath.Decimal `json:"value"`
	Fee       FeeSplit       `json:"fee"`
	Payout    fpmath.Decimal `json:"payout"`
	PoolValue fpmath.Decimal `json:"pool_value"`
}

func (e *LiquidityRemoved) EventType() EventType { return EventTypeLiquidityRemoved }
func (e *LiquidityRemoved) Account() string { return "" }
func (e *LiquidityRemoved) MarketID() *string { return nil }

// ProtocolBurn is emitted when the protocol fee balance crosses the burn amount
type ProtocolBurn struct {
	Amount fpmath.Decimal `json:"amount"`
}

func (e *ProtocolBurn) EventType() EventType { return EventTypeProtocolBurn }
func (e *ProtocolBurn) Account() string { return "" }
func (e *ProtocolBurn) MarketID() *string { return nil }

// FeesCollected records protocol and treasury balances paid out
type FeesCollected struct {
	Protocol       fpmath.Decimal `json:"protocol"`
	Treasury       fpmath.Decimal `json:"treasury"`
	ProtocolTarget string         `json:"protocol_target"`
	TreasuryTarget string         `json:"treasury_target"`
}

func (e *FeesCollected) EventType() EventType { return EventTypeFeesCollected }
func (e *FeesCollected) Account() string { return "" }
func (e *FeesCollected) MarketID() *string { return nil }

// ReferralCreated is emitted when an admin registers a referral
type ReferralCreated struct {
	ReferralID  string         `json:"referral_id"`
	FeeReferral fpmath.Decimal `json:"fee_referral"`
	FeeRebate   fpmath.Decimal `json:"fee_rebate"`
	Beneficiary string         `json:"beneficiary"`
}

func (e *ReferralCreated) EventType() EventType { return EventTypeReferralCreated }
func (e *ReferralCreated) Account() string { return "" }
func (e *ReferralCreated) MarketID() *string { return nil }

// ReferralRewardsClaimed records accrued referral rewards paid out
type ReferralRewardsClaimed struct {
	ReferralID  string         `json:"referral_id"`
	Beneficiary string         `json:"beneficiary"`
	Amount      fpmath.Decimal `json:"amount"`
}

func (e *ReferralRewardsClaimed) EventType() EventType { return EventTypeReferralRewardsClaimed }
func (e *ReferralRewardsClaimed) Account() string { return "" }
func (e *ReferralRewardsClaimed) MarketID() *string { return nil }
