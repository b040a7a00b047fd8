// internal/event/liquidation.go
package event

import (
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
)

// ClosedPosition is one position force-closed by a liquidation
type ClosedPosition struct {
	Pair    string         `json:"pair"`
	Amount  fpmath.Decimal `json:"amount"`
	Price   fpmath.Decimal `json:"price"`
	Pnl     fpmath.Decimal `json:"pnl"`
	Funding fpmath.Decimal `json:"funding"`
}

// Liquidation records a full account liquidation. Mode 1 sells collateral
// to the liquidator for base; mode 2 moves it in kind to Receiver.
type Liquidation struct {
	AccountID       string           `json:"account_id"`
	Mode            int              `json:"mode"`
	Liquidator      string           `json:"liquidator"`
	Receiver        string           `json:"receiver,omitempty"`
	Positions       []ClosedPosition `json:"positions"`
	Collateral      []custody.Bucket `json:"collateral"`
	CollateralValue fpmath.Decimal   `json:"collateral_value"`
	BaseCollateral  fpmath.Decimal   `json:"base_collateral"`
	Margin          fpmath.Decimal   `json:"margin"`
	VirtualBalance  fpmath.Decimal   `json:"virtual_balance"`
	PoolLoss        fpmath.Decimal   `json:"pool_loss"`
	ValidFrom       uint64           `json:"valid_requests_start"`
}

func (e *Liquidation) EventType() EventType { return EventTypeLiquidation }
func (e *Liquidation) Account() string { return e.AccountID }
func (e *Liquidation) MarketID() *string { return nil }

// AutoDeleverage records a forced close to reduce pool skew
type AutoDeleverage struct {
	AccountID       string         `json:"account_id"`
	Pair            string         `json:"pair"`
	Amount          fpmath.Decimal `json:"amount"`
	Price           fpmath.Decimal `json:"price"`
	Pnl             fpmath.Decimal `json:"pnl"`
	PnlPercent      fpmath.Decimal `json:"pnl_percent"`
	Threshold       fpmath.Decimal `json:"threshold"`
	SkewRatioBefore fpmath.Decimal `json:"skew_ratio_before"`
	SkewRatioAfter  fpmath.Decimal `json:"skew_ratio_after"`
}

func (e *AutoDeleverage) EventType() EventType { return EventTypeAutoDeleverage }
func (e *AutoDeleverage) Account() string { return e.AccountID }
func (e *AutoDeleverage) MarketID() *string { return pairRef(e.Pair) }
