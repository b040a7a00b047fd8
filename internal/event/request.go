package event

import (
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
)

// CollateralRemoved records an executed withdrawal to an external target.
// FromVirtual is the base amount paid out of positive virtual balance.
type CollateralRemoved struct {
	AccountID   string           `json:"account_id"`
	Index       uint64           `json:"index"`
	Target      string           `json:"target"`
	Claims      []custody.Bucket `json:"claims"`
	FromVirtual fpmath.Decimal   `json:"from_virtual"`
}

func (e *CollateralRemoved) EventType() EventType { return EventTypeCollateralRemoved }
func (e *CollateralRemoved) Account() string { return e.AccountID }
func (e *CollateralRemoved) MarketID() *string { return nil }

// RequestCreated is emitted per appended keeper request
type RequestCreated struct {
	AccountID  string `json:"account_id"`
	Index      uint64 `json:"index"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Submission int64  `json:"submission"`
	Expiry     int64  `json:"expiry"`
}

func (e *RequestCreated) EventType() EventType { return EventTypeRequestCreated }
func (e *RequestCreated) Account() string { return e.AccountID }
func (e *RequestCreated) MarketID() *string { return nil }

// RequestsActivated lists requests moved from Dormant to Active
type RequestsActivated struct {
	AccountID string   `json:"account_id"`
	Indexes   []uint64 `json:"indexes"`
}

func (e *RequestsActivated) EventType() EventType { return EventTypeRequestsActivated }
func (e *RequestsActivated) Account() string { return e.AccountID }
func (e *RequestsActivated) MarketID() *string { return nil }

// RequestsCancelled lists cancelled requests
type RequestsCancelled struct {
	AccountID string   `json:"account_id"`
	Indexes   []uint64 `json:"indexes"`
}

func (e *RequestsCancelled) EventType() EventType { return EventTypeRequestsCancelled }
func (e *RequestsCancelled) Account() string { return e.AccountID }
func (e *RequestsCancelled) MarketID() *string { return nil }

// RequestProcessed records a keeper processing a request
type RequestProcessed struct {
	AccountID string         `json:"account_id"`
	Index     uint64         `json:"index"`
	Status    string         `json:"status"`
	Keeper    string         `json:"keeper"`
	Reward    fpmath.Decimal `json:"reward"`
}

func (e *RequestProcessed) EventType() EventType { return EventTypeRequestProcessed }
func (e *RequestProcessed) Account() string { return e.AccountID }
func (e *RequestProcessed) MarketID() *string { return nil }

// KeeperRewarded records a reward paid out of the pool
type KeeperRewarded struct {
	Keeper string         `json:"keeper"`
	Reason string         `json:"reason"`
	Amount fpmath.Decimal `json:"amount"`
}

func (e *KeeperRewarded) EventType() EventType { return EventTypeKeeperRewarded }
func (e *KeeperRewarded) Account() string { return "" }
func (e *KeeperRewarded) MarketID() *string { return nil }
