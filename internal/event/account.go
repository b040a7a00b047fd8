// internal/event/account.go
package event

import (
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
)

// AccountCreated is emitted once per account
type AccountCreated struct {
	AccountID   string `json:"account_id"`
	ReferralID  string `json:"referral_id,omitempty"`
	RuleVersion uint64 `json:"rule_version"`
}

func (e *AccountCreated) EventType() EventType { return EventTypeAccountCreated }
func (e *AccountCreated) Account() string { return e.AccountID }
func (e *AccountCreated) MarketID() *string { return nil }

// CollateralAdded records buckets moved from the caller into pool custody
type CollateralAdded struct {
	AccountID string           `json:"account_id"`
	Buckets   []custody.Bucket `json:"buckets"`
}

func (e *CollateralAdded) EventType() EventType { return EventTypeCollateralAdded }
func (e *CollateralAdded) Account() string { return e.AccountID }
func (e *CollateralAdded) MarketID() *string { return nil }

// CredentialsUpdated records a change to one authorization level
type CredentialsUpdated struct {
	AccountID string `json:"account_id"`
	Level     string `json:"level"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	Version   uint64 `json:"version"`
}

func (e *CredentialsUpdated) EventType() EventType { return EventTypeCredentialsUpdated }
func (e *CredentialsUpdated) Account() string { return e.AccountID }
func (e *CredentialsUpdated) MarketID() *string { return nil }

// DebtSwapped records a third party repaying an account's negative virtual
// balance in exchange for discounted collateral.
type DebtSwapped struct {
	AccountID     string         `json:"account_id"`
	Payer         string         `json:"payer"`
	Resource      string         `json:"resource"`
	Price         fpmath.Decimal `json:"price"`
	Repaid        fpmath.Decimal `json:"repaid"`
	CollateralOut fpmath.Decimal `json:"collateral_out"`
	Refund        fpmath.Decimal `json:"refund"`
}

func (e *DebtSwapped) EventType() EventType { return EventTypeDebtSwapped }
func (e *DebtSwapped) Account() string { return e.AccountID }
func (e *DebtSwapped) MarketID() *string { return nil }
