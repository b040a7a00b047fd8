package state

import (
	"fmt"
	"sort"

	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
)

// Account is one margin account. Requests is append-only; ActiveRequests holds
// the sorted indexes of requests still Dormant or Active at or above the fence.
type Account struct {
	ID                 string                             `json:"id"`
	RuleVersion        uint64                             `json:"rule_version"`
	ReferralID         string                             `json:"referral_id,omitempty"`
	VirtualBalance     fpmath.Decimal                     `json:"virtual_balance"`
	Collaterals        map[string]fpmath.Decimal          `json:"collaterals"`
	Positions          map[config.PairID]*AccountPosition `json:"positions"`
	Requests           []KeeperRequest                    `json:"requests"`
	ActiveRequests     []uint64                           `json:"active_requests"`
	ValidRequestsStart uint64                             `json:"valid_requests_start"`
	CreatedAt          int64                              `json:"created_at"`
}

func NewAccount(id string, createdAt int64) *Account {
	return &Account{
		ID:          id,
		Collaterals: make(map[string]fpmath.Decimal),
		Positions:   make(map[config.PairID]*AccountPosition),
		CreatedAt:   createdAt,
	}
}

func (a *Account) AddVirtualBalance(delta fpmath.Decimal) {
	a.VirtualBalance = a.VirtualBalance.Add(delta)
}

// Collateral returns the held amount of a resource.
func (a *Account) Collateral(resource string) fpmath.Decimal {
	return a.Collaterals[resource]
}

// CollateralResources returns held resources in sorted order.
func (a *Account) CollateralResources() []string {
	out := make([]string, 0, len(a.Collaterals))
	for r := range a.Collaterals {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// AddCollateral credits a batch of buckets. Distinct non-base resources are
// capped at limit.
func (a *Account) AddCollateral(buckets []custody.Bucket, base string, limit int) error {
	if a.Collaterals == nil {
		a.Collaterals = make(map[string]fpmath.Decimal)
	}
	for _, b := range buckets {
		if b.Amount.IsNegative() {
			return fmt.Errorf("%w: collateral %s %s", ErrInvalidAmount, b.Resource, b.Amount)
		}
		if b.Amount.IsZero() {
			continue
		}
		a.Collaterals[b.Resource] = a.Collaterals[b.Resource].Add(b.Amount)
	}

	count := 0
	for r := range a.Collaterals {
		if r != base {
			count++
		}
	}
	if count > limit {
		return fmt.Errorf("%w: %d > %d", ErrCollateralsCap, count, limit)
	}
	return nil
}

// RemoveCollateral debits a batch of buckets. Entries reaching zero are removed.
func (a *Account) RemoveCollateral(buckets []custody.Bucket) error {
	for _, b := range buckets {
		if b.Amount.IsNegative() {
			return fmt.Errorf("%w: collateral %s %s", ErrInvalidAmount, b.Resource, b.Amount)
		}
		have := a.Collaterals[b.Resource]
		if have.LessThan(b.Amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientCollat, b.Resource, have, b.Amount)
		}
		left := have.Sub(b.Amount)
		if left.IsZero() {
			delete(a.Collaterals, b.Resource)
		} else {
			a.Collaterals[b.Resource] = left
		}
	}
	return nil
}

// Position returns a copy of the pair position, zero-valued if absent.
func (a *Account) Position(pair config.PairID) AccountPosition {
	if p, ok := a.Positions[pair]; ok {
		return *p
	}
	return AccountPosition{}
}

// UpdatePosition stores pos, removing it when flat. New positions are capped at limit.
func (a *Account) UpdatePosition(pair config.PairID, pos AccountPosition, limit int) error {
	if a.Positions == nil {
		a.Positions = make(map[config.PairID]*AccountPosition)
	}
	if pos.IsFlat() {
		delete(a.Positions, pair)
		return nil
	}
	if _, ok := a.Positions[pair]; !ok && len(a.Positions) >= limit {
		return fmt.Errorf("%w: %d >= %d", ErrPositionsCap, len(a.Positions), limit)
	}
	p := pos
	a.Positions[pair] = &p
	return nil
}

func (a *Account) RemovePosition(pair config.PairID) {
	delete(a.Positions, pair)
}

// PositionPairs returns pairs with open positions in sorted order.
func (a *Account) PositionPairs() []config.PairID {
	out := make([]config.PairID, 0, len(a.Positions))
	for p := range a.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
