package projection

import (
	"sync"

	fpmath "PerpSettle/internal/math"
)

// FundingEntry is one funding settlement of an account position.
type FundingEntry struct {
	Sequence  int64          `json:"sequence"`
	Timestamp int64          `json:"timestamp"`
	Pair      string         `json:"pair"`
	Amount    fpmath.Decimal `json:"amount"` // signed: positive = paid, negative = received
	Index     fpmath.Decimal `json:"index"`
}

// FundingHistoryProjection maintains queryable funding history per account
type FundingHistoryProjection struct {
	mu      sync.RWMutex
	entries map[string][]FundingEntry
}

func NewFundingHistoryProjection() *FundingHistoryProjection {
	return &FundingHistoryProjection{
		entries: make(map[string][]FundingEntry),
	}
}

// AddEntry records a funding payment
func (p *FundingHistoryProjection) AddEntry(accountID string, entry FundingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[accountID] = append(p.entries[accountID], entry)
}

// QueryByAccount returns an account's funding history, newest first. pair
// filters when non-empty; before > 0 returns only entries with a lower
// sequence.
func (p *FundingHistoryProjection) QueryByAccount(accountID, pair string, before int64, limit int) []FundingEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.entries[accountID]
	result := make([]FundingEntry, 0)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := entries[i]
		if before > 0 && e.Sequence >= before {
			continue
		}
		if pair != "" && e.Pair != pair {
			continue
		}
		result = append(result, e)
	}

	return result
}

// Reset drops all entries.
func (p *FundingHistoryProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string][]FundingEntry)
}
