package projection

import (
	"sync"

	fpmath "PerpSettle/internal/math"
)

// FillKind is what closed or opened exposure.
type FillKind string

const (
	FillOrder          FillKind = "order"
	FillLiquidation    FillKind = "liquidation"
	FillAutoDeleverage FillKind = "auto_deleverage"
)

// TradeEntry is one executed change to an account position. Index is the
// request index for order fills and zero otherwise.
type TradeEntry struct {
	Sequence    int64          `json:"sequence"`
	Timestamp   int64          `json:"timestamp"`
	Kind        FillKind       `json:"kind"`
	Index       uint64         `json:"index,omitempty"`
	Pair        string         `json:"pair"`
	Price       fpmath.Decimal `json:"price"`
	AmountClose fpmath.Decimal `json:"amount_close"`
	AmountOpen  fpmath.Decimal `json:"amount_open"`
	Pnl         fpmath.Decimal `json:"pnl"`
	Fee         fpmath.Decimal `json:"fee"`
}

// TradeHistoryProjection maintains queryable fills per account
type TradeHistoryProjection struct {
	mu      sync.RWMutex
	entries map[string][]TradeEntry
}

func NewTradeHistoryProjection() *TradeHistoryProjection {
	return &TradeHistoryProjection{
		entries: make(map[string][]TradeEntry),
	}
}

func (p *TradeHistoryProjection) AddEntry(accountID string, entry TradeEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[accountID] = append(p.entries[accountID], entry)
}

// QueryByAccount returns an account's fills, newest first, with the same
// pair and cursor filters as the funding history.
func (p *TradeHistoryProjection) QueryByAccount(accountID, pair string, before int64, limit int) []TradeEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.entries[accountID]
	result := make([]TradeEntry, 0)
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

func (p *TradeHistoryProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string][]TradeEntry)
}
