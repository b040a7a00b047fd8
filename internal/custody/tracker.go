package custody

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
)

// BalanceTracker maintains in-memory wallet balances
type BalanceTracker struct {
	balances map[WalletKey]fpmath.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[WalletKey]fpmath.Decimal),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.Debit] = bt.balances[j.Debit].Add(j.Amount)
	bt.balances[j.Credit] = bt.balances[j.Credit].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for a wallet key
func (bt *BalanceTracker) GetBalance(key WalletKey) fpmath.Decimal {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all balances per resource (zero for a closed ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]fpmath.Decimal {
	totals := make(map[string]fpmath.Decimal)

	for key, balance := range bt.balances {
		totals[key.Resource] = totals[key.Resource].Add(balance)
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[WalletKey]fpmath.Decimal {
	snapshot := make(map[WalletKey]fpmath.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
