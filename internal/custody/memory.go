package custody

import (
	"context"
	"fmt"
	"sync"

	fpmath "PerpSettle/internal/math"
)

// WalletPolicy controls who may deposit into a wallet.
type WalletPolicy struct {
	AcceptsUnsolicited bool
	Depositors         map[string]bool
}

// MemoryCustody is an in-process custody ledger. Wallets without a policy
// accept every deposit.
type MemoryCustody struct {
	mu           sync.Mutex
	operator     string
	divisibility map[string]int32
	policies     map[string]WalletPolicy
	tracker      *BalanceTracker
	batches      []*Batch
}

// NewMemoryCustody creates a custody ledger operated by operator, the
// identity the engine deposits as.
func NewMemoryCustody(operator string, divisibility map[string]int32) *MemoryCustody {
	div := make(map[string]int32, len(divisibility))
	for k, v := range divisibility {
		div[k] = v
	}
	return &MemoryCustody{
		operator:     operator,
		divisibility: div,
		policies:     make(map[string]WalletPolicy),
		tracker:      NewBalanceTracker(),
	}
}

// RegisterResource adds or replaces a resource's divisibility.
func (m *MemoryCustody) RegisterResource(resource string, divisibility int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divisibility[resource] = divisibility
}

// SetPolicy installs a deposit policy on a wallet.
func (m *MemoryCustody) SetPolicy(wallet string, p WalletPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[wallet] = p
}

// Mint credits a wallet from the external boundary.
func (m *MemoryCustody) Mint(wallet string, b Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := NewBatch("mint", []Transfer{{From: ExternalWallet, To: wallet, Bucket: b}})
	if err := m.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	m.batches = append(m.batches, batch)
	return nil
}

// Balance returns a wallet's balance of one resource.
func (m *MemoryCustody) Balance(wallet, resource string) fpmath.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.GetBalance(WalletKey{Wallet: wallet, Resource: resource})
}

// History returns the number of settled batches.
func (m *MemoryCustody) History() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// GlobalBalance should be zero per resource.
func (m *MemoryCustody) GlobalBalance() map[string]fpmath.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.ComputeGlobalBalance()
}

func (m *MemoryCustody) Divisibility(resource string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.divisibility[resource]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	return d, nil
}

func (m *MemoryCustody) AcceptsDeposit(_ context.Context, target, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptsLocked(target, resource)
}

func (m *MemoryCustody) acceptsLocked(target, resource string) error {
	if _, ok := m.divisibility[resource]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	p, ok := m.policies[target]
	if !ok || p.AcceptsUnsolicited || p.Depositors[m.operator] {
		return nil
	}
	return fmt.Errorf("%w: %s does not accept %s from %s", ErrDepositRejected, target, resource, m.operator)
}

// Settle applies every transfer or none. Sources other than the external
// boundary must be funded; targets other than the pool must accept the deposit.
func (m *MemoryCustody) Settle(_ context.Context, ref string, transfers []Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch := NewBatch(ref, transfers)
	if err := batch.Validate(); err != nil {
		return err
	}

	need := make(map[WalletKey]fpmath.Decimal)
	for _, j := range batch.Journals {
		if j.Debit.Wallet != PoolWallet {
			if err := m.acceptsLocked(j.Debit.Wallet, j.Debit.Resource); err != nil {
				return err
			}
		}
		if j.Credit.Wallet != ExternalWallet {
			need[j.Credit] = need[j.Credit].Add(j.Amount)
		}
	}
	for key, amount := range need {
		if have := m.tracker.GetBalance(key); have.LessThan(amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, key, have, amount)
		}
	}

	if err := m.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	m.batches = append(m.batches, batch)
	return nil
}
