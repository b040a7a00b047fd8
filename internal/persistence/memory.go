package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
)

const (
	docConfig = "config"
	docPool   = "pool"
	docFees   = "fees"
)

// MemoryStore keeps every document as JSON bytes so loaded objects never alias
// committed state. Transactions are fully serialized: Begin blocks until the
// previous tx commits or rolls back.
type MemoryStore struct {
	lock sync.Mutex // held for the lifetime of a tx

	mu        sync.RWMutex // guards the maps below for Events readers
	docs      map[string][]byte
	accounts  map[string][]byte
	referrals map[string][]byte
	rules     map[string][]byte
	events    []event.Record
	idemKeys  map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string][]byte),
		accounts:  make(map[string][]byte),
		referrals: make(map[string][]byte),
		rules:     make(map[string][]byte),
		idemKeys:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	return &memoryTx{
		store:     s,
		docs:      make(map[string][]byte),
		accounts:  make(map[string][]byte),
		referrals: make(map[string][]byte),
		rules:     make(map[string][]byte),
	}, nil
}

func (s *MemoryStore) Events(_ context.Context, after int64, limit int) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Record, 0)
	for _, r := range s.events {
		if r.Sequence <= after {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store *MemoryStore
	done  bool

	docs      map[string][]byte
	accounts  map[string][]byte
	referrals map[string][]byte
	rules     map[string][]byte
	events    []event.Record
}

func idemKey(op, key string) string {
	return op + ":" + key
}

func (tx *memoryTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// read returns the tx-local write if any, else the committed bytes.
func (tx *memoryTx) read(local, committed map[string][]byte, key string) ([]byte, bool) {
	if b, ok := local[key]; ok {
		return b, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	b, ok := committed[key]
	return b, ok
}

func (tx *memoryTx) write(local map[string][]byte, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	local[key] = b
	return nil
}

func (tx *memoryTx) LoadConfig(_ context.Context) (*config.Snapshot, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	b, ok := tx.read(tx.docs, tx.store.docs, docConfig)
	if !ok {
		return nil, fmt.Errorf("%w: exchange config", ErrNotFound)
	}
	var snap config.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &snap, nil
}

func (tx *memoryTx) SaveConfig(_ context.Context, snap *config.Snapshot) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.write(tx.docs, docConfig, snap)
}

func (tx *memoryTx) LoadPool(_ context.Context) (*state.Pool, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	b, ok := tx.read(tx.docs, tx.store.docs, docPool)
	if !ok {
		return state.NewPool(), nil
	}
	pool := state.NewPool()
	if err := json.Unmarshal(b, pool); err != nil {
		return nil, fmt.Errorf("decode pool: %w", err)
	}
	return pool, nil
}

func (tx *memoryTx) SavePool(_ context.Context, pool *state.Pool) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.write(tx.docs, docPool, pool)
}

func (tx *memoryTx) LoadFees(_ context.Context) (*state.FeeDistributor, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	fees := &state.FeeDistributor{}
	b, ok := tx.read(tx.docs, tx.store.docs, docFees)
	if !ok {
		return fees, nil
	}
	if err := json.Unmarshal(b, fees); err != nil {
		return nil, fmt.Errorf("decode fees: %w", err)
	}
	return fees, nil
}

func (tx *memoryTx) SaveFees(_ context.Context, fees *state.FeeDistributor) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.write(tx.docs, docFees, fees)
}

func (tx *memoryTx) LoadAccount(_ context.Context, id string) (*state.Account, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	b, ok := tx.read(tx.accounts, tx.store.accounts, id)
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	acct := state.NewAccount(id, 0)
	if err := json.Unmarshal(b, acct); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return acct, nil
}

func (tx *memoryTx) LoadAccounts(ctx context.Context, ids []string) (map[string]*state.Account, error) {
	out := make(map[string]*state.Account, len(ids))
	for _, id := range ids {
		acct, err := tx.LoadAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = acct
	}
	return out, nil
}

func (tx *memoryTx) CreateAccount(ctx context.Context, acct *state.Account) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.read(tx.accounts, tx.store.accounts, acct.ID); ok {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, acct.ID)
	}
	return tx.write(tx.accounts, acct.ID, acct)
}

func (tx *memoryTx) SaveAccount(_ context.Context, acct *state.Account) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.read(tx.accounts, tx.store.accounts, acct.ID); !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, acct.ID)
	}
	return tx.write(tx.accounts, acct.ID, acct)
}

func (tx *memoryTx) LoadReferral(_ context.Context, id string) (*state.Referral, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	b, ok := tx.read(tx.referrals, tx.store.referrals, id)
	if !ok {
		return nil, fmt.Errorf("%w: referral %s", ErrNotFound, id)
	}
	var ref state.Referral
	if err := json.Unmarshal(b, &ref); err != nil {
		return nil, fmt.Errorf("decode referral %s: %w", id, err)
	}
	return &ref, nil
}

func (tx *memoryTx) SaveReferral(_ context.Context, ref *state.Referral) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.write(tx.referrals, ref.ID, ref)
}

func (tx *memoryTx) LoadRules(_ context.Context, accountID string) (*auth.Rules, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	b, ok := tx.read(tx.rules, tx.store.rules, accountID)
	if !ok {
		return nil, fmt.Errorf("%w: rules for %s", ErrNotFound, accountID)
	}
	var rules auth.Rules
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("decode rules %s: %w", accountID, err)
	}
	return &rules, nil
}

func (tx *memoryTx) SaveRules(_ context.Context, rules *auth.Rules) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.write(tx.rules, rules.AccountID, rules)
}

func (tx *memoryTx) LastRecord(_ context.Context) (int64, [32]byte, error) {
	if err := tx.check(); err != nil {
		return 0, [32]byte{}, err
	}
	if n := len(tx.events); n > 0 {
		return tx.events[n-1].Sequence, tx.events[n-1].StateHash, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	if n := len(tx.store.events); n > 0 {
		last := tx.store.events[n-1]
		return last.Sequence, last.StateHash, nil
	}
	return 0, [32]byte{}, nil
}

func (tx *memoryTx) AppendEvents(_ context.Context, records []event.Record) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.events = append(tx.events, records...)
	return nil
}

func (tx *memoryTx) HasIdempotencyKey(_ context.Context, op, key string) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	for _, r := range tx.events {
		if r.Op == op && r.IdempotencyKey == key {
			return true, nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.idemKeys[idemKey(op, key)]
	return ok, nil
}

func (tx *memoryTx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	defer tx.store.lock.Unlock()

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.docs {
		s.docs[k] = v
	}
	for k, v := range tx.accounts {
		s.accounts[k] = v
	}
	for k, v := range tx.referrals {
		s.referrals[k] = v
	}
	for k, v := range tx.rules {
		s.rules[k] = v
	}
	for _, r := range tx.events {
		if r.IdempotencyKey != "" {
			s.idemKeys[idemKey(r.Op, r.IdempotencyKey)] = struct{}{}
		}
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.lock.Unlock()
	return nil
}
