// internal/persistence/store.go
package persistence

import (
	"context"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
)

var (
	ErrNotFound      = errs.New(errs.KindNotFound, "not_found")
	ErrAlreadyExists = errs.New(errs.KindConflict, "already_exists")
	ErrConflict      = errs.New(errs.KindConflict, "serialization_conflict")
	ErrTxDone        = errs.New(errs.KindUnknown, "tx_done")
)

// Store opens units of work against the ledger.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Events returns committed records with Sequence > after, oldest first.
	Events(ctx context.Context, after int64, limit int) ([]event.Record, error)

	Close() error
}

// Tx is one all-or-nothing unit of work. Loads observe the tx's own writes.
// Nothing is visible to other transactions until Commit returns nil.
type Tx interface {
	LoadConfig(ctx context.Context) (*config.Snapshot, error)
	SaveConfig(ctx context.Context, snap *config.Snapshot) error

	LoadPool(ctx context.Context) (*state.Pool, error)
	SavePool(ctx context.Context, pool *state.Pool) error

	LoadFees(ctx context.Context) (*state.FeeDistributor, error)
	SaveFees(ctx context.Context, fees *state.FeeDistributor) error

	LoadAccount(ctx context.Context, id string) (*state.Account, error)
	LoadAccounts(ctx context.Context, ids []string) (map[string]*state.Account, error)
	CreateAccount(ctx context.Context, acct *state.Account) error
	SaveAccount(ctx context.Context, acct *state.Account) error

	LoadReferral(ctx context.Context, id string) (*state.Referral, error)
	SaveReferral(ctx context.Context, ref *state.Referral) error

	LoadRules(ctx context.Context, accountID string) (*auth.Rules, error)
	SaveRules(ctx context.Context, rules *auth.Rules) error

	// LastRecord returns the sequence and state hash of the newest committed
	// record, or (0, zero hash) on an empty log.
	LastRecord(ctx context.Context) (int64, [32]byte, error)
	AppendEvents(ctx context.Context, records []event.Record) error
	HasIdempotencyKey(ctx context.Context, op, key string) (bool, error)

	Commit() error
	Rollback() error
}
