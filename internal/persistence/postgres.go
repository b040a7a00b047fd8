package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
)

// PostgresStore runs each unit of work in one SERIALIZABLE transaction.
// Rows read for mutation are locked with SELECT ... FOR UPDATE; every
// document is stored as JSONB.
type PostgresStore struct {
	db     *sql.DB
	writer *EventLogWriter
	log    zerolog.Logger
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db, logger), nil
}

func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		writer: NewEventLogWriter(0),
		log:    logger,
	}
}

// DB exposes the pool for the migrator and health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx, writer: s.writer, log: s.log}, nil
}

func (s *PostgresStore) Events(ctx context.Context, after int64, limit int) ([]event.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, call_id, op, idempotency_key, event_type, account_id,
		       market_id, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			r         event.Record
			eventType string
			marketID  sql.NullString
			payload   []byte
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(&r.Sequence, &r.CallID, &r.Op, &r.IdempotencyKey, &eventType,
			&r.AccountID, &marketID, &payload, &stateHash, &prevHash, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := r.EventType.UnmarshalText([]byte(eventType)); err != nil {
			return nil, err
		}
		if marketID.Valid {
			m := marketID.String
			r.MarketID = &m
		}
		r.Payload = json.RawMessage(payload)
		copy(r.StateHash[:], stateHash)
		copy(r.PrevHash[:], prevHash)
		out = append(out, r)
	}
	return out, rows.Err()
}

// mapPQError turns serialization and unique-key failures into ErrConflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}

type pgTx struct {
	tx     *sql.Tx
	writer *EventLogWriter
	log    zerolog.Logger
	done   bool
}

func (t *pgTx) loadDoc(ctx context.Context, query string, dst interface{}, args ...interface{}) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	var doc []byte
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPQError(err)
	}
	if err := json.Unmarshal(doc, dst); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return true, nil
}

func (t *pgTx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if t.done {
		return nil, ErrTxDone
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, mapPQError(err)
	}
	return res, nil
}

const upsertDocument = `
	INSERT INTO settle.documents (name, doc, updated_at) VALUES ($1, $2, NOW())
	ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`

func (t *pgTx) saveDocument(ctx context.Context, name string, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	_, err = t.exec(ctx, upsertDocument, name, doc)
	return err
}

func (t *pgTx) LoadConfig(ctx context.Context) (*config.Snapshot, error) {
	var snap config.Snapshot
	ok, err := t.loadDoc(ctx, `SELECT doc FROM settle.documents WHERE name = $1`, &snap, docConfig)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: exchange config", ErrNotFound)
	}
	return &snap, nil
}

func (t *pgTx) SaveConfig(ctx context.Context, snap *config.Snapshot) error {
	return t.saveDocument(ctx, docConfig, snap)
}

func (t *pgTx) LoadPool(ctx context.Context) (*state.Pool, error) {
	pool := state.NewPool()
	if _, err := t.loadDoc(ctx, `SELECT doc FROM settle.documents WHERE name = $1 FOR UPDATE`, pool, docPool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (t *pgTx) SavePool(ctx context.Context, pool *state.Pool) error {
	return t.saveDocument(ctx, docPool, pool)
}

func (t *pgTx) LoadFees(ctx context.Context) (*state.FeeDistributor, error) {
	fees := &state.FeeDistributor{}
	if _, err := t.loadDoc(ctx, `SELECT doc FROM settle.documents WHERE name = $1 FOR UPDATE`, fees, docFees); err != nil {
		return nil, err
	}
	return fees, nil
}

func (t *pgTx) SaveFees(ctx context.Context, fees *state.FeeDistributor) error {
	return t.saveDocument(ctx, docFees, fees)
}

func (t *pgTx) LoadAccount(ctx context.Context, id string) (*state.Account, error) {
	acct := state.NewAccount(id, 0)
	ok, err := t.loadDoc(ctx, `SELECT doc FROM settle.accounts WHERE id = $1 FOR UPDATE`, acct, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return acct, nil
}

// LoadAccounts locks every listed account in id order in one round trip.
func (t *pgTx) LoadAccounts(ctx context.Context, ids []string) (map[string]*state.Account, error) {
	if t.done {
		return nil, ErrTxDone
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, doc FROM settle.accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()

	out := make(map[string]*state.Account, len(ids))
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		acct := state.NewAccount(id, 0)
		if err := json.Unmarshal(doc, acct); err != nil {
			return nil, fmt.Errorf("decode account %s: %w", id, err)
		}
		out[id] = acct
	}
	if err := rows.Err(); err != nil {
		return nil, mapPQError(err)
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
	}
	return out, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, acct *state.Account) error {
	doc, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", acct.ID, err)
	}
	res, err := t.exec(ctx, `
		INSERT INTO settle.accounts (id, rule_version, doc, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		acct.ID, int64(acct.RuleVersion), doc, acct.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, acct.ID)
	}
	return nil
}

func (t *pgTx) SaveAccount(ctx context.Context, acct *state.Account) error {
	doc, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", acct.ID, err)
	}
	res, err := t.exec(ctx,
		`UPDATE settle.accounts SET doc = $2, rule_version = $3, updated_at = NOW() WHERE id = $1`,
		acct.ID, doc, int64(acct.RuleVersion),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: account %s", ErrNotFound, acct.ID)
	}
	return nil
}

func (t *pgTx) LoadReferral(ctx context.Context, id string) (*state.Referral, error) {
	var ref state.Referral
	ok, err := t.loadDoc(ctx, `SELECT doc FROM settle.referrals WHERE id = $1 FOR UPDATE`, &ref, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: referral %s", ErrNotFound, id)
	}
	return &ref, nil
}

func (t *pgTx) SaveReferral(ctx context.Context, ref *state.Referral) error {
	doc, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode referral %s: %w", ref.ID, err)
	}
	_, err = t.exec(ctx, `
		INSERT INTO settle.referrals (id, doc, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		ref.ID, doc,
	)
	return err
}

func (t *pgTx) LoadRules(ctx context.Context, accountID string) (*auth.Rules, error) {
	var rules auth.Rules
	ok, err := t.loadDoc(ctx, `SELECT doc FROM settle.credentials WHERE account_id = $1 FOR UPDATE`, &rules, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: rules for %s", ErrNotFound, accountID)
	}
	return &rules, nil
}

func (t *pgTx) SaveRules(ctx context.Context, rules *auth.Rules) error {
	doc, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode rules %s: %w", rules.AccountID, err)
	}
	_, err = t.exec(ctx, `
		INSERT INTO settle.credentials (account_id, version, doc, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id) DO UPDATE SET version = EXCLUDED.version, doc = EXCLUDED.doc, updated_at = NOW()`,
		rules.AccountID, int64(rules.Version), doc,
	)
	return err
}

// LastRecord locks the chain tip so concurrent calls append in turn.
func (t *pgTx) LastRecord(ctx context.Context) (int64, [32]byte, error) {
	var (
		seq  int64
		raw  []byte
		hash [32]byte
	)
	if t.done {
		return 0, hash, ErrTxDone
	}
	err := t.tx.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM event_log.chain_tip WHERE id = 1 FOR UPDATE`,
	).Scan(&seq, &raw)
	if err != nil {
		return 0, hash, mapPQError(err)
	}
	copy(hash[:], raw)
	return seq, hash, nil
}

func (t *pgTx) AppendEvents(ctx context.Context, records []event.Record) error {
	if len(records) == 0 {
		return nil
	}
	if t.done {
		return ErrTxDone
	}
	if err := t.writer.WriteEventBatch(ctx, t.tx, records); err != nil {
		return mapPQError(err)
	}
	last := records[len(records)-1]
	_, err := t.exec(ctx,
		`UPDATE event_log.chain_tip SET sequence = $1, state_hash = $2 WHERE id = 1`,
		last.Sequence, last.StateHash[:],
	)
	return err
}

func (t *pgTx) HasIdempotencyKey(ctx context.Context, op, key string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	ok, err := hasIdempotencyKey(ctx, t.tx, op, key)
	return ok, mapPQError(err)
}

func (t *pgTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.log.Warn().Err(err).Msg("rollback failed")
		return err
	}
	return nil
}
