package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/state"
)

// session is the in-memory working set of one call. Everything loaded is
// written back on commit; nothing is visible until the store commits.
type session struct {
	ctx    context.Context
	x      *Exchange
	tx     persistence.Tx
	op     string
	call   Call
	callID uuid.UUID
	now    int64

	snap   *config.Snapshot
	cfg    *config.View
	source oracle.PriceSource
	prices *oracle.View

	pool *state.Pool
	fees *state.FeeDistributor

	accounts  map[string]*state.Account
	created   map[string]bool
	referrals map[string]*state.Referral
	rules     map[string]*auth.Rules

	configDirty bool

	events    []event.Event
	transfers []custody.Transfer
	result    Result
}

// begin opens a session. Staged prices take precedence over older source
// observations for this call only.
func (x *Exchange) begin(ctx context.Context, op string, call Call, quoting bool, staged []oracle.Price) (*session, error) {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{
		ctx:       ctx,
		x:         x,
		tx:        tx,
		op:        op,
		call:      call,
		callID:    uuid.New(),
		now:       x.opts.Clock(),
		source:    x.prices,
		accounts:  make(map[string]*state.Account),
		created:   make(map[string]bool),
		referrals: make(map[string]*state.Referral),
		rules:     make(map[string]*auth.Rules),
	}

	if len(staged) > 0 {
		s.source = oracle.NewOverlay(x.prices, staged)
	}

	snap, err := tx.LoadConfig(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		tx.Rollback()
		return nil, ErrNotConfigured
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	s.setConfig(snap)
	if quoting {
		s.prices = oracle.NewUnboundedView(ctx, s.source, s.cfg, s.now)
	}

	if s.pool, err = tx.LoadPool(ctx); err != nil {
		tx.Rollback()
		return nil, err
	}
	if s.fees, err = tx.LoadFees(ctx); err != nil {
		tx.Rollback()
		return nil, err
	}
	return s, nil
}

func (s *session) setConfig(snap *config.Snapshot) {
	s.snap = snap
	s.cfg = config.NewView(snap)
	s.prices = oracle.NewView(s.ctx, s.source, s.cfg, s.now)
}

// guard turns checked-arithmetic panics into an error so the call rolls back.
func (s *session) guard(fn func(*session) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*fpmath.ArithmeticError)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("%w: %s: %v", ErrArithmetic, s.op, ae)
		}
	}()
	return fn(s)
}

func (s *session) exchange() *config.ExchangeConfig {
	return s.cfg.Exchange()
}

func (s *session) base() string {
	return s.x.opts.BaseResource
}

func (s *session) baseDiv() int32 {
	return s.x.opts.BaseDivisibility
}

// caller is the custody wallet of the calling credential.
func (s *session) caller() string {
	return string(s.call.Caller)
}

func (s *session) emit(evt event.Event) {
	s.events = append(s.events, evt)
}

// transfer queues a custody movement settled at commit. Zero amounts are skipped.
func (s *session) transfer(from, to, resource string, amount fpmath.Decimal) {
	if amount.IsZero() {
		return
	}
	s.transfers = append(s.transfers, custody.Transfer{
		From:   from,
		To:     to,
		Bucket: custody.Bucket{Resource: resource, Amount: amount},
	})
}

// payout withdraws base from the pool to target, rounding down to the base
// divisibility, and returns the amount paid.
func (s *session) payout(target string, amount fpmath.Decimal) (fpmath.Decimal, error) {
	out, err := s.pool.Withdraw(amount, s.baseDiv(), fpmath.RoundDown)
	if err != nil {
		return fpmath.Zero, err
	}
	s.transfer(custody.PoolWallet, target, s.base(), out)
	return out, nil
}

func (s *session) account(id string) (*state.Account, error) {
	if a, ok := s.accounts[id]; ok {
		return a, nil
	}
	a, err := s.tx.LoadAccount(s.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	s.accounts[id] = a
	return a, nil
}

func (s *session) createAccount(a *state.Account) {
	s.accounts[a.ID] = a
	s.created[a.ID] = true
}

// referral returns nil for an empty id.
func (s *session) referral(id string) (*state.Referral, error) {
	if id == "" {
		return nil, nil
	}
	if r, ok := s.referrals[id]; ok {
		return r, nil
	}
	r, err := s.tx.LoadReferral(s.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, err)
	}
	s.referrals[id] = r
	return r, nil
}

func (s *session) rulesFor(accountID string) (*auth.Rules, error) {
	if r, ok := s.rules[accountID]; ok {
		return r, nil
	}
	r, err := s.tx.LoadRules(s.ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", accountID, err)
	}
	s.rules[accountID] = r
	return r, nil
}

// authorize loads an account after checking the caller holds level on it.
func (s *session) authorize(accountID string, level auth.Level) (*state.Account, error) {
	rules, err := s.rulesFor(accountID)
	if err != nil {
		return nil, err
	}
	if err := rules.Require(s.call.Caller, level); err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	return s.account(accountID)
}

func (s *session) requireAdmin() error {
	if !s.x.admins[s.call.Caller] {
		return fmt.Errorf("%w: %s", ErrNotAdmin, s.op)
	}
	return nil
}

// commit writes the working set, appends the sealed records, settles custody
// and commits. A failed commit reverses an already settled custody batch.
func (s *session) commit() (*Result, error) {
	if err := s.flush(); err != nil {
		return nil, err
	}

	records, err := s.seal()
	if err != nil {
		return nil, err
	}
	if err := s.tx.AppendEvents(s.ctx, records); err != nil {
		return nil, err
	}

	ref := s.callID.String()
	if err := s.x.custody.Settle(s.ctx, ref, s.transfers); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := s.tx.Commit(); err != nil {
		if errors.Is(err, persistence.ErrConflict) && s.x.metrics != nil {
			s.x.metrics.CommitConflicts.Inc()
		}
		if len(s.transfers) > 0 {
			if rerr := s.x.custody.Settle(s.ctx, ref+":reverse", custody.Reverse(s.transfers)); rerr != nil {
				s.x.log.Error().Err(rerr).Str("call_id", ref).Msg("custody reversal failed")
			}
		}
		return nil, err
	}
	if s.x.metrics != nil {
		s.x.metrics.CommitDuration.Observe(time.Since(start).Seconds())
		s.observePool()
	}

	s.x.idem.MarkProcessed(s.op, s.call.IdempotencyKey)
	s.x.emit(records)

	s.result.CallID = s.callID
	s.result.Events = records
	return &s.result, nil
}

func (s *session) flush() error {
	ctx := s.ctx
	if s.configDirty {
		if err := s.snap.Validate(); err != nil {
			return err
		}
		if err := s.tx.SaveConfig(ctx, s.snap); err != nil {
			return err
		}
	}
	if err := s.tx.SavePool(ctx, s.pool); err != nil {
		return err
	}
	if err := s.tx.SaveFees(ctx, s.fees); err != nil {
		return err
	}

	for _, id := range sortedKeys(s.accounts) {
		a := s.accounts[id]
		var err error
		if s.created[id] {
			err = s.tx.CreateAccount(ctx, a)
		} else {
			err = s.tx.SaveAccount(ctx, a)
		}
		if err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
	}
	for _, id := range sortedKeys(s.referrals) {
		if err := s.tx.SaveReferral(ctx, s.referrals[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(s.rules) {
		if err := s.tx.SaveRules(ctx, s.rules[id]); err != nil {
			return err
		}
	}
	return nil
}

// seal sequences the call's events after the committed tip and chains them.
func (s *session) seal() ([]event.Record, error) {
	if len(s.events) == 0 {
		return nil, nil
	}
	seq, tip, err := s.tx.LastRecord(s.ctx)
	if err != nil {
		return nil, err
	}
	hasher := ResumeStateHasher(tip)

	records := make([]event.Record, 0, len(s.events))
	for _, evt := range s.events {
		rec, err := event.NewRecord(s.callID, s.op, s.call.IdempotencyKey, s.now, evt)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
		}
		seq++
		rec.Sequence = seq
		hasher.Seal(&rec)
		records = append(records, rec)
	}
	return records, nil
}

func (s *session) observePool() {
	m := s.x.metrics
	m.PoolValue.Set(s.pool.Value().Float64())
	m.PoolBaseBalance.Set(s.pool.BaseBalance.Float64())
	m.PoolSkewRatio.Set(s.pool.SkewRatio().Float64())
	m.PoolLPSupply.Set(s.pool.LPSupply.Float64())
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
