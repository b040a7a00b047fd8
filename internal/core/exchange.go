// Package core is the trading engine. Every entry point runs as one
// all-or-nothing unit of work over the store, the oracle and custody, and
// returns the ordered events it committed.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
)

// Options are the deployment constants of an exchange.
type Options struct {
	BaseResource         string
	BaseDivisibility     int32
	LPResource           string
	Operator             string
	Admins               []auth.Credential
	IdempotencyCacheSize int
	// Clock returns unix seconds; defaults to the wall clock.
	Clock func() int64
}

// Exchange is the settlement engine shared by every transport.
type Exchange struct {
	store   persistence.Store
	prices  oracle.PriceSource
	stager  oracle.Stager
	custody custody.Custody
	opts    Options
	admins  map[auth.Credential]bool
	idem    *IdempotencyChecker
	log     zerolog.Logger
	metrics *observability.Metrics

	// Committed records fan out here; nil disables publishing
	publish chan<- event.Record
}

// Call carries the caller context of one entry point invocation.
type Call struct {
	Caller         auth.Credential
	IdempotencyKey string
	// PriceUpdate is an optional signed payload. Its prices are used for this
	// call and published to the price source only if the call commits.
	PriceUpdate []byte
}

// Result is what a committed call returns. Only the fields relevant to the
// entry point are set.
type Result struct {
	CallID  uuid.UUID       `json:"call_id"`
	Events  []event.Record  `json:"events"`
	Reward  fpmath.Decimal  `json:"reward"`
	Fired   []config.PairID `json:"fired,omitempty"`
	Indexes []uint64        `json:"indexes,omitempty"`
	ID      string          `json:"id,omitempty"`
	Amount  fpmath.Decimal  `json:"amount"`
}

// NewExchange wires the engine. If prices also implements oracle.Stager,
// calls may carry signed price updates.
func NewExchange(
	store persistence.Store,
	prices oracle.PriceSource,
	cust custody.Custody,
	opts Options,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Exchange {
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().Unix() }
	}
	if opts.IdempotencyCacheSize <= 0 {
		opts.IdempotencyCacheSize = 100_000
	}
	admins := make(map[auth.Credential]bool, len(opts.Admins))
	for _, a := range opts.Admins {
		admins[a] = true
	}
	x := &Exchange{
		store:   store,
		prices:  prices,
		custody: cust,
		opts:    opts,
		admins:  admins,
		idem:    NewIdempotencyChecker(opts.IdempotencyCacheSize, metrics),
		log:     logger,
		metrics: metrics,
	}
	if st, ok := prices.(oracle.Stager); ok {
		x.stager = st
	}
	return x
}

// SetPublisher routes committed records to ch with a non-blocking send.
func (x *Exchange) SetPublisher(ch chan<- event.Record) {
	x.publish = ch
}

// WarmIdempotency preloads "op:key" entries, newest first.
func (x *Exchange) WarmIdempotency(keys []string) {
	x.idem.Warm(keys)
	if x.metrics != nil {
		x.metrics.DedupLRUSize.Set(float64(x.idem.Size()))
	}
}

func (x *Exchange) Options() Options {
	return x.opts
}

// Bootstrap stores snap as the exchange configuration unless one exists.
// It reports whether snap was stored.
func (x *Exchange) Bootstrap(ctx context.Context, snap *config.Snapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, err
	}
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.LoadConfig(ctx); err == nil {
		return false, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return false, err
	}
	if err := tx.SaveConfig(ctx, snap); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	x.log.Info().
		Int("pairs", len(snap.Pairs)).
		Int("collaterals", len(snap.Collaterals)).
		Msg("exchange configuration bootstrapped")
	return true, nil
}

// run executes fn as one unit of work and commits its effects.
func (x *Exchange) run(ctx context.Context, op string, call Call, fn func(s *session) error) (res *Result, err error) {
	start := time.Now()
	defer func() { x.observe(op, call, start, res, err) }()

	var staged []oracle.Price
	if len(call.PriceUpdate) > 0 {
		if x.stager == nil {
			return nil, fmt.Errorf("%w: price source does not accept updates", ErrInvalidArgument)
		}
		if staged, err = x.stager.StageUpdate(call.PriceUpdate); err != nil {
			return nil, err
		}
	}

	s, err := x.begin(ctx, op, call, false, staged)
	if err != nil {
		return nil, err
	}
	defer s.tx.Rollback()

	dup, err := x.idem.IsDuplicate(ctx, s.tx, op, call.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("%w: %s %q", ErrDuplicateCall, op, call.IdempotencyKey)
	}

	if err := s.guard(fn); err != nil {
		return nil, err
	}
	if res, err = s.commit(); err != nil {
		return nil, err
	}
	if len(staged) > 0 {
		if perr := x.stager.Publish(ctx, staged); perr != nil {
			// The call already committed with these prices
			x.log.Warn().Err(perr).Str("op", op).Msg("publish staged prices")
		}
	}
	return res, nil
}

// view executes fn against a snapshot and always rolls back. Prices are
// resolved without an age bound.
func (x *Exchange) view(ctx context.Context, op string, fn func(s *session) error) error {
	s, err := x.begin(ctx, op, Call{}, true, nil)
	if err != nil {
		return err
	}
	defer s.tx.Rollback()
	return s.guard(fn)
}

func (x *Exchange) observe(op string, call Call, start time.Time, res *Result, err error) {
	elapsed := time.Since(start)
	if err != nil {
		kind := errs.KindOf(err)
		if x.metrics != nil {
			x.metrics.CallsTotal.WithLabelValues(op, "error").Inc()
			x.metrics.CallsRejected.WithLabelValues(op, kind.String()).Inc()
		}
		evt := x.log.Debug()
		if kind == errs.KindUnknown {
			evt = x.log.Error()
		}
		evt.Err(err).
			Str("op", op).
			Str("caller", string(call.Caller)).
			Str("kind", kind.String()).
			Dur("duration", elapsed).
			Msg("call rejected")
		return
	}

	if x.metrics != nil {
		x.metrics.CallsTotal.WithLabelValues(op, "ok").Inc()
		x.metrics.CallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
	x.log.Info().
		Str("op", op).
		Str("call_id", res.CallID.String()).
		Int("events", len(res.Events)).
		Dur("duration", elapsed).
		Msg("call committed")
}

// emit fans committed records out. Drops are counted; subscribers can
// re-read the log.
func (x *Exchange) emit(records []event.Record) {
	for _, rec := range records {
		if x.metrics != nil {
			x.metrics.EventsEmitted.WithLabelValues(rec.EventType.String()).Inc()
		}
		if x.publish == nil {
			continue
		}
		select {
		case x.publish <- rec:
		default:
			if x.metrics != nil {
				x.metrics.PublishDrops.Inc()
			}
			x.log.Warn().Int64("sequence", rec.Sequence).Msg("publish channel full, event dropped")
		}
	}
}
