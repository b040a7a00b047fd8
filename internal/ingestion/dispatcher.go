package ingestion

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
)

// Executor is the part of the engine keeper commands drive.
type Executor interface {
	ProcessRequest(ctx context.Context, call core.Call, accountID string, index uint64) (*core.Result, error)
	UpdatePairs(ctx context.Context, call core.Call, pairs []config.PairID) (*core.Result, error)
	Liquidate(ctx context.Context, call core.Call, accountID string, payment fpmath.Decimal) (*core.Result, error)
	LiquidateV2(ctx context.Context, call core.Call, accountID, receiverID string) (*core.Result, error)
	AutoDeleverage(ctx context.Context, call core.Call, accountID string, pair config.PairID) (*core.Result, error)
}

// Dispatcher applies inbound messages: price updates go to the oracle,
// keeper commands run as Keeper against the engine.
type Dispatcher struct {
	exec    Executor
	prices  oracle.Updater
	keeper  auth.Credential
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(exec Executor, prices oracle.Updater, keeper auth.Credential, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		exec:    exec,
		prices:  prices,
		keeper:  keeper,
		log:     logger,
		metrics: metrics,
	}
}

// Run handles messages until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.settle(raw, d.Handle(ctx, raw))
		}
	}
}

// Handle applies one message and returns its error, if any.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) error {
	if strings.HasPrefix(raw.Subject, "perp.prices.") {
		err := d.applyPrices(ctx, raw.Data)
		d.count("prices", "", err)
		return err
	}

	cmd, err := ParseCommand(raw)
	if err != nil {
		d.count("keeper", "malformed", err)
		return err
	}
	call := core.Call{Caller: d.keeper, IdempotencyKey: cmd.IdempotencyKey, PriceUpdate: cmd.PriceUpdate}

	switch cmd.Kind {
	case CommandProcessRequest:
		_, err = d.exec.ProcessRequest(ctx, call, cmd.AccountID, cmd.Index)
	case CommandUpdatePairs:
		_, err = d.exec.UpdatePairs(ctx, call, cmd.Pairs)
	case CommandLiquidate:
		_, err = d.exec.Liquidate(ctx, call, cmd.AccountID, cmd.Payment)
	case CommandLiquidateV2:
		_, err = d.exec.LiquidateV2(ctx, call, cmd.AccountID, cmd.ReceiverID)
	case CommandAutoDeleverage:
		_, err = d.exec.AutoDeleverage(ctx, call, cmd.AccountID, cmd.Pair)
	}
	d.count("keeper", string(cmd.Kind), err)
	return err
}

func (d *Dispatcher) applyPrices(ctx context.Context, payload []byte) error {
	if d.prices == nil {
		return errors.New("price source does not accept updates")
	}
	return d.prices.ApplyUpdate(ctx, payload)
}

// Retryable reports whether a failed message should be redelivered: store
// conflicts and unclassified failures are, engine rejections are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, persistence.ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errs.KindOf(err) == errs.KindUnknown
}

func (d *Dispatcher) settle(raw RawEvent, err error) {
	switch {
	case err == nil:
		ack(raw.AckFunc)
	case errors.Is(err, ErrMalformedCommand):
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		ack(raw.TermFunc)
	case Retryable(err):
		d.log.Warn().Err(err).Str("subject", raw.Subject).Uint64("attempt", raw.Delivered).Msg("message failed, redelivering")
		ack(raw.NakFunc)
	default:
		d.log.Debug().Err(err).Str("subject", raw.Subject).Str("kind", errs.KindOf(err).String()).Msg("message rejected")
		ack(raw.AckFunc)
	}
}

func ack(fn func()) {
	if fn != nil {
		fn()
	}
}

func (d *Dispatcher) count(source, op string, err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = errs.KindOf(err).String()
	}
	if source == "prices" {
		d.metrics.PriceUpdates.WithLabelValues(result).Inc()
		return
	}
	d.metrics.KeeperCommands.WithLabelValues(op, result).Inc()
}
