package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/event"
	"PerpSettle/internal/persistence"
)

// EventSource is the read side of the committed event log.
type EventSource interface {
	Events(ctx context.Context, after int64, limit int) ([]event.Record, error)
}

// ProjectionWorker tails the event log into the history projections.
// Projections are eventually consistent and can be rebuilt by replaying
// the log from sequence zero.
type ProjectionWorker struct {
	source   EventSource
	funding  *FundingHistoryProjection
	trades   *TradeHistoryProjection
	interval time.Duration
	batch    int
	lastSeq  atomic.Int64
	log      zerolog.Logger
}

func NewProjectionWorker(source EventSource, interval time.Duration, batch int, logger zerolog.Logger) *ProjectionWorker {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 500
	}
	return &ProjectionWorker{
		source:   source,
		funding:  NewFundingHistoryProjection(),
		trades:   NewTradeHistoryProjection(),
		interval: interval,
		batch:    batch,
		log:      logger,
	}
}

var _ EventSource = (persistence.Store)(nil)

func (pw *ProjectionWorker) Funding() *FundingHistoryProjection { return pw.funding }
func (pw *ProjectionWorker) Trades() *TradeHistoryProjection    { return pw.trades }

// Watermark is the sequence of the last applied record.
func (pw *ProjectionWorker) Watermark() int64 { return pw.lastSeq.Load() }

// Run catches up and then polls the log every interval until ctx is done.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		if err := pw.CatchUp(ctx); err != nil && ctx.Err() == nil {
			// Continue: the next tick resumes from the watermark
			pw.log.Warn().Err(err).Int64("watermark", pw.Watermark()).Msg("projection catch-up failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CatchUp applies every committed record past the watermark.
func (pw *ProjectionWorker) CatchUp(ctx context.Context) error {
	for {
		records, err := pw.source.Events(ctx, pw.Watermark(), pw.batch)
		if err != nil {
			return fmt.Errorf("read events after %d: %w", pw.Watermark(), err)
		}
		for i := range records {
			if err := pw.Apply(records[i]); err != nil {
				return err
			}
		}
		if len(records) < pw.batch {
			return nil
		}
	}
}

// Apply folds one record into the projections. Records at or below the
// watermark are ignored.
func (pw *ProjectionWorker) Apply(rec event.Record) error {
	if rec.Sequence <= pw.Watermark() {
		return nil
	}

	switch rec.EventType {
	case event.EventTypeFundingSettled:
		var e event.FundingSettled
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("decode seq=%d: %w", rec.Sequence, err)
		}
		pw.funding.AddEntry(e.AccountID, FundingEntry{
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp,
			Pair:      e.Pair,
			Amount:    e.Amount,
			Index:     e.Index,
		})

	case event.EventTypeMarginOrder:
		var e event.MarginOrder
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("decode seq=%d: %w", rec.Sequence, err)
		}
		pw.trades.AddEntry(e.AccountID, TradeEntry{
			Sequence:    rec.Sequence,
			Timestamp:   rec.Timestamp,
			Kind:        FillOrder,
			Index:       e.Index,
			Pair:        e.Pair,
			Price:       e.Price,
			AmountClose: e.AmountClose,
			AmountOpen:  e.AmountOpen,
			Pnl:         e.Pnl,
			Fee:         e.FeeClose.Total.Add(e.FeeOpen.Total),
		})

	case event.EventTypeLiquidation:
		var e event.Liquidation
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("decode seq=%d: %w", rec.Sequence, err)
		}
		for _, p := range e.Positions {
			pw.trades.AddEntry(e.AccountID, TradeEntry{
				Sequence:    rec.Sequence,
				Timestamp:   rec.Timestamp,
				Kind:        FillLiquidation,
				Pair:        p.Pair,
				Price:       p.Price,
				AmountClose: p.Amount,
				Pnl:         p.Pnl,
			})
		}

	case event.EventTypeAutoDeleverage:
		var e event.AutoDeleverage
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return fmt.Errorf("decode seq=%d: %w", rec.Sequence, err)
		}
		pw.trades.AddEntry(e.AccountID, TradeEntry{
			Sequence:    rec.Sequence,
			Timestamp:   rec.Timestamp,
			Kind:        FillAutoDeleverage,
			Pair:        e.Pair,
			Price:       e.Price,
			AmountClose: e.Amount,
			Pnl:         e.Pnl,
		})
	}

	pw.lastSeq.Store(rec.Sequence)
	return nil
}

// Rebuild drops the projections and replays the log from the start.
func (pw *ProjectionWorker) Rebuild(ctx context.Context) error {
	pw.funding.Reset()
	pw.trades.Reset()
	pw.lastSeq.Store(0)

	if err := pw.CatchUp(ctx); err != nil {
		return err
	}
	pw.log.Info().Int64("watermark", pw.Watermark()).Msg("projection rebuild complete")
	return nil
}
