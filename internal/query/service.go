package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/projection"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	verifyBatch     = 1000
)

// Engine is the read-only part of the exchange.
type Engine interface {
	AccountDetails(ctx context.Context, accountID string) (*core.AccountDetails, error)
	PoolDetails(ctx context.Context) (*core.PoolDetails, error)
}

// QueryService provides read-only access to live valuations, the history
// projections and the committed event log.
type QueryService struct {
	engine  Engine
	events  projection.EventSource
	history *projection.ProjectionWorker
	metrics *observability.Metrics
}

// NewQueryService wires the read side. history may be nil, in which case
// history queries return empty pages.
func NewQueryService(engine Engine, events projection.EventSource, history *projection.ProjectionWorker, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		engine:  engine,
		events:  events,
		history: history,
		metrics: metrics,
	}
}

// GetAccount values an account at current prices.
func (qs *QueryService) GetAccount(ctx context.Context, accountID string) (resp *AccountResponse, err error) {
	defer qs.observe("account", time.Now(), &err)

	asOf := qs.watermark()
	details, err := qs.engine.AccountDetails(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountResponse{AccountDetails: details, AsOfSequence: asOf}, nil
}

// GetPool reports the pool and its positions.
func (qs *QueryService) GetPool(ctx context.Context) (resp *PoolResponse, err error) {
	defer qs.observe("pool", time.Now(), &err)

	asOf := qs.watermark()
	details, err := qs.engine.PoolDetails(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolResponse{PoolDetails: details, AsOfSequence: asOf}, nil
}

// GetFundingHistory returns funding settlements for an account, newest
// first. before is an exclusive sequence cursor; zero starts at the newest.
func (qs *QueryService) GetFundingHistory(
	ctx context.Context,
	accountID string,
	pair string,
	limit int,
	before int64,
) (resp *FundingHistoryResponse, err error) {
	defer qs.observe("funding_history", time.Now(), &err)

	resp = &FundingHistoryResponse{AccountID: accountID, AsOfSequence: qs.watermark()}
	if qs.history != nil {
		resp.Entries = qs.history.Funding().QueryByAccount(accountID, pair, before, pageSize(limit))
	}
	return resp, nil
}

// GetTradeHistory returns fills for an account, newest first.
func (qs *QueryService) GetTradeHistory(
	ctx context.Context,
	accountID string,
	pair string,
	limit int,
	before int64,
) (resp *TradeHistoryResponse, err error) {
	defer qs.observe("trade_history", time.Now(), &err)

	resp = &TradeHistoryResponse{AccountID: accountID, AsOfSequence: qs.watermark()}
	if qs.history != nil {
		resp.Entries = qs.history.Trades().QueryByAccount(accountID, pair, before, pageSize(limit))
	}
	return resp, nil
}

// GetEvents pages the committed event log from after (exclusive).
func (qs *QueryService) GetEvents(ctx context.Context, after int64, limit int) (page *EventPage, err error) {
	defer qs.observe("events", time.Now(), &err)

	if after < 0 {
		return nil, errs.New(errs.KindInvalidInput, "negative_cursor")
	}
	limit = pageSize(limit)
	records, err := qs.events.Events(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	page = &EventPage{Records: records}
	if len(records) == limit {
		page.Next = records[len(records)-1].Sequence
	}
	return page, nil
}

// --- Admin APIs ---

// VerifyIntegrity replays the whole event log, checking that sequences are
// contiguous from 1 and that every record extends the hash chain.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{}
	var after int64
	var prev [32]byte
	for {
		records, err := qs.events.Events(ctx, after, verifyBatch)
		if err != nil {
			return nil, fmt.Errorf("read events after %d: %w", after, err)
		}
		for _, rec := range records {
			if rec.Sequence != after+1 {
				report.SequenceGaps = append(report.SequenceGaps, after+1)
			}
			after = rec.Sequence
		}
		if err := core.VerifyChain(prev, records); err != nil {
			if !errors.Is(err, core.ErrChainBroken) {
				return nil, err
			}
			report.ChainError = err.Error()
			break
		}
		report.Records += int64(len(records))
		if len(records) > 0 {
			report.CheckedThrough = after
			prev = records[len(records)-1].StateHash
		}
		if len(records) < verifyBatch {
			break
		}
	}

	report.IsHealthy = report.ChainError == "" && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) watermark() int64 {
	if qs.history == nil {
		return 0
	}
	return qs.history.Watermark()
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = errs.KindOf(*err).String()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
