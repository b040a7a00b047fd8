package query

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/projection"
)

// FundingHistoryResponse is a page of an account's funding settlements.
type FundingHistoryResponse struct {
	AccountID    string                    `json:"account_id"`
	Entries      []projection.FundingEntry `json:"entries"`
	AsOfSequence int64                     `json:"as_of_sequence"`
}

// TradeHistoryResponse is a page of an account's fills.
type TradeHistoryResponse struct {
	AccountID    string                  `json:"account_id"`
	Entries      []projection.TradeEntry `json:"entries"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

// EventPage is a slice of the committed event log. Next is the cursor for
// the following page, zero when the log is exhausted.
type EventPage struct {
	Records []event.Record `json:"records"`
	Next    int64          `json:"next,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy      bool    `json:"is_healthy"`
	Records        int64   `json:"records"`
	CheckedThrough int64   `json:"checked_through"`
	SequenceGaps   []int64 `json:"sequence_gaps,omitempty"`
	ChainError     string  `json:"chain_error,omitempty"`
}
