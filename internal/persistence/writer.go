package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpSettle/internal/event"
)

// eventColumns is the number of bind parameters per event row
const eventColumns = 11

// maxBindParams is Postgres' limit on parameters in one statement
const maxBindParams = 65535

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter appends committed records to event_log.events using
// multi-row INSERT, inside the caller's transaction.
type EventLogWriter struct {
	batchSize int
}

func NewEventLogWriter(batchSize int) *EventLogWriter {
	limit := maxBindParams / eventColumns
	if batchSize <= 0 || batchSize > limit {
		batchSize = limit
	}
	return &EventLogWriter{batchSize: batchSize}
}

// WriteEventBatch inserts records in chunks of at most batchSize rows.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, db execer, records []event.Record) error {
	for start := 0; start < len(records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := w.writeChunk(ctx, db, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *EventLogWriter) writeChunk(ctx context.Context, db execer, records []event.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, call_id, op, idempotency_key, event_type, account_id, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*eventColumns)

	for i, r := range records {
		base := i * eventColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.Sequence, r.CallID, r.Op, r.IdempotencyKey, r.EventType.String(),
			r.AccountID, r.MarketID, []byte(r.Payload), r.StateHash[:], r.PrevHash[:], r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d events: %w", len(records), err)
	}
	return nil
}
