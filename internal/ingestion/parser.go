package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpSettle/internal/config"
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
)

var ErrMalformedCommand = errs.New(errs.KindInvalidInput, "malformed_command")

// CommandKind is the keeper operation a command invokes. It is the last
// token of the command subject, e.g. perp.keeper.process_request.
type CommandKind string

const (
	CommandProcessRequest CommandKind = "process_request"
	CommandUpdatePairs    CommandKind = "update_pairs"
	CommandLiquidate      CommandKind = "liquidate"
	CommandLiquidateV2    CommandKind = "liquidate_v2"
	CommandAutoDeleverage CommandKind = "auto_deleverage"
)

// Command is a parsed keeper command, ready to dispatch to the engine.
type Command struct {
	Kind           CommandKind
	AccountID      string
	Index          uint64
	Pairs          []config.PairID
	Pair           config.PairID
	Payment        fpmath.Decimal
	ReceiverID     string
	PriceUpdate    json.RawMessage
	IdempotencyKey string
}

// --- JSON wire format ---
// Field names use snake_case to match upstream keepers.

type commandJSON struct {
	AccountID      string          `json:"account_id"`
	Index          *uint64         `json:"index"`
	Pairs          []config.PairID `json:"pairs"`
	Pair           config.PairID   `json:"pair"`
	Payment        *fpmath.Decimal `json:"payment"`
	ReceiverID     string          `json:"receiver_id"`
	PriceUpdate    json.RawMessage `json:"price_update"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ParseCommand converts a raw keeper message into a Command. The idempotency
// key defaults to the JetStream message id so redeliveries deduplicate.
func ParseCommand(raw RawEvent) (*Command, error) {
	kind := CommandKind(raw.Subject[strings.LastIndex(raw.Subject, ".")+1:])

	var j commandJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedCommand, kind, err)
	}

	cmd := &Command{
		Kind:           kind,
		AccountID:      j.AccountID,
		Pairs:          j.Pairs,
		Pair:           j.Pair,
		ReceiverID:     j.ReceiverID,
		PriceUpdate:    j.PriceUpdate,
		IdempotencyKey: j.IdempotencyKey,
	}
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = raw.MsgID
	}
	if len(cmd.PriceUpdate) > 0 && string(cmd.PriceUpdate) == "null" {
		cmd.PriceUpdate = nil
	}

	switch kind {
	case CommandProcessRequest:
		if err := requireAccount(kind, j.AccountID); err != nil {
			return nil, err
		}
		if j.Index == nil {
			return nil, fmt.Errorf("%w: %s: index required", ErrMalformedCommand, kind)
		}
		cmd.Index = *j.Index
	case CommandUpdatePairs:
		if len(j.Pairs) == 0 {
			return nil, fmt.Errorf("%w: %s: pairs required", ErrMalformedCommand, kind)
		}
	case CommandLiquidate:
		if err := requireAccount(kind, j.AccountID); err != nil {
			return nil, err
		}
		if j.Payment == nil || !j.Payment.IsPositive() {
			return nil, fmt.Errorf("%w: %s: positive payment required", ErrMalformedCommand, kind)
		}
		cmd.Payment = *j.Payment
	case CommandLiquidateV2:
		if err := requireAccount(kind, j.AccountID); err != nil {
			return nil, err
		}
		if j.ReceiverID == "" {
			return nil, fmt.Errorf("%w: %s: receiver_id required", ErrMalformedCommand, kind)
		}
	case CommandAutoDeleverage:
		if err := requireAccount(kind, j.AccountID); err != nil {
			return nil, err
		}
		if j.Pair == "" {
			return nil, fmt.Errorf("%w: %s: pair required", ErrMalformedCommand, kind)
		}
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, kind)
	}
	return cmd, nil
}

func requireAccount(kind CommandKind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s: account_id required", ErrMalformedCommand, kind)
	}
	return nil
}
