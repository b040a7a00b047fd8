package event

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountCreated
	EventTypeCollateralAdded
	EventTypeCollateralRemoved
	EventTypeRequestCreated
	EventTypeRequestsActivated
	EventTypeRequestsCancelled
	EventTypeRequestProcessed
	EventTypePairUpdated
	EventTypeFundingSettled
	EventTypeMarginOrder
	EventTypeLiquidation
	EventTypeAutoDeleverage
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeDebtSwapped
	EventTypeKeeperRewarded
	EventTypeProtocolBurn
	EventTypeFeesCollected
	EventTypeReferralCreated
	EventTypeReferralRewardsClaimed
	EventTypeCredentialsUpdated
	EventTypeConfigUpdated
)

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// Account returns the account the event is about ("" for pool-wide events)
	Account() string

	// MarketID returns the pair context (nil for non-pair events)
	MarketID() *string
}

// Record wraps every committed event in the log
type Record struct {
	// Global monotonic sequence assigned at commit
	Sequence int64 `json:"sequence"`

	// Call that produced the event; one call emits an ordered batch
	CallID uuid.UUID `json:"call_id"`
	Op     string    `json:"op"`

	// Caller supplied dedup key, empty if none
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	EventType EventType `json:"event_type"`
	AccountID string    `json:"account_id,omitempty"`
	MarketID  *string   `json:"market_id,omitempty"`

	// Call timestamp, unix seconds (engine clock, not wall-clock of the write)
	Timestamp int64 `json:"timestamp"`

	Payload json.RawMessage `json:"payload"`

	// SHA-256 chain over committed records
	StateHash [32]byte `json:"state_hash"`
	PrevHash  [32]byte `json:"prev_hash"`
}

// NewRecord encodes an event into an unsequenced record.
func NewRecord(callID uuid.UUID, op, idempotencyKey string, ts int64, evt Event) (Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Record{}, err
	}
	return Record{
		CallID:         callID,
		Op:             op,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		AccountID:      evt.Account(),
		MarketID:       evt.MarketID(),
		Timestamp:      ts,
		Payload:        payload,
	}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeAccountCreated:
		return "AccountCreated"
	case EventTypeCollateralAdded:
		return "CollateralAdded"
	case EventTypeCollateralRemoved:
		return "CollateralRemoved"
	case EventTypeRequestCreated:
		return "RequestCreated"
	case EventTypeRequestsActivated:
		return "RequestsActivated"
	case EventTypeRequestsCancelled:
		return "RequestsCancelled"
	case EventTypeRequestProcessed:
		return "RequestProcessed"
	case EventTypePairUpdated:
		return "PairUpdated"
	case EventTypeFundingSettled:
		return "FundingSettled"
	case EventTypeMarginOrder:
		return "MarginOrder"
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeAutoDeleverage:
		return "AutoDeleverage"
	case EventTypeLiquidityAdded:
		return "LiquidityAdded"
	case EventTypeLiquidityRemoved:
		return "LiquidityRemoved"
	case EventTypeDebtSwapped:
		return "DebtSwapped"
	case EventTypeKeeperRewarded:
		return "KeeperRewarded"
	case EventTypeProtocolBurn:
		return "ProtocolBurn"
	case EventTypeFeesCollected:
		return "FeesCollected"
	case EventTypeReferralCreated:
		return "ReferralCreated"
	case EventTypeReferralRewardsClaimed:
		return "ReferralRewardsClaimed"
	case EventTypeCredentialsUpdated:
		return "CredentialsUpdated"
	case EventTypeConfigUpdated:
		return "ConfigUpdated"
	default:
		return "Unknown"
	}
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(text []byte) error {
	for t := EventTypeAccountCreated; t <= EventTypeConfigUpdated; t++ {
		if t.String() == string(text) {
			*et = t
			return nil
		}
	}
	*et = EventTypeUnknown
	return nil
}

// pairRef returns a pointer to a copy of pair, for MarketID.
func pairRef(pair string) *string {
	return &pair
}
