package state

import (
	"fmt"

	"PerpSettle/internal/config"
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
)

// RequestStatus tracks a keeper request through its lifecycle
type RequestStatus int32

const (
	RequestDormant RequestStatus = iota
	RequestActive
	RequestExecuted
	RequestCancelled
	RequestExpired
)

func (s RequestStatus) String() string {
	switch s {
	case RequestDormant:
		return "Dormant"
	case RequestActive:
		return "Active"
	case RequestExecuted:
		return "Executed"
	case RequestCancelled:
		return "Cancelled"
	case RequestExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

func (s RequestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names returned by String, case-sensitively.
func (s *RequestStatus) UnmarshalText(text []byte) error {
	for st := RequestDormant; st <= RequestExpired; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidStatus, text)
}

// Pending reports whether the request still counts against the active cap.
func (s RequestStatus) Pending() bool {
	return s == RequestDormant || s == RequestActive
}

// CanTransitionTo validates status transitions. No transition is reversible.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	validTransitions := map[RequestStatus][]RequestStatus{
		RequestDormant: {
			RequestActive,
			RequestCancelled,
			RequestExpired,
		},
		RequestActive: {
			RequestExecuted,
			RequestCancelled,
			RequestExpired,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// RequestKind discriminates Request payloads
type RequestKind string

const (
	RequestKindMarginOrder      RequestKind = "margin_order"
	RequestKindRemoveCollateral RequestKind = "remove_collateral"
)

// PriceLimitKind selects how a margin order constrains the execution price
type PriceLimitKind string

const (
	PriceLimitNone PriceLimitKind = "none"
	PriceLimitGte  PriceLimitKind = "gte"
	PriceLimitLte  PriceLimitKind = "lte"
)

type PriceLimit struct {
	Kind  PriceLimitKind `json:"kind"`
	Price fpmath.Decimal `json:"price"`
}

// Satisfied reports whether price meets the limit.
func (l PriceLimit) Satisfied(price fpmath.Decimal) bool {
	switch l.Kind {
	case PriceLimitGte:
		return price.GreaterThanOrEqual(l.Price)
	case PriceLimitLte:
		return price.LessThanOrEqual(l.Price)
	default:
		return true
	}
}

// SlippageLimitKind selects how realized fee slippage is bounded
type SlippageLimitKind string

const (
	SlippageNone     SlippageLimitKind = "none"
	SlippagePercent  SlippageLimitKind = "percent"
	SlippageAbsolute SlippageLimitKind = "absolute"
)

type SlippageLimit struct {
	Kind  SlippageLimitKind `json:"kind"`
	Value fpmath.Decimal    `json:"value"`
}

// Satisfied reports whether a fee paid on a trade of value stays within the limit.
func (l SlippageLimit) Satisfied(fee, value fpmath.Decimal) bool {
	switch l.Kind {
	case SlippagePercent:
		if value.IsZero() {
			return true
		}
		return fee.Div(value.Abs()).LessThanOrEqual(l.Value)
	case SlippageAbsolute:
		return fee.LessThanOrEqual(l.Value)
	default:
		return true
	}
}

// MarginOrder is a delayed order against the pool. Activate and Cancel list
// request indexes of the same account touched when the order executes.
type MarginOrder struct {
	Pair          config.PairID  `json:"pair"`
	Amount        fpmath.Decimal `json:"amount"`
	ReduceOnly    bool           `json:"reduce_only"`
	PriceLimit    PriceLimit     `json:"price_limit"`
	SlippageLimit SlippageLimit  `json:"slippage_limit"`
	Activate      []uint64       `json:"activate,omitempty"`
	Cancel        []uint64       `json:"cancel,omitempty"`
}

// RemoveCollateral withdraws claims to an external target.
type RemoveCollateral struct {
	Target string           `json:"target"`
	Claims []custody.Bucket `json:"claims"`
}

// Request is the payload of a keeper request; exactly one field is set.
type Request struct {
	Kind             RequestKind       `json:"kind"`
	MarginOrder      *MarginOrder      `json:"margin_order,omitempty"`
	RemoveCollateral *RemoveCollateral `json:"remove_collateral,omitempty"`
}

// Validate checks that the payload matches its kind.
func (r Request) Validate() error {
	switch r.Kind {
	case RequestKindMarginOrder:
		if r.MarginOrder != nil && r.RemoveCollateral == nil {
			return nil
		}
	case RequestKindRemoveCollateral:
		if r.RemoveCollateral != nil && r.MarginOrder == nil {
			return nil
		}
	}
	return ErrInvalidRequestKind
}

// KeeperRequest is an entry of an account's append-only request list.
// RequiredAuth names the custody targets that must accept the payload.
type KeeperRequest struct {
	Index        uint64        `json:"index"`
	Payload      Request       `json:"payload"`
	Submission   int64         `json:"submission"`
	Expiry       int64         `json:"expiry"`
	Status       RequestStatus `json:"status"`
	RequiredAuth []string      `json:"required_auth,omitempty"`
}
