// Package auth holds the per-account credential rules that gate every
// account-scoped entry point.
package auth

import (
	"fmt"
	"sort"

	"PerpSettle/internal/errs"
)

var (
	ErrUnauthorized = errs.New(errs.KindAuthorization, "unauthorized")
	ErrInvalidLevel = errs.New(errs.KindInvalidInput, "invalid_auth_level")
)

// Level is an account authorization level. Lower values are stronger:
// a recovery credential also satisfies withdraw and trade.
type Level uint8

const (
	LevelRecovery Level = iota + 1
	LevelWithdraw
	LevelTrade
)

func (l Level) String() string {
	switch l {
	case LevelRecovery:
		return "recovery"
	case LevelWithdraw:
		return "withdraw"
	case LevelTrade:
		return "trade"
	default:
		return "unknown"
	}
}

func (l Level) Valid() bool {
	return l >= LevelRecovery && l <= LevelTrade
}

// ParseLevel is the inverse of String.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "recovery":
		return LevelRecovery, nil
	case "withdraw":
		return LevelWithdraw, nil
	case "trade":
		return LevelTrade, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Credential identifies a caller, e.g. a public key or a service principal.
type Credential string

// Rules is the set of accepted credentials per level for one account.
// Version increases on every change and is mirrored on the account.
type Rules struct {
	AccountID string                 `json:"account_id"`
	Version   uint64                 `json:"version"`
	Sets      map[Level][]Credential `json:"sets"`
}

// NewRules seeds an account with a single owner credential at the recovery level.
func NewRules(accountID string, owner Credential) *Rules {
	return &Rules{
		AccountID: accountID,
		Version:   1,
		Sets:      map[Level][]Credential{LevelRecovery: {owner}},
	}
}

// Authorized reports whether cred satisfies the required level.
func (r *Rules) Authorized(cred Credential, required Level) bool {
	if r == nil || cred == "" {
		return false
	}
	for l := LevelRecovery; l <= required; l++ {
		for _, c := range r.Sets[l] {
			if c == cred {
				return true
			}
		}
	}
	return false
}

// Require is Authorized as an error.
func (r *Rules) Require(cred Credential, required Level) error {
	if !r.Authorized(cred, required) {
		return fmt.Errorf("%w: %s credential required", ErrUnauthorized, required)
	}
	return nil
}

// Update applies add then remove to one level's set.
func (r *Rules) Update(level Level, add, remove []Credential) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if r.Sets == nil {
		r.Sets = make(map[Level][]Credential)
	}

	set := make(map[Credential]struct{}, len(r.Sets[level])+len(add))
	for _, c := range r.Sets[level] {
		set[c] = struct{}{}
	}
	for _, c := range add {
		set[c] = struct{}{}
	}
	for _, c := range remove {
		delete(set, c)
	}

	out := make([]Credential, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	r.Sets[level] = out
	r.Version++
	return nil
}

// Clone returns a deep copy.
func (r *Rules) Clone() *Rules {
	if r == nil {
		return nil
	}
	out := &Rules{AccountID: r.AccountID, Version: r.Version, Sets: make(map[Level][]Credential, len(r.Sets))}
	for l, s := range r.Sets {
		out.Sets[l] = append([]Credential(nil), s...)
	}
	return out
}
