// Package custody is the asset custody collaborator: fungible balances held in
// named wallets, moved only in balanced journal batches.
package custody

import (
	"context"
	"fmt"

	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
)

// PoolWallet holds every asset the exchange custodies.
const PoolWallet = "pool"

// ExternalWallet is the boundary account that funds faucet credits. Its
// balance is the negative of everything ever minted.
const ExternalWallet = "external"

var (
	ErrInsufficientFunds = errs.New(errs.KindSolvency, "insufficient_funds")
	ErrDepositRejected   = errs.New(errs.KindAuthorization, "deposit_rejected")
	ErrInvalidTransfer   = errs.New(errs.KindInvalidInput, "invalid_transfer")
	ErrUnknownResource   = errs.New(errs.KindNotFound, "unknown_resource")
)

// Bucket is an amount of one resource.
type Bucket struct {
	Resource string         `json:"resource"`
	Amount   fpmath.Decimal `json:"amount"`
}

// Transfer moves one bucket between wallets.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Bucket Bucket `json:"bucket"`
}

// Custody is what the engine needs from the asset layer. Settle is all or
// nothing across its transfers.
type Custody interface {
	Divisibility(resource string) (int32, error)
	AcceptsDeposit(ctx context.Context, target, resource string) error
	Settle(ctx context.Context, ref string, transfers []Transfer) error
}

// Reverse returns the compensating transfers for an already settled batch.
func Reverse(transfers []Transfer) []Transfer {
	out := make([]Transfer, len(transfers))
	for i, t := range transfers {
		out[len(transfers)-1-i] = Transfer{From: t.To, To: t.From, Bucket: t.Bucket}
	}
	return out
}

// RoundToDivisibility truncates an amount to what the resource can represent.
func RoundToDivisibility(amount fpmath.Decimal, divisibility int32, mode fpmath.RoundingMode) (fpmath.Decimal, error) {
	if divisibility < 0 || divisibility > fpmath.Precision {
		return fpmath.Zero, fmt.Errorf("%w: divisibility %d", ErrInvalidTransfer, divisibility)
	}
	return amount.Round(divisibility, mode), nil
}
