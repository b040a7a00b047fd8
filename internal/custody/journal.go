package custody

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "PerpSettle/internal/math"
)

// WalletKey addresses one resource balance of one wallet.
type WalletKey struct {
	Wallet   string
	Resource string
}

func (k WalletKey) String() string {
	return fmt.Sprintf("%s:%s", k.Wallet, k.Resource)
}

// Journal is a single double-entry movement. Amount is always positive:
// Debit gains it, Credit loses it.
type Journal struct {
	JournalID uuid.UUID
	BatchID   uuid.UUID
	Ref       string
	Debit     WalletKey
	Credit    WalletKey
	Amount    fpmath.Decimal
}

// Batch groups the journals of one settlement.
type Batch struct {
	BatchID  uuid.UUID
	Ref      string
	Journals []Journal
}

// NewBatch converts transfers into journal entries.
func NewBatch(ref string, transfers []Transfer) *Batch {
	b := &Batch{BatchID: uuid.New(), Ref: ref, Journals: make([]Journal, 0, len(transfers))}
	for _, t := range transfers {
		b.Journals = append(b.Journals, Journal{
			JournalID: uuid.New(),
			BatchID:   b.BatchID,
			Ref:       ref,
			Debit:     WalletKey{Wallet: t.To, Resource: t.Bucket.Resource},
			Credit:    WalletKey{Wallet: t.From, Resource: t.Bucket.Resource},
			Amount:    t.Bucket.Amount,
		})
	}
	return b
}

// Validate ensures the batch is well-formed. Every entry is balanced by
// construction, so the checks are per entry.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("%w: journal %s has non-positive amount %s", ErrInvalidTransfer, j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("%w: journal %s has mismatched batch_id", ErrInvalidTransfer, j.JournalID)
		}
		if j.Debit == j.Credit {
			return fmt.Errorf("%w: journal %s is a self-transfer", ErrInvalidTransfer, j.JournalID)
		}
		if j.Debit.Resource != j.Credit.Resource {
			return fmt.Errorf("%w: journal %s crosses resources", ErrInvalidTransfer, j.JournalID)
		}
	}
	return nil
}
