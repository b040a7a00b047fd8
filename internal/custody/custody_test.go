package custody_test

import (
	"context"
	"errors"
	"testing"

	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
)

func usd(v int64) custody.Bucket {
	return custody.Bucket{Resource: "USD", Amount: fpmath.New(v)}
}

func newCustody(t *testing.T) *custody.MemoryCustody {
	t.Helper()
	c := custody.NewMemoryCustody("perpsettle", map[string]int32{"USD": 6, "BTC": 8})
	if err := c.Mint("alice", usd(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return c
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_RejectsNonPositiveAndSelfTransfers(t *testing.T) {
	cases := []custody.Transfer{
		{From: "a", To: "b", Bucket: usd(0)},
		{From: "a", To: "b", Bucket: usd(-1)},
		{From: "a", To: "a", Bucket: usd(1)},
	}
	for _, tr := range cases {
		b := custody.NewBatch("ref", []custody.Transfer{tr})
		if err := b.Validate(); !errors.Is(err, custody.ErrInvalidTransfer) {
			t.Errorf("transfer %+v: got %v, want ErrInvalidTransfer", tr, err)
		}
	}
}

func TestReverse_SwapsAndReorders(t *testing.T) {
	in := []custody.Transfer{
		{From: "a", To: "b", Bucket: usd(1)},
		{From: "b", To: "c", Bucket: usd(2)},
	}
	out := custody.Reverse(in)
	if out[0].From != "c" || out[0].To != "b" || out[1].From != "b" || out[1].To != "a" {
		t.Errorf("unexpected reverse: %+v", out)
	}
}

// ============================================================================
// Test: MemoryCustody
// ============================================================================

func TestSettle_MovesFundsAndStaysZeroSum(t *testing.T) {
	c := newCustody(t)
	ctx := context.Background()

	err := c.Settle(ctx, "add_collateral", []custody.Transfer{
		{From: "alice", To: custody.PoolWallet, Bucket: usd(40)},
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := c.Balance("alice", "USD"); !got.Equal(fpmath.New(60)) {
		t.Errorf("alice: got %s, want 60", got)
	}
	if got := c.Balance(custody.PoolWallet, "USD"); !got.Equal(fpmath.New(40)) {
		t.Errorf("pool: got %s, want 40", got)
	}
	for res, total := range c.GlobalBalance() {
		if !total.IsZero() {
			t.Errorf("global balance for %s is %s", res, total)
		}
	}
}

func TestSettle_AllOrNothing(t *testing.T) {
	c := newCustody(t)

	err := c.Settle(context.Background(), "ref", []custody.Transfer{
		{From: "alice", To: custody.PoolWallet, Bucket: usd(60)},
		{From: "alice", To: "bob", Bucket: usd(60)},
	})
	if !errors.Is(err, custody.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if got := c.Balance("alice", "USD"); !got.Equal(fpmath.New(100)) {
		t.Errorf("alice balance changed on failed settle: %s", got)
	}
	if c.History() != 1 {
		t.Errorf("failed settle recorded a batch")
	}
}

func TestAcceptsDeposit_Policy(t *testing.T) {
	c := newCustody(t)
	ctx := context.Background()

	c.SetPolicy("vault", custody.WalletPolicy{AcceptsUnsolicited: false})
	if err := c.AcceptsDeposit(ctx, "vault", "USD"); !errors.Is(err, custody.ErrDepositRejected) {
		t.Errorf("got %v, want ErrDepositRejected", err)
	}

	c.SetPolicy("vault", custody.WalletPolicy{Depositors: map[string]bool{"perpsettle": true}})
	if err := c.AcceptsDeposit(ctx, "vault", "USD"); err != nil {
		t.Errorf("authorized depositor rejected: %v", err)
	}

	if err := c.AcceptsDeposit(ctx, "anyone", "DOGE"); !errors.Is(err, custody.ErrUnknownResource) {
		t.Errorf("got %v, want ErrUnknownResource", err)
	}
}

func TestRoundToDivisibility(t *testing.T) {
	got, err := custody.RoundToDivisibility(fpmath.MustParse("1.23456789"), 6, fpmath.RoundDown)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(fpmath.MustParse("1.234567")) {
		t.Errorf("got %s, want 1.234567", got)
	}
}
