package math_test

import (
	"encoding/json"
	"errors"
	"testing"

	fpmath "PerpSettle/internal/math"
)

func d(s string) fpmath.Decimal { return fpmath.MustParse(s) }

func expectArithmeticPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		err, ok := r.(error)
		var ae *fpmath.ArithmeticError
		if !ok || !errors.As(err, &ae) {
			t.Fatalf("expected ArithmeticError, got %v", r)
		}
	}()
	fn()
}

func TestDecimal_MulTruncatesAtPrecision(t *testing.T) {
	got := d("0.000000000000000001").Mul(d("0.5"))
	if !got.IsZero() {
		t.Errorf("expected truncation to 0, got %s", got)
	}
}

func TestDecimal_DivTruncatesTowardZero(t *testing.T) {
	tests := []struct {
		num, den, want string
	}{
		{"1", "3", "0.333333333333333333"},
		{"-1", "3", "-0.333333333333333333"},
		{"2", "3", "0.666666666666666666"},
		{"10", "4", "2.5"},
	}

	for _, tt := range tests {
		got := d(tt.num).Div(d(tt.den))
		if !got.Equal(d(tt.want)) {
			t.Errorf("%s/%s: got %s, want %s", tt.num, tt.den, got, tt.want)
		}
	}
}

func TestDecimal_DivByZeroPanics(t *testing.T) {
	expectArithmeticPanic(t, func() { fpmath.One.Div(fpmath.Zero) })
}

func TestDecimal_OverflowPanics(t *testing.T) {
	big := d("1000000000000000000000000000000000000000")
	expectArithmeticPanic(t, func() { big.Mul(big) })
}

func TestDecimal_ZeroValueIsZero(t *testing.T) {
	var z fpmath.Decimal
	if !z.IsZero() || z.String() != "0" {
		t.Errorf("zero value should be 0, got %s", z)
	}
	if !z.Add(fpmath.One).Equal(fpmath.One) {
		t.Error("0 + 1 should be 1")
	}
}

func TestDecimal_JSONRoundTripPreservesValue(t *testing.T) {
	type wrapper struct {
		V fpmath.Decimal `json:"v"`
	}
	in := wrapper{V: d("-12.345678901234567891")}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.V.Equal(in.V) {
		t.Errorf("got %s, want %s", out.V, in.V)
	}
}

func TestDecimal_Round(t *testing.T) {
	v := d("1.25")
	if got := v.Round(1, fpmath.RoundHalfEven); !got.Equal(d("1.2")) {
		t.Errorf("half-even: got %s", got)
	}
	if got := v.Round(1, fpmath.RoundUp); !got.Equal(d("1.3")) {
		t.Errorf("up: got %s", got)
	}
	if got := v.Round(1, fpmath.RoundDown); !got.Equal(d("1.2")) {
		t.Errorf("down: got %s", got)
	}
}

func TestClamp(t *testing.T) {
	if got := fpmath.Clamp(d("5"), d("0"), d("3")); !got.Equal(d("3")) {
		t.Errorf("got %s, want 3", got)
	}
	if got := fpmath.Clamp(d("-1"), d("0"), d("3")); !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
}
