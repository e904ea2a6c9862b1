package synth

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFormulas(t *testing.T) {
	cases := []struct {
		formula string
		in      []decimal.Decimal
		want    string
		undef   bool
	}{
		{"ratio", []decimal.Decimal{d("3"), d("2")}, "1.5", false},
		{"ratio", []decimal.Decimal{d("3"), d("0")}, "", true},
		{"collateral_ratio", []decimal.Decimal{d("1000"), d("3"), d("1500")}, "200", false},
		{"collateral_ratio", []decimal.Decimal{d("1000"), d("3"), d("0")}, "", true},
		{"product", []decimal.Decimal{d("2.5"), d("4")}, "10", false},
		{"difference", []decimal.Decimal{d("5"), d("7")}, "-2", false},
		{"liquidity_estimate", []decimal.Decimal{d("50000"), d("-2")}, "2500000", false},
		{"liquidity_estimate", []decimal.Decimal{d("50000"), d("0")}, "", true},
		{"bond_apr", []decimal.Decimal{d("9900"), d("365")}, "", false},
		{"bond_apr", []decimal.Decimal{d("0"), d("30")}, "", true},
		{"bond_apr", []decimal.Decimal{d("10001"), d("30")}, "", true},
		{"bond_apr", []decimal.Decimal{d("9900"), d("0")}, "", true},
	}

	for _, tc := range cases {
		f, ok := LookupFormula(tc.formula)
		if !ok {
			t.Fatalf("formula %s missing", tc.formula)
		}
		got, err := f.Eval(tc.in)
		if tc.undef {
			if !errors.Is(err, ErrUndefined) {
				t.Fatalf("%s(%v): expected ErrUndefined, got %v", tc.formula, tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s(%v): %v", tc.formula, tc.in, err)
		}
		if tc.want != "" && !got.Equal(d(tc.want)) {
			t.Fatalf("%s(%v) = %s, want %s", tc.formula, tc.in, got, tc.want)
		}
	}
}

func TestBondAPR(t *testing.T) {
	f, _ := LookupFormula("bond_apr")
	got, err := f.Eval([]decimal.Decimal{d("9900"), d("365")})
	if err != nil {
		t.Fatal(err)
	}
	// 1/0.99 - 1 = 1.0101...%
	if got.Round(2).String() != "1.01" {
		t.Fatalf("apr = %s, want ~1.01", got)
	}
}
