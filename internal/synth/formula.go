package synth

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUndefined is returned when a formula has no meaningful value for its inputs.
var ErrUndefined = errors.New("formula undefined for inputs")

// Formula combines input values into a derived value.
type Formula struct {
	Name   string
	Method string
	Arity  int
	Eval   func(in []decimal.Decimal) (decimal.Decimal, error)
}

var (
	hundred     = decimal.NewFromInt(100)
	bondPar     = decimal.NewFromInt(10000)
	daysPerYear = decimal.NewFromInt(365)
)

var formulas = map[string]Formula{
	"ratio": {
		Name:   "ratio",
		Method: "ratio",
		Arity:  2,
		Eval: func(in []decimal.Decimal) (decimal.Decimal, error) {
			if in[1].IsZero() {
				return decimal.Decimal{}, fmt.Errorf("%w: zero denominator", ErrUndefined)
			}
			return in[0].Div(in[1]), nil
		},
	},
	// collateral * price / debt * 100
	"collateral_ratio": {
		Name:   "collateral_ratio",
		Method: "collateral_value_over_debt_pct",
		Arity:  3,
		Eval: func(in []decimal.Decimal) (decimal.Decimal, error) {
			if in[2].IsZero() {
				return decimal.Decimal{}, fmt.Errorf("%w: zero debt", ErrUndefined)
			}
			return in[0].Mul(in[1]).Div(in[2]).Mul(hundred), nil
		},
	},
	"product": {
		Name:   "product",
		Method: "product",
		Arity:  2,
		Eval: func(in []decimal.Decimal) (decimal.Decimal, error) {
			return in[0].Mul(in[1]), nil
		},
	},
	"difference": {
		Name:   "difference",
		Method: "difference",
		Arity:  2,
		Eval: func(in []decimal.Decimal) (decimal.Decimal, error) {
			return in[0].Sub(in[1]), nil
		},
	},
	// Volume traded per unit of absolute return; inputs are volume and percent price change.
	"liquidity_estimate": {
		Name:   "liquidity_estimate",
		Method: "amihud_volume_over_abs_return",
		Arity:  2,
		Eval: func(in []decimal.Decimal) (decimal.Decimal, error) {
			ret := in[1].Abs().Div(hundred)
			if ret.IsZero() {
				return decimal.Decimal{}, fmt.Errorf("%w: zero price change", ErrUndefined)
			}
			return in[0].Div(ret), nil
		},
	},
	// Zero-coupon unit price (par 10000) and days to maturity to simple annualised percent.
	"bond_apr": {
		Name:   "bond_apr",
		Method: "unit_price_to_simple_apr",
		Arity:  2,
		Eval: func(in []decimal.Decimal) (decimal.Decimal, error) {
			return bondAPR(in[0], in[1])
		},
	},
}

func bondAPR(price, days decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() || price.GreaterThan(bondPar) {
		return decimal.Decimal{}, fmt.Errorf("%w: unit price %s out of range", ErrUndefined, price)
	}
	if !days.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive maturity", ErrUndefined)
	}
	bond := price.Div(bondPar)
	yield := decimal.NewFromInt(1).Div(bond).Sub(decimal.NewFromInt(1))
	return yield.Mul(daysPerYear).Div(days).Mul(hundred), nil
}

// LookupFormula returns the named formula.
func LookupFormula(name string) (Formula, bool) {
	f, ok := formulas[name]
	return f, ok
}
