package jones

import (
	"errors"
	"fmt"
	"math/big"
)

// DefaultOrder is the default Birman-Lin expansion order. It resolves every
// knot through 16 crossings in the reference corpus; records that stay zero
// through this order are reported as insufficient-order, not trivial.
const DefaultOrder = 11

// ExpandTaylor expands V(e^h) = sum_{m=0}^{order} a_m h^m + O(h^{order+1})
// and returns [a_0 .. a_order] as exact rationals.
//
// expDen is the exponent denominator: 1 for the standard integer-power
// convention, 2 when integer keys j mean the actual exponent is j/2
// (the q^{1/2} convention). Each monomial c*q^k contributes c*r^m/m! to a_m
// with r = k/expDen, by the exponential series.
func ExpandTaylor(coeffs map[int]int64, order int, expDen int) ([]*big.Rat, error) {
	if order < 0 {
		return nil, errors.New("expansion order must be >= 0")
	}
	if expDen < 1 {
		return nil, fmt.Errorf("exponent denominator must be >= 1, got %d", expDen)
	}
	if len(coeffs) == 0 {
		return nil, errors.New("empty coefficient map")
	}

	// Power sums M_m = sum c * r^m.
	sums := make([]*big.Rat, order+1)
	for m := range sums {
		sums[m] = new(big.Rat)
	}
	term := new(big.Rat)
	for k, c := range coeffs {
		if c == 0 {
			continue
		}
		r := big.NewRat(int64(k), int64(expDen))
		coeff := new(big.Rat).SetInt64(c)
		rp := new(big.Rat).SetInt64(1) // r^0
		for m := 0; m <= order; m++ {
			sums[m].Add(sums[m], term.Mul(coeff, rp))
			rp.Mul(rp, r)
		}
	}

	// a_m = M_m / m!.
	out := make([]*big.Rat, order+1)
	factorial := big.NewInt(1)
	for m := 0; m <= order; m++ {
		if m > 1 {
			factorial.Mul(factorial, big.NewInt(int64(m)))
		}
		out[m] = new(big.Rat).Quo(sums[m], new(big.Rat).SetInt(factorial))
	}
	return out, nil
}

// TaylorIndex extracts the triviality index from a Taylor expansion: the
// smallest m >= 1 with a_m != 0, scanning a_1 upward. a_0 is the
// component-count invariant and is never part of the search. If every
// computed coefficient through the last one is zero the outcome is
// OutcomeInsufficientOrder: the expansion is ambiguous and the caller must
// recompute with a larger order before drawing any conclusion.
func TaylorIndex(a []*big.Rat) IndexResult {
	for m := 1; m < len(a); m++ {
		if a[m].Sign() != 0 {
			return IndexResult{Outcome: OutcomeIndex, M: m}
		}
	}
	return IndexResult{Outcome: OutcomeInsufficientOrder}
}
