// Package jones implements the two exact algebraic transforms that extract
// the triviality index m(K) from a Jones polynomial: the JVP quotient-ring
// normal form and the Birman-Lin exponential Taylor expansion. All arithmetic
// is arbitrary precision; the index depends on exact vanishing of
// coefficients, so floating point is never used.
package jones

import "errors"

// JVPValue is the normal form A(p) + B(p)*x of a Jones polynomial in the
// quotient ring defined by x^2 = p*x + 1, under the substitution
// t^{1/2} = x, t^{-1/2} = x - p. The expansion is unique and finite, bounded
// by the exponent span of the input polynomial. For a genuine Jones
// polynomial of a knot the normal form satisfies A(0) = 1 and B(0) = 0.
type JVPValue struct {
	A Poly
	B Poly
}

// mulByX maps A + B*x to its product with x: B + (A + p*B)*x.
func mulByX(a, b Poly) (Poly, Poly) {
	return b, polyAdd(a, polyShift(b))
}

// mulByY maps A + B*x to its product with y = x - p: (B - p*A) + A*x.
func mulByY(a, b Poly) (Poly, Poly) {
	return polyAdd(b, polyNeg(polyShift(a))), a
}

// xPowers returns [(A_0,B_0) .. (A_n,B_n)] with x^k = A_k + B_k*x.
func xPowers(n int) []JVPValue {
	table := make([]JVPValue, 0, n+1)
	table = append(table, JVPValue{A: Poly{0: big1()}, B: Poly{}})
	if n == 0 {
		return table
	}
	a, b := Poly{}, Poly{0: big1()}
	table = append(table, JVPValue{A: a, B: b})
	for k := 2; k <= n; k++ {
		a, b = mulByX(a, b)
		table = append(table, JVPValue{A: a, B: b})
	}
	return table
}

// yPowers returns [(A_0,B_0) .. (A_n,B_n)] with y^k = A_k + B_k*x, y = x - p.
func yPowers(n int) []JVPValue {
	table := make([]JVPValue, 0, n+1)
	table = append(table, JVPValue{A: Poly{0: big1()}, B: Poly{}})
	if n == 0 {
		return table
	}
	a, b := Poly{1: bigNeg1()}, Poly{0: big1()}
	table = append(table, JVPValue{A: a, B: b})
	for k := 2; k <= n; k++ {
		a, b = mulByY(a, b)
		table = append(table, JVPValue{A: a, B: b})
	}
	return table
}

// ExpandJVP converts V(q) = sum c_k q^k to the normal form A(p) + B(p)*x.
//
// With halfPower false (the standard Jones variable, integer exponents),
// q = x^2 and q^{-1} = (x-p)^2, so q^k contributes x^{2k} and q^{-m}
// contributes (x-p)^{2m}. With halfPower true the input variable is already
// the half-power variable: q^k contributes x^k and q^{-m} contributes
// (x-p)^m.
func ExpandJVP(coeffs map[int]int64, halfPower bool) (JVPValue, error) {
	if len(coeffs) == 0 {
		return JVPValue{}, errors.New("empty coefficient map")
	}

	maxPos, maxNeg := 0, 0
	for k, c := range coeffs {
		if c == 0 {
			continue
		}
		if k >= 0 && k > maxPos {
			maxPos = k
		}
		if k < 0 && -k > maxNeg {
			maxNeg = -k
		}
	}
	if !halfPower {
		maxPos *= 2
		maxNeg *= 2
	}

	xTable := xPowers(maxPos)
	yTable := yPowers(maxNeg)

	total := JVPValue{A: Poly{}, B: Poly{}}
	for k, c := range coeffs {
		if c == 0 {
			continue
		}
		idx := k
		if k < 0 {
			idx = -k
		}
		if !halfPower {
			idx *= 2
		}
		var term JVPValue
		if k >= 0 {
			term = xTable[idx]
		} else {
			term = yTable[idx]
		}
		total.A = polyAdd(total.A, polyScale(term.A, c))
		total.B = polyAdd(total.B, polyScale(term.B, c))
	}
	return total, nil
}

// Index extracts the triviality index from the normal form: the smallest
// q >= 1 such that the coefficient of p^q in A or B is non-zero. If A and B
// have no non-zero terms beyond degree 0 the outcome is OutcomeFullyTrivial;
// the computed support contains no deviation and no finite index may be
// asserted.
func (v JVPValue) Index() IndexResult {
	support := v.A.Degree()
	if d := v.B.Degree(); d > support {
		support = d
	}
	for q := 1; q <= support; q++ {
		if v.A.Coeff(q).Sign() != 0 || v.B.Coeff(q).Sign() != 0 {
			return IndexResult{Outcome: OutcomeIndex, M: q}
		}
	}
	return IndexResult{Outcome: OutcomeFullyTrivial}
}
