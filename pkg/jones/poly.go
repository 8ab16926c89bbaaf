package jones

import "math/big"

// Poly is a sparse polynomial in p with arbitrary-precision integer
// coefficients, mapping degree to coefficient. Zero coefficients are never
// stored. The zero value (nil map) is the zero polynomial.
type Poly map[int]*big.Int

// Coeff returns the coefficient of p^deg, zero if absent. The returned value
// must not be mutated.
func (a Poly) Coeff(deg int) *big.Int {
	if c, ok := a[deg]; ok {
		return c
	}
	return bigZero
}

// Degree returns the highest degree with a non-zero coefficient, or -1 for
// the zero polynomial.
func (a Poly) Degree() int {
	deg := -1
	for d := range a {
		if d > deg {
			deg = d
		}
	}
	return deg
}

var bigZero = big.NewInt(0)

func big1() *big.Int    { return big.NewInt(1) }
func bigNeg1() *big.Int { return big.NewInt(-1) }

// polyAdd returns a+b as a fresh polynomial.
func polyAdd(a, b Poly) Poly {
	out := make(Poly, len(a)+len(b))
	for d, c := range a {
		out[d] = new(big.Int).Set(c)
	}
	for d, c := range b {
		if acc, ok := out[d]; ok {
			acc.Add(acc, c)
			if acc.Sign() == 0 {
				delete(out, d)
			}
		} else {
			out[d] = new(big.Int).Set(c)
		}
	}
	return out
}

// polyScale returns k*a as a fresh polynomial.
func polyScale(a Poly, k int64) Poly {
	if k == 0 {
		return Poly{}
	}
	factor := big.NewInt(k)
	out := make(Poly, len(a))
	for d, c := range a {
		out[d] = new(big.Int).Mul(c, factor)
	}
	return out
}

// polyShift returns p*a as a fresh polynomial.
func polyShift(a Poly) Poly {
	out := make(Poly, len(a))
	for d, c := range a {
		out[d+1] = new(big.Int).Set(c)
	}
	return out
}

// polyNeg returns -a as a fresh polynomial.
func polyNeg(a Poly) Poly {
	out := make(Poly, len(a))
	for d, c := range a {
		out[d] = new(big.Int).Neg(c)
	}
	return out
}
