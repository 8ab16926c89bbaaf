package jones

import (
	"fmt"
	"math/big"
)

// Representation selects which algebraic transform extracts the triviality
// index. Both transforms agree on m(K) whenever both are computable to
// sufficient order.
type Representation string

const (
	// RepJVP is the quotient-ring normal form. It always terminates with a
	// definite answer within the polynomial's exponent span.
	RepJVP Representation = "JVP"

	// RepBirmanLin is the exponential Taylor expansion. It is truncated at a
	// configured order and may report an insufficient-order outcome.
	RepBirmanLin Representation = "Birman-Lin"
)

// ParseRepresentation validates a representation name.
func ParseRepresentation(s string) (Representation, error) {
	switch Representation(s) {
	case RepJVP:
		return RepJVP, nil
	case RepBirmanLin:
		return RepBirmanLin, nil
	default:
		return "", fmt.Errorf("unsupported representation %q (want %q or %q)", s, RepJVP, RepBirmanLin)
	}
}

// Outcome tags the three possible results of an index extraction.
type Outcome int

const (
	// OutcomeIndex means a definite triviality index was found.
	OutcomeIndex Outcome = iota

	// OutcomeFullyTrivial means the JVP normal form has no deviation within
	// its full (finite) support.
	OutcomeFullyTrivial

	// OutcomeInsufficientOrder means the Taylor expansion stayed zero through
	// the configured order; the record is ambiguous, not proven trivial.
	OutcomeInsufficientOrder
)

// String returns a short human-readable tag.
func (o Outcome) String() string {
	switch o {
	case OutcomeIndex:
		return "index"
	case OutcomeFullyTrivial:
		return "fully-trivial"
	case OutcomeInsufficientOrder:
		return "insufficient-order"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// IndexResult is the outcome of one index extraction. M is meaningful only
// when Outcome is OutcomeIndex.
type IndexResult struct {
	Outcome Outcome
	M       int
}

// Options configures the per-record transform.
type Options struct {
	// HalfPower marks inputs whose exponents are already half-powers
	// (JVP path); equivalent to ExpDen=2 on the Birman-Lin path.
	HalfPower bool

	// Order is the Birman-Lin expansion order; DefaultOrder when zero.
	Order int
}

// Classify computes the triviality index of a single coefficient map under
// the chosen representation. It is pure and safe for concurrent use.
func Classify(coeffs map[int]int64, rep Representation, opts Options) (IndexResult, error) {
	switch rep {
	case RepJVP:
		v, err := ExpandJVP(coeffs, opts.HalfPower)
		if err != nil {
			return IndexResult{}, err
		}
		return v.Index(), nil
	case RepBirmanLin:
		order := opts.Order
		if order == 0 {
			order = DefaultOrder
		}
		expDen := 1
		if opts.HalfPower {
			expDen = 2
		}
		a, err := ExpandTaylor(coeffs, order, expDen)
		if err != nil {
			return IndexResult{}, err
		}
		return TaylorIndex(a), nil
	default:
		return IndexResult{}, fmt.Errorf("unsupported representation %q", rep)
	}
}

// MulCoeffs multiplies two coefficient maps as polynomials. The product of
// two Jones polynomials is the Jones polynomial of the connect sum, whose
// index obeys m(K0 # K1) = min(m(K0), m(K1)).
func MulCoeffs(a, b map[int]int64) map[int]int64 {
	out := make(map[int]int64, len(a)*len(b))
	acc := make(map[int]*big.Int, len(a)*len(b))
	for ka, ca := range a {
		for kb, cb := range b {
			k := ka + kb
			prod := new(big.Int).Mul(big.NewInt(ca), big.NewInt(cb))
			if cur, ok := acc[k]; ok {
				cur.Add(cur, prod)
			} else {
				acc[k] = prod
			}
		}
	}
	for k, c := range acc {
		if c.Sign() != 0 {
			out[k] = c.Int64()
		}
	}
	return out
}
