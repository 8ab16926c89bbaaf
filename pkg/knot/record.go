package knot

import (
	"encoding/json"
	"strconv"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
)

// RawRecord is the wire form of one corpus entry: a Jones polynomial as a
// map from exponent (stringified integer, possibly negative) to coefficient.
type RawRecord struct {
	Coeffs map[string]json.Number `json:"coeffs"`
}

// Record is a parsed knot record ready for classification.
type Record struct {
	// ID is the parsed identifier
	ID ID

	// Coeffs maps exponent to integer coefficient. Missing exponents are zero.
	Coeffs map[int]int64
}

// ParseRecord converts a raw corpus entry into a Record. Any malformed field
// yields a RecordError: the caller skips the record and keeps processing.
func ParseRecord(label string, raw RawRecord) (Record, error) {
	id, err := ParseID(label)
	if err != nil {
		return Record{}, sdkerrors.NewRecordError(label, "unparseable identifier", err)
	}

	if len(raw.Coeffs) == 0 {
		return Record{}, sdkerrors.NewRecordError(label, "missing coefficient map", nil)
	}

	coeffs := make(map[int]int64, len(raw.Coeffs))
	for expStr, val := range raw.Coeffs {
		exp, err := strconv.Atoi(expStr)
		if err != nil {
			return Record{}, sdkerrors.NewRecordError(label, "non-integer exponent "+expStr, err)
		}
		c, err := val.Int64()
		if err != nil {
			return Record{}, sdkerrors.NewRecordError(label, "non-integer coefficient for exponent "+expStr, err)
		}
		if c != 0 {
			coeffs[exp] = c
		}
	}
	if len(coeffs) == 0 {
		return Record{}, sdkerrors.NewRecordError(label, "all coefficients are zero", nil)
	}

	return Record{ID: id, Coeffs: coeffs}, nil
}
