// Package knot defines knot records, identifier parsing and the canonical
// ordering used for deterministic reductions across shards.
package knot

import (
	"fmt"
	"strconv"
	"strings"
)

// UnknotLabel is the identifier of the trivial knot. It carries no triviality
// information and is skipped during classification.
const UnknotLabel = "0_1"

// ID is a parsed knot identifier following the corpus convention
// <crossings><variant>_<source>:<sequence>, e.g. "13a_hyp_jones:71".
// Classic table names such as "3_1" parse with an empty source and the part
// after the underscore as the sequence.
type ID struct {
	// Label is the raw identifier as it appears in the corpus
	Label string

	// Crossings is the crossing number parsed from the leading digit run
	Crossings int

	// Variant is the diagram variant letter(s) following the crossing number
	// ("a" alternating, "n" non-alternating), may be empty
	Variant string

	// Source names the dataset the record came from, may be empty
	Source string

	// Seq is the sequence number within (Crossings, Variant, Source)
	Seq int64
}

// ParseID parses a knot identifier. It fails if the label does not start
// with a crossing number or carries no parseable sequence number.
func ParseID(label string) (ID, error) {
	id := ID{Label: label, Seq: -1}

	i := 0
	for i < len(label) && label[i] >= '0' && label[i] <= '9' {
		i++
	}
	if i == 0 {
		return ID{}, fmt.Errorf("identifier %q has no leading crossing number", label)
	}
	n, err := strconv.Atoi(label[:i])
	if err != nil {
		return ID{}, fmt.Errorf("identifier %q: invalid crossing number: %w", label, err)
	}
	id.Crossings = n

	rest := label[i:]
	j := 0
	for j < len(rest) && rest[j] != '_' && rest[j] != ':' {
		j++
	}
	id.Variant = rest[:j]
	rest = rest[j:]

	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		id.Source = strings.TrimPrefix(rest[:colon], "_")
		seq, err := strconv.ParseInt(rest[colon+1:], 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("identifier %q: invalid sequence number: %w", label, err)
		}
		id.Seq = seq
		return id, nil
	}

	// Classic table name: the part after the last underscore is the index
	// within the crossing-number section, e.g. "3_1" or "13a_123".
	if us := strings.LastIndexByte(rest, '_'); us >= 0 {
		id.Source = strings.TrimPrefix(rest[:us], "_")
		seq, err := strconv.ParseInt(rest[us+1:], 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("identifier %q: invalid table index: %w", label, err)
		}
		id.Seq = seq
		return id, nil
	}

	return ID{}, fmt.Errorf("identifier %q has no sequence number", label)
}

// Less reports whether a precedes b in the canonical total order:
// crossing number, then variant, then source, then sequence, then raw label.
// The order is a property of the identifiers alone so reductions that use it
// are independent of shard boundaries and dispatch order.
func (a ID) Less(b ID) bool {
	if a.Crossings != b.Crossings {
		return a.Crossings < b.Crossings
	}
	if a.Variant != b.Variant {
		return a.Variant < b.Variant
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Label < b.Label
}
