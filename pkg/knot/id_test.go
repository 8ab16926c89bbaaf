package knot

import (
	"encoding/json"
	"sort"
	"testing"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		label string
		want  ID
	}{
		{"13a_hyp_jones:71", ID{Label: "13a_hyp_jones:71", Crossings: 13, Variant: "a", Source: "hyp_jones", Seq: 71}},
		{"14n_hyp_jones:9", ID{Label: "14n_hyp_jones:9", Crossings: 14, Variant: "n", Source: "hyp_jones", Seq: 9}},
		{"3_1", ID{Label: "3_1", Crossings: 3, Variant: "", Source: "", Seq: 1}},
		{"13a_123", ID{Label: "13a_123", Crossings: 13, Variant: "a", Source: "", Seq: 123}},
		{"0_1", ID{Label: "0_1", Crossings: 0, Variant: "", Source: "", Seq: 1}},
	}
	for _, tt := range tests {
		got, err := ParseID(tt.label)
		if err != nil {
			t.Errorf("ParseID(%q) failed: %v", tt.label, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseID(%q) = %+v, want %+v", tt.label, got, tt.want)
		}
	}
}

func TestParseIDRejectsMalformed(t *testing.T) {
	for _, label := range []string{"", "abc", "13a", "13a_hyp_jones:", "13a_hyp_jones:x", "13a_x"} {
		if _, err := ParseID(label); err == nil {
			t.Errorf("ParseID(%q) succeeded, want error", label)
		}
	}
}

func TestIDCanonicalOrder(t *testing.T) {
	labels := []string{
		"14a_hyp_jones:1",
		"13n_hyp_jones:2",
		"13a_hyp_jones:10",
		"13a_hyp_jones:2",
		"13a_alt_jones:5",
	}
	ids := make([]ID, 0, len(labels))
	for _, l := range labels {
		id, err := ParseID(l)
		if err != nil {
			t.Fatalf("ParseID(%q) failed: %v", l, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	// Crossings first, then variant, then source, then numeric sequence.
	want := []string{
		"13a_alt_jones:5",
		"13a_hyp_jones:2",
		"13a_hyp_jones:10",
		"13n_hyp_jones:2",
		"14a_hyp_jones:1",
	}
	for i, id := range ids {
		if id.Label != want[i] {
			t.Errorf("position %d = %q, want %q", i, id.Label, want[i])
		}
	}
}

func TestParseRecord(t *testing.T) {
	raw := RawRecord{Coeffs: map[string]json.Number{
		"4": "-1", "3": "1", "1": "1", "0": "0",
	}}
	rec, err := ParseRecord("13a_hyp_jones:71", raw)
	if err != nil {
		t.Fatalf("ParseRecord failed: %v", err)
	}
	if rec.ID.Crossings != 13 || rec.ID.Seq != 71 {
		t.Errorf("ID = %+v", rec.ID)
	}
	// Zero coefficients are dropped.
	if len(rec.Coeffs) != 3 || rec.Coeffs[4] != -1 {
		t.Errorf("Coeffs = %v", rec.Coeffs)
	}
}

func TestParseRecordErrors(t *testing.T) {
	tests := []struct {
		name  string
		label string
		raw   RawRecord
	}{
		{"bad identifier", "nope", RawRecord{Coeffs: map[string]json.Number{"1": "1"}}},
		{"empty coeffs", "13a_hyp_jones:1", RawRecord{}},
		{"non-integer exponent", "13a_hyp_jones:1", RawRecord{Coeffs: map[string]json.Number{"x": "1"}}},
		{"non-integer coefficient", "13a_hyp_jones:1", RawRecord{Coeffs: map[string]json.Number{"1": "1.5"}}},
		{"all zero", "13a_hyp_jones:1", RawRecord{Coeffs: map[string]json.Number{"1": "0", "2": "0"}}},
	}
	for _, tt := range tests {
		if _, err := ParseRecord(tt.label, tt.raw); !sdkerrors.IsRecord(err) {
			t.Errorf("%s: ParseRecord = %v, want RecordError", tt.name, err)
		}
	}
}
