package splitter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
)

type corpusDoc struct {
	Data map[string]struct {
		Coeffs map[string]int64 `json:"coeffs"`
	} `json:"data"`
}

// writeCorpus renders records in the given order with varied inter-record
// whitespace so naive cut points land in awkward places.
func writeCorpus(t *testing.T, labels []string, bodies map[string]string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(`{"data": {`)
	for i, label := range labels {
		if i > 0 {
			sb.WriteString(",")
			if i%3 == 0 {
				sb.WriteString("\n  ")
			}
		}
		fmt.Fprintf(&sb, "%q: %s", label, bodies[label])
	}
	sb.WriteString("}}\n")

	path := filepath.Join(t.TempDir(), "corpus.json")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write corpus: %v", err)
	}
	return path
}

func defaultBodies(labels []string) map[string]string {
	bodies := make(map[string]string, len(labels))
	for i, label := range labels {
		// Vary record sizes so byte-proportional cuts hit different spots.
		coeffs := []string{`"1": 1`, `"3": 1`, `"4": -1`}
		for j := 0; j <= i%5; j++ {
			coeffs = append(coeffs, fmt.Sprintf("%q: %d", fmt.Sprint(-5-j), j+1))
		}
		bodies[label] = fmt.Sprintf(`{"coeffs": {%s}}`, strings.Join(coeffs, ", "))
	}
	return bodies
}

func decodeShard(t *testing.T, s Shard) map[string]struct {
	Coeffs map[string]int64 `json:"coeffs"`
} {
	t.Helper()
	rc, err := s.Open()
	if err != nil {
		t.Fatalf("shard %d: open: %v", s.Index, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("shard %d: read: %v", s.Index, err)
	}
	var doc corpusDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("shard %d is not valid JSON: %v\n%s", s.Index, err, raw)
	}
	return doc.Data
}

func TestSplitBijection(t *testing.T) {
	labels := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		labels = append(labels, fmt.Sprintf("13a_hyp_jones:%d", i))
	}
	bodies := defaultBodies(labels)
	path := writeCorpus(t, labels, bodies)

	for _, w := range []int{1, 2, 3, 4, 5, 7, 11, 40, 100} {
		t.Run(fmt.Sprintf("shards_%d", w), func(t *testing.T) {
			shards, err := New(zap.NewNop()).Split(path, w)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if len(shards) > w {
				t.Errorf("got %d shards, want at most %d", len(shards), w)
			}

			seen := make(map[string]int)
			for _, s := range shards {
				for label := range decodeShard(t, s) {
					seen[label]++
				}
			}
			if len(seen) != len(labels) {
				t.Errorf("union has %d records, want %d", len(seen), len(labels))
			}
			for label, n := range seen {
				if n != 1 {
					t.Errorf("record %q appears %d times", label, n)
				}
			}
		})
	}
}

func TestSplitEscapedDelimitersInKeys(t *testing.T) {
	// Identifiers carrying escaped quotes and brace characters must never be
	// mistaken for record boundaries.
	labels := []string{
		`5a_we\"ird:1`,
		`6n_br{ce}:2`,
		`7a_com,ma:3`,
		`8n_}open:4`,
		`9a_plain:5`,
		`10a_b\\ack:6`,
	}
	bodies := defaultBodies(labels)
	path := writeCorpus(t, labels, bodies)

	for w := 1; w <= 6; w++ {
		shards, err := New(zap.NewNop()).Split(path, w)
		if err != nil {
			t.Fatalf("W=%d: Split failed: %v", w, err)
		}
		total := 0
		for _, s := range shards {
			total += len(decodeShard(t, s))
		}
		if total != len(labels) {
			t.Errorf("W=%d: union has %d records, want %d", w, total, len(labels))
		}
	}
}

func TestSplitSingleRecord(t *testing.T) {
	labels := []string{"3_1"}
	path := writeCorpus(t, labels, defaultBodies(labels))

	shards, err := New(zap.NewNop()).Split(path, 4)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	total := 0
	for _, s := range shards {
		total += len(decodeShard(t, s))
	}
	if total != 1 {
		t.Errorf("union has %d records, want 1", total)
	}
}

func TestSplitEmptyData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`{"data": {}}`), 0o644); err != nil {
		t.Fatalf("failed to write corpus: %v", err)
	}
	shards, err := New(zap.NewNop()).Split(path, 3)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	for _, s := range shards {
		if got := decodeShard(t, s); len(got) != 0 {
			t.Errorf("empty corpus yielded records: %v", got)
		}
	}
}

func TestSplitMalformedInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.json")
	if err := os.WriteFile(path, []byte(`[1, 2, 3]`), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	_, err := New(zap.NewNop()).Split(path, 2)
	if err == nil {
		t.Fatal("expected an error for malformed input")
	}
	if !sdkerrors.IsFormat(err) {
		t.Errorf("error %v is not a FormatError", err)
	}
}

func TestSplitNoBoundaryInWindow(t *testing.T) {
	// A record far larger than the scan window leaves the cut with no safe
	// seam before the window closes: fatal, never a silent mis-split.
	big := fmt.Sprintf(`{"coeffs": {%s}}`, strings.Repeat(`"1": 1, `, 2000)+`"2": 1`)
	labels := []string{"16a_hyp_jones:1", "16a_hyp_jones:2", "16a_hyp_jones:3"}
	bodies := map[string]string{labels[0]: big, labels[1]: big, labels[2]: big}
	path := writeCorpus(t, labels, bodies)

	_, err := New(zap.NewNop(), WithScanWindow(64)).Split(path, 2)
	if err == nil {
		t.Fatal("expected FormatError when no boundary fits the window")
	}
	if !sdkerrors.IsFormat(err) {
		t.Errorf("error %v is not a FormatError", err)
	}
}
