package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
	"github.com/knotmetrics/jmindex/pkg/storage"
	"github.com/knotmetrics/jmindex/pkg/worker"
)

func testPersister(t *testing.T) (*Persister, Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := Paths{
		Probabilities: filepath.Join(dir, DefaultProbabilitiesName),
		Chunks:        filepath.Join(dir, DefaultChunksName),
		Manifest:      filepath.Join(dir, DefaultManifestName),
	}
	p, err := NewPersister(storage.NewLocalStore(zap.NewNop()), paths, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPersister failed: %v", err)
	}
	return p, paths
}

func testRun(id string) RunRecord {
	return RunRecord{
		RunID:          id,
		Input:          "corpus.json",
		Shards:         4,
		Representation: "JVP",
		Records:        185,
		MergedAt:       time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestPersisterCommitAndReload(t *testing.T) {
	p, paths := testPersister(t)
	ctx := context.Background()
	a, b := sampleResults(t)
	merged := Merge([]worker.Result{a, b})

	manifest, err := p.Commit(ctx, testRun("run-1"), merged, false)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if manifest.Counts[13][2] != 130 {
		t.Errorf("Counts[13][2] = %d, want 130", manifest.Counts[13][2])
	}
	if manifest.Max[13] != (MaxRecord{M: 4, Label: "13n_hyp_jones:5012"}) {
		t.Errorf("Max[13] = %+v", manifest.Max[13])
	}

	reloaded, chunks, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(reloaded.Counts, manifest.Counts) {
		t.Errorf("reloaded Counts = %v, want %v", reloaded.Counts, manifest.Counts)
	}
	if !reloaded.HasRun("run-1") {
		t.Error("reloaded manifest is missing run-1 provenance")
	}
	if !reflect.DeepEqual(chunks, merged.Chunks) {
		t.Errorf("reloaded chunks = %v, want %v", chunks, merged.Chunks)
	}

	// The probability table is derived: position i holds P(m=i+2 | N).
	raw, err := storage.NewLocalStore(nil).Read(ctx, paths.Probabilities)
	if err != nil {
		t.Fatalf("reading probability table failed: %v", err)
	}
	var probs map[string][]float64
	if err := json.Unmarshal(raw, &probs); err != nil {
		t.Fatalf("probability table is not valid JSON: %v", err)
	}
	want13 := []float64{130.0 / 135, 4.0 / 135, 1.0 / 135}
	got13 := probs["13"]
	if len(got13) != len(want13) {
		t.Fatalf("probs[13] = %v, want %v", got13, want13)
	}
	for i := range want13 {
		if math.Abs(got13[i]-want13[i]) > 1e-12 {
			t.Errorf("probs[13][%d] = %g, want %g", i, got13[i], want13[i])
		}
	}
	if want14 := []float64{1}; !reflect.DeepEqual(probs["14"], want14) {
		t.Errorf("probs[14] = %v, want %v", probs["14"], want14)
	}
}

func TestPersisterRefusesDuplicateRun(t *testing.T) {
	p, _ := testPersister(t)
	ctx := context.Background()
	a, _ := sampleResults(t)
	merged := Merge([]worker.Result{a})

	if _, err := p.Commit(ctx, testRun("run-1"), merged, false); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	if _, err := p.Commit(ctx, testRun("run-1"), merged, false); !errors.Is(err, sdkerrors.ErrRunAlreadyMerged) {
		t.Fatalf("duplicate Commit = %v, want ErrRunAlreadyMerged", err)
	}

	// State is untouched by the refused commit.
	manifest, _, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := manifest.Counts[13][2]; got != 100 {
		t.Errorf("Counts[13][2] = %d, want 100", got)
	}
	if len(manifest.Runs) != 1 {
		t.Errorf("Runs = %d entries, want 1", len(manifest.Runs))
	}

	// Force overrides the guard and folds the run in again.
	if _, err := p.Commit(ctx, testRun("run-1"), merged, true); err != nil {
		t.Fatalf("forced Commit failed: %v", err)
	}
	manifest, _, err = p.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := manifest.Counts[13][2]; got != 200 {
		t.Errorf("Counts[13][2] after forced re-merge = %d, want 200", got)
	}
	if len(manifest.Runs) != 2 {
		t.Errorf("Runs = %d entries, want 2", len(manifest.Runs))
	}
}

func TestPersisterAccumulatesAcrossRuns(t *testing.T) {
	p, paths := testPersister(t)
	ctx := context.Background()

	first := Merge([]worker.Result{{
		Counts: map[int]map[int]int64{13: {2: 10}},
		Max:    map[int]worker.MaxEntry{13: {M: 2, ID: mustID(t, "13a_hyp_jones:3")}},
		Chunks: map[int][]worker.Chunk{
			2: {{Crossings: 13, Start: 1, End: 5, Label: "13a_hyp_jones:1"}},
		},
	}})
	second := Merge([]worker.Result{{
		Counts: map[int]map[int]int64{13: {2: 5, 3: 1}},
		Max:    map[int]worker.MaxEntry{13: {M: 3, ID: mustID(t, "13n_hyp_jones:44")}},
		Chunks: map[int][]worker.Chunk{
			2: {{Crossings: 13, Start: 6, End: 9, Label: "13a_hyp_jones:6"}},
		},
	}})

	if _, err := p.Commit(ctx, testRun("run-1"), first, false); err != nil {
		t.Fatalf("Commit run-1 failed: %v", err)
	}
	manifest, err := p.Commit(ctx, testRun("run-2"), second, false)
	if err != nil {
		t.Fatalf("Commit run-2 failed: %v", err)
	}

	if manifest.Counts[13][2] != 15 || manifest.Counts[13][3] != 1 {
		t.Errorf("Counts[13] = %v, want m=2:15 m=3:1", manifest.Counts[13])
	}
	if manifest.Max[13] != (MaxRecord{M: 3, Label: "13n_hyp_jones:44"}) {
		t.Errorf("Max[13] = %+v", manifest.Max[13])
	}

	// Adjacent runs from the two commits collapse into one descriptor.
	raw, err := storage.NewLocalStore(nil).Read(ctx, paths.Chunks)
	if err != nil {
		t.Fatalf("reading chunk file failed: %v", err)
	}
	chunks, err := decodeChunkDoc(raw)
	if err != nil {
		t.Fatalf("decoding chunk file failed: %v", err)
	}
	want := []worker.Chunk{{Crossings: 13, Start: 1, End: 9, Label: "13a_hyp_jones:1"}}
	if !reflect.DeepEqual(chunks[2], want) {
		t.Errorf("chunks[2] = %v, want %v", chunks[2], want)
	}
}

func TestPersisterLoadOnFreshStore(t *testing.T) {
	p, _ := testPersister(t)
	manifest, chunks, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load on fresh store failed: %v", err)
	}
	if len(manifest.Counts) != 0 || len(manifest.Runs) != 0 || len(chunks) != 0 {
		t.Errorf("fresh state not empty: %+v, %v", manifest, chunks)
	}
}

func TestNewPersisterValidation(t *testing.T) {
	if _, err := NewPersister(nil, DefaultPaths(), zap.NewNop()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewPersister(storage.NewLocalStore(nil), Paths{}, zap.NewNop()); err == nil {
		t.Error("expected error for empty paths")
	}
}

func TestManifestProbabilityRowSkipsBelowReportable(t *testing.T) {
	m := newManifest()
	m.Counts[5] = map[int]int64{2: 0}
	if row := m.ProbabilityRow(5); row != nil {
		t.Errorf("ProbabilityRow with zero total = %v, want nil", row)
	}
	if row := m.ProbabilityRow(99); row != nil {
		t.Errorf("ProbabilityRow for unknown N = %v, want nil", row)
	}
}
