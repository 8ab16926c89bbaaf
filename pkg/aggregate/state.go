package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
	"github.com/knotmetrics/jmindex/pkg/knot"
	"github.com/knotmetrics/jmindex/pkg/storage"
	"github.com/knotmetrics/jmindex/pkg/worker"
)

// Default state file names, matching what the downstream visualizer and
// plotter consume.
const (
	DefaultProbabilitiesName = "Jm_probs.json"
	DefaultChunksName        = "knot_ids.json"
	DefaultManifestName      = "Jm_state.json"
)

// minReportedIndex is the smallest index carried in probability rows: row
// position i holds P(m = i+2 | N).
const minReportedIndex = 2

// MaxRecord is the persisted form of a per-crossing-number maximum.
type MaxRecord struct {
	M     int    `json:"m"`
	Label string `json:"label"`
}

// RunRecord tags one merged run in the manifest so the same run is never
// folded in twice.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Input          string    `json:"input"`
	Shards         int       `json:"shards"`
	Representation string    `json:"representation"`
	Records        int64     `json:"records"`
	MergedAt       time.Time `json:"merged_at"`
}

// Manifest is the source of truth persisted across runs: exact counts, the
// running maxima and run provenance. The probability table and chunk file
// are derived documents rendered from it after every merge.
type Manifest struct {
	Version int                   `json:"version"`
	Counts  map[int]map[int]int64 `json:"counts"`
	Max     map[int]MaxRecord     `json:"max"`
	Runs    []RunRecord           `json:"runs"`
}

// manifestVersion is bumped when the manifest layout changes.
const manifestVersion = 1

func newManifest() *Manifest {
	return &Manifest{
		Version: manifestVersion,
		Counts:  make(map[int]map[int]int64),
		Max:     make(map[int]MaxRecord),
	}
}

// HasRun reports whether a run was already merged.
func (m *Manifest) HasRun(runID string) bool {
	for _, r := range m.Runs {
		if r.RunID == runID {
			return true
		}
	}
	return false
}

// ProbabilityRow renders P(m|N) for one crossing number: position i holds
// count[N][i+2] / total[N], up to the per-N maximal index. An empty slice
// means nothing beyond m=1 was observed.
func (m *Manifest) ProbabilityRow(n int) []float64 {
	row := m.Counts[n]
	if len(row) == 0 {
		return nil
	}
	var total int64
	for _, c := range row {
		total += c
	}
	if total == 0 {
		return nil
	}
	maxM := m.Max[n].M
	if maxM < minReportedIndex {
		return nil
	}
	out := make([]float64, 0, maxM-minReportedIndex+1)
	for q := minReportedIndex; q <= maxM; q++ {
		out = append(out, float64(row[q])/float64(total))
	}
	return out
}

// Crossings returns the crossing numbers present in the manifest, ascending.
func (m *Manifest) Crossings() []int {
	out := make([]int, 0, len(m.Counts))
	for n := range m.Counts {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Paths names the three persisted documents inside a StateStore.
type Paths struct {
	Probabilities string
	Chunks        string
	Manifest      string
}

// DefaultPaths returns the conventional file names.
func DefaultPaths() Paths {
	return Paths{
		Probabilities: DefaultProbabilitiesName,
		Chunks:        DefaultChunksName,
		Manifest:      DefaultManifestName,
	}
}

// Persister owns the merge of a run into persisted state and the atomic
// write of all three documents. It is the single writer of the state files.
type Persister struct {
	store  storage.StateStore
	paths  Paths
	logger *zap.Logger
}

// NewPersister creates a Persister.
func NewPersister(store storage.StateStore, paths Paths, logger *zap.Logger) (*Persister, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if paths.Probabilities == "" || paths.Chunks == "" || paths.Manifest == "" {
		return nil, errors.New("all state paths must be set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: store, paths: paths, logger: logger}, nil
}

// Load reads the manifest and previously persisted chunk descriptors.
// Missing state yields an empty manifest: the first run creates it.
func (p *Persister) Load(ctx context.Context) (*Manifest, map[int][]worker.Chunk, error) {
	manifest := newManifest()
	data, err := p.store.Read(ctx, p.paths.Manifest)
	switch {
	case errors.Is(err, sdkerrors.ErrStateNotFound):
		// First run.
	case err != nil:
		return nil, nil, err
	default:
		if err := json.Unmarshal(data, manifest); err != nil {
			return nil, nil, fmt.Errorf("corrupt state manifest %s: %w", p.paths.Manifest, err)
		}
	}

	chunks := make(map[int][]worker.Chunk)
	data, err = p.store.Read(ctx, p.paths.Chunks)
	switch {
	case errors.Is(err, sdkerrors.ErrStateNotFound):
	case err != nil:
		return nil, nil, err
	default:
		chunks, err = decodeChunkDoc(data)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt chunk file %s: %w", p.paths.Chunks, err)
		}
	}

	return manifest, chunks, nil
}

// Commit folds a merged run into the persisted state and rewrites all three
// documents atomically. A run ID already present in the manifest is refused
// with ErrRunAlreadyMerged unless force is set; the in-memory Merge stays
// non-idempotent, this guard only protects cross-run state.
func (p *Persister) Commit(ctx context.Context, run RunRecord, merged Merged, force bool) (*Manifest, error) {
	manifest, prevChunks, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	if manifest.HasRun(run.RunID) && !force {
		return nil, fmt.Errorf("run %s: %w", run.RunID, sdkerrors.ErrRunAlreadyMerged)
	}

	for n, row := range merged.Counts {
		dst := manifest.Counts[n]
		if dst == nil {
			dst = make(map[int]int64, len(row))
			manifest.Counts[n] = dst
		}
		for m, c := range row {
			dst[m] += c
		}
	}
	for n, entry := range merged.Max {
		manifest.Max[n] = pickMaxRecord(manifest.Max[n], MaxRecord{M: entry.M, Label: entry.ID.Label})
	}

	chunks := make(map[int][]worker.Chunk, len(prevChunks)+len(merged.Chunks))
	for m, runs := range prevChunks {
		chunks[m] = append(chunks[m], runs...)
	}
	for m, runs := range merged.Chunks {
		chunks[m] = append(chunks[m], runs...)
	}
	for m := range chunks {
		chunks[m] = collapseChunks(chunks[m])
	}

	manifest.Runs = append(manifest.Runs, run)

	meta := map[string]string{
		"run_id":    run.RunID,
		"merged_at": run.MergedAt.UTC().Format(time.RFC3339),
	}

	// The manifest is the source of truth and goes first; the derived
	// documents are re-rendered from it and can always be regenerated.
	manifestDoc, err := marshalIndented(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := p.store.WriteAtomic(ctx, p.paths.Manifest, manifestDoc, meta); err != nil {
		return nil, err
	}

	probDoc, err := marshalIndented(renderProbabilities(manifest))
	if err != nil {
		return nil, fmt.Errorf("failed to encode probability table: %w", err)
	}
	if err := p.store.WriteAtomic(ctx, p.paths.Probabilities, probDoc, meta); err != nil {
		return nil, err
	}

	chunkDoc, err := marshalIndented(encodeChunkDoc(chunks))
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk descriptors: %w", err)
	}
	if err := p.store.WriteAtomic(ctx, p.paths.Chunks, chunkDoc, meta); err != nil {
		return nil, err
	}

	p.logger.Info("Persisted state updated",
		zap.String("run_id", run.RunID),
		zap.Int("crossing_numbers", len(manifest.Counts)),
		zap.Int("runs_merged", len(manifest.Runs)))
	return manifest, nil
}

func pickMaxRecord(a, b MaxRecord) MaxRecord {
	if a.M == 0 {
		return b
	}
	if b.M == 0 || b.M < a.M {
		return a
	}
	if b.M > a.M {
		return b
	}
	// Equal m: fall back to the canonical identifier order when both labels
	// still parse; otherwise prefer the lexicographically smaller label.
	idA, errA := knot.ParseID(a.Label)
	idB, errB := knot.ParseID(b.Label)
	if errA == nil && errB == nil {
		if idB.Less(idA) {
			return b
		}
		return a
	}
	if b.Label < a.Label {
		return b
	}
	return a
}

// renderProbabilities produces the probability table document:
// crossing-number string -> ordered array, index i = P(m=i+2 | N).
func renderProbabilities(m *Manifest) map[int][]float64 {
	out := make(map[int][]float64, len(m.Counts))
	for _, n := range m.Crossings() {
		if row := m.ProbabilityRow(n); len(row) > 0 {
			out[n] = row
		}
	}
	return out
}

// encodeChunkDoc produces the chunk descriptor document: triviality-index
// string -> array of [crossings, start, end, label] tuples.
func encodeChunkDoc(chunks map[int][]worker.Chunk) map[int][][]any {
	out := make(map[int][][]any, len(chunks))
	for m, runs := range chunks {
		rows := make([][]any, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []any{r.Crossings, r.Start, r.End, r.Label})
		}
		out[m] = rows
	}
	return out
}

func decodeChunkDoc(data []byte) (map[int][]worker.Chunk, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string][][]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	out := make(map[int][]worker.Chunk, len(doc))
	for key, rows := range doc {
		m, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("non-integer index key %q", key)
		}
		runs := make([]worker.Chunk, 0, len(rows))
		for _, row := range rows {
			if len(row) != 4 {
				return nil, fmt.Errorf("chunk tuple for m=%d has %d fields, want 4", m, len(row))
			}
			var c worker.Chunk
			if err := json.Unmarshal(row[0], &c.Crossings); err != nil {
				return nil, fmt.Errorf("chunk crossings: %w", err)
			}
			if err := json.Unmarshal(row[1], &c.Start); err != nil {
				return nil, fmt.Errorf("chunk start: %w", err)
			}
			if err := json.Unmarshal(row[2], &c.End); err != nil {
				return nil, fmt.Errorf("chunk end: %w", err)
			}
			if err := json.Unmarshal(row[3], &c.Label); err != nil {
				return nil, fmt.Errorf("chunk label: %w", err)
			}
			runs = append(runs, c)
		}
		out[m] = runs
	}
	return out, nil
}

func marshalIndented(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}
