// Package aggregate combines per-shard worker results and any previously
// persisted state into updated global statistics, and owns the persisted
// state's atomic write. Merging is deterministic: it depends only on the
// multiset of results, never on the order shards finished.
package aggregate

import (
	"sort"

	"github.com/knotmetrics/jmindex/pkg/worker"
)

// Merged is the deterministic combination of worker results for one run.
type Merged struct {
	// Counts is the global histogram: crossing number -> index -> count.
	Counts map[int]map[int]int64

	// Max is the per-crossing-number maximal entry under the canonical
	// tie-break.
	Max map[int]worker.MaxEntry

	// Chunks maps a triviality index to collapsed descriptor runs.
	Chunks map[int][]worker.Chunk

	Processed        int64
	Skipped          int64
	RecordErrors     int64
	FullyTrivial     int64
	Ambiguous        int64
	AmbiguousSamples []string
}

// ambiguousSampleLimit bounds the merged sample list.
const ambiguousSampleLimit = 20

// Merge combines worker results elementwise. It is commutative and
// associative over the result multiset, and deliberately not idempotent:
// merging the same shard's result twice doubles its counts. Callers own
// not re-merging a shard within a run; re-merging across runs is guarded by
// provenance in the persisted state.
func Merge(results []worker.Result) Merged {
	out := Merged{
		Counts: make(map[int]map[int]int64),
		Max:    make(map[int]worker.MaxEntry),
		Chunks: make(map[int][]worker.Chunk),
	}

	for _, res := range results {
		for n, row := range res.Counts {
			dst := out.Counts[n]
			if dst == nil {
				dst = make(map[int]int64, len(row))
				out.Counts[n] = dst
			}
			for m, c := range row {
				dst[m] += c
			}
		}
		for n, entry := range res.Max {
			out.Max[n] = pickMax(out.Max[n], entry)
		}
		for m, runs := range res.Chunks {
			out.Chunks[m] = append(out.Chunks[m], runs...)
		}
		out.Processed += res.Processed
		out.Skipped += res.Skipped
		out.RecordErrors += res.RecordErrors
		out.FullyTrivial += res.FullyTrivial
		out.Ambiguous += res.Ambiguous
		out.AmbiguousSamples = append(out.AmbiguousSamples, res.AmbiguousSamples...)
	}

	for m := range out.Chunks {
		out.Chunks[m] = collapseChunks(out.Chunks[m])
	}

	sort.Strings(out.AmbiguousSamples)
	if len(out.AmbiguousSamples) > ambiguousSampleLimit {
		out.AmbiguousSamples = out.AmbiguousSamples[:ambiguousSampleLimit]
	}
	return out
}

// pickMax resolves two candidate maxima for the same crossing number.
// A zero-valued entry (M == 0) never wins against a real one.
func pickMax(a, b worker.MaxEntry) worker.MaxEntry {
	switch {
	case a.M == 0:
		return b
	case b.M == 0:
		return a
	case b.M > a.M:
		return b
	case b.M == a.M && b.ID.Less(a.ID):
		return b
	default:
		return a
	}
}

// collapseChunks sorts runs canonically and re-collapses adjacent or
// overlapping runs sharing a crossing number. The label of a merged run is
// the label of its canonically first member.
func collapseChunks(runs []worker.Chunk) []worker.Chunk {
	if len(runs) < 2 {
		return runs
	}
	sorted := make([]worker.Chunk, len(runs))
	copy(sorted, runs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Crossings != sorted[j].Crossings {
			return sorted[i].Crossings < sorted[j].Crossings
		}
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Crossings == last.Crossings && r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
