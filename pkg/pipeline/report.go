package pipeline

import (
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/knotmetrics/jmindex/pkg/aggregate"
)

// CrossingSummary is the report line for one crossing number.
type CrossingSummary struct {
	Crossings int

	// MaxM and MaxLabel identify the record with the highest index seen.
	MaxM     int
	MaxLabel string

	// Total is the number of records with a confirmed index, all runs.
	Total int64

	// Probabilities holds P(m=i+2 | N) at position i.
	Probabilities []float64
}

// Report is the human-readable outcome of one run, rendered from this run's
// merged totals and the cumulative persisted state.
type Report struct {
	RunID    string
	Shards   int
	Duration time.Duration

	Processed        int64
	Skipped          int64
	RecordErrors     int64
	FullyTrivial     int64
	Ambiguous        int64
	AmbiguousSamples []string

	Crossings []CrossingSummary
}

func newReport(runID string, shards int, duration time.Duration, merged aggregate.Merged, manifest *aggregate.Manifest) *Report {
	r := &Report{
		RunID:            runID,
		Shards:           shards,
		Duration:         duration,
		Processed:        merged.Processed,
		Skipped:          merged.Skipped,
		RecordErrors:     merged.RecordErrors,
		FullyTrivial:     merged.FullyTrivial,
		Ambiguous:        merged.Ambiguous,
		AmbiguousSamples: merged.AmbiguousSamples,
	}

	for _, n := range manifest.Crossings() {
		var total int64
		for _, c := range manifest.Counts[n] {
			total += c
		}
		r.Crossings = append(r.Crossings, CrossingSummary{
			Crossings:     n,
			MaxM:          manifest.Max[n].M,
			MaxLabel:      manifest.Max[n].Label,
			Total:         total,
			Probabilities: manifest.ProbabilityRow(n),
		})
	}
	sort.Slice(r.Crossings, func(i, j int) bool {
		return r.Crossings[i].Crossings < r.Crossings[j].Crossings
	})
	return r
}

// Render writes the report. Counts run into the hundreds of millions, so
// they are grouped for readability.
func (r *Report) Render(w io.Writer) error {
	p := message.NewPrinter(language.English)

	if _, err := p.Fprintf(w, "Run %s: %d shards in %s\n", r.RunID, r.Shards, r.Duration.Round(time.Millisecond)); err != nil {
		return err
	}
	p.Fprintf(w, "  classified %d records (%d skipped, %d record errors, %d fully trivial, %d ambiguous)\n",
		r.Processed, r.Skipped, r.RecordErrors, r.FullyTrivial, r.Ambiguous)

	for _, cs := range r.Crossings {
		p.Fprintf(w, "  N=%d: max m=%d at %s over %d records\n",
			cs.Crossings, cs.MaxM, cs.MaxLabel, cs.Total)
		for i, prob := range cs.Probabilities {
			p.Fprintf(w, "    P(m=%d) = %.6g\n", i+2, prob)
		}
	}

	if len(r.AmbiguousSamples) > 0 {
		p.Fprintf(w, "  ambiguous (insufficient expansion order), e.g.:\n")
		for _, label := range r.AmbiguousSamples {
			fmt.Fprintf(w, "    %s\n", label)
		}
	}
	return nil
}
