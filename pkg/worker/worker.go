// Package worker consumes one shard of the corpus, classifies every record
// through the algebra engine and accumulates self-contained local statistics.
// Workers share no mutable state; the orchestrator merges their results after
// the join barrier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
	"github.com/knotmetrics/jmindex/pkg/filter"
	"github.com/knotmetrics/jmindex/pkg/jones"
	"github.com/knotmetrics/jmindex/pkg/knot"
	"github.com/knotmetrics/jmindex/pkg/splitter"
)

// minChunkIndex is the smallest triviality index recorded in chunk
// descriptors; m=1 records dominate the corpus and are tracked only in the
// histogram.
const minChunkIndex = 2

// ambiguousSampleLimit bounds how many insufficient-order identifiers a
// worker keeps for the final report.
const ambiguousSampleLimit = 10

// progressLogEvery is the record interval between progress log lines.
const progressLogEvery = 100000

// Config configures a Worker.
type Config struct {
	// Representation selects the algebraic transform.
	Representation jones.Representation

	// HalfPower marks corpora whose exponents are half-powers.
	HalfPower bool

	// Order is the Birman-Lin expansion order; jones.DefaultOrder when zero.
	Order int

	// SampleInterval is the maximum identifier gap S a chunk run may absorb
	// before a new chunk opens. 1 when zero.
	SampleInterval int64

	// Filter optionally restricts classification to matching records.
	Filter *filter.Program

	// Logger is required; use zap.NewNop in tests.
	Logger *zap.Logger
}

// Chunk is a compressed run of consecutive knot identifiers sharing the same
// crossing number and triviality index.
type Chunk struct {
	Crossings int
	Start     int64
	End       int64
	Label     string
}

// MaxEntry is the running maximum for one crossing number. Ties on M are
// resolved toward the canonically earliest identifier so the outcome does
// not depend on shard boundaries.
type MaxEntry struct {
	M  int
	ID knot.ID
}

// Result is a worker's self-contained output for one shard.
type Result struct {
	// Counts is the local histogram: crossing number -> index -> count.
	Counts map[int]map[int]int64

	// Max is the per-crossing-number maximal index and its identifier.
	Max map[int]MaxEntry

	// Chunks maps a triviality index to its descriptor runs, in encounter
	// order (the corpus is canonically ordered within a shard).
	Chunks map[int][]Chunk

	// Processed counts records that produced a definite index.
	Processed int64

	// Skipped counts records excluded before classification (the unknot,
	// filtered-out records).
	Skipped int64

	// RecordErrors counts malformed records that were skipped.
	RecordErrors int64

	// FullyTrivial counts records whose JVP support holds no deviation.
	FullyTrivial int64

	// Ambiguous counts insufficient-order outcomes on the Birman-Lin path.
	Ambiguous int64

	// AmbiguousSamples holds up to ambiguousSampleLimit ambiguous labels.
	AmbiguousSamples []string
}

func newResult() Result {
	return Result{
		Counts: make(map[int]map[int]int64),
		Max:    make(map[int]MaxEntry),
		Chunks: make(map[int][]Chunk),
	}
}

// Worker classifies the records of a single shard.
type Worker struct {
	cfg    Config
	logger *zap.Logger
}

// New validates the configuration and creates a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Representation == "" {
		cfg.Representation = jones.RepJVP
	}
	if _, err := jones.ParseRepresentation(string(cfg.Representation)); err != nil {
		return nil, err
	}
	if cfg.Order < 0 {
		return nil, errors.New("expansion order must be >= 0")
	}
	if cfg.SampleInterval < 0 {
		return nil, errors.New("sample interval must be >= 0")
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 1
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Worker{cfg: cfg, logger: cfg.Logger}, nil
}

// Run streams the shard record by record, holding O(record) memory. Broken
// shard framing is a FormatError and aborts; malformed individual records
// are counted and skipped.
func (w *Worker) Run(ctx context.Context, shard splitter.Shard) (Result, error) {
	res := newResult()

	rc, err := shard.Open()
	if err != nil {
		return res, sdkerrors.NewFormatError(shard.Start, "failed to open shard", err)
	}
	defer rc.Close()

	var eval *filter.Evaluator
	if w.cfg.Filter != nil {
		eval, err = w.cfg.Filter.NewEvaluator()
		if err != nil {
			return res, fmt.Errorf("failed to instantiate record filter: %w", err)
		}
	}

	dec := json.NewDecoder(rc)
	if err := consumeEnvelope(dec); err != nil {
		return res, sdkerrors.NewFormatError(shard.Start, "invalid shard envelope", err)
	}

	var seen int64
	for dec.More() {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		tok, err := dec.Token()
		if err != nil {
			return res, sdkerrors.NewFormatError(shard.Start+dec.InputOffset(), "broken record stream", err)
		}
		label, ok := tok.(string)
		if !ok {
			return res, sdkerrors.NewFormatError(shard.Start+dec.InputOffset(), fmt.Sprintf("record key is %T, want string", tok), sdkerrors.ErrMalformedInput)
		}

		var raw knot.RawRecord
		if err := dec.Decode(&raw); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				// The value was valid JSON of the wrong shape; the stream
				// is still usable.
				w.recordError(&res, label, err)
				continue
			}
			return res, sdkerrors.NewFormatError(shard.Start+dec.InputOffset(), "unparseable record value", err)
		}

		seen++
		if seen%progressLogEvery == 0 {
			w.logger.Debug("Shard progress",
				zap.Int("shard", shard.Index),
				zap.Int64("records", seen))
		}

		if label == knot.UnknotLabel {
			res.Skipped++
			continue
		}

		rec, err := knot.ParseRecord(label, raw)
		if err != nil {
			w.recordError(&res, label, err)
			continue
		}

		if eval != nil {
			match, err := eval.Match(rec.ID.Label, rec.ID.Crossings, rec.ID.Seq)
			if err != nil {
				w.recordError(&res, label, err)
				continue
			}
			if !match {
				res.Skipped++
				continue
			}
		}

		w.classify(&res, rec)
	}

	// Drain the closing envelope tokens so truncated shards surface here.
	for i := 0; i < 2; i++ {
		if _, err := dec.Token(); err != nil {
			return res, sdkerrors.NewFormatError(shard.Start+dec.InputOffset(), "unterminated shard envelope", err)
		}
	}

	w.logger.Info("Shard complete",
		zap.Int("shard", shard.Index),
		zap.Int64("processed", res.Processed),
		zap.Int64("skipped", res.Skipped),
		zap.Int64("record_errors", res.RecordErrors),
		zap.Int64("ambiguous", res.Ambiguous))
	return res, nil
}

// classify runs the algebra engine on one record and folds the outcome into
// the local statistics.
func (w *Worker) classify(res *Result, rec knot.Record) {
	outcome, err := jones.Classify(rec.Coeffs, w.cfg.Representation, jones.Options{
		HalfPower: w.cfg.HalfPower,
		Order:     w.cfg.Order,
	})
	if err != nil {
		w.recordError(res, rec.ID.Label, err)
		return
	}

	switch outcome.Outcome {
	case jones.OutcomeFullyTrivial:
		res.FullyTrivial++
		return
	case jones.OutcomeInsufficientOrder:
		res.Ambiguous++
		if len(res.AmbiguousSamples) < ambiguousSampleLimit {
			res.AmbiguousSamples = append(res.AmbiguousSamples, rec.ID.Label)
		}
		return
	}

	m := outcome.M
	n := rec.ID.Crossings
	res.Processed++

	row := res.Counts[n]
	if row == nil {
		row = make(map[int]int64)
		res.Counts[n] = row
	}
	row[m]++

	cur, exists := res.Max[n]
	if !exists || m > cur.M || (m == cur.M && rec.ID.Less(cur.ID)) {
		if exists && m > cur.M {
			w.logger.Info("New maximal index",
				zap.Int("crossings", n),
				zap.Int("m", m),
				zap.String("knot", rec.ID.Label))
		}
		res.Max[n] = MaxEntry{M: m, ID: rec.ID}
	}

	if m >= minChunkIndex {
		w.extendChunks(res, m, rec.ID)
	}
}

// extendChunks grows the chunk run for index m: a run absorbs the next
// identifier when it is consecutive, and a new run opens when the crossing
// number changes or the identifier gap exceeds the sample interval.
func (w *Worker) extendChunks(res *Result, m int, id knot.ID) {
	runs := res.Chunks[m]
	if len(runs) == 0 {
		res.Chunks[m] = []Chunk{{Crossings: id.Crossings, Start: id.Seq, End: id.Seq, Label: id.Label}}
		return
	}
	last := &runs[len(runs)-1]
	switch {
	case id.Crossings != last.Crossings || id.Seq > last.End+w.cfg.SampleInterval:
		res.Chunks[m] = append(runs, Chunk{Crossings: id.Crossings, Start: id.Seq, End: id.Seq, Label: id.Label})
	case id.Seq == last.End+1:
		last.End = id.Seq
	}
}

func (w *Worker) recordError(res *Result, label string, err error) {
	res.RecordErrors++
	w.logger.Debug("Skipping record", zap.String("knot", label), zap.Error(err))
}

// consumeEnvelope reads the opening {"data":{ tokens.
func consumeEnvelope(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected '{', got %v", tok)
	}
	tok, err = dec.Token()
	if err != nil {
		return err
	}
	if s, ok := tok.(string); !ok || s != "data" {
		return fmt.Errorf(`expected "data" key, got %v`, tok)
	}
	tok, err = dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected '{' opening data object, got %v", tok)
	}
	return nil
}
