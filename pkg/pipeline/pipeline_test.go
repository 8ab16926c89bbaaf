package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/knotmetrics/jmindex/pkg/aggregate"
	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
	"github.com/knotmetrics/jmindex/pkg/events"
	"github.com/knotmetrics/jmindex/pkg/jones"
	"github.com/knotmetrics/jmindex/pkg/storage"
)

// trefoilJSON is V(q) = -q^4 + q^3 + q, index m=2.
const trefoilJSON = `{"coeffs": {"4": -1, "3": 1, "1": 1}}`

// deepJSON has vanishing first and second power sums, index m=3 under the
// Birman-Lin path.
const deepJSON = `{"coeffs": {"-2": 1, "-1": -2, "1": 2, "2": -1}}`

func writeCorpus(t *testing.T, dir string, labels []string, bodies map[string]string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(`{"data": {`)
	for i, label := range labels {
		if i > 0 {
			sb.WriteString(", ")
		}
		body := bodies[label]
		if body == "" {
			body = trefoilJSON
		}
		fmt.Fprintf(&sb, "%q: %s", label, body)
	}
	sb.WriteString("}}")

	path := filepath.Join(dir, "corpus.json")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write corpus: %v", err)
	}
	return path
}

func statePaths(dir string) aggregate.Paths {
	return aggregate.Paths{
		Probabilities: filepath.Join(dir, aggregate.DefaultProbabilitiesName),
		Chunks:        filepath.Join(dir, aggregate.DefaultChunksName),
		Manifest:      filepath.Join(dir, aggregate.DefaultManifestName),
	}
}

// recordingPublisher counts events for assertions.
type recordingPublisher struct {
	started   int
	shards    int
	completed int
}

func (r *recordingPublisher) RunStarted(context.Context, events.RunStarted) error {
	r.started++
	return nil
}

func (r *recordingPublisher) ShardCompleted(context.Context, events.ShardCompleted) error {
	r.shards++
	return nil
}

func (r *recordingPublisher) RunCompleted(context.Context, events.RunCompleted) error {
	r.completed++
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	labels := make([]string, 0, 24)
	bodies := map[string]string{}
	for i := 1; i <= 20; i++ {
		label := fmt.Sprintf("13a_hyp_jones:%d", i)
		labels = append(labels, label)
		if i%5 == 0 {
			bodies[label] = deepJSON
		}
	}
	for i := 1; i <= 4; i++ {
		labels = append(labels, fmt.Sprintf("14n_hyp_jones:%d", i))
	}
	input := writeCorpus(t, dir, labels, bodies)

	pub := &recordingPublisher{}
	p, err := New(Config{
		InputPath:      input,
		Shards:         3,
		Representation: jones.RepBirmanLin,
		StatePaths:     statePaths(dir),
		Publisher:      pub,
		RunID:          "run-e2e",
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Processed != 24 {
		t.Errorf("Processed = %d, want 24", report.Processed)
	}
	if report.RecordErrors != 0 || report.Ambiguous != 0 {
		t.Errorf("unexpected errors in report: %+v", report)
	}
	if len(report.Crossings) != 2 {
		t.Fatalf("report covers %d crossing numbers, want 2", len(report.Crossings))
	}

	// N=13: 16 records at m=2, 4 at m=3.
	n13 := report.Crossings[0]
	if n13.Crossings != 13 || n13.MaxM != 3 || n13.MaxLabel != "13a_hyp_jones:5" {
		t.Errorf("N=13 summary = %+v", n13)
	}
	var sum float64
	last := 2.0
	for _, prob := range n13.Probabilities {
		sum += prob
		if prob > last {
			t.Errorf("probability row not non-increasing: %v", n13.Probabilities)
		}
		last = prob
	}
	if sum > 1.0000001 {
		t.Errorf("probability row sums to %g > 1", sum)
	}
	if got := n13.Probabilities[0]; got != 16.0/20 {
		t.Errorf("P(m=2|13) = %g, want 0.8", got)
	}

	if pub.started != 1 || pub.completed != 1 || pub.shards == 0 {
		t.Errorf("publisher saw started=%d shards=%d completed=%d", pub.started, pub.shards, pub.completed)
	}

	// The render must not fail and must carry the run ID.
	var out strings.Builder
	if err := report.Render(&out); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out.String(), "run-e2e") {
		t.Errorf("rendered report missing run ID:\n%s", out.String())
	}

	// State files exist and survive a reload.
	persister, err := aggregate.NewPersister(storage.NewLocalStore(nil), statePaths(dir), zap.NewNop())
	if err != nil {
		t.Fatalf("NewPersister failed: %v", err)
	}
	manifest, _, err := persister.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !manifest.HasRun("run-e2e") {
		t.Error("run provenance missing from manifest")
	}
	if manifest.Counts[13][2] != 16 || manifest.Counts[13][3] != 4 {
		t.Errorf("persisted counts = %v", manifest.Counts[13])
	}
}

func TestPipelineShardingInvariance(t *testing.T) {
	labels := make([]string, 0, 30)
	bodies := map[string]string{}
	for i := 1; i <= 30; i++ {
		label := fmt.Sprintf("13a_hyp_jones:%d", i)
		labels = append(labels, label)
		if i%3 == 0 {
			bodies[label] = deepJSON
		}
	}

	counts := make(map[int]map[int]map[int]int64)
	for _, shards := range []int{1, 4} {
		dir := t.TempDir()
		input := writeCorpus(t, dir, labels, bodies)
		p, err := New(Config{
			InputPath:      input,
			Shards:         shards,
			Representation: jones.RepBirmanLin,
			StatePaths:     statePaths(dir),
			RunID:          fmt.Sprintf("run-w%d", shards),
			Logger:         zap.NewNop(),
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("Run with %d shards failed: %v", shards, err)
		}

		persister, _ := aggregate.NewPersister(storage.NewLocalStore(nil), statePaths(dir), zap.NewNop())
		manifest, _, err := persister.Load(context.Background())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		counts[shards] = manifest.Counts
	}

	for n, row := range counts[1] {
		for m, c := range row {
			if counts[4][n][m] != c {
				t.Errorf("count[%d][%d]: 1 shard = %d, 4 shards = %d", n, m, c, counts[4][n][m])
			}
		}
	}
}

func TestPipelineFormatErrorDiscardsRun(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "corpus.json")
	if err := os.WriteFile(input, []byte(`[1, 2, 3]`), 0o644); err != nil {
		t.Fatalf("failed to write corpus: %v", err)
	}

	p, err := New(Config{
		InputPath:  input,
		Shards:     2,
		StatePaths: statePaths(dir),
		RunID:      "run-bad",
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := p.Run(context.Background()); !sdkerrors.IsFormat(err) {
		t.Fatalf("Run = %v, want FormatError", err)
	}

	// Nothing may reach persisted state.
	if _, err := os.Stat(statePaths(dir).Manifest); !os.IsNotExist(err) {
		t.Error("manifest was written despite a fatal format error")
	}
}

func TestPipelineRefusesDuplicateRunID(t *testing.T) {
	dir := t.TempDir()
	input := writeCorpus(t, dir, []string{"13a_hyp_jones:1"}, nil)

	cfg := Config{
		InputPath:  input,
		Shards:     1,
		StatePaths: statePaths(dir),
		RunID:      "run-dup",
		Logger:     zap.NewNop(),
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if _, err := p.Run(context.Background()); !errors.Is(err, sdkerrors.ErrRunAlreadyMerged) {
		t.Fatalf("second Run = %v, want ErrRunAlreadyMerged", err)
	}

	cfg.Force = true
	forced, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := forced.Run(context.Background()); err != nil {
		t.Fatalf("forced Run failed: %v", err)
	}
}

func TestPipelineFilterExpr(t *testing.T) {
	dir := t.TempDir()
	input := writeCorpus(t, dir, []string{
		"13a_hyp_jones:1", "13a_hyp_jones:2", "13a_hyp_jones:3",
	}, nil)

	p, err := New(Config{
		InputPath:  input,
		Shards:     1,
		FilterExpr: "seq >= 3",
		StatePaths: statePaths(dir),
		RunID:      "run-filter",
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Processed != 1 || report.Skipped != 2 {
		t.Errorf("Processed=%d Skipped=%d, want 1/2", report.Processed, report.Skipped)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Shards: 1, Logger: zap.NewNop()}); err == nil {
		t.Error("expected error for empty input path")
	}
	if _, err := New(Config{InputPath: "x.json", Shards: 1}); err == nil {
		t.Error("expected error for nil logger")
	}
	if _, err := New(Config{InputPath: "x.json", FilterExpr: "((", Logger: zap.NewNop()}); err == nil {
		t.Error("expected error for a broken filter expression")
	}
}
