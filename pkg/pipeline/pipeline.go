// Package pipeline orchestrates a classification run: split the corpus,
// fan out one worker per shard under a concurrency limit, join, merge the
// per-shard results deterministically and fold them into persisted state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/knotmetrics/jmindex/internal/tracing"
	"github.com/knotmetrics/jmindex/pkg/aggregate"
	"github.com/knotmetrics/jmindex/pkg/concurrency"
	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
	"github.com/knotmetrics/jmindex/pkg/events"
	"github.com/knotmetrics/jmindex/pkg/filter"
	"github.com/knotmetrics/jmindex/pkg/jones"
	"github.com/knotmetrics/jmindex/pkg/splitter"
	"github.com/knotmetrics/jmindex/pkg/storage"
	"github.com/knotmetrics/jmindex/pkg/worker"
)

// Config configures a Pipeline.
type Config struct {
	// InputPath is the corpus file to classify.
	InputPath string

	// Shards is the number of byte-range shards; the concurrency config's
	// worker count when zero.
	Shards int

	// Representation selects the algebraic transform; JVP when empty.
	Representation jones.Representation

	// HalfPower marks corpora whose exponents are half-powers.
	HalfPower bool

	// Order is the Birman-Lin expansion order; jones.DefaultOrder when zero.
	Order int

	// SampleInterval is the chunk run gap tolerance S.
	SampleInterval int64

	// FilterExpr optionally restricts classification to records matching a
	// JavaScript predicate over (label, crossings, seq).
	FilterExpr string

	// MaxConcurrent caps simultaneously classifying shards; the concurrency
	// config's value when zero.
	MaxConcurrent int

	// Store persists state documents; a local filesystem store when nil.
	Store storage.StateStore

	// StatePaths names the three state documents; aggregate.DefaultPaths()
	// when zero.
	StatePaths aggregate.Paths

	// Publisher receives progress events; discarded when nil.
	Publisher events.Publisher

	// RunID tags this run in state provenance; a fresh UUID when empty.
	RunID string

	// Force re-merges a run ID already present in state provenance.
	Force bool

	// SentryDSN enables fatal-error capture when set.
	SentryDSN string

	// Logger is required.
	Logger *zap.Logger
}

// Pipeline runs the full split/classify/merge/persist sequence.
type Pipeline struct {
	cfg           Config
	logger        *zap.Logger
	splitter      *splitter.Splitter
	filter        *filter.Program
	persister     *aggregate.Persister
	publisher     events.Publisher
	limiter       *concurrency.Limiter
	tracer        trace.Tracer
	sentryEnabled bool
}

// New validates the configuration and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.InputPath == "" {
		return nil, errors.New("input path cannot be empty")
	}
	if cfg.Shards < 0 {
		return nil, errors.New("shard count must be >= 0")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	ccfg := concurrency.LoadConfig()
	if cfg.Shards == 0 {
		cfg.Shards = ccfg.Workers
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = ccfg.MaxConcurrent
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewLocalStore(cfg.Logger)
	}
	if cfg.StatePaths == (aggregate.Paths{}) {
		cfg.StatePaths = aggregate.DefaultPaths()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	var prog *filter.Program
	if cfg.FilterExpr != "" {
		var err error
		prog, err = filter.Compile(cfg.FilterExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
	}

	persister, err := aggregate.NewPersister(cfg.Store, cfg.StatePaths, cfg.Logger)
	if err != nil {
		return nil, err
	}

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			cfg.Logger.Warn("Failed to initialize Sentry, continuing without it", zap.Error(err))
		} else {
			sentryEnabled = true
		}
	}

	return &Pipeline{
		cfg:           cfg,
		logger:        cfg.Logger,
		splitter:      splitter.New(cfg.Logger),
		filter:        prog,
		persister:     persister,
		publisher:     cfg.Publisher,
		limiter:       concurrency.NewLimiter(cfg.MaxConcurrent),
		tracer:        otel.Tracer(tracing.TracerName),
		sentryEnabled: sentryEnabled,
	}, nil
}

// Run executes one classification run and returns its report. A FormatError
// from any shard cancels the remaining workers and discards all partial
// results; nothing reaches persisted state.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", p.cfg.RunID),
			attribute.String("input", p.cfg.InputPath),
			attribute.String("representation", string(p.representation())),
		))
	defer span.End()

	report, err := p.run(ctx, span, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.captureFatal(err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "run completed")
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, span trace.Span, start time.Time) (*Report, error) {
	shards, err := p.splitter.Split(p.cfg.InputPath, p.cfg.Shards)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("shards", len(shards)))

	p.logger.Info("Run started",
		zap.String("run_id", p.cfg.RunID),
		zap.String("input", p.cfg.InputPath),
		zap.Int("shards", len(shards)),
		zap.String("representation", string(p.representation())),
		zap.Int("max_concurrent", p.cfg.MaxConcurrent))

	_ = p.publisher.RunStarted(ctx, events.RunStarted{
		RunID:          p.cfg.RunID,
		Input:          p.cfg.InputPath,
		Shards:         len(shards),
		Representation: string(p.representation()),
		StartedAt:      start,
	})

	results, err := p.classify(ctx, shards)
	if err != nil {
		return nil, err
	}

	merged := aggregate.Merge(results)

	manifest, err := p.persister.Commit(ctx, aggregate.RunRecord{
		RunID:          p.cfg.RunID,
		Input:          p.cfg.InputPath,
		Shards:         len(shards),
		Representation: string(p.representation()),
		Records:        merged.Processed,
		MergedAt:       time.Now().UTC(),
	}, merged, p.cfg.Force)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	_ = p.publisher.RunCompleted(ctx, events.RunCompleted{
		RunID:        p.cfg.RunID,
		Processed:    merged.Processed,
		Skipped:      merged.Skipped,
		RecordErrors: merged.RecordErrors,
		Ambiguous:    merged.Ambiguous,
		Duration:     duration,
	})

	report := newReport(p.cfg.RunID, len(shards), duration, merged, manifest)

	p.logger.Info("Run completed",
		zap.String("run_id", p.cfg.RunID),
		zap.Int64("processed", merged.Processed),
		zap.Int64("skipped", merged.Skipped),
		zap.Int64("record_errors", merged.RecordErrors),
		zap.Int64("ambiguous", merged.Ambiguous),
		zap.Duration("duration", duration))
	return report, nil
}

// classify fans one worker goroutine out per shard, bounded by the limiter,
// and joins on a WaitGroup. The first failure cancels the rest.
func (p *Pipeline) classify(ctx context.Context, shards []splitter.Shard) ([]worker.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]worker.Result, len(shards))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i, shard := range shards {
		wg.Add(1)
		go func(i int, shard splitter.Shard) {
			defer wg.Done()

			if err := p.limiter.Acquire(ctx); err != nil {
				fail(err)
				return
			}
			defer p.limiter.Release()

			shardCtx, span := p.tracer.Start(ctx, "pipeline.shard",
				trace.WithAttributes(
					attribute.Int("shard.index", shard.Index),
					attribute.Int64("shard.bytes", shard.Size()),
				))
			defer span.End()

			w, err := worker.New(worker.Config{
				Representation: p.representation(),
				HalfPower:      p.cfg.HalfPower,
				Order:          p.cfg.Order,
				SampleInterval: p.cfg.SampleInterval,
				Filter:         p.filter,
				Logger:         p.logger,
			})
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				fail(err)
				return
			}

			res, err := w.Run(shardCtx, shard)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				fail(fmt.Errorf("shard %d: %w", shard.Index, err))
				return
			}
			span.SetStatus(codes.Ok, "shard completed")
			results[i] = res

			_ = p.publisher.ShardCompleted(ctx, events.ShardCompleted{
				RunID:        p.cfg.RunID,
				Shard:        shard.Index,
				Processed:    res.Processed,
				Skipped:      res.Skipped,
				RecordErrors: res.RecordErrors,
			})
		}(i, shard)
	}
	wg.Wait()

	if firstErr != nil {
		if sdkerrors.IsFormat(firstErr) {
			p.logger.Error("Corpus format error, discarding all partial results",
				zap.String("run_id", p.cfg.RunID),
				zap.Error(firstErr))
		}
		return nil, firstErr
	}
	return results, nil
}

// Close flushes the event publisher.
func (p *Pipeline) Close() error {
	return p.publisher.Close()
}

func (p *Pipeline) representation() jones.Representation {
	if p.cfg.Representation == "" {
		return jones.RepJVP
	}
	return p.cfg.Representation
}

func (p *Pipeline) captureFatal(err error) {
	if !p.sentryEnabled {
		return
	}
	sentry.CaptureException(err)
	sentry.Flush(2 * time.Second)
}
